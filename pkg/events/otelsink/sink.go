// Package otelsink exports outward events as OpenTelemetry log records.
package otelsink

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/jhahn/go-zerotap/pkg/events"
)

// ScopeName is the instrumentation scope of emitted records.
const ScopeName = "github.com/jhahn/go-zerotap/events"

// Sink converts events to log records. Codes are never exported: OtpReceived
// and AutofillTriggered records carry the code length only.
type Sink struct {
	logger otellog.Logger
	now    func() time.Time
}

// New returns a Sink emitting through logger. A nil logger yields a sink
// that drops every event.
func New(logger otellog.Logger) events.Sink {
	if logger == nil {
		return events.Discard
	}
	return &Sink{logger: logger, now: time.Now}
}

// NewFromProvider returns a Sink using the provider's logger for ScopeName.
func NewFromProvider(p otellog.LoggerProvider) events.Sink {
	if p == nil {
		return events.Discard
	}
	return New(p.Logger(ScopeName))
}

// Emit builds and emits one record. It never fails.
func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	var rec otellog.Record
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(s.now().UTC())
	rec.SetBody(otellog.StringValue(ev.Type.Name()))
	rec.AddAttributes(otellog.String("event.name", ev.Type.Name()))
	if ev.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", ev.SessionID))
	}

	switch ev.Type {
	case events.TypeOtpError:
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetSeverityText("WARN")
		rec.AddAttributes(
			otellog.String("error_code", string(ev.ErrorCode)),
			otellog.String("error_message", ev.ErrorMessage),
		)
	default:
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetSeverityText("INFO")
		rec.AddAttributes(
			otellog.String("source", ev.Source),
			otellog.Int("code_length", len(ev.Code)),
		)
	}

	s.logger.Emit(ctx, rec)
	return nil
}
