package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhahn/go-zerotap/pkg/events"
	"github.com/jhahn/go-zerotap/pkg/handshake"
)

// Intent actions and extras used by the provider.
const (
	// ActionRequestAck is the direct reply to a handshake. It echoes the
	// correlation token in handshake.ExtraCallbackToken.
	ActionRequestAck = "com.whatsapp.otp.OTP_REQUEST_ACK"
	// ActionOTPRetrieved broadcasts a code.
	ActionOTPRetrieved = "com.whatsapp.otp.OTP_RETRIEVED"
	// ActionAutofillCode asks the application to offer "tap to fill".
	ActionAutofillCode = "com.whatsapp.otp.AUTOFILL_CODE"

	// ExtraCode carries the code in broadcast and autofill intents.
	ExtraCode = "code"
	// ExtraPackageName is a sender name some providers embed in the payload.
	// It is never used as the sender identity.
	ExtraPackageName = "package_name"
)

// Kind identifies the inbound channel a message arrived on.
type Kind int

const (
	// KindReply is the direct reply to a handshake.
	KindReply Kind = iota + 1
	// KindBroadcast carries a code.
	KindBroadcast
	// KindAutofill is the secondary "tap to fill" trigger.
	KindAutofill
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindBroadcast:
		return "broadcast"
	case KindAutofill:
		return "autofill"
	default:
		return "unknown"
	}
}

// InboundMessage is a message from a provider process. Sender is the
// creator identity verified by the OS delivery mechanism, never a value
// taken from the payload.
type InboundMessage struct {
	Kind       Kind
	Sender     string
	Payload    map[string]string
	ReceivedAt time.Time
	// Malformed is set when the intent could not be fully translated. The
	// machine judges it only after the state and sender checks.
	Malformed error
}

// Token returns the echoed correlation token, if any.
func (m InboundMessage) Token() string {
	return m.Payload[handshake.ExtraCallbackToken]
}

// Code returns the code extra and whether it was present at all.
func (m InboundMessage) Code() (string, bool) {
	code, ok := m.Payload[ExtraCode]
	return code, ok
}

// Intent is a raw OS message as handed over by the host platform. Creator
// is the sending package as reported by the OS.
type Intent struct {
	Action  string
	Creator string
	Extras  map[string]any
}

var actionKinds = map[string]Kind{
	ActionRequestAck:   KindReply,
	ActionOTPRetrieved: KindBroadcast,
	ActionAutofillCode: KindAutofill,
}

// Translate converts an OS intent into an InboundMessage. An unknown action
// leaves Kind zero and, like a non-string extra, sets Malformed to an error
// wrapping ErrInvalidMessage. Sender is always the OS creator.
func Translate(in Intent, receivedAt time.Time) InboundMessage {
	msg := InboundMessage{
		Kind:       actionKinds[in.Action],
		Sender:     in.Creator,
		Payload:    make(map[string]string, len(in.Extras)),
		ReceivedAt: receivedAt,
	}
	if msg.Kind == 0 {
		msg.Malformed = fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, in.Action)
	}

	for k, v := range in.Extras {
		switch s := v.(type) {
		case string:
			msg.Payload[k] = s
		case nil:
		default:
			if msg.Malformed == nil {
				msg.Malformed = fmt.Errorf("%w: extra %q is %T, not a string", ErrInvalidMessage, k, v)
			}
		}
	}
	return msg
}

// Submitter accepts translated messages, typically a Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, msg InboundMessage) error
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, msg InboundMessage) error

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// Receiver is the OS boundary for inbound intents. Malformed intents are
// forwarded for the state machine to judge; delivery failures and panics
// are reported as OtpError events here.
type Receiver struct {
	target Submitter
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewReceiver creates a receiver that forwards translated messages to
// target and reports boundary failures to sink.
func NewReceiver(target Submitter, sink events.Sink, logger *slog.Logger) *Receiver {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{target: target, sink: sink, logger: logger, now: time.Now}
}

// Receive translates and forwards one intent. A returned error has already
// been reported as an event.
func (r *Receiver) Receive(ctx context.Context, in Intent) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := r.now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrProcessing, p)
			r.report(ctx, now, events.ErrorProcessing, err)
		}
	}()

	msg := Translate(in, now)
	if r.target == nil {
		err = fmt.Errorf("%w: no receiver target", ErrReceive)
		r.report(ctx, now, events.ErrorReceive, err)
		return err
	}
	if err := r.target.Submit(ctx, msg); err != nil {
		if !errors.Is(err, ErrReceive) {
			err = fmt.Errorf("%w: %w", ErrReceive, err)
		}
		r.report(ctx, now, events.ErrorReceive, err)
		return err
	}
	return nil
}

func (r *Receiver) report(ctx context.Context, at time.Time, code events.ErrorCode, err error) {
	r.logger.Warn("inbound intent rejected", "error_code", code, "error", err)
	if emitErr := r.sink.Emit(ctx, events.Error(at, "", code, err.Error())); emitErr != nil {
		r.logger.Error("failed to emit event", "error", emitErr)
	}
}
