//go:build integration

package zerotap_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/jhahn/go-zerotap/pkg/api"
	"github.com/jhahn/go-zerotap/pkg/events"
	"github.com/jhahn/go-zerotap/pkg/events/otelsink"
	"github.com/jhahn/go-zerotap/pkg/otp"
	"github.com/jhahn/go-zerotap/pkg/provider"
	"github.com/jhahn/go-zerotap/pkg/session"
	"github.com/jhahn/go-zerotap/pkg/signature"
	"github.com/jhahn/go-zerotap/pkg/zerotaptest"
)

type memExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memExporter) Export(_ context.Context, recs []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range recs {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memExporter) Shutdown(context.Context) error   { return nil }
func (e *memExporter) ForceFlush(context.Context) error { return nil }

func (e *memExporter) bodies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.Body().AsString())
	}
	return out
}

func newService(t *testing.T, device *zerotaptest.Device, policy *otp.Policy, sink events.Sink, timeout time.Duration) *api.Service {
	t.Helper()
	cert, err := zerotaptest.NewCertificate("com.example.integration")
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	svc, err := api.NewService(api.Config{
		PackageName:  "com.example.integration",
		Prober:       device,
		Broadcaster:  device,
		Certificates: signature.Static{cert},
		Validator:    policy,
		Timeout:      timeout,
		Sink:         sink,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	device.Connect(svc.Deliver)
	t.Cleanup(func() {
		device.Wait()
		_ = svc.Close()
	})
	return svc
}

func TestIntegration_ZeroTap_EndToEndWithExport(t *testing.T) {
	secret, err := otp.GenerateSecret()
	if err != nil {
		t.Fatalf("Failed to generate secret: %v", err)
	}

	for _, id := range provider.Known() {
		t.Run(string(id), func(t *testing.T) {
			policy, err := otp.NewPolicy(otp.Config{Mode: otp.ModeTOTP, Secret: secret, Digits: 6})
			if err != nil {
				t.Fatalf("Failed to create policy: %v", err)
			}
			exp := &memExporter{}
			lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
			t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })

			device := zerotaptest.NewDevice()
			p := zerotaptest.NewProvider(id, policy)
			p.Latency = 20 * time.Millisecond
			device.Attach(p)
			svc := newService(t, device, policy, otelsink.NewFromProvider(lp), 0)

			rec := zerotaptest.NewRecorder()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if res := svc.RequestCode(ctx, rec.Handler(), rec.Handler()); !res.Success {
				t.Fatalf("RequestCode failed: %s", res.Message)
			}
			evs, err := rec.WaitFor(ctx, 1)
			if err != nil {
				t.Fatalf("No event: %v", err)
			}
			if evs[0].Type != events.TypeOtpReceived || evs[0].Source != string(id) {
				t.Fatalf("Unexpected event: %+v", evs[0])
			}
			if got := p.Delivered(); len(got) != 1 || got[0] != evs[0].Code {
				t.Errorf("Delivered %v, received %q", got, evs[0].Code)
			}
			if st := svc.Session(); st.State != session.StateResolved || st.Outcome != session.OutcomeSuccess {
				t.Errorf("Session = %+v", st)
			}

			bodies := exp.bodies()
			if len(bodies) != 1 || bodies[0] != events.TypeOtpReceived.Name() {
				t.Errorf("Exported records = %v", bodies)
			}
		})
	}
}

func TestIntegration_ZeroTap_SpoofFlood(t *testing.T) {
	policy, err := otp.NewPolicy(otp.Config{Digits: 6})
	if err != nil {
		t.Fatalf("Failed to create policy: %v", err)
	}
	device := zerotaptest.NewDevice()
	p := zerotaptest.NewProvider(provider.WhatsApp, zerotaptest.FixedCode("482913"))
	p.Latency = 300 * time.Millisecond
	device.Attach(p)
	svc := newService(t, device, policy, nil, 0)

	received := zerotaptest.NewRecorder()
	errs := zerotaptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if res := svc.RequestCode(ctx, received.Handler(), errs.Handler()); !res.Success {
		t.Fatalf("RequestCode failed: %s", res.Message)
	}

	const spoofs = 50
	for i := 0; i < spoofs; i++ {
		device.Broadcast(session.Intent{
			Action:  session.ActionOTPRetrieved,
			Creator: "com.example.malware",
			Extras: map[string]any{
				session.ExtraCode:        "000000",
				session.ExtraPackageName: string(provider.WhatsApp),
			},
		}, 0)
	}

	evs, err := received.WaitFor(ctx, 1)
	if err != nil {
		t.Fatalf("No code received: %v", err)
	}
	if evs[0].Code != "482913" || evs[0].Source != string(provider.WhatsApp) {
		t.Errorf("Unexpected event: %+v", evs[0])
	}
	device.Wait()

	if got := len(received.Events()); got != 1 {
		t.Errorf("Received %d codes, want 1", got)
	}
	for _, ev := range errs.Events() {
		if ev.ErrorCode != events.ErrorUnauthorizedSender {
			t.Errorf("Unexpected error event: %+v", ev)
		}
	}
	if got := len(errs.Events()); got != spoofs {
		t.Errorf("Reported %d spoofed broadcasts, want %d", got, spoofs)
	}
}

func TestIntegration_ZeroTap_TimeoutThenRetry(t *testing.T) {
	policy, err := otp.NewPolicy(otp.Config{Digits: 6})
	if err != nil {
		t.Fatalf("Failed to create policy: %v", err)
	}
	device := zerotaptest.NewDevice(provider.WhatsAppBusiness)
	svc := newService(t, device, policy, nil, 100*time.Millisecond)

	rec := zerotaptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if res := svc.RequestCode(ctx, rec.Handler(), rec.Handler()); !res.Success {
		t.Fatalf("RequestCode failed: %s", res.Message)
	}
	evs, err := rec.WaitFor(ctx, 1)
	if err != nil {
		t.Fatalf("No timeout event: %v", err)
	}
	if evs[0].Type != events.TypeOtpError || evs[0].ErrorCode != events.ErrorReceive {
		t.Fatalf("Unexpected event: %+v", evs[0])
	}
	if st := svc.Session(); st.Outcome != session.OutcomeFailure {
		t.Errorf("Session = %+v", st)
	}

	// The provider shows up; a new request succeeds.
	device.Attach(zerotaptest.NewProvider(provider.WhatsAppBusiness, zerotaptest.FixedCode("1234")))
	rec2 := zerotaptest.NewRecorder()
	if res := svc.RequestCode(ctx, rec2.Handler(), rec2.Handler()); !res.Success {
		t.Fatalf("RequestCode failed: %s", res.Message)
	}
	evs, err = rec2.WaitFor(ctx, 1)
	if err != nil {
		t.Fatalf("No code received: %v", err)
	}
	if evs[0].Type != events.TypeOtpReceived || evs[0].Code != "1234" {
		t.Errorf("Unexpected event: %+v", evs[0])
	}
}
