package zerotaptest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jhahn/go-zerotap/pkg/events"
)

// TestingLog creates a writer that logs through t.
func TestingLog(t *testing.T) io.Writer { return (*testLog)(t) }

type testLog testing.T

// Write implements io.Writer.
func (t *testLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	(*testing.T)(t).Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

// NewCertificate returns the DER encoding of a fresh self-signed signing
// certificate.
func NewCertificate(commonName string) ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(25 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	return x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
}

// Recorder is an events.Sink that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	evs    []events.Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit implements events.Sink.
func (r *Recorder) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Handler returns an events.Handler feeding the recorder.
func (r *Recorder) Handler() events.Handler {
	return func(ev events.Event) { _ = r.Emit(context.Background(), ev) }
}

// Events returns the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

// WaitFor blocks until n events were recorded or ctx is done, and returns
// the recorded events.
func (r *Recorder) WaitFor(ctx context.Context, n int) ([]events.Event, error) {
	for {
		if evs := r.Events(); len(evs) >= n {
			return evs, nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return r.Events(), ctx.Err()
		}
	}
}
