package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jhahn/go-zerotap/pkg/events"
	"github.com/jhahn/go-zerotap/pkg/handshake"
	"github.com/jhahn/go-zerotap/pkg/provider"
	"github.com/jhahn/go-zerotap/pkg/session"
	"github.com/jhahn/go-zerotap/pkg/signature"
)

var (
	// ErrInvalidConfig indicates the service configuration is invalid.
	ErrInvalidConfig = errors.New("api: invalid configuration")
	// ErrNilService indicates a nil service was used.
	ErrNilService = errors.New("api: service is nil")
	// ErrNoCertificateSource indicates a signature query without a
	// configured certificate source.
	ErrNoCertificateSource = errors.New("api: no certificate source configured")
)

// Config wires the service to the host platform.
type Config struct {
	// PackageName is the package identifier of the requesting application
	// (required).
	PackageName string
	// Prober checks provider installation (required).
	Prober provider.PackageProber
	// Broadcaster delivers handshakes (required). It must not deliver
	// inbound messages synchronously from Send.
	Broadcaster handshake.Broadcaster
	// Certificates supplies the application's signing certificates for the
	// signature queries. Optional.
	Certificates signature.CertificateSource
	// Validator checks delivered codes, typically an *otp.Policy. Optional.
	Validator session.CodeValidator
	// Timeout bounds how long a session listens. Zero waits indefinitely.
	Timeout time.Duration
	// TokenTTL bounds the lifetime of a handshake token. Zero disables expiry.
	TokenTTL time.Duration
	// Sink receives every event in addition to subscribers, e.g. an
	// otelsink exporter. Optional.
	Sink events.Sink
	// Logger receives diagnostics. Default: slog.Default()
	Logger *slog.Logger
}

func (c Config) validate() error {
	if c.PackageName == "" {
		return fmt.Errorf("%w: package name must not be empty", ErrInvalidConfig)
	}
	if c.Prober == nil {
		return fmt.Errorf("%w: prober must not be nil", ErrInvalidConfig)
	}
	if c.Broadcaster == nil {
		return fmt.Errorf("%w: broadcaster must not be nil", ErrInvalidConfig)
	}
	return nil
}

// Service is the command surface exposed to the host application. It owns
// one session state machine and the event bus consumers subscribe to.
type Service struct {
	cfg        Config
	registry   *provider.Registry
	initiator  *handshake.Initiator
	machine    *session.Machine
	bus        *events.Bus
	dispatcher *session.Dispatcher
	receiver   *session.Receiver

	mu        sync.Mutex
	listeners []func()
}

// NewService builds a Service from the supplied configuration.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	registry, err := provider.NewRegistry(cfg.Prober, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	initiator, err := handshake.NewInitiator(handshake.Config{
		Issuer:   cfg.PackageName,
		TokenTTL: cfg.TokenTTL,
		Logger:   cfg.Logger,
	}, cfg.Broadcaster)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	bus := events.NewBus()
	var sink events.Sink = bus
	if cfg.Sink != nil {
		sink = events.Multi{bus, cfg.Sink}
	}

	machine, err := session.NewMachine(session.Config{
		Timeout:   cfg.Timeout,
		Validator: cfg.Validator,
		Logger:    cfg.Logger,
	}, initiator, sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	dispatcher, err := session.NewDispatcher(machine, session.DispatcherConfig{
		Sink:   sink,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &Service{
		cfg:        cfg,
		registry:   registry,
		initiator:  initiator,
		machine:    machine,
		bus:        bus,
		dispatcher: dispatcher,
		receiver:   session.NewReceiver(dispatcher, sink, cfg.Logger),
	}, nil
}

// IsProviderInstalled reports whether any known provider is installed.
func (s *Service) IsProviderInstalled(ctx context.Context) bool {
	if s == nil {
		return false
	}
	return s.registry.IsInstalled(ctx)
}

// InstalledProviderIdentities lists the installed provider identities.
func (s *Service) InstalledProviderIdentities(ctx context.Context) []string {
	if s == nil {
		return nil
	}
	return provider.Strings(s.registry.Installed(ctx))
}

// InitiateHandshake sends a handshake to every installed provider and
// starts listening. It reports whether at least one provider accepted
// delivery.
func (s *Service) InitiateHandshake(ctx context.Context) (bool, error) {
	if s == nil {
		return false, ErrNilService
	}
	if _, err := s.machine.Request(ctx, s.registry.Installed(ctx)); err != nil {
		return false, err
	}
	return true, nil
}

// Fingerprint is the result of a signature fingerprint query.
type Fingerprint struct {
	Fingerprint       string
	PackageIdentifier string
}

// SignatureFingerprint derives the fingerprint of the first signing
// certificate.
func (s *Service) SignatureFingerprint(ctx context.Context) (Fingerprint, error) {
	if s == nil {
		return Fingerprint{}, ErrNilService
	}
	cert, err := s.firstCertificate(ctx)
	if err != nil {
		return Fingerprint{}, err
	}
	fp, err := signature.Fingerprint(s.cfg.PackageName, cert)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Fingerprint: fp, PackageIdentifier: s.cfg.PackageName}, nil
}

// LegacySignatureHash derives the legacy hash of the first signing
// certificate.
func (s *Service) LegacySignatureHash(ctx context.Context) (string, error) {
	if s == nil {
		return "", ErrNilService
	}
	cert, err := s.firstCertificate(ctx)
	if err != nil {
		return "", err
	}
	return signature.LegacyHash(cert)
}

func (s *Service) firstCertificate(ctx context.Context) (cert []byte, err error) {
	if s.cfg.Certificates == nil {
		return nil, ErrNoCertificateSource
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("api: certificate source panicked: %v", p)
		}
	}()
	certs, err := s.cfg.Certificates.SigningCertificates(ctx)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, signature.ErrNoCertificates
	}
	return certs[0], nil
}

// RequestResult is returned by RequestCode.
type RequestResult struct {
	Success bool
	Message string
}

// RequestOption customizes RequestCode.
type RequestOption func(*requestOptions)

type requestOptions struct {
	onAutofill events.Handler
}

// WithAutofill also subscribes h to AutofillTriggered events.
func WithAutofill(h events.Handler) RequestOption {
	return func(o *requestOptions) {
		o.onAutofill = h
	}
}

// RequestCode checks for an installed provider, sends the handshake and
// starts listening. onReceived and onError replace the listeners of any
// earlier RequestCode call. Without an installed provider no handshake is
// sent and Success is false.
func (s *Service) RequestCode(ctx context.Context, onReceived, onError events.Handler, opts ...RequestOption) RequestResult {
	if s == nil {
		return RequestResult{Message: ErrNilService.Error()}
	}
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearListenersLocked()

	installed := s.registry.Installed(ctx)
	if len(installed) == 0 {
		s.machine.Stop()
		return RequestResult{Message: session.ErrNoProviderInstalled.Error()}
	}

	s.listeners = append(s.listeners,
		s.bus.Subscribe(onReceived, events.TypeOtpReceived),
		s.bus.Subscribe(onError, events.TypeOtpError),
		s.bus.Subscribe(o.onAutofill, events.TypeAutofillTriggered),
	)

	if _, err := s.machine.Request(ctx, installed); err != nil {
		s.clearListenersLocked()
		return RequestResult{Message: err.Error()}
	}
	return RequestResult{Success: true, Message: fmt.Sprintf("listening for code from %d provider(s)", len(installed))}
}

// StopListening stops the session and removes the RequestCode listeners.
func (s *Service) StopListening() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Stop()
	s.clearListenersLocked()
}

func (s *Service) clearListenersLocked() {
	for _, unsubscribe := range s.listeners {
		unsubscribe()
	}
	s.listeners = nil
}

// Subscribe registers h for the given event types, or all types when none
// are given. The returned func unsubscribes.
func (s *Service) Subscribe(h events.Handler, types ...events.Type) func() {
	if s == nil {
		return func() {}
	}
	return s.bus.Subscribe(h, types...)
}

// Deliver hands an inbound OS intent to the session. It is the single entry
// point for the reply, broadcast and autofill receivers and may be called
// from any goroutine.
func (s *Service) Deliver(ctx context.Context, in session.Intent) error {
	if s == nil {
		return ErrNilService
	}
	return s.receiver.Receive(ctx, in)
}

// Session returns a snapshot of the current session.
func (s *Service) Session() session.Session {
	if s == nil {
		return session.Session{}
	}
	return s.machine.Session()
}

// DeviceInfo describes the host for debugging.
type DeviceInfo struct {
	PackageName    string
	OS             string
	Arch           string
	RuntimeVersion string
}

// DeviceInfo returns debugging information about the host.
func (s *Service) DeviceInfo() DeviceInfo {
	info := DeviceInfo{
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
	}
	if s != nil {
		info.PackageName = s.cfg.PackageName
	}
	return info
}

// Close stops the session, removes every subscriber and stops the inbound
// dispatcher.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.StopListening()
	s.bus.Clear()
	return s.dispatcher.Close()
}
