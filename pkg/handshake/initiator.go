package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jhahn/go-zerotap/pkg/provider"
)

const (
	// ActionOTPRequested is the intent action of an outbound handshake.
	ActionOTPRequested = "com.whatsapp.otp.OTP_REQUESTED"
	// ExtraCallbackToken is the extra carrying the correlation token, both
	// outbound and when echoed back by the provider.
	ExtraCallbackToken = "_ci_"
)

var (
	// ErrNoProviderReachable indicates no target accepted the handshake.
	ErrNoProviderReachable = errors.New("handshake: no provider reachable")
	// ErrInvalidConfig indicates the initiator configuration is invalid.
	ErrInvalidConfig = errors.New("handshake: invalid configuration")
	// ErrMissingToken indicates a reply carried no correlation token.
	ErrMissingToken = errors.New("handshake: missing correlation token")
	// ErrInvalidToken indicates a token that was not minted by this initiator
	// or was tampered with.
	ErrInvalidToken = errors.New("handshake: invalid correlation token")
	// ErrStaleToken indicates a genuine token that is no longer live: it was
	// superseded, invalidated, already consumed or expired.
	ErrStaleToken = errors.New("handshake: stale correlation token")
	// ErrNilInitiator indicates a nil initiator was used.
	ErrNilInitiator = errors.New("handshake: initiator is nil")
)

// Request is one outbound handshake message addressed to a single provider.
type Request struct {
	Target provider.Identity
	Action string
	Token  string
}

// Extras returns the intent extras of the request.
func (r Request) Extras() map[string]string {
	return map[string]string{ExtraCallbackToken: r.Token}
}

// Broadcaster delivers handshake requests through the OS. Send must not
// block for acknowledgement and must not deliver inbound messages
// synchronously from within the call.
type Broadcaster interface {
	Send(ctx context.Context, req Request) error
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(ctx context.Context, req Request) error

// Send calls f.
func (f BroadcasterFunc) Send(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Config holds initiator configuration.
type Config struct {
	// Issuer identifies the requesting application, normally its package
	// identifier (required).
	Issuer string
	// TokenTTL bounds how long a token stays valid. Zero means the token
	// lives until superseded or invalidated.
	TokenTTL time.Duration
	// Logger receives delivery diagnostics. Default: slog.Default()
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("%w: issuer must not be empty", ErrInvalidConfig)
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("%w: token ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Initiator sends handshakes and owns the single outstanding token.
// It is safe for concurrent use.
type Initiator struct {
	cfg    Config
	sender Broadcaster
	codec  *tokenCodec

	mu          sync.Mutex
	outstanding *Token
}

// NewInitiator creates an initiator delivering through sender.
func NewInitiator(cfg Config, sender Broadcaster) (*Initiator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: broadcaster must not be nil", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	codec, err := newTokenCodec(cfg.Issuer)
	if err != nil {
		return nil, err
	}
	return &Initiator{cfg: cfg, sender: sender, codec: codec}, nil
}

// Initiate mints a fresh token and sends one handshake per target. It
// succeeds if at least one delivery is accepted, in which case the new
// token replaces any outstanding one. Delivery is not retried.
func (i *Initiator) Initiate(ctx context.Context, targets []provider.Identity) (*Token, error) {
	if i == nil {
		return nil, ErrNilInitiator
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrNoProviderReachable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := i.codec.mint(targets, i.cfg.Now(), i.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	// The previous token dies as soon as a new attempt starts, whatever its
	// outcome.
	i.Invalidate()

	var (
		delivered []provider.Identity
		errs      []error
	)
	for _, target := range targets {
		req := Request{Target: target, Action: ActionOTPRequested, Token: tok.Value}
		if err := i.send(ctx, req); err != nil {
			i.cfg.Logger.Warn("handshake delivery failed", "provider", target, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		i.cfg.Logger.Debug("handshake sent", "provider", target, "token_id", tok.ID)
		delivered = append(delivered, target)
	}

	if len(delivered) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoProviderReachable, errors.Join(errs...))
	}

	tok.Targets = delivered
	i.mu.Lock()
	i.outstanding = tok
	i.mu.Unlock()
	return tok, nil
}

// send delivers one request, converting a broadcaster panic into an error.
func (i *Initiator) send(ctx context.Context, req Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handshake: broadcaster panicked: %v", p)
		}
	}()
	return i.sender.Send(ctx, req)
}

// Consume validates an echoed token value against the outstanding token and
// spends it. A second Consume of the same value fails with ErrStaleToken.
func (i *Initiator) Consume(value string) (*Token, error) {
	if i == nil {
		return nil, ErrNilInitiator
	}
	now := i.cfg.Now()
	id, err := i.codec.parse(value, now)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.outstanding == nil || i.outstanding.ID != id {
		return nil, ErrStaleToken
	}
	if i.outstanding.Expired(now) {
		i.outstanding = nil
		return nil, fmt.Errorf("%w: expired", ErrStaleToken)
	}
	tok := i.outstanding
	i.outstanding = nil
	return tok, nil
}

// Invalidate drops the outstanding token, if any.
func (i *Initiator) Invalidate() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.outstanding = nil
	i.mu.Unlock()
}

// Outstanding returns a copy of the live token, or nil.
func (i *Initiator) Outstanding() *Token {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.outstanding == nil {
		return nil
	}
	tok := *i.outstanding
	tok.Targets = append([]provider.Identity(nil), i.outstanding.Targets...)
	return &tok
}
