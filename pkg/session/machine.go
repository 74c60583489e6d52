package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/ratelimit"

	"github.com/jhahn/go-zerotap/pkg/events"
	"github.com/jhahn/go-zerotap/pkg/handshake"
	"github.com/jhahn/go-zerotap/pkg/provider"
)

var (
	// ErrNoProviderInstalled indicates a request without any known target.
	ErrNoProviderInstalled = errors.New("session: no provider installed")
	// ErrHandshakeFailed indicates the handshake could not be delivered.
	ErrHandshakeFailed = errors.New("session: handshake failed")
	// ErrUnauthorizedSender indicates a message from outside the known
	// provider identities.
	ErrUnauthorizedSender = errors.New("session: unauthorized sender")
	// ErrTimeout indicates no code arrived within Config.Timeout.
	ErrTimeout = errors.New("session: timed out waiting for code")
	// ErrNotListening indicates a message arrived while no session was
	// listening.
	ErrNotListening = errors.New("session: not listening")
	// ErrEmptyCode indicates a code broadcast with an empty code.
	ErrEmptyCode = errors.New("session: code is empty")
	// ErrInvalidMessage indicates a malformed inbound message.
	ErrInvalidMessage = errors.New("session: invalid message")
	// ErrProcessing indicates an unexpected failure while handling a message.
	ErrProcessing = errors.New("session: processing error")
	// ErrReceive indicates a message could not be received.
	ErrReceive = errors.New("session: receive error")
	// ErrInvalidConfig indicates the machine configuration is invalid.
	ErrInvalidConfig = errors.New("session: invalid configuration")
	// ErrNilMachine indicates a nil machine was used.
	ErrNilMachine = errors.New("session: machine is nil")
)

// State is the lifecycle state of the session.
type State int

const (
	// StateIdle has no session.
	StateIdle State = iota
	// StateHandshakeSent is held while the handshake is being delivered.
	StateHandshakeSent
	// StateListening accepts replies, codes and autofill triggers.
	StateListening
	// StateResolved is terminal until Reset, Stop or the next Request.
	StateResolved
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateListening:
		return "listening"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Outcome qualifies a resolved session.
type Outcome int

const (
	// OutcomeNone is the outcome of a session that is not resolved.
	OutcomeNone Outcome = iota
	// OutcomeSuccess means a valid code was received.
	OutcomeSuccess
	// OutcomeFailure means the handshake failed or the session timed out.
	OutcomeFailure
)

// Session is a snapshot of the current session.
type Session struct {
	ID      string
	State   State
	Outcome Outcome
	// Err is the failure reason of a session resolved with OutcomeFailure.
	Err     error
	Targets []provider.Identity
	TokenID string
	// Acknowledged is set once a provider replied with the live token.
	Acknowledged    bool
	Code            string
	Source          string
	HandshakeSentAt time.Time
	ResolvedAt      time.Time
}

// Disposition says what Handle did with a message.
type Disposition int

const (
	// Discarded messages changed nothing and emitted nothing.
	Discarded Disposition = iota
	// Reported messages changed nothing but emitted an OtpError event.
	Reported
	// Acknowledged replies matched the live token.
	Acknowledged
	// Autofilled triggers emitted an AutofillTriggered event.
	Autofilled
	// Resolved broadcasts resolved the session and emitted OtpReceived.
	Resolved
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	switch d {
	case Discarded:
		return "discarded"
	case Reported:
		return "reported"
	case Acknowledged:
		return "acknowledged"
	case Autofilled:
		return "autofilled"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Result describes the handling of one inbound message.
type Result struct {
	Disposition Disposition
	State       State
	// Err is the reason a message was discarded or reported.
	Err error
}

// Handshaker sends handshakes and owns the correlation token.
// *handshake.Initiator implements it.
type Handshaker interface {
	Initiate(ctx context.Context, targets []provider.Identity) (*handshake.Token, error)
	Consume(value string) (*handshake.Token, error)
	Invalidate()
}

// CodeValidator checks a delivered code. *otp.Policy implements it.
type CodeValidator interface {
	ValidateCode(ctx context.Context, code string) error
}

// Config holds state machine configuration.
type Config struct {
	// Timeout resolves a listening session as failed once it elapses.
	// Zero waits until a code arrives or Stop is called.
	Timeout time.Duration
	// Validator checks delivered codes. Nil accepts any non-empty code.
	Validator CodeValidator
	// Logger receives diagnostics. Default: slog.Default()
	Logger *slog.Logger
	// DiscardLogRate is the sustained number of discard log lines per
	// second. Default: 1
	DiscardLogRate float64
	// DiscardLogBurst is the number of discard log lines allowed in a
	// burst. Default: 10
	DiscardLogBurst int64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c Config) validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.DiscardLogRate < 0 || c.DiscardLogBurst < 0 {
		return fmt.Errorf("%w: discard log limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Machine is the single-session OTP state machine. Every transition runs
// under one mutex; events are emitted after it is released so sinks may
// call back into the machine. It is safe for concurrent use.
type Machine struct {
	cfg      Config
	hs       Handshaker
	sink     events.Sink
	discards *discardLog

	mu    sync.Mutex
	gen   uint64
	cur   Session
	timer *time.Timer
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config, hs Handshaker, sink events.Sink) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hs == nil {
		return nil, fmt.Errorf("%w: handshaker must not be nil", ErrInvalidConfig)
	}
	if sink == nil {
		sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DiscardLogRate == 0 {
		cfg.DiscardLogRate = 1
	}
	if cfg.DiscardLogBurst == 0 {
		cfg.DiscardLogBurst = 10
	}

	return &Machine{
		cfg:  cfg,
		hs:   hs,
		sink: sink,
		discards: &discardLog{
			logger: cfg.Logger,
			bucket: ratelimit.NewBucketWithRate(cfg.DiscardLogRate, cfg.DiscardLogBurst),
		},
	}, nil
}

// Request starts a new session: any active session is stopped first, then
// a handshake is sent to the known identities among targets. On delivery
// failure the session resolves with ErrHandshakeFailed, which is also
// returned.
//
// The handshake is sent while the machine is locked, so messages that race
// the handshake wait for it to finish and are then judged against the new
// session. The Handshaker must therefore not deliver inbound messages to
// the machine synchronously.
func (m *Machine) Request(ctx context.Context, targets []provider.Identity) (Session, error) {
	if m == nil {
		return Session{}, ErrNilMachine
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var known []provider.Identity
	for _, t := range targets {
		if provider.IsKnown(string(t)) {
			known = append(known, t)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	if len(known) == 0 {
		return m.snapshotLocked(), ErrNoProviderInstalled
	}

	gen := m.gen
	m.cur = Session{
		ID:              uuid.NewString(),
		State:           StateHandshakeSent,
		Targets:         known,
		HandshakeSentAt: m.cfg.Now(),
	}

	tok, err := m.hs.Initiate(ctx, known)
	if err != nil {
		m.cur.State = StateResolved
		m.cur.Outcome = OutcomeFailure
		m.cur.Err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		m.cur.ResolvedAt = m.cfg.Now()
		m.cfg.Logger.Warn("handshake failed", "session_id", m.cur.ID, "error", err)
		return m.snapshotLocked(), m.cur.Err
	}

	m.cur.State = StateListening
	m.cur.TokenID = tok.ID
	m.cur.Targets = append([]provider.Identity(nil), tok.Targets...)
	if m.cfg.Timeout > 0 {
		m.timer = time.AfterFunc(m.cfg.Timeout, func() { m.expire(gen) })
	}
	m.cfg.Logger.Debug("listening for code", "session_id", m.cur.ID, "providers", provider.Strings(m.cur.Targets))
	return m.snapshotLocked(), nil
}

// Handle applies one inbound message. It never fails: the Result says
// whether the message was accepted, reported or discarded.
func (m *Machine) Handle(ctx context.Context, msg InboundMessage) Result {
	if m == nil {
		return Result{Disposition: Discarded, Err: ErrNilMachine}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	res, ev := m.handleLocked(ctx, msg)
	res.State = m.cur.State
	m.mu.Unlock()

	if ev != nil {
		m.emit(ctx, *ev)
	}
	return res
}

func (m *Machine) handleLocked(ctx context.Context, msg InboundMessage) (Result, *events.Event) {
	if m.cur.State != StateListening {
		m.cfg.Logger.Debug("message discarded", "kind", msg.Kind, "sender", msg.Sender, "state", m.cur.State)
		return Result{Disposition: Discarded, Err: ErrNotListening}, nil
	}

	at := msg.ReceivedAt
	if at.IsZero() {
		at = m.cfg.Now()
	}
	known := provider.IsKnown(msg.Sender)

	switch msg.Kind {
	case KindReply:
		if !known {
			m.discards.warn("reply from unknown sender discarded", "sender", msg.Sender)
			return Result{Disposition: Discarded, Err: ErrUnauthorizedSender}, nil
		}
		if msg.Malformed != nil {
			m.discards.warn("malformed reply discarded", "sender", msg.Sender, "error", msg.Malformed)
			return Result{Disposition: Discarded, Err: msg.Malformed}, nil
		}
		tok, err := m.hs.Consume(msg.Token())
		if err != nil {
			if errors.Is(err, handshake.ErrStaleToken) && m.cur.Acknowledged && m.isTargetLocked(msg.Sender) {
				m.cfg.Logger.Debug("reply after acknowledgement discarded", "session_id", m.cur.ID, "sender", msg.Sender)
				return Result{Disposition: Discarded, Err: err}, nil
			}
			m.discards.warn("reply discarded", "sender", msg.Sender, "error", err)
			return Result{Disposition: Discarded, Err: err}, nil
		}
		if tok.ID != m.cur.TokenID {
			m.discards.warn("reply for another session discarded", "sender", msg.Sender)
			return Result{Disposition: Discarded, Err: handshake.ErrStaleToken}, nil
		}
		m.cur.Acknowledged = true
		m.cfg.Logger.Debug("handshake acknowledged", "session_id", m.cur.ID, "sender", msg.Sender)
		return Result{Disposition: Acknowledged}, nil

	case KindBroadcast:
		if !known {
			m.discards.warn("code broadcast from unknown sender", "sender", msg.Sender)
			ev := events.Error(at, m.cur.ID, events.ErrorUnauthorizedSender,
				fmt.Sprintf("unauthorized sender %q", msg.Sender))
			return Result{Disposition: Reported, Err: ErrUnauthorizedSender}, &ev
		}
		if msg.Malformed != nil {
			ev := events.Error(at, m.cur.ID, events.ErrorInvalidMessage, msg.Malformed.Error())
			return Result{Disposition: Reported, Err: msg.Malformed}, &ev
		}
		code, ok := msg.Code()
		if !ok {
			ev := events.Error(at, m.cur.ID, events.ErrorInvalidMessage, "message carries no code")
			return Result{Disposition: Reported, Err: fmt.Errorf("%w: no code", ErrInvalidMessage)}, &ev
		}
		if code == "" {
			ev := events.Error(at, m.cur.ID, events.ErrorEmptyCode, "code is empty")
			return Result{Disposition: Reported, Err: ErrEmptyCode}, &ev
		}
		if m.cfg.Validator != nil {
			if err := m.cfg.Validator.ValidateCode(ctx, code); err != nil {
				err = fmt.Errorf("%w: %w", ErrInvalidMessage, err)
				ev := events.Error(at, m.cur.ID, events.ErrorInvalidMessage, err.Error())
				return Result{Disposition: Reported, Err: err}, &ev
			}
		}

		m.cur.State = StateResolved
		m.cur.Outcome = OutcomeSuccess
		m.cur.Code = code
		m.cur.Source = msg.Sender
		m.cur.ResolvedAt = at
		m.stopTimerLocked()
		m.hs.Invalidate()
		m.cfg.Logger.Info("code received", "session_id", m.cur.ID, "source", msg.Sender)
		ev := events.Received(at, m.cur.ID, code, msg.Sender)
		return Result{Disposition: Resolved}, &ev

	case KindAutofill:
		if !known {
			m.discards.warn("autofill from unknown sender discarded", "sender", msg.Sender)
			return Result{Disposition: Discarded, Err: ErrUnauthorizedSender}, nil
		}
		if msg.Malformed != nil {
			m.cfg.Logger.Debug("malformed autofill discarded", "sender", msg.Sender, "error", msg.Malformed)
			return Result{Disposition: Discarded, Err: msg.Malformed}, nil
		}
		code, _ := msg.Code()
		if code == "" {
			m.cfg.Logger.Debug("autofill without code discarded", "sender", msg.Sender)
			return Result{Disposition: Discarded, Err: ErrEmptyCode}, nil
		}
		ev := events.Autofill(at, m.cur.ID, code, msg.Sender)
		return Result{Disposition: Autofilled}, &ev

	default:
		if !known {
			m.discards.warn("unrecognized message from unknown sender discarded", "sender", msg.Sender)
			return Result{Disposition: Discarded, Err: ErrUnauthorizedSender}, nil
		}
		err := msg.Malformed
		if err == nil {
			err = fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, int(msg.Kind))
		}
		ev := events.Error(at, m.cur.ID, events.ErrorInvalidMessage, err.Error())
		return Result{Disposition: Reported, Err: err}, &ev
	}
}

func (m *Machine) isTargetLocked(sender string) bool {
	for _, t := range m.cur.Targets {
		if string(t) == sender {
			return true
		}
	}
	return false
}

// Stop tears down the session from any state and invalidates the live
// token. Once Stop returns no message can change state or emit events
// until the next Request.
func (m *Machine) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
}

// Reset acknowledges a resolved session, returning it to idle. It reports
// whether the session was resolved.
func (m *Machine) Reset() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur.State != StateResolved {
		return false
	}
	m.stopLocked()
	return true
}

// Session returns a snapshot of the current session.
func (m *Machine) Session() Session {
	if m == nil {
		return Session{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) stopLocked() {
	m.gen++
	m.stopTimerLocked()
	m.hs.Invalidate()
	if m.cur.State != StateIdle {
		m.cfg.Logger.Debug("session stopped", "session_id", m.cur.ID, "state", m.cur.State)
	}
	m.cur = Session{State: StateIdle}
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) snapshotLocked() Session {
	s := m.cur
	s.Targets = append([]provider.Identity(nil), m.cur.Targets...)
	return s
}

// expire resolves the session of generation gen as timed out.
func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.cur.State != StateListening {
		m.mu.Unlock()
		return
	}
	now := m.cfg.Now()
	m.cur.State = StateResolved
	m.cur.Outcome = OutcomeFailure
	m.cur.Err = ErrTimeout
	m.cur.ResolvedAt = now
	m.timer = nil
	m.hs.Invalidate()
	id := m.cur.ID
	m.mu.Unlock()

	m.cfg.Logger.Warn("session timed out", "session_id", id)
	m.emit(context.Background(), events.Error(now, id, events.ErrorReceive, "timed out waiting for code"))
}

func (m *Machine) emit(ctx context.Context, ev events.Event) {
	if err := m.sink.Emit(ctx, ev); err != nil {
		m.cfg.Logger.Error("failed to emit event", "event", ev.Type, "error", err)
	}
}

// discardLog throttles provenance-discard warnings. Only log lines are
// throttled; callers hold Machine.mu.
type discardLog struct {
	logger     *slog.Logger
	bucket     *ratelimit.Bucket
	suppressed int
}

func (d *discardLog) warn(msg string, args ...any) {
	if d.bucket.TakeAvailable(1) == 0 {
		d.suppressed++
		return
	}
	if d.suppressed > 0 {
		args = append(args, "suppressed", d.suppressed)
		d.suppressed = 0
	}
	d.logger.Warn(msg, args...)
}
