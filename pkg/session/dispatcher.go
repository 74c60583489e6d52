package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/tomb.v2"

	"github.com/jhahn/go-zerotap/pkg/events"
)

// ErrDispatcherClosed indicates a message was submitted after Close.
var ErrDispatcherClosed = errors.New("session: dispatcher closed")

// Handler applies inbound messages. *Machine implements it.
type Handler interface {
	Handle(ctx context.Context, msg InboundMessage) Result
}

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	// QueueSize is the number of messages buffered ahead of the handler.
	// Default: 16
	QueueSize int
	// Sink receives PROCESSING_ERROR events for handler panics.
	Sink events.Sink
	// Logger receives diagnostics. Default: slog.Default()
	Logger *slog.Logger
	// OnResult, if set, is called with every handled message and its result.
	OnResult func(InboundMessage, Result)
}

type queued struct {
	ctx context.Context
	msg InboundMessage
}

// Dispatcher feeds inbound messages from any number of goroutines to a
// single consumer goroutine, so the reply, broadcast and autofill channels
// reach the handler one at a time and in submission order.
type Dispatcher struct {
	cfg     DispatcherConfig
	handler Handler
	queue   chan queued
	tomb    tomb.Tomb
}

// NewDispatcher starts a dispatcher for h.
func NewDispatcher(h Handler, cfg DispatcherConfig) (*Dispatcher, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: handler must not be nil", ErrInvalidConfig)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("%w: queue size must not be negative", ErrInvalidConfig)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:     cfg,
		handler: h,
		queue:   make(chan queued, cfg.QueueSize),
	}
	d.tomb.Go(d.run)
	return d, nil
}

// Submit queues msg. It blocks while the queue is full, until ctx is done
// or the dispatcher is closed.
func (d *Dispatcher) Submit(ctx context.Context, msg InboundMessage) error {
	if d == nil {
		return ErrDispatcherClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.tomb.Alive() {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- queued{ctx: context.WithoutCancel(ctx), msg: msg}:
		return nil
	case <-d.tomb.Dying():
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the consumer goroutine and waits for it. Messages still
// queued are dropped.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.tomb.Kill(nil)
	return d.tomb.Wait()
}

// Dying is closed once Close has been called.
func (d *Dispatcher) Dying() <-chan struct{} {
	return d.tomb.Dying()
}

func (d *Dispatcher) run() error {
	for {
		select {
		case <-d.tomb.Dying():
			return nil
		case q := <-d.queue:
			d.handle(q)
		}
	}
}

func (d *Dispatcher) handle(q queued) {
	res := d.safeHandle(q)
	if d.cfg.OnResult != nil {
		d.cfg.OnResult(q.msg, res)
	}
}

func (d *Dispatcher) safeHandle(q queued) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", ErrProcessing, p)
			d.cfg.Logger.Error("message handler panicked", "kind", q.msg.Kind, "sender", q.msg.Sender, "error", err)
			if emitErr := d.cfg.Sink.Emit(q.ctx, events.Error(q.msg.ReceivedAt, "", events.ErrorProcessing, err.Error())); emitErr != nil {
				d.cfg.Logger.Error("failed to emit event", "error", emitErr)
			}
			res = Result{Disposition: Reported, Err: err}
		}
	}()
	return d.handler.Handle(q.ctx, q.msg)
}
