// Package events defines the outward events of a session and the sinks
// that carry them to consumers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type identifies an outward event.
type Type int

const (
	// TypeOtpReceived is emitted once when a session resolves with a code.
	TypeOtpReceived Type = iota + 1
	// TypeOtpError reports an error condition to the consumer.
	TypeOtpError
	// TypeAutofillTriggered re-emits a code for a "tap to fill" affordance.
	TypeAutofillTriggered
)

// typeNames are the event names used by host bridges.
var typeNames = map[Type]string{
	TypeOtpReceived:       "onOtpReceived",
	TypeOtpError:          "onOtpError",
	TypeAutofillTriggered: "onAutofillButtonClicked",
}

// Name returns the bridge event name, or "" for an unknown type.
func (t Type) Name() string {
	return typeNames[t]
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ErrorCode classifies an OtpError event.
type ErrorCode string

const (
	// ErrorReceive reports a failure while receiving, including a timeout.
	ErrorReceive ErrorCode = "RECEIVE_ERROR"
	// ErrorInvalidMessage reports a malformed message from an authorized sender.
	ErrorInvalidMessage ErrorCode = "INVALID_MESSAGE"
	// ErrorUnauthorizedSender reports a code broadcast from an unknown sender.
	ErrorUnauthorizedSender ErrorCode = "UNAUTHORIZED_SENDER"
	// ErrorEmptyCode reports a code broadcast whose code field is empty.
	ErrorEmptyCode ErrorCode = "EMPTY_CODE"
	// ErrorProcessing reports an unexpected failure while handling a message.
	ErrorProcessing ErrorCode = "PROCESSING_ERROR"
)

// Event is delivered to the consumer. Code and Source are set for
// OtpReceived and AutofillTriggered; ErrorCode and ErrorMessage for OtpError.
type Event struct {
	Type         Type
	Timestamp    time.Time
	SessionID    string
	Code         string
	Source       string
	ErrorCode    ErrorCode
	ErrorMessage string
}

// Received builds an OtpReceived event.
func Received(at time.Time, sessionID, code, source string) Event {
	return Event{Type: TypeOtpReceived, Timestamp: at, SessionID: sessionID, Code: code, Source: source}
}

// Error builds an OtpError event.
func Error(at time.Time, sessionID string, code ErrorCode, message string) Event {
	return Event{Type: TypeOtpError, Timestamp: at, SessionID: sessionID, ErrorCode: code, ErrorMessage: message}
}

// Autofill builds an AutofillTriggered event.
func Autofill(at time.Time, sessionID, code, source string) Event {
	return Event{Type: TypeAutofillTriggered, Timestamp: at, SessionID: sessionID, Code: code, Source: source}
}

// Sink receives outward events. Implementations must not call back into the
// session state machine synchronously while holding their own locks.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

// Emit delivers ev to every non-nil sink.
func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler is a consumer callback.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	types   map[Type]bool
}

// Bus is a Sink that dispatches events to subscribed handlers.
// It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given types, or for every type when none
// are given. The returned func removes the subscription and is idempotent.
func (b *Bus) Subscribe(h Handler, types ...Type) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}

	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h, types: filter})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit calls every matching handler outside the bus lock, so handlers may
// subscribe or unsubscribe.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	b.mu.RLock()
	var targets []Handler
	for _, s := range b.subs {
		if s.types == nil || s.types[ev.Type] {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
	return nil
}

// Channel is a Sink that forwards events to a channel without blocking
// past ctx.
type Channel chan<- Event

// Emit sends ev on the channel.
func (c Channel) Emit(ctx context.Context, ev Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
