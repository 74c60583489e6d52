// Package zerotaptest provides an in-memory device and simulated providers
// for exercising the zero-tap handshake without a real OS.
package zerotaptest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jhahn/go-zerotap/pkg/handshake"
	"github.com/jhahn/go-zerotap/pkg/provider"
	"github.com/jhahn/go-zerotap/pkg/session"
)

// ErrNotInstalled is returned by Send for a target that is not installed.
var ErrNotInstalled = errors.New("zerotaptest: package not installed")

// InboundFunc receives intents the device delivers to the application,
// typically (*api.Service).Deliver.
type InboundFunc func(ctx context.Context, in session.Intent) error

// Device is an in-memory host platform: a set of installed packages and an
// intent bus between the application and the simulated providers. Every
// delivery runs on its own goroutine, as an OS would deliver it.
type Device struct {
	mu           sync.Mutex
	installed    map[string]bool
	providers    map[provider.Identity]*Provider
	sendErrs     map[provider.Identity]error
	inbound      InboundFunc
	sent         []handshake.Request
	deliveryErrs []error

	wg sync.WaitGroup
}

// NewDevice creates a device with the given packages installed.
func NewDevice(installed ...provider.Identity) *Device {
	d := &Device{
		installed: map[string]bool{},
		providers: map[provider.Identity]*Provider{},
		sendErrs:  map[provider.Identity]error{},
	}
	for _, id := range installed {
		d.installed[string(id)] = true
	}
	return d
}

// Install marks a package as installed.
func (d *Device) Install(id provider.Identity) {
	d.mu.Lock()
	d.installed[string(id)] = true
	d.mu.Unlock()
}

// Uninstall marks a package as absent.
func (d *Device) Uninstall(id provider.Identity) {
	d.mu.Lock()
	delete(d.installed, string(id))
	d.mu.Unlock()
}

// Attach installs p and lets it answer handshakes sent to its identity.
func (d *Device) Attach(p *Provider) {
	d.mu.Lock()
	d.installed[string(p.Identity)] = true
	d.providers[p.Identity] = p
	d.mu.Unlock()
}

// FailSend makes handshakes to id fail with err. A nil err clears it.
func (d *Device) FailSend(id provider.Identity, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.sendErrs, id)
		return
	}
	d.sendErrs[id] = err
}

// Connect sets the application's inbound receiver.
func (d *Device) Connect(fn InboundFunc) {
	d.mu.Lock()
	d.inbound = fn
	d.mu.Unlock()
}

// IsPackageInstalled implements provider.PackageProber.
func (d *Device) IsPackageInstalled(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed[name], nil
}

// Send implements handshake.Broadcaster. An attached provider answers
// asynchronously; Send itself never delivers inbound intents.
func (d *Device) Send(_ context.Context, req handshake.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendErrs[req.Target]; err != nil {
		return err
	}
	if !d.installed[string(req.Target)] {
		return fmt.Errorf("%w: %s", ErrNotInstalled, req.Target)
	}
	d.sent = append(d.sent, req)

	if p, ok := d.providers[req.Target]; ok {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			p.answer(d, req)
		}()
	}
	return nil
}

// Sent returns every accepted handshake request.
func (d *Device) Sent() []handshake.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]handshake.Request(nil), d.sent...)
}

// Broadcast delivers an intent to the application after delay, on its own
// goroutine. Tests use it to inject spoofed or late messages.
func (d *Device) Broadcast(in session.Intent, delay time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		d.deliver(in)
	}()
}

// DeliverNow delivers an intent synchronously.
func (d *Device) DeliverNow(ctx context.Context, in session.Intent) error {
	d.mu.Lock()
	fn := d.inbound
	d.mu.Unlock()
	if fn == nil {
		return errors.New("zerotaptest: device not connected")
	}
	return fn(ctx, in)
}

func (d *Device) deliver(in session.Intent) {
	if err := d.DeliverNow(context.Background(), in); err != nil {
		d.mu.Lock()
		d.deliveryErrs = append(d.deliveryErrs, err)
		d.mu.Unlock()
	}
}

// DeliveryErrors returns the errors returned by asynchronous deliveries.
func (d *Device) DeliveryErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.deliveryErrs...)
}

// Wait blocks until every asynchronous delivery has been handed to the
// application.
func (d *Device) Wait() {
	d.wg.Wait()
}
