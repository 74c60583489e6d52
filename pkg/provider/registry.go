package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Identity is the stable package identifier of a provider application
// variant.
type Identity string

const (
	// WhatsApp is the ordinary consumer build of the provider.
	WhatsApp Identity = "com.whatsapp"
	// WhatsAppBusiness is the business build of the provider.
	WhatsAppBusiness Identity = "com.whatsapp.w4b"
)

// known is the fixed set of identities allowed to take part in a handshake.
// Order is significant: Installed reports identities in this order.
var known = []Identity{WhatsApp, WhatsAppBusiness}

// Known returns the fixed provider identity set.
func Known() []Identity {
	out := make([]Identity, len(known))
	copy(out, known)
	return out
}

// IsKnown reports whether id names one of the fixed provider identities.
func IsKnown(id string) bool {
	for _, k := range known {
		if string(k) == id {
			return true
		}
	}
	return false
}

// Strings renders identities as plain strings.
func Strings(ids []Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

// ErrNilProber indicates the registry was configured without a prober.
var ErrNilProber = errors.New("provider: package prober is nil")

// PackageProber checks whether a package is present on the device. It is
// implemented by the host platform.
type PackageProber interface {
	IsPackageInstalled(ctx context.Context, packageName string) (bool, error)
}

// PackageProberFunc adapts a function to the PackageProber interface.
type PackageProberFunc func(ctx context.Context, packageName string) (bool, error)

// IsPackageInstalled calls f.
func (f PackageProberFunc) IsPackageInstalled(ctx context.Context, packageName string) (bool, error) {
	return f(ctx, packageName)
}

// Registry reports which known providers are installed. Results are never
// cached since installation state may change between calls.
type Registry struct {
	prober PackageProber
	logger *slog.Logger
}

// NewRegistry creates a registry backed by prober. A nil logger uses
// slog.Default().
func NewRegistry(prober PackageProber, logger *slog.Logger) (*Registry, error) {
	if prober == nil {
		return nil, ErrNilProber
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{prober: prober, logger: logger}, nil
}

// Installed returns the known identities currently present on the device.
// A probe that fails counts as not installed.
func (r *Registry) Installed(ctx context.Context) []Identity {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var installed []Identity
	for _, id := range known {
		ok, err := r.probe(ctx, id)
		if err != nil {
			r.logger.Warn("provider probe failed", "provider", id, "error", err)
			continue
		}
		if ok {
			installed = append(installed, id)
		}
	}
	r.logger.Debug("installed providers", "providers", Strings(installed))
	return installed
}

// IsInstalled reports whether at least one known provider is installed.
func (r *Registry) IsInstalled(ctx context.Context) bool {
	return len(r.Installed(ctx)) > 0
}

// probe queries one identity, converting a prober panic into an error.
func (r *Registry) probe(ctx context.Context, id Identity) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("provider: prober panicked: %v", p)
		}
	}()
	return r.prober.IsPackageInstalled(ctx, string(id))
}
