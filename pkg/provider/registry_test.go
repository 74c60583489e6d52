package provider

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestIsKnown(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"com.whatsapp", true},
		{"com.whatsapp.w4b", true},
		{"com.whatsapp.fake", false},
		{"", false},
		{"COM.WHATSAPP", false},
	}

	for _, tt := range tests {
		if got := IsKnown(tt.id); got != tt.want {
			t.Errorf("IsKnown(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestKnownReturnsCopy(t *testing.T) {
	ids := Known()
	ids[0] = "tampered"
	if !IsKnown(string(WhatsApp)) {
		t.Fatal("mutating Known() result changed the known set")
	}
}

func TestNewRegistryRequiresProber(t *testing.T) {
	if _, err := NewRegistry(nil, nil); !errors.Is(err, ErrNilProber) {
		t.Fatalf("expected ErrNilProber, got %v", err)
	}
}

func TestRegistryInstalled(t *testing.T) {
	tests := []struct {
		name      string
		installed map[string]bool
		failing   map[string]bool
		want      []Identity
	}{
		{
			name: "none installed",
			want: nil,
		},
		{
			name:      "ordinary only",
			installed: map[string]bool{"com.whatsapp": true},
			want:      []Identity{WhatsApp},
		},
		{
			name:      "both installed",
			installed: map[string]bool{"com.whatsapp": true, "com.whatsapp.w4b": true},
			want:      []Identity{WhatsApp, WhatsAppBusiness},
		},
		{
			name:      "probe failure counts as absent",
			installed: map[string]bool{"com.whatsapp": true, "com.whatsapp.w4b": true},
			failing:   map[string]bool{"com.whatsapp": true},
			want:      []Identity{WhatsAppBusiness},
		},
		{
			name:      "unknown packages ignored",
			installed: map[string]bool{"org.telegram.messenger": true},
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := PackageProberFunc(func(ctx context.Context, name string) (bool, error) {
				if tt.failing[name] {
					return false, errors.New("package manager unavailable")
				}
				return tt.installed[name], nil
			})
			r, err := NewRegistry(prober, nil)
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			got := r.Installed(context.Background())
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Installed() = %v, want %v", got, tt.want)
			}
			if r.IsInstalled(context.Background()) != (len(tt.want) > 0) {
				t.Errorf("IsInstalled() disagrees with Installed()")
			}
		})
	}
}

func TestRegistryNotCached(t *testing.T) {
	present := false
	r, err := NewRegistry(PackageProberFunc(func(ctx context.Context, name string) (bool, error) {
		return present && name == string(WhatsApp), nil
	}), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if r.IsInstalled(context.Background()) {
		t.Fatal("expected no providers before install")
	}
	present = true
	if !r.IsInstalled(context.Background()) {
		t.Fatal("expected provider after install; result was cached")
	}
}

func TestRegistryRecoversProberPanic(t *testing.T) {
	r, err := NewRegistry(PackageProberFunc(func(ctx context.Context, name string) (bool, error) {
		if name == string(WhatsApp) {
			panic("binder died")
		}
		return true, nil
	}), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	got := r.Installed(context.Background())
	if !reflect.DeepEqual(got, []Identity{WhatsAppBusiness}) {
		t.Fatalf("Installed() = %v, want [%s]", got, WhatsAppBusiness)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	if got := r.Installed(context.Background()); got != nil {
		t.Fatalf("expected nil from nil registry, got %v", got)
	}
	if r.IsInstalled(context.Background()) {
		t.Fatal("nil registry reported installed")
	}
}

func TestStrings(t *testing.T) {
	got := Strings([]Identity{WhatsApp, WhatsAppBusiness})
	want := []string{"com.whatsapp", "com.whatsapp.w4b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Strings() = %v, want %v", got, want)
	}
}
