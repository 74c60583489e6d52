package signature

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func rangeBytes() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestFingerprintVectors(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		cert    []byte
		want    string
		wantErr error
	}{
		{
			name: "example app",
			pkg:  "com.example.app",
			cert: []byte("test-certificate"),
			want: "xMBDmlvFlN6",
		},
		{
			name: "other package same cert",
			pkg:  "com.whatsapp.consumer",
			cert: []byte("test-certificate"),
			want: "BTvIsf5hpfN",
		},
		{
			name: "all byte values",
			pkg:  "com.example.app",
			cert: rangeBytes(),
			want: "HI2BSHZv5W/",
		},
		{
			name:    "empty package",
			cert:    []byte("test-certificate"),
			wantErr: ErrEmptyPackage,
		},
		{
			name:    "empty certificate",
			pkg:     "com.example.app",
			wantErr: ErrEmptyCertificate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fingerprint(tt.pkg, tt.cert)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

// independentFingerprint recomputes the derivation step by step.
func independentFingerprint(pkg string, cert []byte) string {
	sum := sha256.Sum256([]byte(pkg + " " + hex.EncodeToString(cert)))
	enc := base64.StdEncoding.EncodeToString(sum[:9])
	enc = strings.TrimRight(enc, "=")
	return enc[:11]
}

func TestFingerprintProperties(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	for i := 1; i <= 64; i++ {
		cert := make([]byte, i*7)
		if _, err := rand.Read(cert); err != nil {
			t.Fatalf("rand: %v", err)
		}
		pkg := "com.example.app" + strings.Repeat("x", i%5)

		first, err := Fingerprint(pkg, cert)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}
		second, _ := Fingerprint(pkg, cert)
		if first != second {
			t.Fatalf("not deterministic: %q vs %q", first, second)
		}
		if len(first) != NumBase64Chars {
			t.Fatalf("length = %d, want %d", len(first), NumBase64Chars)
		}
		for _, c := range first {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("character %q outside base64 alphabet in %q", c, first)
			}
		}
		if want := independentFingerprint(pkg, cert); first != want {
			t.Fatalf("Fingerprint() = %q, independent computation = %q", first, want)
		}
	}
}

func TestFingerprints(t *testing.T) {
	got, err := Fingerprints("com.example.app", [][]byte{[]byte("test-certificate"), rangeBytes()})
	if err != nil {
		t.Fatalf("Fingerprints: %v", err)
	}
	if len(got) != 2 || got[0] != "xMBDmlvFlN6" || got[1] != "HI2BSHZv5W/" {
		t.Fatalf("Fingerprints() = %v", got)
	}

	if _, err := Fingerprints("com.example.app", nil); !errors.Is(err, ErrNoCertificates) {
		t.Fatalf("expected ErrNoCertificates, got %v", err)
	}
	if _, err := Fingerprints("com.example.app", [][]byte{{1}, nil}); !errors.Is(err, ErrEmptyCertificate) {
		t.Fatalf("expected ErrEmptyCertificate, got %v", err)
	}
}

func TestLegacyHash(t *testing.T) {
	tests := []struct {
		cert []byte
		want string
	}{
		{[]byte("test-certificate"), "losN70a8c1oTNQ9DCkb5/aVG/gE="},
		{rangeBytes(), "SRbWvbf3jmgDaYyrMtFYbqRX38g="},
	}
	for _, tt := range tests {
		got, err := LegacyHash(tt.cert)
		if err != nil {
			t.Fatalf("LegacyHash: %v", err)
		}
		if got != tt.want {
			t.Errorf("LegacyHash() = %q, want %q", got, tt.want)
		}
	}

	if _, err := LegacyHash(nil); !errors.Is(err, ErrEmptyCertificate) {
		t.Fatalf("expected ErrEmptyCertificate, got %v", err)
	}
}

func TestLegacyHashDistinctFromFingerprint(t *testing.T) {
	cert := []byte("test-certificate")
	fp, _ := Fingerprint("com.example.app", cert)
	legacy, _ := LegacyHash(cert)
	if fp == legacy || strings.HasPrefix(legacy, fp) {
		t.Fatalf("legacy hash %q conflated with fingerprint %q", legacy, fp)
	}
}

func selfSignedDER(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

func TestParseCertificates(t *testing.T) {
	first := selfSignedDER(t, "signer one")
	second := selfSignedDER(t, "signer two")

	var pemData []byte
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: first})...)
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("skip")})...)
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: second})...)

	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr error
	}{
		{name: "pem bundle", data: pemData, want: 2},
		{name: "raw der", data: first, want: 1},
		{name: "empty", data: nil, wantErr: ErrNoCertificates},
		{name: "pem without certificates", data: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("x")}), wantErr: ErrNoCertificates},
		{name: "garbage der", data: []byte{0x30, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCertificates(tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if tt.want == 0 {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCertificates: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d certificates, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFileSource(t *testing.T) {
	der := selfSignedDER(t, "file signer")
	path := filepath.Join(t.TempDir(), "signing.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	certs, err := File(path).SigningCertificates(context.Background())
	if err != nil {
		t.Fatalf("SigningCertificates: %v", err)
	}
	if len(certs) != 1 || string(certs[0]) != string(der) {
		t.Fatal("file source returned unexpected certificate")
	}

	if _, err := File(filepath.Join(t.TempDir(), "missing.pem")).SigningCertificates(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticSource(t *testing.T) {
	if _, err := Static(nil).SigningCertificates(context.Background()); !errors.Is(err, ErrNoCertificates) {
		t.Fatalf("expected ErrNoCertificates, got %v", err)
	}
	certs, err := Static{[]byte("a")}.SigningCertificates(context.Background())
	if err != nil || len(certs) != 1 {
		t.Fatalf("unexpected result %v %v", certs, err)
	}
}
