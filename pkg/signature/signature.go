// Package signature computes the app signature fingerprint providers use
// to bind a code to the requesting application.
package signature

import (
	"context"
	"crypto"
	_ "crypto/sha1" // registers crypto.SHA1 for LegacyHash
	_ "crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// NumHashedBytes is the number of digest bytes kept by Fingerprint.
	NumHashedBytes = 9
	// NumBase64Chars is the length of a fingerprint.
	NumBase64Chars = 11

	fingerprintHash = crypto.SHA256
	legacyHash      = crypto.SHA1
)

var (
	// ErrHashAlgorithmUnavailable indicates the required digest is not linked
	// into the binary. It is a configuration error and never retried.
	ErrHashAlgorithmUnavailable = errors.New("signature: hash algorithm unavailable")
	// ErrEmptyPackage indicates an empty package identifier.
	ErrEmptyPackage = errors.New("signature: package identifier must not be empty")
	// ErrEmptyCertificate indicates an empty certificate.
	ErrEmptyCertificate = errors.New("signature: certificate must not be empty")
	// ErrNoCertificates indicates a certificate source returned nothing.
	ErrNoCertificates = errors.New("signature: no signing certificates")
)

// CharsString renders certificate bytes the way the platform renders a
// signature as text: lowercase hexadecimal, two characters per byte.
func CharsString(certificate []byte) string {
	return hex.EncodeToString(certificate)
}

// Fingerprint derives the 11 character app identity given to the provider's
// template configuration:
//
//	base64_nopad(sha256(utf8("<package> <hex(cert)>"))[0:9])[0:11]
func Fingerprint(packageIdentifier string, certificate []byte) (string, error) {
	if packageIdentifier == "" {
		return "", ErrEmptyPackage
	}
	if len(certificate) == 0 {
		return "", ErrEmptyCertificate
	}
	if !fingerprintHash.Available() {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnavailable, fingerprintHash)
	}

	h := fingerprintHash.New()
	h.Write([]byte(packageIdentifier + " " + CharsString(certificate)))
	digest := h.Sum(nil)[:NumHashedBytes]

	encoded := base64.RawStdEncoding.EncodeToString(digest)
	return encoded[:NumBase64Chars], nil
}

// Fingerprints computes one fingerprint per signing certificate, in order.
func Fingerprints(packageIdentifier string, certificates [][]byte) ([]string, error) {
	if len(certificates) == 0 {
		return nil, ErrNoCertificates
	}
	out := make([]string, 0, len(certificates))
	for i, cert := range certificates {
		fp, err := Fingerprint(packageIdentifier, cert)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		out = append(out, fp)
	}
	return out, nil
}

// LegacyHash is the older configuration channel's identity: the padded
// standard base64 of the full SHA-1 digest of the raw certificate bytes.
// It is not interchangeable with Fingerprint.
func LegacyHash(certificate []byte) (string, error) {
	if len(certificate) == 0 {
		return "", ErrEmptyCertificate
	}
	if !legacyHash.Available() {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnavailable, legacyHash)
	}
	h := legacyHash.New()
	h.Write(certificate)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// CertificateSource returns the DER encoded signing certificates of the
// running application, as reported by the platform.
type CertificateSource interface {
	SigningCertificates(ctx context.Context) ([][]byte, error)
}

// CertificateSourceFunc adapts a function to the CertificateSource interface.
type CertificateSourceFunc func(ctx context.Context) ([][]byte, error)

// SigningCertificates calls f.
func (f CertificateSourceFunc) SigningCertificates(ctx context.Context) ([][]byte, error) {
	return f(ctx)
}

// Static is a CertificateSource over a fixed set of certificates.
type Static [][]byte

// SigningCertificates returns the certificates.
func (s Static) SigningCertificates(context.Context) ([][]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoCertificates
	}
	return s, nil
}
