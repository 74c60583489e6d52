package otp

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// Mode selects how delivered codes are checked.
type Mode string

const (
	// ModeFormat checks only the shape of a code (length and charset).
	ModeFormat Mode = "format"
	// ModeTOTP additionally verifies the code against a shared TOTP secret
	// (RFC 6238).
	ModeTOTP Mode = "totp"
	// ModeHOTP additionally verifies the code against a shared HOTP secret
	// and counter (RFC 4226).
	ModeHOTP Mode = "hotp"
)

// Algorithm represents the hash algorithm used for shared-secret codes.
type Algorithm string

const (
	// AlgorithmSHA1 uses SHA1 hash algorithm.
	AlgorithmSHA1 Algorithm = "SHA1"
	// AlgorithmSHA256 uses SHA256 hash algorithm.
	AlgorithmSHA256 Algorithm = "SHA256"
	// AlgorithmSHA512 uses SHA512 hash algorithm.
	AlgorithmSHA512 Algorithm = "SHA512"
)

const (
	// MinCodeLength and MaxCodeLength bound codes when Config.Digits is 0.
	MinCodeLength = 4
	MaxCodeLength = 8
	// MaxAlphanumericLength bounds alphanumeric codes.
	MaxAlphanumericLength = 15
)

// Common errors returned by the code policy.
var (
	// ErrInvalidCode indicates the delivered code failed the policy.
	ErrInvalidCode = errors.New("otp: invalid code")
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("otp: invalid configuration")
	// ErrNilPolicy indicates a nil policy was used.
	ErrNilPolicy = errors.New("otp: policy is nil")
)

// Config holds code policy configuration.
type Config struct {
	// Mode selects the check. Default: ModeFormat
	Mode Mode
	// Digits is the exact code length. 0 accepts MinCodeLength..MaxCodeLength
	// (or up to MaxAlphanumericLength when Alphanumeric is set).
	Digits uint
	// Alphanumeric accepts ASCII letters as well as digits. Only valid in
	// ModeFormat.
	Alphanumeric bool
	// Secret is the base32-encoded shared secret (ModeTOTP and ModeHOTP).
	Secret string
	// Period is the TOTP time step in seconds. Default: 30
	Period uint
	// Skew is the number of TOTP periods tolerated either side. Default: 1
	Skew uint
	// Counter is the HOTP counter the next code is expected at.
	Counter uint64
	// Algorithm is the HMAC hash for shared-secret codes. Default: SHA1
	Algorithm Algorithm
}

// validate checks that the configuration is valid.
func (c Config) validate() error {
	switch c.Mode {
	case "", ModeFormat, ModeTOTP, ModeHOTP:
	default:
		return fmt.Errorf("%w: mode must be 'format', 'totp' or 'hotp'", ErrInvalidConfig)
	}

	shared := c.Mode == ModeTOTP || c.Mode == ModeHOTP
	if shared {
		if strings.TrimSpace(c.Secret) == "" {
			return fmt.Errorf("%w: secret must not be empty", ErrInvalidConfig)
		}
		if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(strings.ToUpper(c.Secret), "=")); err != nil {
			return fmt.Errorf("%w: secret must be valid base32: %v", ErrInvalidConfig, err)
		}
		if c.Digits != 0 && c.Digits != 6 && c.Digits != 7 && c.Digits != 8 {
			return fmt.Errorf("%w: digits must be 6, 7, or 8 for shared-secret codes", ErrInvalidConfig)
		}
		if c.Alphanumeric {
			return fmt.Errorf("%w: shared-secret codes are numeric", ErrInvalidConfig)
		}
	}

	limit := uint(MaxCodeLength)
	if c.Alphanumeric {
		limit = MaxAlphanumericLength
	}
	if c.Digits != 0 && (c.Digits < MinCodeLength || c.Digits > limit) {
		return fmt.Errorf("%w: digits must be between %d and %d", ErrInvalidConfig, MinCodeLength, limit)
	}

	if c.Algorithm != "" && c.Algorithm != AlgorithmSHA1 &&
		c.Algorithm != AlgorithmSHA256 && c.Algorithm != AlgorithmSHA512 {
		return fmt.Errorf("%w: algorithm must be SHA1, SHA256, or SHA512", ErrInvalidConfig)
	}

	return nil
}

// Policy validates codes delivered by a provider.
// It is safe for concurrent use.
type Policy struct {
	cfg       Config
	otpAlgo   otp.Algorithm
	otpDigits otp.Digits
	now       func() time.Time
}

// NewPolicy creates a code policy.
// The configuration is validated and an error is returned if invalid.
func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.Mode == "" {
		cfg.Mode = ModeFormat
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmSHA1
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	cfg.Secret = strings.ToUpper(cfg.Secret)

	var otpAlgo otp.Algorithm
	switch cfg.Algorithm {
	case AlgorithmSHA1:
		otpAlgo = otp.AlgorithmSHA1
	case AlgorithmSHA256:
		otpAlgo = otp.AlgorithmSHA256
	case AlgorithmSHA512:
		otpAlgo = otp.AlgorithmSHA512
	}

	digits := cfg.Digits
	if digits == 0 {
		digits = 6
	}

	return &Policy{
		cfg:       cfg,
		otpAlgo:   otpAlgo,
		otpDigits: otp.Digits(digits),
		now:       time.Now,
	}, nil
}

// Mode returns the configured mode.
func (p *Policy) Mode() Mode {
	if p == nil {
		return ""
	}
	return p.cfg.Mode
}

// ValidateCode checks a delivered code. An empty code is invalid.
func (p *Policy) ValidateCode(ctx context.Context, code string) error {
	if p == nil {
		return ErrNilPolicy
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.checkShape(code); err != nil {
		return err
	}

	switch p.cfg.Mode {
	case ModeTOTP:
		valid, err := totp.ValidateCustom(code, p.cfg.Secret, p.now().UTC(),
			totp.ValidateOpts{
				Period:    p.cfg.Period,
				Skew:      p.cfg.Skew,
				Digits:    p.otpDigits,
				Algorithm: p.otpAlgo,
			})
		if err != nil {
			return fmt.Errorf("%w: validation failed: %v", ErrInvalidCode, err)
		}
		if !valid {
			return fmt.Errorf("%w: does not match shared secret", ErrInvalidCode)
		}
	case ModeHOTP:
		valid, err := hotp.ValidateCustom(code, p.cfg.Counter, p.cfg.Secret,
			hotp.ValidateOpts{
				Digits:    p.otpDigits,
				Algorithm: p.otpAlgo,
			})
		if err != nil {
			return fmt.Errorf("%w: validation failed: %v", ErrInvalidCode, err)
		}
		if !valid {
			return fmt.Errorf("%w: does not match shared secret", ErrInvalidCode)
		}
	}
	return nil
}

func (p *Policy) checkShape(code string) error {
	if code == "" {
		return fmt.Errorf("%w: code must not be empty", ErrInvalidCode)
	}

	n := uint(len(code))
	switch {
	case p.cfg.Digits != 0 && n != p.cfg.Digits:
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidCode, p.cfg.Digits, n)
	case p.cfg.Digits == 0 && !p.cfg.Alphanumeric && (n < MinCodeLength || n > MaxCodeLength):
		return fmt.Errorf("%w: length %d outside %d..%d", ErrInvalidCode, n, MinCodeLength, MaxCodeLength)
	case p.cfg.Digits == 0 && p.cfg.Alphanumeric && (n < MinCodeLength || n > MaxAlphanumericLength):
		return fmt.Errorf("%w: length %d outside %d..%d", ErrInvalidCode, n, MinCodeLength, MaxAlphanumericLength)
	}

	for _, r := range code {
		switch {
		case r >= '0' && r <= '9':
		case p.cfg.Alphanumeric && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'):
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, r)
		}
	}
	return nil
}

// Generate produces the code a provider holding the shared secret would
// deliver now (TOTP) or at the given counter (HOTP).
func (p *Policy) Generate(counter ...uint64) (string, error) {
	if p == nil {
		return "", ErrNilPolicy
	}

	switch p.cfg.Mode {
	case ModeTOTP:
		code, err := totp.GenerateCodeCustom(p.cfg.Secret, p.now().UTC(),
			totp.ValidateOpts{
				Period:    p.cfg.Period,
				Skew:      0,
				Digits:    p.otpDigits,
				Algorithm: p.otpAlgo,
			})
		if err != nil {
			return "", fmt.Errorf("otp: failed to generate TOTP code: %w", err)
		}
		return code, nil
	case ModeHOTP:
		c := p.cfg.Counter
		if len(counter) > 0 {
			c = counter[0]
		}
		code, err := hotp.GenerateCodeCustom(p.cfg.Secret, c,
			hotp.ValidateOpts{
				Digits:    p.otpDigits,
				Algorithm: p.otpAlgo,
			})
		if err != nil {
			return "", fmt.Errorf("otp: failed to generate HOTP code: %w", err)
		}
		return code, nil
	default:
		return GenerateNumeric(int(p.otpDigits))
	}
}

// GenerateNumeric returns a random numeric code of the given length.
func GenerateNumeric(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%w: length must be positive", ErrInvalidConfig)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("otp: failed to generate random code: %w", err)
	}
	for i := range b {
		b[i] = '0' + b[i]%10
	}
	return string(b), nil
}

// GenerateSecret generates a cryptographically random secret key.
// The secret is returned as a base32-encoded string suitable for use
// in the Config.Secret field.
func GenerateSecret() (string, error) {
	// Generate 20 bytes (160 bits) of random data
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("otp: failed to generate random secret: %w", err)
	}

	// Encode as base32 without padding
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
	return encoded, nil
}
