package handshake

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jhahn/go-zerotap/pkg/provider"
)

const signingKeySize = 32

// Token is the correlation value of one handshake attempt. Value is the
// opaque string handed to providers; the other fields are its decoded form.
type Token struct {
	ID        string
	Value     string
	Targets   []provider.Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that has passed.
func (t *Token) Expired(now time.Time) bool {
	return t != nil && !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// tokenClaims is the JWT body of a handshake token.
type tokenClaims struct {
	jwt.RegisteredClaims
}

// tokenCodec signs and verifies tokens with a key that never leaves the
// process, so only tokens minted here can verify.
type tokenCodec struct {
	key    []byte
	issuer string
}

func newTokenCodec(issuer string) (*tokenCodec, error) {
	key := make([]byte, signingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("handshake: failed to generate signing key: %w", err)
	}
	return &tokenCodec{key: key, issuer: issuer}, nil
}

func (c *tokenCodec) mint(targets []provider.Identity, now time.Time, ttl time.Duration) (*Token, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to generate token id: %w", err)
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id.String(),
			Issuer:   c.issuer,
			Audience: jwt.ClaimStrings(provider.Strings(targets)),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	tok := &Token{
		ID:       id.String(),
		Targets:  append([]provider.Identity(nil), targets...),
		IssuedAt: now,
	}
	if ttl > 0 {
		tok.ExpiresAt = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(tok.ExpiresAt)
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return nil, fmt.Errorf("handshake: failed to sign token: %w", err)
	}
	tok.Value = value
	return tok, nil
}

// parse verifies signature, algorithm and issuer and returns the token id.
func (c *tokenCodec) parse(value string, now time.Time) (string, error) {
	if value == "" {
		return "", ErrMissingToken
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(value, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: expired", ErrStaleToken)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing token id", ErrInvalidToken)
	}
	return claims.ID, nil
}
