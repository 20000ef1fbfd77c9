// Package credential issues and verifies capability-scoped tokens that
// bound a bus client to one tunnel's topic namespace.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/domain"
)

const (
	// MinSecretLength is the minimum HMAC signing key size in bytes.
	MinSecretLength = 32

	issuerName = "exposebus"
)

var errBadPattern = errors.New("capability pattern must be tunnel:{id}:*")

// ScopedCredential is a token restricted to one tunnel's topics.
type ScopedCredential struct {
	Token     string
	Pattern   string
	Subject   string
	ExpiresAt time.Time
}

// Allows reports whether the credential covers topic.
func (c ScopedCredential) Allows(topic string) bool {
	return channel.PatternAllows(c.Pattern, topic)
}

// Expired reports whether the credential is no longer valid at now.
func (c ScopedCredential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TunnelID returns the tunnel the credential is scoped to.
func (c ScopedCredential) TunnelID() string {
	return tunnelOf(c.Pattern)
}

// Issuer mints scoped credentials.
type Issuer interface {
	Issue(ctx context.Context, pattern string, ttl time.Duration) (ScopedCredential, error)
}

type claims struct {
	Capability string `json:"cap"`
	jwt.RegisteredClaims
}

// HMACIssuer signs HS256 JWTs with a shared secret.
type HMACIssuer struct {
	secret  []byte
	subject string
	now     func() time.Time
}

// NewHMACIssuer returns an issuer whose tokens carry subject as the
// principal.
func NewHMACIssuer(secret []byte, subject string) (*HMACIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("credential secret must be at least %d bytes", MinSecretLength)
	}
	return &HMACIssuer{secret: secret, subject: subject, now: time.Now}, nil
}

// WithSubject returns an issuer sharing the key but minting tokens for a
// different principal.
func (i *HMACIssuer) WithSubject(subject string) *HMACIssuer {
	return &HMACIssuer{secret: i.secret, subject: subject, now: i.now}
}

func (i *HMACIssuer) Issue(ctx context.Context, pattern string, ttl time.Duration) (ScopedCredential, error) {
	if err := ctx.Err(); err != nil {
		return ScopedCredential{}, err
	}
	if tunnelOf(pattern) == "" {
		return ScopedCredential{}, fmt.Errorf("%w: %v", domain.ErrCredential, errBadPattern)
	}
	if ttl <= 0 {
		return ScopedCredential{}, fmt.Errorf("%w: ttl must be positive", domain.ErrCredential)
	}
	now := i.now()
	exp := now.Add(ttl).Truncate(time.Second)
	c := claims{
		Capability: pattern,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   i.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return ScopedCredential{}, fmt.Errorf("%w: sign: %v", domain.ErrCredential, err)
	}
	return ScopedCredential{Token: token, Pattern: pattern, Subject: i.subject, ExpiresAt: exp}, nil
}

// Verify checks a token minted by this issuer's key.
func (i *HMACIssuer) Verify(token string) (ScopedCredential, error) {
	return Verify(i.secret, token)
}

// Verify parses and validates token against secret. Bad signatures,
// expired tokens and malformed claims report [domain.ErrUnauthorized].
func Verify(secret []byte, token string) (ScopedCredential, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return ScopedCredential{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return c.scoped(token)
}

// Parse reads a token's claims without checking the signature. Holders use
// it to learn the scope and expiry of a credential they were handed; it
// grants nothing.
func Parse(token string) (ScopedCredential, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return ScopedCredential{}, fmt.Errorf("%w: %v", domain.ErrCredential, err)
	}
	cred, err := c.scoped(token)
	if err != nil {
		return ScopedCredential{}, fmt.Errorf("%w: %v", domain.ErrCredential, err)
	}
	return cred, nil
}

func (c claims) scoped(token string) (ScopedCredential, error) {
	if c.Issuer != issuerName || tunnelOf(c.Capability) == "" || c.ExpiresAt == nil {
		return ScopedCredential{}, fmt.Errorf("%w: invalid claims", domain.ErrUnauthorized)
	}
	return ScopedCredential{
		Token:     token,
		Pattern:   c.Capability,
		Subject:   c.Subject,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

func tunnelOf(pattern string) string {
	rest, ok := strings.CutPrefix(pattern, "tunnel:")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, ":*")
	if !ok || channel.ValidateTunnelID(id) != nil {
		return ""
	}
	return id
}
