// Package token issues and verifies download tokens: compact signed
// strings that carry a set of item ids and the time they were issued.
// Tokens are never stored server-side; the signature is the only thing
// that makes one trustworthy.
package token

import (
	_ "crypto/sha256" // registers the digest algorithm
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// MinSecretSize is the minimum accepted signing secret length in bytes.
const MinSecretSize = 32

var (
	// ErrInvalidInput is returned by Issue for an empty or oversized item set.
	ErrInvalidInput = errors.New("invalid item selection")
	// ErrInvalid covers malformed, tampered and wrongly-signed tokens.
	ErrInvalid = errors.New("invalid download token")
	// ErrExpired is returned for well-formed tokens past their validity window.
	ErrExpired = errors.New("download token expired")
)

// Clock abstracts time retrieval so expiry is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Claims is the decoded content of a verified token.
type Claims struct {
	ItemIDs  []string
	IssuedAt time.Time
}

// ExpiresAt returns the instant after which the token is rejected.
func (c Claims) ExpiresAt(validity time.Duration) time.Time {
	return c.IssuedAt.Add(validity)
}

// wireClaims is the signed payload. There is no exp claim: expiry is
// derived from the issue time and the codec's validity window. iat only
// has second precision, so the exact issue time travels in iat_ms. jti
// makes every issuance unique.
type wireClaims struct {
	jwt.RegisteredClaims
	IssuedAtMs int64    `json:"iat_ms"`
	Items      []string `json:"items"`
}

// Codec signs and verifies download tokens with a symmetric secret.
type Codec struct {
	secret   []byte
	validity time.Duration
	maxItems int
	clock    Clock
	parser   *jwt.Parser
}

// NewCodec creates a Codec. A nil clock uses the system clock.
func NewCodec(secret []byte, validity time.Duration, maxItems int, clock Clock) (*Codec, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretSize, len(secret))
	}
	if validity <= 0 {
		return nil, fmt.Errorf("validity window must be positive")
	}
	if maxItems <= 0 {
		return nil, fmt.Errorf("max items must be positive")
	}
	if clock == nil {
		clock = systemClock{}
	}

	return &Codec{
		secret:   append([]byte(nil), secret...),
		validity: validity,
		maxItems: maxItems,
		clock:    clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Validity returns the configured validity window.
func (c *Codec) Validity() time.Duration {
	return c.validity
}

// MaxItems returns the largest item set a token may carry.
func (c *Codec) MaxItems() int {
	return c.maxItems
}

// Issue signs a token for itemIDs. Blank and repeated ids are dropped,
// keeping the first occurrence so the order is stable.
func (c *Codec) Issue(itemIDs []string) (string, error) {
	items := NormalizeIDs(itemIDs)
	if len(items) == 0 {
		return "", fmt.Errorf("%w: no items selected", ErrInvalidInput)
	}
	if len(items) > c.maxItems {
		return "", fmt.Errorf("%w: %d items selected, at most %d allowed", ErrInvalidInput, len(items), c.maxItems)
	}

	now := c.clock.Now()
	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		IssuedAtMs: now.UnixMilli(),
		Items:      items,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and validity window of raw and returns its claims.
func (c *Codec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalid)
	}

	var parsed wireClaims
	_, err := c.parser.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if parsed.IssuedAt == nil || parsed.IssuedAtMs <= 0 {
		return Claims{}, fmt.Errorf("%w: missing issue time", ErrInvalid)
	}
	issuedAt := time.UnixMilli(parsed.IssuedAtMs).UTC()
	if issuedAt.Unix() != parsed.IssuedAt.Unix() {
		return Claims{}, fmt.Errorf("%w: inconsistent issue time", ErrInvalid)
	}
	if len(parsed.Items) == 0 || len(parsed.Items) > c.maxItems {
		return Claims{}, fmt.Errorf("%w: carries %d items", ErrInvalid, len(parsed.Items))
	}

	claims := Claims{
		ItemIDs:  parsed.Items,
		IssuedAt: issuedAt,
	}
	if c.clock.Now().After(claims.ExpiresAt(c.validity)) {
		return Claims{}, fmt.Errorf("%w: issued %s", ErrExpired, claims.IssuedAt.Format(time.RFC3339Nano))
	}
	return claims, nil
}

// CacheKey derives the archive cache key for a token. It digests the
// token text itself, and every issuance carries its own jti, so two
// issuances for the same items never share a key.
func CacheKey(raw string) digest.Digest {
	return digest.FromString(strings.TrimSpace(raw))
}

// NormalizeIDs trims ids and drops blanks and repeats, keeping the first
// occurrence. Issue applies it to every selection.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
