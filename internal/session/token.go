package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

const (
	tokenIssuer       = "orizon-hub"
	defaultTokenTTL   = 60 * time.Second
	minSigningKeySize = 32
)

// ErrWeakSigningKey is returned for signing keys shorter than 32 bytes.
var ErrWeakSigningKey = errors.New("session signing key must be at least 32 bytes")

// Claims are the session token claims. The token is scoped to one session
// id; jti must match the id recorded on the session so a token is usable
// exactly once.
type Claims struct {
	SessionID string             `json:"sid"`
	App       domain.Application `json:"app"`
	NodeID    string             `json:"node"`
	jwt.RegisteredClaims
}

// Tokens mints and verifies HS256 session tokens.
type Tokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokens returns a token service signing with key. Tokens live for ttl
// or until the session expires, whichever is sooner.
func NewTokens(key []byte, ttl time.Duration, now func() time.Time) (*Tokens, error) {
	if len(key) < minSigningKeySize {
		return nil, ErrWeakSigningKey
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tokens{key: append([]byte(nil), key...), ttl: ttl, now: now}, nil
}

// Mint signs a token for s and returns it with its jti and expiry.
func (t *Tokens) Mint(s *Session) (token, jti string, expiresAt time.Time, err error) {
	now := t.now()
	expiresAt = now.Add(t.ttl)
	if s.ExpiresAt.Before(expiresAt) {
		expiresAt = s.ExpiresAt
	}
	jti = uuid.NewString()
	claims := Claims{
		SessionID: s.ID,
		App:       s.App,
		NodeID:    s.NodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   s.UserID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, jti, expiresAt, nil
}

// Verify checks the signature and expiry locally. Expired tokens map to
// [domain.ErrTokenExpired], everything else to [domain.ErrTokenInvalid].
func (t *Tokens) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if claims.SessionID == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing session claims", domain.ErrTokenInvalid)
	}
	return claims, nil
}

func (t *Tokens) keyFunc(*jwt.Token) (any, error) {
	return t.key, nil
}
