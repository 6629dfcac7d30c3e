// Package authn issues and validates the two credential types the
// trigger surfaces accept (§4.3): a JWT for the `/v1/webhook/*`
// management surface, and a bearer API key (with an X-Refly-Api-Key
// fallback header) for the `/v1/openapi/*` trigger surface.
//
// The teacher hand-rolls HMAC-SHA256 signing/verification in
// auth/jwt.go; that is replaced here with golang-jwt/jwt/v5 (grounded
// on ErlanBelekov-dist-job-scheduler's dependency stack) while keeping
// the teacher's claim shape (tenant/uid + role) and its "STRICT: fail
// fast on missing/malformed header" posture.
package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extends the registered JWT claims with the tenant identity
// the rest of the system keys on.
type Claims struct {
	UID  string `json:"uid"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

const (
	issuer   = "canvasflow-trigger-core"
	audience = "canvasflow-api"
)

var (
	ErrInvalidToken = errors.New("authn: invalid token")
	ErrExpired      = errors.New("authn: token expired")
)

// Issuer signs and validates management-surface JWTs.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Generate(uid, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:  uid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// BearerToken extracts the token from a "Bearer <token>" Authorization
// header, strictly rejecting any other shape (§4.3's fail-fast auth
// posture).
func BearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("authn: expected 'Bearer <token>' Authorization header")
	}
	return parts[1], nil
}

// APIKeyResolver validates the opaque API keys used by the OpenAPI
// trigger surface, accepted either as `Authorization: Bearer <key>` or
// the `X-Refly-Api-Key` header (§4.3).
type APIKeyResolver interface {
	// ResolveAPIKey maps a raw key to the uid that owns it, or ok=false
	// if unknown/revoked.
	ResolveAPIKey(rawKey string) (uid string, ok bool)
}

// HashAPIKey returns the storage form of an API key: callers persist
// only this hash, never the raw key, mirroring how the secret-bearing
// Authorization header is redacted before persistence (internal/redact).
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two API key hashes without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractAPIKey pulls the raw key from either accepted location,
// preferring the Authorization header per §4.3.
func ExtractAPIKey(authHeader, reflyHeader string) (string, bool) {
	if authHeader != "" {
		if key, err := BearerToken(authHeader); err == nil {
			return key, true
		}
	}
	if reflyHeader != "" {
		return reflyHeader, true
	}
	return "", false
}
