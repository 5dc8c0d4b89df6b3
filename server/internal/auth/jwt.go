package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailed covers every bearer-auth rejection: bad credentials, a
// malformed or unverifiable JWT, a revoked session, or a jti mismatch.
var ErrAuthFailed = errors.New("auth: authentication failed")

// Claims is the JWT payload issued for an access token. sub/sid/jti pin
// the token to exactly one session row's current_jti.
type Claims struct {
	UserID    int64  `json:"sub"`
	SessionID string `json:"sid"`
	JTI       string `json:"jti"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies access-token JWTs with a single
// flag-configured HMAC secret rather than a rotating key set.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer with the given HMAC secret and access
// token lifetime.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue signs a fresh access token for (userID, sessionID, jti).
func (ti *TokenIssuer) Issue(userID int64, sessionID, jti string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		JTI:       jti,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies tokenString, returning its claims. It does
// not consult the session store — callers MUST additionally check
// Store.IsAccessTokenActive before trusting the claims.
func (ti *TokenIssuer) Validate(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return ti.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrAuthFailed
	}
	if claims.SessionID == "" || claims.JTI == "" {
		return Claims{}, ErrAuthFailed
	}
	return claims, nil
}

// Scheme identifies which bearer scheme an Authorization header used.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeBearer
	SchemeBot
)

// ParseAuthorizationHeader splits an "Authorization" header value into its
// scheme and token, supporting both the JWT bearer scheme and the
// bot-application token scheme.
func ParseAuthorizationHeader(header string) (Scheme, string) {
	header = strings.TrimSpace(header)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return SchemeBearer, strings.TrimSpace(token)
	}
	if token, ok := strings.CutPrefix(header, "Bot "); ok {
		return SchemeBot, strings.TrimSpace(token)
	}
	return SchemeNone, ""
}

// HashBotToken hashes a bot application token the same way on issuance and
// lookup: a bot token is bearer-equivalent to a database secret, so only
// its hash is ever persisted.
func HashBotToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
