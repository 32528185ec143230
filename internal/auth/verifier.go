package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeControl grants access to the simulator control API.
const ScopeControl = "sim:control"

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether c grants scope.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// tokenClaims is the wire form. Scopes travel OAuth style as one
// space-separated "scope" string.
type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a verifier for secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("HS256 requires secret key")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// VerifyToken verifies tokenString and returns its claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &tc, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}
	return &Claims{Subject: tc.Subject, Scopes: strings.Fields(tc.Scope)}, nil
}

// Issue signs a token for subject with the given scopes. A zero ttl issues
// a token without expiry.
func Issue(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("HS256 requires secret key")
	}
	now := time.Now()
	tc := tokenClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString([]byte(secret))
}
