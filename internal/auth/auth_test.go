package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "bench-secret"

func TestIssueAndVerify(t *testing.T) {
	token, err := Issue(secret, "alice", []string{ScopeControl, "sim:read"}, time.Minute)
	require.NoError(t, err)

	v, err := NewVerifier(secret)
	require.NoError(t, err)
	claims, err := v.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.HasScope(ScopeControl))
	assert.False(t, claims.HasScope("admin"))
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewVerifier(secret)
	require.NoError(t, err)

	wrongKey, err := Issue("other", "alice", []string{ScopeControl}, 0)
	require.NoError(t, err)
	expired, err := Issue(secret, "alice", []string{ScopeControl}, time.Millisecond)
	require.NoError(t, err)
	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	noSubject, err := Issue(secret, "", []string{ScopeControl}, 0)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":      "  ",
		"garbage":    "not.a.jwt",
		"wrong key":  wrongKey,
		"expired":    expired,
		"no subject": noSubject,
		"alg none":   none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyToken(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = NewVerifier("")
	assert.Error(t, err)
	_, err = Issue("", "alice", nil, 0)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier(secret)
	require.NoError(t, err)
	var seen *Claims
	h := NewMiddleware(v).Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromRequest(r)
		w.WriteHeader(http.StatusNoContent)
	}), ScopeControl)

	good, err := Issue(secret, "bob", []string{ScopeControl}, time.Minute)
	require.NoError(t, err)
	readOnly, err := Issue(secret, "bob", []string{"sim:read"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic Ym9iOnB3", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"scope missing", "Bearer " + readOnly, http.StatusForbidden},
		{"ok", "Bearer " + good, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "bob", seen.Subject)
}

func TestMiddlewareWithoutVerifier(t *testing.T) {
	h := NewMiddleware(nil).Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), ScopeControl)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
