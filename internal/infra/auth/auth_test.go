package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

func newKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func operatorClaims(scopes map[string]bool, ttl time.Duration) domain.CustomClaims {
	return domain.CustomClaims{
		UserID: "op-1",
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleet-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func signClaims(t *testing.T, key *rsa.PrivateKey, claims domain.CustomClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func sign(t *testing.T, key *rsa.PrivateKey, scopes map[string]bool, ttl time.Duration) string {
	t.Helper()
	return signClaims(t, key, operatorClaims(scopes, ttl))
}

func TestVerifyToken(t *testing.T) {
	key, pubPEM := newKeyPair(t)
	pub, err := LoadOperatorKey(pubPEM)
	require.NoError(t, err)
	v := NewOperatorValidator(pub, "fleet-auth", 0)

	claims, err := v.VerifyToken("Bearer " + sign(t, key, map[string]bool{domain.ScopeDeploymentsRead: true}, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.UserID)
	assert.True(t, claims.HasScope(domain.ScopeDeploymentsRead))
	assert.False(t, claims.HasScope(domain.ScopeDeploymentsWrite))

	_, err = LoadOperatorKey(nil)
	assert.Error(t, err)
	_, err = LoadOperatorKey([]byte("not a pem"))
	assert.Error(t, err)
}

func TestVerifyTokenRejects(t *testing.T) {
	key, pubPEM := newKeyPair(t)
	pub, err := LoadOperatorKey(pubPEM)
	require.NoError(t, err)
	v := NewOperatorValidator(pub, "fleet-auth", 0)
	other, _ := newKeyPair(t)

	noExp := operatorClaims(nil, time.Hour)
	noExp.ExpiresAt = nil
	foreignIssuer := operatorClaims(nil, time.Hour)
	foreignIssuer.Issuer = "someone-else"
	anonymous := operatorClaims(nil, time.Hour)
	anonymous.UserID = ""
	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims(nil, time.Hour)).SignedString([]byte("shared"))
	require.NoError(t, err)

	cases := map[string]string{
		"expired":           sign(t, key, nil, -time.Minute),
		"foreign signature": sign(t, other, nil, time.Hour),
		"missing exp":       signClaims(t, key, noExp),
		"wrong issuer":      signClaims(t, key, foreignIssuer),
		"no operator id":    signClaims(t, key, anonymous),
		"hmac algorithm":    hmac,
		"garbage":           "junk",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyToken(token)
			assert.Error(t, err)
		})
	}

	// Без issuer в конфиге iss не сверяется
	open := NewOperatorValidator(pub, "", 0)
	_, err = open.VerifyToken(signClaims(t, key, foreignIssuer))
	assert.NoError(t, err)
}

func TestMiddlewareAndScopes(t *testing.T) {
	key, pubPEM := newKeyPair(t)
	pub, err := LoadOperatorKey(pubPEM)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewMiddleware(NewOperatorValidator(pub, "", time.Minute), zap.NewNop())(RequireScope(domain.ScopeDeploymentsWrite)(ok))

	do := func(setup func(r *http.Request)) int {
		r := httptest.NewRequest(http.MethodPost, "/v1/deployments", nil)
		setup(r)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(func(r *http.Request) {}))
	assert.Equal(t, http.StatusUnauthorized, do(func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") }))
	assert.Equal(t, http.StatusForbidden, do(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+sign(t, key, map[string]bool{domain.ScopeDeploymentsRead: true}, time.Hour))
	}))
	assert.Equal(t, http.StatusNoContent, do(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+sign(t, key, map[string]bool{domain.ScopeAdmin: true}, time.Hour))
	}))
	assert.Equal(t, http.StatusNoContent, do(func(r *http.Request) {
		q := r.URL.Query()
		q.Set("access_token", sign(t, key, map[string]bool{domain.ScopeDeploymentsWrite: true}, time.Hour))
		r.URL.RawQuery = q.Encode()
	}))

	open := Disabled()(RequireScope(domain.ScopeAgentsCommand)(ok))
	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
