package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwksServer struct {
	*httptest.Server
	key     *rsa.PrivateKey
	kid     string
	fetches atomic.Int32
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &jwksServer{key: key, kid: "kid_1"}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{"kid": "ec_key", "kty": "EC"},
				{
					"kid": s.kid,
					"kty": "RSA",
					"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func principalEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		writeJSON(w, http.StatusOK, principal)
	})
}

func TestClerkAuthMiddleware(t *testing.T) {
	t.Setenv("CLERK_AUDIENCE", "")
	t.Setenv("CLERK_ISSUER", "")
	jwks := newJWKSServer(t)
	handler := ClerkAuthMiddleware(jwks.URL)(principalEcho(t))

	valid := jwt.MapClaims{"sub": "user_1", "email": " Payee@Example.com ", "exp": time.Now().Add(time.Hour).Unix()}

	t.Run("valid token sets the principal", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, valid)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeJSON(t, rec)
		assert.Equal(t, "user_1", body["id"])
		assert.Equal(t, "payee@example.com", body["email"])
	})

	t.Run("keys are cached", func(t *testing.T) {
		before := jwks.fetches.Load()
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, valid)})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, before, jwks.fetches.Load())
	})

	t.Run("unknown kid refetches and fails", func(t *testing.T) {
		before := jwks.fetches.Load()
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, "rotated", valid)})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, before+1, jwks.fetches.Load())
	})

	t.Run("expired token", func(t *testing.T) {
		expired := jwt.MapClaims{"sub": "user_1", "exp": time.Now().Add(-time.Minute).Unix()}
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, expired)})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing subject", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, jwt.MapClaims{"email": "a@b.c"})})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Token abc"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		rec = doRequest(t, handler, http.MethodGet, "/", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("hmac tokens are refused", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, valid)
		tok.Header["kid"] = jwks.kid
		signed, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)
		rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + signed})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestClerkAuthMiddleware_AudienceAndIssuer(t *testing.T) {
	t.Setenv("CLERK_AUDIENCE", "escrow")
	t.Setenv("CLERK_ISSUER", "https://clerk.example.com")
	jwks := newJWKSServer(t)
	handler := ClerkAuthMiddleware(jwks.URL)(principalEcho(t))
	exp := time.Now().Add(time.Hour).Unix()

	good := jwt.MapClaims{"sub": "user_1", "aud": "escrow", "iss": "https://clerk.example.com", "exp": exp}
	rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, good)})
	assert.Equal(t, http.StatusOK, rec.Code)

	wrongAud := jwt.MapClaims{"sub": "user_1", "aud": "other", "iss": "https://clerk.example.com", "exp": exp}
	rec = doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, wrongAud)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIss := jwt.MapClaims{"sub": "user_1", "aud": "escrow", "iss": "https://evil.example.com", "exp": exp}
	rec = doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"Authorization": "Bearer " + jwks.token(t, jwks.kid, wrongIss)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseRSAPublicKey(t *testing.T) {
	_, err := parseRSAPublicKey("AQAB", "")
	assert.Error(t, err)
	_, err = parseRSAPublicKey("!!", "AQAB")
	assert.Error(t, err)
	key, err := parseRSAPublicKey("AQAB", "AQAB")
	require.NoError(t, err)
	assert.Equal(t, 65537, key.E)
}
