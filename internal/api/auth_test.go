package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func authRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/secure", func(c *gin.Context) {
		subject, ok := Subject(c)
		c.JSON(http.StatusOK, gin.H{"subject": subject, "authenticated": ok})
	})
	return r
}

func get(r http.Handler, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	logger := logging.Nop()

	r := authRouter(APIKeyAuth(nil, "", logger))
	assert.Equal(t, http.StatusOK, get(r).Code, "no keys configured bypasses auth")

	r = authRouter(APIKeyAuth([]string{"key-1234"}, "X-KEY", logger))
	w := get(r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "X-KEY")

	assert.Equal(t, http.StatusUnauthorized, get(r, "X-KEY", "bad").Code)

	w = get(r, "X-KEY", "key-1234")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"key-****"`)
}

func TestJWTAuth(t *testing.T) {
	r := authRouter(JWTAuth(testSecret, "socialpulse", logging.Nop()))

	token, err := IssueToken(testSecret, "socialpulse", "ops", time.Hour)
	require.NoError(t, err)
	w := get(r, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"ops"`)

	assert.Equal(t, http.StatusUnauthorized, get(r).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", token).Code, "missing Bearer prefix")

	other, err := IssueToken(strings.Repeat("z", 32), "socialpulse", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer "+other).Code, "wrong secret")

	foreign, err := IssueToken(testSecret, "someone-else", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer "+foreign).Code, "wrong issuer")
}

func TestJWTAuthRejectsExpiredAndUnsigned(t *testing.T) {
	r := authRouter(JWTAuth(testSecret, "", logging.Nop()))

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer "+signed).Code)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"})
	signed, err = noExp.SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer "+signed).Code)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer "+signed).Code)
}

func TestIssueTokenValidates(t *testing.T) {
	_, err := IssueToken("short", "", "ops", time.Hour)
	assert.Error(t, err)
	_, err = IssueToken(testSecret, "", "ops", 0)
	assert.Error(t, err)
}

func TestAuthenticatorSelectsScheme(t *testing.T) {
	logger := logging.Nop()

	r := authRouter(Authenticator(config.AuthConfig{}, logger))
	w := get(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"authenticated":false`)

	r = authRouter(Authenticator(config.AuthConfig{Enabled: true, Type: config.AuthAPIKey, APIKeys: []string{"k"}}, logger))
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer x").Code)
	assert.Equal(t, http.StatusOK, get(r, DefaultAPIKeyHeader, "k").Code)

	r = authRouter(Authenticator(config.AuthConfig{Enabled: true, Type: config.AuthJWT, Secret: testSecret}, logger))
	token, err := IssueToken(testSecret, "", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, DefaultAPIKeyHeader, "k").Code)
	assert.Equal(t, http.StatusOK, get(r, "Authorization", "Bearer "+token).Code)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", MaskAPIKey("abcd"))
	assert.Equal(t, "abcd**", MaskAPIKey("abcdef"))
}

func TestIPRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(time.Second, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("1.1.1.1"))
	assert.True(t, l.allow("1.1.1.1"))
	assert.False(t, l.allow("1.1.1.1"))
	assert.True(t, l.allow("2.2.2.2"), "buckets are per IP")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, l.allow("1.1.1.1"))
	assert.False(t, l.allow("1.1.1.1"))

	now = now.Add(time.Hour)
	l.mu.Lock()
	dropped := l.pruneLocked(now)
	l.mu.Unlock()
	assert.Equal(t, 2, dropped)
}
