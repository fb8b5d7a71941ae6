package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pegasus-notebook/pegasus/internal/common/errors"
	"github.com/pegasus-notebook/pegasus/internal/common/config"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
)

func newService(t *testing.T, cfg config.AuthConfig) *Service {
	t.Helper()
	if cfg.Username == "" {
		cfg.Username = "ada"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	svc, err := NewService(cfg, logger.Nop())
	require.NoError(t, err)
	return svc
}

func TestAuthenticatePlainPassword(t *testing.T) {
	svc := newService(t, config.AuthConfig{Password: "secret"})

	tok, err := svc.Authenticate("ada", "secret")
	require.NoError(t, err)
	assert.Equal(t, "bearer", tok.TokenType)

	subject, err := svc.Verify(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ada", subject)

	_, err = svc.Authenticate("ada", "wrong")
	assert.Equal(t, http.StatusUnauthorized, apperrors.GetHTTPStatus(err))
	_, err = svc.Authenticate("bob", "secret")
	assert.Error(t, err)
}

func TestAuthenticateBcryptHash(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	svc := newService(t, config.AuthConfig{PasswordHash: hash, Password: "ignored"})

	_, err = svc.Authenticate("ada", "secret")
	require.NoError(t, err)
	_, err = svc.Authenticate("ada", "ignored")
	assert.Error(t, err)
}

func TestVerifyRejects(t *testing.T) {
	svc := newService(t, config.AuthConfig{Password: "secret", TokenDuration: 30})
	tok, err := svc.Issue("ada")
	require.NoError(t, err)

	other := newService(t, config.AuthConfig{Password: "secret", JWTSecret: "other"})
	_, err = other.Verify(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	_, err = svc.Verify(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = time.Now
	stranger, err := svc.Issue("mallory")
	require.NoError(t, err)
	_, err = svc.Verify(stranger.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(config.AuthConfig{Username: "ada", JWTSecret: "x"}, logger.Nop())
	assert.Error(t, err)
	_, err = NewService(config.AuthConfig{Username: "ada", Password: "x"}, logger.Nop())
	assert.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t, config.AuthConfig{Password: "secret"})
	r := gin.New()
	r.GET("/private", RequireAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SubjectKey))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"detail":"Could not validate credentials"}`, w.Body.String())
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	tok, err := svc.Issue("ada")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada", w.Body.String())
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(1, 2)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
