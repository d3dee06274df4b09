package serv

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dbfold/pgmux/core"
)

func authService(a Auth) *Service {
	return &Service{
		conf: &Config{Serv: Serv{Auth: a}},
		log:  zap.NewNop().Sugar(),
	}
}

// Config embeds both core.Config and Serv, and each carries an Auth
// field; the session settings live on Serv, the engine's claim settings
// on Core, and every call site must pick one explicitly.
func TestAuthSelectorsDisambiguated(t *testing.T) {
	c := &Config{}
	c.Serv.Auth.Type = "jwt"
	c.Core.Auth.RoleClaimType = "role"

	s := &Service{conf: c, log: zap.NewNop().Sugar()}
	assert.Equal(t, time.Hour, s.tokenTTL(), "ttl default comes from the serv auth settings")

	c.Serv.Auth.ExpiresIn = 30 * time.Minute
	assert.Equal(t, 30*time.Minute, s.tokenTTL())
	assert.Equal(t, "role", c.Core.Auth.RoleClaimType)
}

func TestIssueAndParseToken(t *testing.T) {
	s := authService(Auth{
		Type:      "jwt",
		Secret:    "test-secret",
		Issuer:    "pgmux-test",
		ExpiresIn: time.Hour,
	})

	token, err := s.issueToken(core.Claims{"name": "ada", "role": []string{"admin", "dev"}})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	var got *core.AuthUser
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = core.UserFromContext(r.Context())
	})

	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	s.jwtHandler(next).ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, got)
	assert.True(t, got.Authenticated)
	assert.Equal(t, "ada", got.Name)
	assert.Equal(t, []string{"admin", "dev"}, got.Claims.Roles("role"))
}

func TestJWTHandlerRejectsBadToken(t *testing.T) {
	s := authService(Auth{Type: "jwt", Secret: "test-secret"})

	var got *core.AuthUser
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = core.UserFromContext(r.Context())
	})

	// a forged token passes through anonymous, not rejected outright
	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	s.jwtHandler(next).ServeHTTP(httptest.NewRecorder(), r)
	assert.Nil(t, got)

	other := authService(Auth{Type: "jwt", Secret: "other-secret"})
	token, err := other.issueToken(core.Claims{"name": "mallory"})
	require.NoError(t, err)

	r = httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	s.jwtHandler(next).ServeHTTP(httptest.NewRecorder(), r)
	assert.Nil(t, got)
}

func TestJWTHandlerCookieFallback(t *testing.T) {
	s := authService(Auth{Type: "jwt", Secret: "test-secret", CookieName: "pgmux-session"})

	token, err := s.issueToken(core.Claims{"name": "ada"})
	require.NoError(t, err)

	var got *core.AuthUser
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = core.UserFromContext(r.Context())
	})

	r := httptest.NewRequest("GET", "/api/x", nil)
	r.AddCookie(&http.Cookie{Name: "pgmux-session", Value: token})
	s.jwtHandler(next).ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, got)
	assert.Equal(t, "ada", got.Name)
}

func TestInstallAuthHooks(t *testing.T) {
	s := authService(Auth{Type: "jwt", Secret: "test-secret", CookieName: "pgmux-session"})

	var cc core.Config
	s.installAuthHooks(&cc)
	require.NotNil(t, cc.SignIn)
	require.NotNil(t, cc.SignOut)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/login", nil)
	require.NoError(t, cc.SignIn(w, r, core.Claims{"name": "ada"}))

	assert.Contains(t, w.Body.String(), `"token":"`)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "pgmux-session", cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	// sign-out clears the cookie
	w = httptest.NewRecorder()
	require.NoError(t, cc.SignOut(w, r))
	assert.Equal(t, http.StatusNoContent, w.Code)
	cookies = w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestInstallAuthHooksDisabled(t *testing.T) {
	s := authService(Auth{Type: "none"})

	var cc core.Config
	s.installAuthHooks(&cc)
	assert.Nil(t, cc.SignIn)
	assert.Nil(t, cc.SignOut)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, bearerToken(r, ""))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(r, ""))

	r = httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "xyz"})
	assert.Equal(t, "xyz", bearerToken(r, "session"))
	assert.Empty(t, bearerToken(r, "other"))
}
