package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themadorg/tossmail/internal/storage"
)

func authConfig() Config {
	return Config{
		Domain:       "ex.test",
		AuthEnabled:  true,
		AuthSecret:   "test-secret",
		AuthTokenTTL: time.Hour,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, authConfig())

	tok, err := s.signToken(tokenClaims{
		UserID: "u1",
		Email:  "a@b.test",
		Expiry: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	claims, err := s.verifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "a@b.test", claims.Email)
}

func TestTokenRejectsTampering(t *testing.T) {
	s, _ := newTestServer(t, authConfig())

	tok, err := s.signToken(tokenClaims{
		UserID: "u1",
		Expiry: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = s.verifyToken(tok + "x")
	assert.Error(t, err)

	_, err = s.verifyToken("no-dot-here")
	assert.Error(t, err)

	other, _ := newTestServer(t, Config{AuthEnabled: true, AuthSecret: "different", AuthTokenTTL: time.Hour})
	_, err = other.verifyToken(tok)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	s, _ := newTestServer(t, authConfig())

	tok, err := s.signToken(tokenClaims{
		UserID: "u1",
		Expiry: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	_, err = s.verifyToken(tok)
	assert.Error(t, err)
}

func TestRegisterAndLogin(t *testing.T) {
	s, _ := newTestServer(t, authConfig())
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "not-an-email", "password": "hunter22",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@b.test", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@b.test", "password": "hunter22",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Token string        `json:"token"`
		User  *storage.User `json:"user"`
	}
	decode(t, rec, &created)
	assert.NotEmpty(t, created.Token)
	require.NotNil(t, created.User)
	assert.Equal(t, "a@b.test", created.User.Email)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@b.test", "password": "hunter22",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "a@b.test", "password": "wrongpass",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "a@b.test", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &created)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	require.Equal(t, http.StatusOK, mrec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	mrec = httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusUnauthorized, mrec.Code)
}

func TestRegisterAllowedDomain(t *testing.T) {
	cfg := authConfig()
	cfg.AuthAllowedDomain = "corp.test"
	s, _ := newTestServer(t, cfg)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@other.test", "password": "hunter22",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@corp.test", "password": "hunter22",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAuthDisabled(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/auth/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]bool
	decode(t, rec, &status)
	assert.False(t, status["enabled"])

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@b.test", "password": "hunter22",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// API routes stay open without a token.
	rec = doJSON(t, h, http.MethodGet, "/api/emails/alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthGuardsAPIRoutes(t *testing.T) {
	s, store := newTestServer(t, authConfig())
	h := s.Handler()
	storeMsg(t, store, "m1", "alice@ex.test")

	rec := doJSON(t, h, http.MethodGet, "/api/emails/alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Auth status and the tools route stay reachable.
	rec = doJSON(t, h, http.MethodGet, "/api/auth/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/tools", map[string]interface{}{
		"method": "mailbox_status",
		"params": map[string]string{"address": "alice"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	reg := doJSON(t, h, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@b.test", "password": "hunter22",
	})
	require.Equal(t, http.StatusCreated, reg.Code)
	var created struct {
		Token string `json:"token"`
	}
	decode(t, reg, &created)

	req := httptest.NewRequest(http.MethodGet, "/api/emails/alice", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
