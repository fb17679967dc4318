package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
)

func TestHashAndVerifyPassword(t *testing.T) {
	encoded, err := HashPassword("s3cret", defaultArgon2Params)
	require.NoError(t, err)
	assert.True(t, VerifyPassword("s3cret", encoded))
	assert.False(t, VerifyPassword("wrong", encoded))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	for _, h := range []string{
		"",
		"argon2id$bad",
		"bcrypt$1$2$3$salt$hash",
		"argon2id$x$y$z$!!$!!",
	} {
		assert.False(t, VerifyPassword("anything", h), "hash %q", h)
	}
}

func guardServer(t *testing.T, password string) http.Handler {
	t.Helper()
	srv := NewServer(config.Config{AdminUsername: "admin", AdminPassword: password}, nil, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	return srv.AdminAPIGuard()(ok)
}

func TestAdminAPIGuard_RejectsMissingAndBadCredentials(t *testing.T) {
	h := guardServer(t, "plainpass")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/deploy", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/deploy", nil)
	req.SetBasicAuth("admin", "nope")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAPIGuard_PlainPassword(t *testing.T) {
	h := guardServer(t, "plainpass")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/deploy", nil)
	req.SetBasicAuth("admin", "plainpass")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminAPIGuard_Argon2Hash(t *testing.T) {
	encoded, err := HashPassword("s3cret", defaultArgon2Params)
	require.NoError(t, err)
	h := guardServer(t, encoded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/deploy", nil)
	req.SetBasicAuth("admin", "s3cret")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/deploy", nil)
	req.SetBasicAuth("admin", encoded) // the hash itself is not the password
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
