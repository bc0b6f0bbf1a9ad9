package commands

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	header, err := parseHeaders([]string{"Accept: application/json", "X-Trace:  abc ", "Accept: text/plain"})
	require.NoError(t, err)

	assert.Equal(t, http.Header{
		"Accept":  {"application/json", "text/plain"},
		"X-Trace": {"abc"},
	}, header)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)

	_, err = parseHeaders([]string{": value"})
	assert.Error(t, err)
}

func TestReadData(t *testing.T) {
	body, err := readData("")
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = readData(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"b":2}`), 0o600))
	body, err = readData("@" + path)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(body))

	_, err = readData("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// isolateEnv points configuration at an empty config dir and env storage.
func isolateEnv(t *testing.T, baseURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("TOKENRELAY_API_BASE_URL", baseURL)
	t.Setenv("TOKENRELAY_REFRESH_URL", "/auth/refresh")
	t.Setenv("TOKENRELAY_AUTH_STORAGE", "env")
	t.Setenv("TOKENRELAY_LOG_LEVEL", "error")
}

func TestCall_RefreshesWithStoredToken(t *testing.T) {
	var refreshes atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/refresh":
			refreshes.Add(1)
			_, _ = io.WriteString(w, `{"access_token":"a1","expires_in":60}`)
		case r.Header.Get("Authorization") == "Bearer a1" && r.Header.Get("X-Mode") == "test":
			_, _ = io.WriteString(w, `{"ok":true}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer upstream.Close()

	isolateEnv(t, upstream.URL)
	t.Setenv("TOKENRELAY_REFRESH_TOKEN", "r1")

	err := Execute(t.Context(), []string{"tokenrelay", "call", "--header", "X-Mode: test", "get", "/v1/me"}, "test", "none")
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestCall_FailsWithoutSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	isolateEnv(t, upstream.URL)
	t.Setenv("TOKENRELAY_REFRESH_TOKEN", "")

	err := Execute(t.Context(), []string{"tokenrelay", "call", "GET", "/v1/me"}, "test", "none")
	assert.Error(t, err)
}

func TestCall_RequiresMethodAndPath(t *testing.T) {
	isolateEnv(t, "http://127.0.0.1:1")

	err := Execute(t.Context(), []string{"tokenrelay", "call", "GET"}, "test", "none")
	assert.ErrorContains(t, err, "expected METHOD and PATH")
}

func TestAuth_EnvStorageIsReadOnly(t *testing.T) {
	isolateEnv(t, "http://127.0.0.1:1")

	err := Execute(t.Context(), []string{"tokenrelay", "auth", "logout"}, "test", "none")
	assert.ErrorContains(t, err, "read-only")

	err = Execute(t.Context(), []string{"tokenrelay", "auth", "login"}, "test", "none")
	assert.ErrorContains(t, err, "read-only")
}

func TestAuth_Status(t *testing.T) {
	isolateEnv(t, "http://127.0.0.1:1")
	t.Setenv("TOKENRELAY_REFRESH_TOKEN", "r1")

	err := Execute(t.Context(), []string{"tokenrelay", "auth", "status"}, "test", "none")
	assert.NoError(t, err)
}
