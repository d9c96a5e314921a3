package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether-gateway/internal/config"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	m := config.NewManager(t.TempDir())
	require.NoError(t, m.Save(cfg))

	return New(m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHealthRouteOpenWithoutAuth(t *testing.T) {
	s := newTestServer(t, &config.Config{APIKey: "gw-secret"})
	router := s.setupRoutes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsRouteOpenWithoutAuth(t *testing.T) {
	s := newTestServer(t, &config.Config{APIKey: "gw-secret"})
	router := s.setupRoutes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aether_")
}

func TestProxyRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, &config.Config{APIKey: "gw-secret"})
	router := s.setupRoutes()

	for _, path := range []string{"/v1/chat/completions", "/v1/responses", "/v1/messages"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestNodeTokenAuth(t *testing.T) {
	m := config.NewManager(t.TempDir())
	require.NoError(t, m.Save(&config.Config{
		Tunnel: config.TunnelConfig{NodeTokens: map[string]string{"node-1": "ae_tok"}},
	}))
	auth := &nodeTokenAuth{config: m}

	ok, err := auth.AuthenticateNode(context.Background(), "ae_tok", "node-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.AuthenticateNode(context.Background(), "ae_wrong", "node-1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = auth.AuthenticateNode(context.Background(), "ae_tok", "ghost", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}
