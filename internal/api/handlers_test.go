package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/node"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultServerConfigFromEnv()
	cfg.Node.DataDir = t.TempDir()
	cfg.Channel.PeerURL = ""
	cfg.Store.RedisEndpoint = ""

	n, err := node.New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	s := NewServer(cfg, n, nil)
	Init(s)
	return s
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func TestManagementEndpoints(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/-/healthy", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/-/ready", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/metrics", "").Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)

	rec = doRequest(s, http.MethodPost, "/api/v1/session/start", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.True(t, strings.HasPrefix(started["sessionId"], "session-"))

	// Starting twice conflicts.
	rec = doRequest(s, http.MethodPost, "/api/v1/session/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "active", status.State)
	assert.Equal(t, started["sessionId"], status.SessionID)
	assert.Zero(t, status.MomentCount)

	rec = doRequest(s, http.MethodPost, "/api/v1/session/stop", `{"externalCorrelationId":"ext-1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStopWithoutSessionConflicts(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/session/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMomentRequiresActiveSession(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/moments", "wav-bytes")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPipelineStatus(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/pipeline", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status pipelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Zero(t, status.QueueDepth)

	assert.Equal(t, http.StatusAccepted, doRequest(s, http.MethodPost, "/api/v1/pipeline/drain", "").Code)
}
