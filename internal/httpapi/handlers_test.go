package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirogateway/internal/config"
	"kirogateway/internal/gateway/core"
)

func testServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	cfg := config.Config{}
	cfg.KiroProxyBase = upstreamURL
	cfg.AdminBearerToken = "secret-token"
	cfg.Routing = config.Routing{Enabled: false, OpusModel: "opus", SonnetModel: "sonnet"}
	cfg.History = config.History{MaxMessages: 100, MaxChars: 1 << 20, SummaryThreshold: 1 << 20, SummaryKeepRecent: 10, EstimateThreshold: 1 << 20, RetryMaxMessages: 50}
	cfg.ContextEnh = config.ContextEnhancement{Enabled: false}
	cfg.Continuation = config.Continuation{Enabled: false, MaxContinuations: 1, MinTextLength: 1, MaxConsecutiveFailures: 1, TruncatedEndingChars: 100}
	cfg.Streaming = config.Streaming{TextChunkSize: 1000, ToolJSONChunkSize: 1000, ThinkingChunkSize: 1000}

	c := core.New(cfg, http.DefaultClient, func(ctx context.Context, prompt string) (string, error) { return "", nil })
	return NewServer(c)
}

func TestHandleAnthropicMessages_ReturnsAssistantMessage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"hello back"},"finish_reason":"stop"}]}`)
	}))
	defer upstream.Close()

	srv := testServer(t, upstream.URL)
	body := `{"model":"claude-x","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "assistant", resp["role"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
}

func TestHandleAnthropicMessages_RejectsMalformedBody(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	w := httptest.NewRecorder()

	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCountTokens_ReturnsPositiveEstimate(t *testing.T) {
	srv := testServer(t, "http://unused")
	body := `{"model":"claude-x","max_tokens":100,"messages":[{"role":"user","content":"count these tokens please"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp["input_tokens"], 0)
}

func TestHandleOpenAIChatCompletions_ReturnsChoice(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"openai style reply"},"finish_reason":"stop"}]}`)
	}))
	defer upstream.Close()

	srv := testServer(t, upstream.URL)
	body := `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	choices := resp["choices"].([]any)
	require.Len(t, choices, 1)
}

func TestAdminRoutingStats_RequiresBearerToken(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/admin/routing/stats", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutingStats_SucceedsWithBearerToken(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/admin/routing/stats", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Contains(t, snap, "opus")
}

func TestAdminRoutingStats_YAMLFormat(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/admin/routing/stats?format=yaml", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "opus:")
}

func TestAdminRoutingReset_ClearsCounters(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodPost, "/admin/routing/reset", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminConfig_SucceedsWithBearerToken(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAsyncSummaryStats_SucceedsWithBearerToken(t *testing.T) {
	srv := testServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/admin/async-summary/stats", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Contains(t, snap, "queue_length")
}

func TestAdminConfigHistory_UpdatesThresholds(t *testing.T) {
	srv := testServer(t, "http://unused")
	body := `{"max_messages":5,"max_chars":1000,"summary_threshold":1000,"summary_keep_recent":2,"estimate_threshold":1000,"retry_max_messages":5}`
	req := httptest.NewRequest(http.MethodPost, "/admin/config/history", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAliases_ReturnOK(t *testing.T) {
	srv := testServer(t, "http://unused")
	for _, path := range []string{"/", "/healthz", "/v1/health", "/api/v1/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Routes().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "path %s", path)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp["status"])
		assert.NotEmpty(t, resp["service"])
	}
}
