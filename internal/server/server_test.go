package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/hupe1980/vecagent"
	"github.com/hupe1980/vecagent/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Parse([]byte(`
dimension: 3
enable_in_memory_mode: true
storage:
  type: memory
`), nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics, err := vecagent.NewPrometheusMetrics(reg)
	require.NoError(t, err)

	agent, err := vecagent.New(ctx, cfg, vecagent.WithInitialDelay(0), vecagent.WithMetricsCollector(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close(ctx) })

	ts := httptest.NewServer(New(agent, Config{Gatherer: reg}).Handler())
	t.Cleanup(ts.Close)
	return ts, reg
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestServerVectorLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/vectors/", `{"id":"a","vector":[1,0,0]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := do(t, ts, http.MethodPost, "/vectors/", `{"id":"a","vector":[1,0,0]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, codes.AlreadyExists.String(), body["code"])

	resp, body = do(t, ts, http.MethodPost, "/vectors/", `{"vectors":[{"id":"b","vector":[0,1,0]},{"id":"c","vector":[1]}]}`)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	failed := body["failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "c", failed[0].(map[string]any)["id"])

	resp, body = do(t, ts, http.MethodPost, "/search", `{"vector":[1,0,0],"k":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codes.NotFound.String(), body["code"])

	resp, body = do(t, ts, http.MethodPost, "/index/create", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["seq"])
	assert.Equal(t, float64(2), body["vector_count"])

	resp, body = do(t, ts, http.MethodPost, "/search", `{"vector":[1,0,0],"k":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].(map[string]any)["id"])

	resp, body = do(t, ts, http.MethodGet, "/vectors/b", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{float64(0), float64(1), float64(0)}, body["vector"])

	resp, _ = do(t, ts, http.MethodDelete, "/vectors/b", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodDelete, "/vectors/b", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPatch, "/vectors/zzz", `{"vector":[1,1,1]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, ts, http.MethodGet, "/index/info", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["stored"])
	assert.Equal(t, float64(1), body["uncommitted"])
	assert.Equal(t, true, body["unsaved"])

	resp, _ = do(t, ts, http.MethodPost, "/index/save", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServerProbesAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = do(t, ts, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	do(t, ts, http.MethodPost, "/vectors/", `{"id":"a","vector":[1,0,0]}`)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "vecagent_operation_latency_seconds")
}

func TestServerRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/vectors/", `{"id":"a","vector":[1,0,0],"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, codes.InvalidArgument.String(), body["code"])

	resp, _ = do(t, ts, http.MethodPost, "/vectors/delete-by-timestamp", `{"predicates":[{"op":"between","value":1}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/search", `{"vector":[1,0,0],"k":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusPreconditionFailed, httpStatus(codes.FailedPrecondition))
	assert.Equal(t, http.StatusConflict, httpStatus(codes.Aborted))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(codes.Unavailable))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(codes.Internal))
}
