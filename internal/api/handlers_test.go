package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/codegate/internal/auth"
	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/errs"
	"github.com/mattjoyce/codegate/internal/events"
	"github.com/mattjoyce/codegate/internal/history"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/metrics"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/registry"
)

// fakeExecutor implements Executor for testing
type fakeExecutor struct {
	mu        sync.Mutex
	requests  []dispatch.Request
	executeFn func(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	cancelled map[string]bool
	active    []registry.Info
}

func (f *fakeExecutor) Execute(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.executeFn != nil {
		return f.executeFn(ctx, req)
	}
	return &dispatch.Result{RequestID: "req-1", Provider: "claude-code", Model: "m", Output: "ok"}, nil
}

func (f *fakeExecutor) Cancel(id string) bool { return f.cancelled[id] }

func (f *fakeExecutor) Health() dispatch.HealthSnapshot {
	return dispatch.HealthSnapshot{
		Status:         "ok",
		MaxConcurrency: 4,
		Providers:      []provider.Info{{Name: "claude-code", Binary: "claude"}},
	}
}

func (f *fakeExecutor) Active() []registry.Info { return f.active }

func (f *fakeExecutor) lastRequest(t *testing.T) dispatch.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests, "Execute was not called")
	return f.requests[len(f.requests)-1]
}

type fakeProviders []provider.Info

func (f fakeProviders) List() []provider.Info { return f }

type fakeHistory struct {
	recs []history.Record
	err  error
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

var testTokens = []auth.TokenConfig{
	{Token: "admin-token", Scopes: []string{"*"}},
	{Token: "read-token", Scopes: []string{"read"}},
	{Token: "exec-token", Scopes: []string{"execute"}},
}

func newTestServer(t *testing.T, exec *fakeExecutor) (*Server, *events.Hub) {
	t.Helper()
	hub := events.NewHub(16)
	srv, err := New(Config{Tokens: testTokens, MaxBodyBytes: 1 << 20}, exec,
		fakeProviders{{Name: "claude-code", Binary: "claude", Available: true}}, hub, log.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, hub
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body: %s", rr.Body.String())
	return resp.Error
}

func TestHealthNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	rr := doRequest(t, srv.Handler(), http.MethodGet, "/health", "", nil, "")

	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "ok", got["status"])
	assert.EqualValues(t, 4, got["maxConcurrency"])
	assert.Contains(t, got, "activeExecutions")
	assert.Contains(t, got, "queueDepth")
	assert.Contains(t, got, "uptime")
	assert.Len(t, got["providers"], 1)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodGet, "/api/providers", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "AUTH_ERROR", decodeError(t, rr).Code)

	rr = doRequest(t, h, http.MethodGet, "/api/providers", "wrong", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, h, http.MethodGet, "/api/providers", "read-token", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestScopesEnforced(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodPost, "/api/execute", "read-token", []byte(`{"prompt":"hi"}`), "application/json")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/api/cancel/abc", "exec-token", nil, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(t, h, http.MethodGet, "/api/executions", "exec-token", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code, "execute implies read")
}

func TestExecuteJSON(t *testing.T) {
	exec := &fakeExecutor{}
	srv, _ := newTestServer(t, exec)

	body := `{"prompt":"fix it","provider":"claude-code","model":"m","timeoutMs":5000,
		"files":[{"path":"a.txt","content":"aGk=","encoding":"base64"}]}`
	rr := doRequest(t, srv.Handler(), http.MethodPost, "/api/execute", "exec-token", []byte(body), "application/json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "ok", res.Output)

	got := exec.lastRequest(t)
	assert.Equal(t, "fix it", got.Prompt)
	assert.Equal(t, "claude-code", got.Provider)
	assert.Equal(t, int64(5000), got.TimeoutMs)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "base64", got.Files[0].Encoding)
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "not json", body: `{nope`, wantMsg: "invalid JSON body"},
		{name: "missing prompt", body: `{"provider":"codex"}`, wantMsg: "prompt"},
		{name: "empty prompt", body: `{"prompt":""}`, wantMsg: "prompt"},
		{name: "timeout too large", body: `{"prompt":"x","timeoutMs":600001}`, wantMsg: "timeoutMs"},
		{name: "timeout not integer", body: `{"prompt":"x","timeoutMs":1.5}`, wantMsg: "timeoutMs"},
		{name: "bad encoding", body: `{"prompt":"x","files":[{"path":"a","content":"b","encoding":"utf-16"}]}`, wantMsg: "files.0.encoding"},
		{name: "empty path", body: `{"prompt":"x","files":[{"path":"","content":"b"}]}`, wantMsg: "files.0.path"},
		{name: "unknown field", body: `{"prompt":"x","extra":true}`, wantMsg: "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			srv, _ := newTestServer(t, exec)
			rr := doRequest(t, srv.Handler(), http.MethodPost, "/api/execute", "admin-token", []byte(tt.body), "application/json")

			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			e := decodeError(t, rr)
			assert.Equal(t, "VALIDATION_ERROR", e.Code)
			assert.Contains(t, e.Message, tt.wantMsg)
			assert.Empty(t, exec.requests, "invalid requests never reach the executor")
		})
	}
}

func TestExecuteBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	big := `{"prompt":"` + strings.Repeat("x", 2<<20) + `"}`
	rr := doRequest(t, srv.Handler(), http.MethodPost, "/api/execute", "admin-token", []byte(big), "application/json")

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "exceeds")
}

func TestExecuteMultipart(t *testing.T) {
	exec := &fakeExecutor{}
	srv, _ := newTestServer(t, exec)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "summarise"))
	require.NoError(t, mw.WriteField("provider", "codex"))
	require.NoError(t, mw.WriteField("timeoutMs", "1500"))
	fw, err := mw.CreateFormFile("files", "notes.md")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("# notes"))
	require.NoError(t, mw.Close())

	rr := doRequest(t, srv.Handler(), http.MethodPost, "/api/execute", "admin-token", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got := exec.lastRequest(t)
	assert.Equal(t, "summarise", got.Prompt)
	assert.Equal(t, "codex", got.Provider)
	assert.Equal(t, int64(1500), got.TimeoutMs)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "notes.md", got.Files[0].Path)
	assert.Equal(t, "# notes", got.Files[0].Content)
	assert.Equal(t, "utf-8", got.Files[0].Encoding)
}

func TestExecuteMultipartValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "x"))
	require.NoError(t, mw.WriteField("timeoutMs", "soon"))
	require.NoError(t, mw.Close())

	rr := doRequest(t, srv.Handler(), http.MethodPost, "/api/execute", "admin-token", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "timeoutMs")
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{errs.New(errs.KindProviderNotFound, "unknown provider: x. Available: codex"), 400, "PROVIDER_NOT_FOUND"},
		{errs.New(errs.KindCapacityExceeded, "queue full (2 waiting), try again later"), 503, "CAPACITY_EXCEEDED"},
		{errs.New(errs.KindTimeout, "provider codex timed out after 1s"), 504, "TIMEOUT"},
		{errs.New(errs.KindCancelled, "execution was cancelled"), 499, "CANCELLED"},
		{errs.New(errs.KindProviderError, "provider codex failed to spawn"), 502, "PROVIDER_ERROR"},
		{errs.New(errs.KindWorkspace, "path traversal detected: ../x"), 500, "WORKSPACE_ERROR"},
		{errors.New("boom"), 500, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			exec := &fakeExecutor{executeFn: func(context.Context, dispatch.Request) (*dispatch.Result, error) {
				return nil, tt.err
			}}
			srv, _ := newTestServer(t, exec)
			rr := doRequest(t, srv.Handler(), http.MethodPost, "/api/execute", "admin-token", []byte(`{"prompt":"x"}`), "application/json")

			assert.Equal(t, tt.wantStatus, rr.Code)
			e := decodeError(t, rr)
			assert.Equal(t, tt.wantCode, e.Code)
			if tt.wantCode == "INTERNAL_ERROR" {
				assert.NotContains(t, e.Message, "boom")
			}
		})
	}
}

func TestCancel(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{cancelled: map[string]bool{"req-1": true}})
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodPost, "/api/cancel/req-1", "admin-token", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp CancelResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, CancelResponse{RequestID: "req-1", Status: "cancelled"}, resp)

	rr = doRequest(t, h, http.MethodPost, "/api/cancel/req-2", "admin-token", nil, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, "NOT_FOUND", e.Code)
	assert.Equal(t, "No active execution with id: req-2", e.Message)
}

func TestProvidersAndExecutions(t *testing.T) {
	exec := &fakeExecutor{active: []registry.Info{{RequestID: "req-1", Provider: "codex", State: registry.StateRunning}}}
	srv, _ := newTestServer(t, exec)
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodGet, "/api/providers", "read-token", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var providers ProvidersResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &providers))
	require.Len(t, providers.Providers, 1)
	assert.True(t, providers.Providers[0].Available)

	rr = doRequest(t, h, http.MethodGet, "/api/executions", "read-token", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var execs ExecutionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &execs))
	require.Len(t, execs.Executions, 1)
	assert.Equal(t, registry.StateRunning, execs.Executions[0].State)
}

func TestHistory(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})

	rr := doRequest(t, srv.Handler(), http.MethodGet, "/api/history", "read-token", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code, "disabled without a store")

	srv.WithHistory(&fakeHistory{recs: []history.Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}})
	h := srv.Handler()

	rr = doRequest(t, h, http.MethodGet, "/api/history?limit=2", "read-token", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Executions, 2)

	rr = doRequest(t, h, http.MethodGet, "/api/history?limit=0", "read-token", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	srv.WithHistory(&fakeHistory{err: errors.New("database is locked")})
	rr = doRequest(t, srv.Handler(), http.MethodGet, "/api/history", "read-token", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	srv.WithMetrics(metrics.New())
	h := srv.Handler()

	_ = doRequest(t, h, http.MethodGet, "/health", "", nil, "")
	rr := doRequest(t, h, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `codegate_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestOpenAPI(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	rr := doRequest(t, srv.Handler(), http.MethodGet, "/api/openapi.json", "read-token", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/api/execute")
	assert.Contains(t, paths, "/api/cancel/{requestId}")

	post := paths["/api/execute"].(map[string]any)["post"].(map[string]any)
	schema := post["requestBody"].(map[string]any)["content"].(map[string]any)["application/json"].(map[string]any)["schema"].(map[string]any)
	prov := schema["properties"].(map[string]any)["provider"].(map[string]any)
	assert.Equal(t, []any{"claude-code"}, prov["enum"])
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExecutor{})
	rr := doRequest(t, srv.Handler(), http.MethodGet, "/nope", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Code)
}

func TestEventsStream(t *testing.T) {
	srv, hub := newTestServer(t, &fakeExecutor{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	hub.Publish(events.JobQueued, events.JobEvent{RequestID: "req-1", Provider: "codex"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?type=job.queued,job.completed", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer read-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Filtered out, then one that passes.
	hub.Publish(events.JobStarted, events.JobEvent{RequestID: "req-1", Provider: "codex"})
	hub.Publish(events.JobCompleted, events.JobEvent{RequestID: "req-1", Provider: "codex"})

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(types) < 2 {
		if v, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, v)
		}
	}
	assert.Equal(t, []string{events.JobQueued, events.JobCompleted}, types)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
