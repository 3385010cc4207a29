package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pg-mcp-server/internal/logger"
	"pg-mcp-server/internal/metrics"
	"pg-mcp-server/internal/resources"
	"pg-mcp-server/internal/session"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"0.0.1"}}}`

type stubResources struct{}

func (stubResources) Identity() resources.Identity {
	return resources.Identity{User: "alice", Database: "shop"}
}

func (stubResources) ListResources(context.Context) []*mcp.Resource { return nil }

func (stubResources) ReadResource(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

type stubRunner struct{}

func (stubRunner) Execute(context.Context, string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "[]"}}}
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

// closingSessions reports every id as closing.
type closingSessions struct{}

func (closingSessions) Create() (*session.Session, error) { return nil, errors.New("unused") }
func (closingSessions) Lookup(string) (*session.Session, error) {
	return nil, session.ErrSessionClosing
}
func (closingSessions) Close(string) error { return session.ErrSessionClosing }

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, *metrics.Metrics) {
	t.Helper()
	d := session.NewDispatcher("pgmcp-test", "v0.0.0", stubResources{}, stubRunner{}, logger.Void())
	mgr := session.NewManager(context.Background(), d, logger.Void())
	m := metrics.New()
	srv := New(Options{
		Path:     "/mcp",
		Sessions: mgr,
		Health:   stubPinger{},
		Metrics:  m,
		Logger:   logger.Void(),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		mgr.CloseAll()
		ts.Close()
	})
	return ts, mgr, m
}

func do(t *testing.T, method, url, sessionID, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	defer resp.Body.Close()
	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "2.0", out.JSONRPC)
	return out
}

func TestDeleteUnknownThenPostDoesNotCreate(t *testing.T) {
	ts, mgr, _ := newTestServer(t)

	resp := do(t, http.MethodDelete, ts.URL+"/mcp", "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeSessionNotFound, decodeError(t, resp).Error.Code)

	resp = do(t, http.MethodPost, ts.URL+"/mcp", "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, codeBadRequest, e.Error.Code)
	assert.Equal(t, "Bad Request: No valid session ID provided or not an initialize request.", e.Error.Message)
	assert.JSONEq(t, `7`, string(e.ID))

	assert.Equal(t, 0, mgr.Len())
}

func TestPostWithoutSession(t *testing.T) {
	ts, mgr, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
		id   string
	}{
		{"garbage", `{"jsonrpc":`, codeParseError, "null"},
		{"not initialize", `{"jsonrpc":"2.0","id":"a","method":"ping"}`, codeBadRequest, `"a"`},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, codeBadRequest, "null"},
		{"initialize without params", `{"jsonrpc":"2.0","id":3,"method":"initialize"}`, codeInvalidRequest, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/mcp", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			e := decodeError(t, resp)
			assert.Equal(t, tt.code, e.Error.Code)
			assert.JSONEq(t, tt.id, string(e.ID))
		})
	}
	assert.Equal(t, 0, mgr.Len())
}

func TestGetRequiresSession(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/mcp", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeSessionNotFound, decodeError(t, resp).Error.Code)

	resp = do(t, http.MethodGet, ts.URL+"/mcp", "nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Session not found", decodeError(t, resp).Error.Message)
}

func TestHandshakeAndTeardown(t *testing.T) {
	ts, mgr, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/mcp", "", initializeBody)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	id := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, id)
	assert.Contains(t, string(body), "protocolVersion")
	assert.Equal(t, 1, mgr.Len())

	_, err = mgr.Lookup(id)
	require.NoError(t, err)

	resp = do(t, http.MethodDelete, ts.URL+"/mcp", id, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, mgr.Len())

	resp = do(t, http.MethodGet, ts.URL+"/mcp", id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeSessionNotFound, decodeError(t, resp).Error.Code)

	resp = do(t, http.MethodDelete, ts.URL+"/mcp", id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestClosingSessionConflicts(t *testing.T) {
	srv := New(Options{Path: "/mcp", Sessions: closingSessions{}, Logger: logger.Void()})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		resp := do(t, method, ts.URL+"/mcp", "some-id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, method)
		assert.Equal(t, codeSessionClosing, decodeError(t, resp).Error.Code, method)
	}
}

func TestHealth(t *testing.T) {
	ok := httptest.NewServer(New(Options{Health: stubPinger{}, Logger: logger.Void()}))
	t.Cleanup(ok.Close)
	resp := do(t, http.MethodGet, ok.URL+"/healthz", "", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	down := httptest.NewServer(New(Options{Health: stubPinger{err: errors.New("connection refused")}, Logger: logger.Void()}))
	t.Cleanup(down.Close)
	resp = do(t, http.MethodGet, down.URL+"/healthz", "", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	resp.Body.Close()

	resp = do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `pgmcp_http_requests_total{method="GET",status="200"}`)
}

func TestCORSExposesSessionHeader(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://chat.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), sessionHeader)
}

func TestInspectBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bodyKind
	}{
		{"initialize", initializeBody, bodyHandshake},
		{"batch with initialize", `[{"jsonrpc":"2.0","method":"notifications/initialized"},` + initializeBody + `]`, bodyHandshake},
		{"null params", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":null}`, bodyMalformedHandshake},
		{"other method", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, bodyOther},
		{"empty batch", `[]`, bodyOther},
		{"json but not rpc", `{"hello":"world"}`, bodyOther},
		{"truncated", `[{"jsonrpc"`, bodyUnparseable},
		{"empty", ``, bodyUnparseable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inspectBody([]byte(tt.body)).kind)
		})
	}
}
