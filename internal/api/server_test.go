package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vimarconnector/internal/entries"
	"vimarconnector/internal/flowmanager"
	"vimarconnector/internal/plugins/vimar"
	"vimarconnector/pkg/flow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	server  *Server
	store   *entries.Store
	manager *flowmanager.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	registry := flow.NewRegistry()
	require.NoError(t, vimar.Register(registry, vimar.Options{}))

	reg := prometheus.NewRegistry()
	store := entries.NewStore("", logger)
	manager := flowmanager.New(registry, store, logger, flowmanager.WithMetrics(flowmanager.NewMetrics(reg)))

	server := NewServer(Deps{
		Flows:   manager,
		Entries: store,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger, 8081)

	return &testServer{server: server, store: store, manager: manager}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	var payload map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &payload)
	}
	return w, payload
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	w, payload := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", payload["status"])
}

func TestHandleSitemap(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "/api/flows")

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "<html>")
}

func TestUserFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w, payload := ts.do(t, http.MethodPost, "/api/flows", map[string]any{"handler": vimar.Domain})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "form", payload["type"])
	assert.Equal(t, "user", payload["step_id"])
	flowID, _ := payload["flow_id"].(string)
	require.NotEmpty(t, flowID)

	schema, ok := payload["data_schema"].(map[string]any)
	require.True(t, ok)
	fields, _ := schema["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, "host", fields[0].(map[string]any)["name"])

	w, payload = ts.do(t, http.MethodGet, "/api/flows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var flows []flowmanager.Flow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flows))
	require.Len(t, flows, 1)

	w, payload = ts.do(t, http.MethodPost, "/api/flows/"+flowID, map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"host": "required"}, payload["errors"])

	w, payload = ts.do(t, http.MethodPost, "/api/flows/"+flowID, map[string]any{
		"host":      "10.0.0.9",
		"mac":       "AA:BB:CC:DD:EE:FF",
		"device_id": "X1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "create_entry", payload["type"])
	assert.Equal(t, "title", payload["title"])
	assert.Equal(t, map[string]any{"host": "10.0.0.9", "mac": "AA:BB:CC:DD:EE:FF"}, payload["data"])
	entryID, _ := payload["entry_id"].(string)
	require.NotEmpty(t, entryID)

	w, _ = ts.do(t, http.MethodGet, "/api/entries?domain="+vimar.Domain, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []entries.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "X1", list[0].UniqueID)

	w, _ = ts.do(t, http.MethodGet, "/api/flows/"+flowID+"/trace", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var steps []flowmanager.TraceStep
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &steps))
	assert.Len(t, steps, 3)

	w, _ = ts.do(t, http.MethodDelete, "/api/entries/"+entryID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.store.List(""))

	w, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `vimar_flows_started_total{source="user"} 1`)
}

func TestAbortFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	_, payload := ts.do(t, http.MethodPost, "/api/flows", map[string]any{"handler": vimar.Domain})
	flowID := payload["flow_id"].(string)

	w, _ := ts.do(t, http.MethodDelete, "/api/flows/"+flowID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/flows/"+flowID, map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorResponses(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed start body", http.MethodPost, "/api/flows", "{", http.StatusBadRequest},
		{"missing handler", http.MethodPost, "/api/flows", map[string]any{}, http.StatusBadRequest},
		{"unknown handler", http.MethodPost, "/api/flows", map[string]any{"handler": "hue"}, http.StatusNotFound},
		{"unknown flow", http.MethodPost, "/api/flows/missing", map[string]any{}, http.StatusNotFound},
		{"malformed input", http.MethodPost, "/api/flows/missing", "[1]", http.StatusBadRequest},
		{"abort unknown flow", http.MethodDelete, "/api/flows/missing", nil, http.StatusNotFound},
		{"unknown trace", http.MethodGet, "/api/flows/missing/trace", nil, http.StatusNotFound},
		{"unknown entry", http.MethodDelete, "/api/entries/missing", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, payload := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.EqualValues(t, tt.status, payload["code"])
		})
	}
}
