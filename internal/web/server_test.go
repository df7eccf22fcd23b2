package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hivemind/internal/agent"
	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/events"
	"github.com/mtzanidakis/hivemind/internal/swarm"
)

const testToken = "secret"

type harness struct {
	swarm  *swarm.Swarm
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Swarm.ID = "s1"
	cfg.Lifecycle.MinAgents = 2

	sw, err := swarm.New(cfg, swarm.Deps{})
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))
	t.Cleanup(func() { _ = sw.Shutdown(context.Background()) })

	srv := NewServer(sw, nil, config.WebConfig{Enabled: true, Auth: testToken}, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{swarm: sw, server: srv, http: ts}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	resp, err := h.http.Client().Get(h.http.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = h.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = h.http.Client().Get(h.http.URL + "/api/status?access_token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/status", nil).StatusCode)
}

func TestAgentLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/agents", map[string]any{"type": "analyst", "capabilities": []string{"sql"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[agent.Agent](t, resp)
	assert.Equal(t, agent.StateActive, created.State)
	assert.Equal(t, "s1", created.SwarmID)

	resp = h.do(t, http.MethodGet, "/api/agents?capability=sql", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[[]agent.Agent](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	resp = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/transition", map[string]string{"state": "hibernating"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.StateHibernating, decodeBody[agent.Agent](t, resp).State)

	resp = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/transition", map[string]string{"state": "active"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "hibernating agents need wake")

	resp = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/wake", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.StateActive, decodeBody[agent.Agent](t, resp).State)

	resp = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/activity", map[string]any{"task": "q1", "success": true, "response_time_ms": 200})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeBody[agent.Agent](t, resp).Performance.TasksCompleted)

	resp = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/transition", map[string]string{"state": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/agents/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/agents/"+created.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/agents/"+created.ID, nil).StatusCode)
}

func TestSpawnRejectsBadGrace(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/swarm/terminate?grace=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/swarm/terminate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decodeBody[map[string]int](t, resp)["terminated"])
	assert.Equal(t, 0, h.swarm.Registry().Len())
}

func TestTTLEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPut, "/api/ttl/agent?key=a1", map[string]any{"ttl": "1h", "auto_retire": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/ttl/agent?key=a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "1h0m0s", got["ttl"])
	assert.Equal(t, true, got["auto_retire"])

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPut, "/api/ttl/agent", map[string]any{"ttl": "1h"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPut, "/api/ttl/global", map[string]any{"ttl": "forever"}).StatusCode)

	resp = h.do(t, http.MethodGet, "/api/ttl", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]map[string]any](t, resp), 1)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/ttl/agent?key=a1", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/ttl/agent?key=a1", nil).StatusCode)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/cleanup", nil).StatusCode)
}

func TestProtocolEndpoints(t *testing.T) {
	h := newHarness(t)

	work := coordination.WorkStructure{Phases: []coordination.Phase{{ID: "1"}}}
	resp := h.do(t, http.MethodPost, "/api/protocols", map[string]any{"work": work})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decodeBody[coordination.Protocol](t, resp)
	assert.Len(t, p.Agents, 2)

	resp = h.do(t, http.MethodPost, "/api/protocols/"+p.ID+"/activate", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	act := decodeBody[map[string]any](t, resp)
	actID, _ := act["id"].(string)
	require.NotEmpty(t, actID)

	resp = h.do(t, http.MethodGet, "/api/activations/"+actID+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decodeBody[map[string]any](t, resp), "protocol")

	resp = h.do(t, http.MethodGet, "/api/activations/"+actID+"/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decodeBody[[]coordination.SyncProgress](t, resp))

	resp = h.do(t, http.MethodPost, "/api/protocols/"+p.ID+"/activate", map[string]any{"agents": []string{"ghost"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/protocols/"+p.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/protocols/"+p.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/activations/"+actID+"/metrics", nil).StatusCode)
}

func TestWorkEndpoints(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/work", nil).StatusCode)

	work := coordination.WorkStructure{CriticalPath: []string{"t1"}}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/api/work", work).StatusCode)
	require.NoError(t, h.swarm.Coordinate(context.Background()))

	resp := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[struct {
		Swarm swarm.Status `json:"swarm"`
	}](t, resp)
	assert.NotEmpty(t, st.Swarm.Protocol)
	assert.Equal(t, 2, st.Swarm.Agents.Total)
}

func TestConflictEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/conflicts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]coordination.ConflictRecord](t, resp))

	resp = h.do(t, http.MethodGet, "/api/conflicts/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]coordination.ConflictRecord](t, resp))

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/conflicts?limit=x", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/conflicts/c1/resolve", map[string]string{}).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/conflicts/c1/resolve", map[string]string{"winner": "a"}).StatusCode)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.server.hub.Run(ctx)
	t.Cleanup(h.server.hub.Attach(h.swarm.Bus()))

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/ws?access_token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.server.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	_, err = h.swarm.SpawnWorker(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e events.Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, events.AgentSpawned, e.Type)
}
