package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/clusterview"
	"github.com/angariumd/gpuledger/internal/config"
	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/events/eventstest"
	"github.com/angariumd/gpuledger/internal/metrics"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/reconciler"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
)

const agentToken = "agent-secret"

// 2024-03-04 is a Monday.
func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 0, 0, time.UTC)
}

type testServer struct {
	st      *store.Store
	clock   *quartz.Mock
	sink    *eventstest.Recorder
	metrics *metrics.Metrics
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	st := store.New(dbtest.New(t))
	clock := quartz.NewMock(t)
	clock.Set(at(9, 0))
	sink := &eventstest.Recorder{}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	quota := 600
	require.NoError(t, SeedUsers(context.Background(), st, []config.User{
		{Username: "alice", DisplayName: "Alice", Token: "alice-token", Role: models.RoleAdmin},
		{Username: "bob", Token: "bob-token", WeeklyQuotaMinutes: &quota},
		{Username: "carol", Token: "carol-token"},
	}, clock.Now()))

	srv := NewServer(Options{
		Store:          st,
		Auth:           auth.NewAuthenticator(st, logger, agentToken),
		Reconciler:     reconciler.New(st, clock, logger, sink, m),
		Reservations:   reservation.NewRegistry(st, clock, logger, sink),
		View:           clusterview.NewProjector(st, clock, 2*time.Minute),
		Events:         sink,
		Metrics:        m,
		Clock:          clock,
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	return &testServer{st: st, clock: clock, sink: sink, metrics: m, handler: srv.Routes()}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	switch {
	case token == agentToken:
		req.Header.Set(auth.AgentTokenHeader, token)
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func (ts *testServer) register(t *testing.T, hostname string, uuids ...string) {
	t.Helper()
	req := reconciler.RegisterRequest{Hostname: hostname, AgentVersion: "v1"}
	for i, u := range uuids {
		req.GPUs = append(req.GPUs, reconciler.GPUInfo{UUID: u, Index: i, Name: "A100", MemoryMB: 40960})
	}
	rr := ts.do(t, http.MethodPost, "/v1/agent/register", agentToken, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	t.Run("agent token required", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/agent/register", "", reconciler.RegisterRequest{Hostname: "gpu-01"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		rr = ts.do(t, http.MethodPost, "/v1/agent/register", "bob-token", reconciler.RegisterRequest{Hostname: "gpu-01"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("register", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/agent/register", agentToken, reconciler.RegisterRequest{
			Hostname: "gpu-01",
			GPUs:     []reconciler.GPUInfo{{UUID: "GPU-a", Index: 0, Name: "A100"}},
		})
		require.Equal(t, http.StatusOK, rr.Code)
		res := decode[reconciler.RegisterResult](t, rr)
		assert.NotEmpty(t, res.NodeID)
		assert.Contains(t, res.GPUs, "GPU-a")
	})

	var sessionID string
	t.Run("start", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/agent/session/start", agentToken, reconciler.StartRequest{
			Hostname: "gpu-01", GPUUUID: "GPU-a", User: "bob", StartedAt: at(9, 0), PIDs: []int{4242},
		})
		require.Equal(t, http.StatusOK, rr.Code)
		res := decode[reconciler.Result](t, rr)
		assert.True(t, res.OK)
		require.NotEmpty(t, res.SessionID)
		sessionID = res.SessionID
	})

	t.Run("cluster view", func(t *testing.T) {
		ts.clock.Set(at(9, 1))
		rr := ts.do(t, http.MethodGet, "/v1/cluster/view", "carol-token", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		view := decode[clusterview.View](t, rr)
		assert.Equal(t, 1, view.ActiveGPUs)
		require.Len(t, view.Nodes, 1)
		require.Len(t, view.Nodes[0].GPUs, 1)
		assert.Equal(t, []string{"bob"}, view.Nodes[0].GPUs[0].Users)
	})

	t.Run("heartbeat", func(t *testing.T) {
		ts.clock.Set(at(9, 30))
		rr := ts.do(t, http.MethodPost, "/v1/agent/session/heartbeat", agentToken, reconciler.HeartbeatRequest{
			Hostname: "gpu-01",
			Items: []reconciler.HeartbeatItem{
				{GPUUUID: "GPU-a", User: "bob", PIDs: []int{4242}, TS: at(9, 30)},
				{GPUUUID: "GPU-missing", User: "bob", TS: at(9, 30)},
			},
		})
		require.Equal(t, http.StatusOK, rr.Code)
		res := decode[reconciler.HeartbeatResult](t, rr)
		assert.Equal(t, 1, res.Applied)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, sessionID, res.Items[0].SessionID)
		assert.Equal(t, reconciler.DetailUnknownGPU, res.Items[1].Detail)
	})

	t.Run("end", func(t *testing.T) {
		ts.clock.Set(at(9, 46))
		rr := ts.do(t, http.MethodPost, "/v1/agent/session/end", agentToken, reconciler.EndRequest{
			Hostname: "gpu-01", GPUUUID: "GPU-a", User: "bob", EndedAt: at(9, 45),
		})
		require.Equal(t, http.StatusOK, rr.Code)
		res := decode[reconciler.Result](t, rr)
		assert.True(t, res.OK)
		assert.Equal(t, sessionID, res.SessionID)
	})

	t.Run("end twice is a desync", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/agent/session/end", agentToken, reconciler.EndRequest{
			Hostname: "gpu-01", GPUUUID: "GPU-a", User: "bob", EndedAt: at(9, 45),
		})
		require.Equal(t, http.StatusOK, rr.Code)
		res := decode[reconciler.Result](t, rr)
		assert.False(t, res.OK)
		assert.Equal(t, reconciler.DetailNoActiveSession, res.Detail)
	})

	t.Run("usage", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/usage", "bob-token", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		logs := decode[[]models.UsageLog](t, rr)
		require.Len(t, logs, 1)
		assert.Equal(t, 45, logs[0].Minutes)
		assert.Equal(t, models.UsageTagNormal, logs[0].Tag)

		rr = ts.do(t, http.MethodGet, "/v1/usage", "carol-token", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[[]models.UsageLog](t, rr))
	})

	t.Run("session events", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/events", "carol-token", nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = ts.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/events", "bob-token", nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		rr = ts.do(t, http.MethodGet, "/v1/sessions/nope/events", "bob-token", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("sessions", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/v1/sessions", "bob-token", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		sessions := decode[[]models.Session](t, rr)
		require.Len(t, sessions, 1)
		assert.Equal(t, models.SessionStateEnded, sessions[0].State)
	})

	t.Run("metrics", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "gpuledger_usage_minutes_total")
	})
}

func TestAgentRequestValidation(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/agent/session/start", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.AgentTokenHeader, agentToken)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/agent/session/start", agentToken, reconciler.StartRequest{Hostname: "gpu-01"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/agent/register", agentToken, reconciler.RegisterRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/agent/session/end", agentToken, reconciler.EndRequest{
		Hostname: "gpu-01", GPUUUID: "GPU-unknown", User: "bob",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, reconciler.DetailUnknownGPU, decode[reconciler.Result](t, rr).Detail)
}

func TestSnapshotReport(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "gpu-01", "GPU-a", "GPU-b")

	rr := ts.do(t, http.MethodPost, "/v1/agent/snapshot", agentToken, reconciler.SnapshotRequest{
		Hostname: "gpu-01",
		TS:       at(9, 0),
		Items: []reconciler.SnapshotItem{
			{GPUUUID: "GPU-a", User: "bob", PIDs: []int{1}},
			{GPUUUID: "GPU-a", User: "bob", PIDs: []int{2}},
			{GPUUUID: "GPU-b", User: "carol", PIDs: []int{3}},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[reconciler.HeartbeatResult](t, rr)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 0, res.Skipped)

	bob, err := ts.st.Read().UserByUsername(context.Background(), "bob")
	require.NoError(t, err)
	sessions, err := ts.st.Read().SessionsForUser(context.Background(), bob.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionStateRunning, sessions[0].State)
	assert.Equal(t, []int{1, 2}, sessions[0].PIDs)

	t.Run("missing user", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/agent/snapshot", agentToken, reconciler.SnapshotRequest{
			Hostname: "gpu-01",
			Items:    []reconciler.SnapshotItem{{GPUUUID: "GPU-a"}},
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("agent token required", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/v1/agent/snapshot", "bob-token", reconciler.SnapshotRequest{Hostname: "gpu-01"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
