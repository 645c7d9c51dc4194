package agent_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/agent"
	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/clusterview"
	"github.com/angariumd/gpuledger/internal/controller"
	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/metrics"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/reconciler"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/usage"
)

const sharedToken = "agent-secret"

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type env struct {
	st    *store.Store
	clock *quartz.Mock
	src   *agent.FakeSource
	inv   *agent.FakeInventory
	agent *agent.Agent
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	st := store.New(dbtest.New(t))
	clock := quartz.NewMock(t)
	clock.Set(t0)
	m := metrics.New(prometheus.NewRegistry())

	srv := controller.NewServer(controller.Options{
		Store:        st,
		Auth:         auth.NewAuthenticator(st, logger, sharedToken),
		Reconciler:   reconciler.New(st, clock, logger, events.Discard, m),
		Reservations: reservation.NewRegistry(st, clock, logger, events.Discard),
		View:         clusterview.NewProjector(st, clock, 2*time.Minute),
		Metrics:      m,
		Clock:        clock,
		Logger:       logger,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	src := agent.NewFakeSource()
	inv := agent.NewFakeInventory("gpu-01", 2)
	a := agent.New(agent.Options{
		ControllerURL: ts.URL,
		SharedToken:   sharedToken,
		Hostname:      "gpu-01",
		Version:       "test",
		PollInterval:  15 * time.Second,
		LocalTimeout:  time.Minute,
		Source:        src,
		Inventory:     inv,
		Client:        ts.Client(),
		Clock:         clock,
		Logger:        logger,
	})
	return &env{st: st, clock: clock, src: src, inv: inv, agent: a}
}

func TestAgentReportsSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	gpu := e.inv.Devices[0].UUID

	require.NoError(t, e.agent.Register(ctx))
	gpus, err := e.st.Read().ListGPUs(ctx)
	require.NoError(t, err)
	assert.Len(t, gpus, 2)

	e.src.Set(gpu, "bob", 4242)
	e.agent.Poll(ctx)

	running, err := e.st.Read().RunningSessions(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, t0, running[0].StartedAt.UTC())

	e.clock.Set(t0.Add(20 * time.Minute))
	e.agent.Poll(ctx)
	sess, err := e.st.Read().SessionByID(ctx, running[0].ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(20*time.Minute), sess.HeartbeatAt.UTC())

	// Gone for less than the local timeout: nothing ends.
	e.src.Clear(gpu, "bob")
	e.clock.Set(t0.Add(20*time.Minute + 30*time.Second))
	e.agent.Poll(ctx)
	sess, err = e.st.Read().SessionByID(ctx, running[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateRunning, sess.State)

	e.clock.Set(t0.Add(21*time.Minute + 30*time.Second))
	e.agent.Poll(ctx)
	sess, err = e.st.Read().SessionByID(ctx, running[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateEnded, sess.State)
	assert.Equal(t, t0.Add(20*time.Minute), sess.EndedAt.UTC())

	logs, err := e.st.Read().UsageLogs(ctx, store.UsageFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 20, logs[0].Minutes)
	assert.Equal(t, 20, usage.RunningMinutes(logs[0].StartTS, logs[0].EndTS))
}

func TestAgentHeartbeatKeepsNodeAlive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.agent.Register(ctx))

	e.clock.Set(t0.Add(10 * time.Minute))
	e.agent.Poll(ctx)

	nodes, err := e.st.Read().ListNodes(ctx, true)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, t0.Add(10*time.Minute), nodes[0].LastSeenAt.UTC())
}

func TestAgentRun(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trap := e.clock.Trap().TickerFunc("agent")
	defer trap.Close()

	done := make(chan error, 1)
	go func() {
		done <- e.agent.Run(ctx)
	}()

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	nodes, err := e.st.Read().ListNodes(ctx, true)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "gpu-01", nodes[0].Hostname)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}
