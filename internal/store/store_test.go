package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db   *db.DB
	st   *store.Store
	user models.User
	gpu  models.GPU
}

func seed(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	database := dbtest.New(t)
	st := store.New(database)

	var fx fixture
	err := st.InTx(ctx, func(q *store.Queries) error {
		user, _, err := q.EnsureUser(ctx, "bob", t0)
		if err != nil {
			return err
		}
		node, _, err := q.EnsureNode(ctx, "gpu-01", "test", t0)
		if err != nil {
			return err
		}
		gpu, _, err := q.UpsertGPU(ctx, node.ID, models.GPU{UUID: "GPU-aaa", Name: "A100"}, t0)
		if err != nil {
			return err
		}
		fx = fixture{user: user, gpu: gpu}
		return nil
	})
	require.NoError(t, err)
	fx.db = database
	fx.st = st
	return fx
}

func (fx fixture) session(state models.SessionState) models.Session {
	start := t0
	return models.Session{
		ID:          uuid.New().String(),
		UserID:      fx.user.ID,
		GPUID:       fx.gpu.ID,
		NodeID:      fx.gpu.NodeID,
		State:       state,
		Origin:      models.OriginAgent,
		StartedAt:   &start,
		HeartbeatAt: &start,
		PIDs:        []int{4242},
		Version:     1,
	}
}

func TestUpdateSessionVersionCheck(t *testing.T) {
	ctx := context.Background()
	fx := seed(t)
	q := fx.st.Read()

	s := fx.session(models.SessionStateRunning)
	require.NoError(t, q.InsertSession(ctx, s))

	later := t0.Add(time.Minute)
	stale := s
	s.HeartbeatAt = &later
	updated, err := q.UpdateSession(ctx, s)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	_, err = q.UpdateSession(ctx, stale)
	assert.ErrorIs(t, err, db.ErrConflict)

	got, err := q.SessionByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, later, got.HeartbeatAt.UTC())
	assert.Equal(t, []int{4242}, got.PIDs)
}

func TestInTxRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	fx := seed(t)

	var retries int
	fx.db.OnRetry = func(err error) {
		assert.ErrorIs(t, err, db.ErrConflict)
		retries++
	}

	attempts := 0
	err := fx.st.InTx(ctx, func(q *store.Queries) error {
		attempts++
		// The first attempt's writes must be rolled back.
		s := fx.session(models.SessionStateRunning)
		if err := q.InsertSession(ctx, s); err != nil {
			return err
		}
		if attempts == 1 {
			return db.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, retries)

	running, err := fx.st.Read().RunningSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestInTxDoesNotRetryOtherErrors(t *testing.T) {
	fx := seed(t)
	boom := errors.New("boom")

	attempts := 0
	err := fx.st.InTx(context.Background(), func(q *store.Queries) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestOneActiveSessionPerPair(t *testing.T) {
	ctx := context.Background()
	fx := seed(t)
	q := fx.st.Read()

	first := fx.session(models.SessionStateRunning)
	require.NoError(t, q.InsertSession(ctx, first))
	assert.Error(t, q.InsertSession(ctx, fx.session(models.SessionStateReserved)))

	end := t0.Add(time.Hour)
	first.State = models.SessionStateEnded
	first.EndedAt = &end
	_, err := q.UpdateSession(ctx, first)
	require.NoError(t, err)
	require.NoError(t, q.InsertSession(ctx, fx.session(models.SessionStateRunning)))

	_, err = q.ActiveSession(ctx, fx.user.ID, fx.gpu.ID)
	require.NoError(t, err)
}

func TestUsageLogsFilter(t *testing.T) {
	ctx := context.Background()
	fx := seed(t)
	q := fx.st.Read()

	for _, start := range []time.Time{t0, t0.Add(2 * time.Hour)} {
		require.NoError(t, q.InsertUsageLog(ctx, models.UsageLog{
			ID:        uuid.New().String(),
			UserID:    fx.user.ID,
			GPUID:     &fx.gpu.ID,
			StartTS:   start,
			EndTS:     start.Add(30 * time.Minute),
			Minutes:   30,
			Tag:       models.UsageTagNormal,
			CreatedAt: start.Add(30 * time.Minute),
		}))
	}

	from := t0.Add(time.Hour)
	logs, err := q.UsageLogs(ctx, store.UsageFilter{UserID: fx.user.ID, From: &from})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, t0.Add(2*time.Hour), logs[0].StartTS)
	assert.Nil(t, logs[0].SessionID)

	_, err = q.SessionByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
