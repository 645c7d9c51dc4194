package reservation_test

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/events/eventstest"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Store, *reservation.Registry, *eventstest.Recorder) {
	t.Helper()
	ctx := context.Background()

	st := store.New(dbtest.New(t))
	err := st.InTx(ctx, func(q *store.Queries) error {
		node, _, err := q.EnsureNode(ctx, "node-a", "v1", base)
		if err != nil {
			return err
		}
		_, _, err = q.UpsertGPU(ctx, node.ID, models.GPU{UUID: "GPU-1", Index: 0, Name: "A100"}, base)
		return err
	})
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(base)
	rec := &eventstest.Recorder{}
	reg := reservation.NewRegistry(st, clock, slogtest.Make(t, nil), rec)
	return st, reg, rec
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a reserved session", func(t *testing.T) {
		st, reg, rec := setup(t)
		s, err := reg.Reserve(ctx, reservation.Request{
			Username: "alice", GPUUUID: "GPU-1",
			From: base.Add(time.Hour), Until: base.Add(2 * time.Hour),
			Note: "training run",
		})
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateReserved, s.State)
		assert.Equal(t, models.OriginReservation, s.Origin)
		assert.Nil(t, s.StartedAt)

		stored, err := st.Read().SessionByID(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, base.Add(time.Hour).Equal(*stored.ReservedFrom))
		assert.Equal(t, "training run", stored.Note)

		// alice was never seen before, so a shadow user backs the reservation.
		u, err := st.Read().UserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, u.Shadow)
		assert.Equal(t, []string{events.TypeUserShadowCreated, events.TypeReservationCreated}, rec.Types())
	})

	t.Run("rejects a second reservation for the pair", func(t *testing.T) {
		_, reg, _ := setup(t)
		_, err := reg.Reserve(ctx, reservation.Request{
			Username: "alice", GPUUUID: "GPU-1", From: base.Add(time.Hour), Until: base.Add(2 * time.Hour),
		})
		require.NoError(t, err)

		_, err = reg.Reserve(ctx, reservation.Request{
			Username: "alice", GPUUUID: "GPU-1", From: base.Add(5 * time.Hour), Until: base.Add(6 * time.Hour),
		})
		require.ErrorIs(t, err, reservation.ErrReservationOverlap)

		// Another user may reserve the same GPU.
		_, err = reg.Reserve(ctx, reservation.Request{
			Username: "bob", GPUUUID: "GPU-1", From: base.Add(time.Hour), Until: base.Add(2 * time.Hour),
		})
		require.NoError(t, err)
	})

	t.Run("validates the window", func(t *testing.T) {
		_, reg, _ := setup(t)
		_, err := reg.Reserve(ctx, reservation.Request{
			Username: "alice", GPUUUID: "GPU-1", From: base.Add(2 * time.Hour), Until: base.Add(time.Hour),
		})
		require.ErrorIs(t, err, reservation.ErrInvalidWindow)

		_, err = reg.Reserve(ctx, reservation.Request{
			Username: "alice", GPUUUID: "GPU-1", From: base.Add(-2 * time.Hour), Until: base.Add(-time.Hour),
		})
		require.ErrorIs(t, err, reservation.ErrInvalidWindow)
	})

	t.Run("unknown gpu", func(t *testing.T) {
		_, reg, _ := setup(t)
		_, err := reg.Reserve(ctx, reservation.Request{
			Username: "alice", GPUUUID: "GPU-404", From: base.Add(time.Hour), Until: base.Add(2 * time.Hour),
		})
		require.ErrorIs(t, err, reservation.ErrUnknownGPU)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	st, reg, rec := setup(t)

	s, err := reg.Reserve(ctx, reservation.Request{
		Username: "alice", GPUUUID: "GPU-1", From: base.Add(time.Hour), Until: base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	rec.Reset()

	_, err = reg.Cancel(ctx, s.ID, "someone-else")
	require.ErrorIs(t, err, reservation.ErrNotOwner)

	cancelled, err := reg.Cancel(ctx, s.ID, s.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateEnded, cancelled.State)
	assert.Equal(t, []string{events.TypeReservationCancelled}, rec.Types())

	_, err = reg.Cancel(ctx, s.ID, "")
	require.ErrorIs(t, err, reservation.ErrNotReserved)

	logs, err := st.Read().UsageLogs(ctx, store.UsageFilter{SessionID: s.ID})
	require.NoError(t, err)
	assert.Empty(t, logs)

	pending, err := reg.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMatcher(t *testing.T) {
	ctx := context.Background()
	st, reg, _ := setup(t)

	s, err := reg.Reserve(ctx, reservation.Request{
		Username: "alice", GPUUUID: "GPU-1", From: base.Add(time.Hour), Until: base.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	var m reservation.Matcher
	q := st.Read()

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before window", base.Add(30 * time.Minute), false},
		{"at reserved_from", base.Add(time.Hour), true},
		{"inside", base.Add(90 * time.Minute), true},
		{"at reserved_until", base.Add(2 * time.Hour), true},
		{"after window", base.Add(2*time.Hour + time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := m.Match(ctx, q, s.UserID, s.GPUID, tc.at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			if ok {
				assert.Equal(t, s.ID, got.ID)
			}
		})
	}

	pending, ok, err := m.Pending(ctx, q, s.UserID, s.GPUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.ID, pending.ID)

	list, err := reg.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
