package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/usage"
)

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) // a Monday

func TestRunningMinutes(t *testing.T) {
	cases := []struct {
		name string
		d    time.Duration
		want int
	}{
		{"zero", 0, 0},
		{"negative", -time.Minute, 0},
		{"one second", time.Second, 1},
		{"59 seconds", 59 * time.Second, 1},
		{"exact minute", time.Minute, 1},
		{"floor", 2*time.Minute + 59*time.Second, 2},
		{"hours", 3*time.Hour + 4*time.Minute, 184},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, usage.RunningMinutes(base, base.Add(tc.d)))
		})
	}

	t.Run("bounded by the rounded-up interval", func(t *testing.T) {
		for d := time.Duration(0); d <= 3*time.Minute; d += 7 * time.Second {
			ceil := int((d + time.Minute - 1) / time.Minute)
			assert.LessOrEqual(t, usage.RunningMinutes(base, base.Add(d)), ceil, "interval %v", d)
		}
	})
}

func TestReservationMinutes(t *testing.T) {
	assert.Equal(t, 0, usage.ReservationMinutes(base, base))
	assert.Equal(t, 0, usage.ReservationMinutes(base, base.Add(59*time.Second)))
	assert.Equal(t, 5, usage.ReservationMinutes(base, base.Add(5*time.Minute)))
	assert.Equal(t, 5, usage.ReservationMinutes(base, base.Add(5*time.Minute+30*time.Second)))
}

func TestEmit(t *testing.T) {
	s := models.Session{ID: "s1", UserID: "u1", GPUID: "g1", NodeID: "n1"}

	t.Run("running interval", func(t *testing.T) {
		l, ok := usage.Emit(s, base, base.Add(90*time.Second), models.UsageTagNormal, base)
		require.True(t, ok)
		assert.Equal(t, 1, l.Minutes)
		assert.Equal(t, "s1", *l.SessionID)
		assert.Equal(t, "g1", *l.GPUID)
		assert.Equal(t, "n1", *l.NodeID)
		assert.Equal(t, "u1", l.UserID)
		assert.NotEmpty(t, l.ID)
	})

	t.Run("zero length bills nothing", func(t *testing.T) {
		_, ok := usage.Emit(s, base, base, models.UsageTagNormal, base)
		assert.False(t, ok)
	})

	t.Run("sub-minute reservation slice suppressed", func(t *testing.T) {
		_, ok := usage.Emit(s, base, base.Add(40*time.Second), models.UsageTagReservation, base)
		assert.False(t, ok)
	})

	t.Run("inverted interval", func(t *testing.T) {
		_, ok := usage.Emit(s, base.Add(time.Minute), base, models.UsageTagNormal, base)
		assert.False(t, ok)
	})
}

type fixture struct {
	st      *store.Store
	user    models.User
	gpu     models.GPU
	session models.Session
}

func seed(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := store.New(dbtest.New(t))

	var f fixture
	f.st = st
	err := st.InTx(ctx, func(q *store.Queries) error {
		quota := 600
		var err error
		f.user, err = q.UpsertUser(ctx, models.User{Username: "alice", DisplayName: "Alice", WeeklyQuotaMinutes: &quota}, base)
		if err != nil {
			return err
		}
		node, _, err := q.EnsureNode(ctx, "node-a", "v1", base)
		if err != nil {
			return err
		}
		f.gpu, _, err = q.UpsertGPU(ctx, node.ID, models.GPU{UUID: "GPU-1", Index: 0, Name: "A100"}, base)
		if err != nil {
			return err
		}
		started := base
		f.session = models.Session{
			ID:          "sess-1",
			UserID:      f.user.ID,
			GPUID:       f.gpu.ID,
			NodeID:      node.ID,
			State:       models.SessionStateRunning,
			Origin:      models.OriginAgent,
			StartedAt:   &started,
			HeartbeatAt: &started,
			Version:     1,
		}
		return q.InsertSession(ctx, f.session)
	})
	require.NoError(t, err)
	return f
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := seed(t)

	end := base.Add(42 * time.Minute)
	var (
		closed models.Session
		l      *models.UsageLog
	)
	err := f.st.InTx(ctx, func(q *store.Queries) error {
		var err error
		closed, l, err = usage.Close(ctx, q, f.session, *f.session.StartedAt, end, models.UsageTagNormal, end)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 42, l.Minutes)
	assert.Equal(t, models.SessionStateEnded, closed.State)
	assert.Equal(t, int64(2), closed.Version)

	stored, err := f.st.Read().SessionByID(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateEnded, stored.State)
	assert.True(t, end.Equal(*stored.EndedAt))

	logs, err := f.st.Read().UsageLogs(ctx, store.UsageFilter{SessionID: f.session.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 42, logs[0].Minutes)

	t.Run("closing twice fails", func(t *testing.T) {
		err := f.st.InTx(ctx, func(q *store.Queries) error {
			_, _, err := usage.Close(ctx, q, stored, base, end, models.UsageTagNormal, end)
			return err
		})
		require.Error(t, err)
	})
}

func TestAdjustAndReport(t *testing.T) {
	ctx := context.Background()
	f := seed(t)

	// 120 minutes of running usage.
	err := f.st.InTx(ctx, func(q *store.Queries) error {
		_, _, err := usage.Close(ctx, q, f.session, base, base.Add(2*time.Hour), models.UsageTagNormal, base.Add(2*time.Hour))
		return err
	})
	require.NoError(t, err)

	t.Run("rejects invalid adjustments", func(t *testing.T) {
		bad := []usage.Adjustment{
			{Username: "alice", Minutes: 10, Tag: models.UsageTagNormal},
			{Username: "alice", Minutes: 0, Tag: models.UsageTagPenalty},
			{Username: "nobody", Minutes: 10, Tag: models.UsageTagPenalty},
			{Username: "alice", SessionID: "missing", Minutes: 10, Tag: models.UsageTagPenalty},
		}
		for _, a := range bad {
			err := f.st.InTx(ctx, func(q *store.Queries) error {
				_, err := usage.Adjust(ctx, q, a, base.Add(3*time.Hour))
				return err
			})
			require.ErrorIs(t, err, usage.ErrInvalidAdjustment)
		}
	})

	err = f.st.InTx(ctx, func(q *store.Queries) error {
		if _, err := usage.Adjust(ctx, q, usage.Adjustment{
			Username: "alice", Minutes: 30, Tag: models.UsageTagPenalty, Note: "left a zombie process",
		}, base.Add(3*time.Hour)); err != nil {
			return err
		}
		l, err := usage.Adjust(ctx, q, usage.Adjustment{
			Username: "alice", SessionID: f.session.ID, Minutes: 20, Tag: models.UsageTagCompensation,
		}, base.Add(3*time.Hour))
		if err != nil {
			return err
		}
		assert.Equal(t, f.session.ID, *l.SessionID)
		assert.True(t, base.Equal(l.StartTS))
		return nil
	})
	require.NoError(t, err)

	report, err := usage.BuildReport(ctx, f.st.Read(), usage.WeekStart(base.Add(26*time.Hour)))
	require.NoError(t, err)
	require.Len(t, report.Users, 1)

	r := report.Users[0]
	assert.Equal(t, "alice", r.Username)
	assert.Equal(t, "Alice", r.Label)
	assert.Equal(t, 120, r.NormalMinutes)
	assert.Equal(t, 30, r.PenaltyMinutes)
	assert.Equal(t, 20, r.CompensationMinutes)
	assert.Equal(t, 130, r.UsedMinutes)
	require.NotNil(t, r.RemainingMinutes)
	assert.Equal(t, 470, *r.RemainingMinutes)

	next, err := usage.BuildReport(ctx, f.st.Read(), usage.WeekStart(base).AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Empty(t, next.Users)
}

func TestWeekStart(t *testing.T) {
	sunday := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), usage.WeekStart(sunday))
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), usage.WeekStart(base))
}
