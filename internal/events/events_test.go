package events_test

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/events/eventstest"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManagerDrainsOnClose(t *testing.T) {
	ctx := context.Background()
	st := store.New(dbtest.New(t))
	clock := quartz.NewMock(t)
	em := events.New(st, clock, slogtest.Make(t, nil))
	sub := em.Subscribe(10)

	ref := events.Ref{SessionID: "s-1", UserID: "u-1", GPUID: "g-1"}
	em.Emit(events.TypeSessionStarted, ref, map[string]string{"origin": "agent"})
	em.Emit(events.TypeSessionEnded, ref, nil)
	em.Close()

	persisted, err := st.Read().EventsForSession(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, events.TypeSessionStarted, persisted[0].Type)
	require.NotNil(t, persisted[0].PayloadJSON)
	assert.JSONEq(t, `{"origin":"agent"}`, *persisted[0].PayloadJSON)
	assert.Nil(t, persisted[1].PayloadJSON)
	require.NotNil(t, persisted[1].GPUID)
	assert.Equal(t, "g-1", *persisted[1].GPUID)

	var got []string
	for e := range sub {
		got = append(got, e.Type)
	}
	assert.Equal(t, []string{events.TypeSessionStarted, events.TypeSessionEnded}, got)
}

func TestManagerFlushesOnTick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := store.New(dbtest.New(t))
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTicker("events", "flush")
	defer trap.Close()

	em := events.New(st, clock, slogtest.Make(t, nil))
	defer em.Close()
	trap.MustWait(ctx).MustRelease(ctx)

	sub := em.Subscribe(1)
	em.Emit(events.TypeNodeRegistered, events.Ref{}, map[string]any{"hostname": "gpu-01"})

	var got models.Event
	require.Eventually(t, func() bool {
		clock.Advance(time.Second).MustWait(ctx)
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, events.TypeNodeRegistered, got.Type)
	assert.Nil(t, got.SessionID)
}

func TestPendingResetAndFlush(t *testing.T) {
	var p events.Pending
	p.Add(events.TypeSessionStarted, events.Ref{SessionID: "a"}, nil)
	p.Reset()
	p.Add(events.TypeSessionEnded, events.Ref{SessionID: "b"}, nil)

	rec := &eventstest.Recorder{}
	p.Flush(rec)
	p.Flush(rec)
	assert.Equal(t, []string{events.TypeSessionEnded}, rec.Types())
}
