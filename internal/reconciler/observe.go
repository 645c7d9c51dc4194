package reconciler

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/usage"
)

const (
	actionHeartbeat     = "heartbeat"
	actionConsumed      = "reservation consumed"
	actionConsumedEarly = "reservation consumed early"
	actionStarted       = "started"
	actionRecovered     = "recovered"
)

// observation is one (gpu, user) pair seen with processes at time at.
type observation struct {
	gpu    models.GPU
	user   models.User
	at     time.Time
	now    time.Time
	pids   []int
	origin models.SessionOrigin
	note   string
}

type outcome struct {
	sessionID string
	action    string
	// stale is set when the observation fell inside an already closed
	// session and was ignored.
	stale bool
}

// effects accumulates what a transaction attempt produced. It is reset at the
// start of every attempt and released only after commit.
type effects struct {
	events       events.Pending
	logs         []models.UsageLog
	started      []models.SessionOrigin
	ended        []string
	placeholders []string
}

func (fx *effects) reset() {
	fx.events.Reset()
	fx.logs = fx.logs[:0]
	fx.started = fx.started[:0]
	fx.ended = fx.ended[:0]
	fx.placeholders = fx.placeholders[:0]
}

func (fx *effects) log(l *models.UsageLog) {
	if l != nil {
		fx.logs = append(fx.logs, *l)
	}
}

// observe applies the state machine to one observation:
//
//	RUNNING exists                   -> heartbeat_at = max(heartbeat_at, at)
//	at not after the last close      -> ignored, the interval is already billed
//	RESERVED covering at             -> bill [reserved_from, at], then RUNNING at at
//	RESERVED starting after at       -> RUNNING at at, nothing billed
//	RESERVED already past its window -> expire it, then start a new session
//	nothing                          -> new RUNNING session
func (r *Reconciler) observe(ctx context.Context, q *store.Queries, fx *effects, o observation) (outcome, error) {
	ref := events.Ref{UserID: o.user.ID, GPUID: o.gpu.ID}

	running, err := q.RunningSession(ctx, o.user.ID, o.gpu.ID)
	switch {
	case err == nil:
		return r.heartbeat(ctx, q, running, o)
	case !errors.Is(err, store.ErrNotFound):
		return outcome{}, err
	}

	last, err := q.LastEndedSession(ctx, o.user.ID, o.gpu.ID)
	switch {
	case err == nil && last.EndedAt != nil && !o.at.After(*last.EndedAt):
		return outcome{sessionID: last.ID, action: DetailStaleObservation, stale: true}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return outcome{}, err
	}

	res, ok, err := r.matcher.Match(ctx, q, o.user.ID, o.gpu.ID, o.at)
	if err != nil {
		return outcome{}, err
	}
	if ok {
		l, err := usage.Record(ctx, q, res, *res.ReservedFrom, o.at, models.UsageTagReservation, o.now)
		if err != nil {
			return outcome{}, err
		}
		fx.log(l)

		s, err := r.run(ctx, q, res, o)
		if err != nil {
			return outcome{}, err
		}
		ref.SessionID = s.ID
		fx.started = append(fx.started, models.OriginReservation)
		fx.events.Add(events.TypeReservationUsed, ref, map[string]any{"started_at": o.at, "billed_minutes": billed(l)})
		return outcome{sessionID: s.ID, action: actionConsumed}, nil
	}

	pending, ok, err := r.matcher.Pending(ctx, q, o.user.ID, o.gpu.ID)
	if err != nil {
		return outcome{}, err
	}
	if ok {
		if pending.ReservedFrom.After(o.at) {
			s, err := r.run(ctx, q, pending, o)
			if err != nil {
				return outcome{}, err
			}
			ref.SessionID = s.ID
			fx.started = append(fx.started, models.OriginReservation)
			fx.events.Add(events.TypeReservationUsed, ref, map[string]any{"started_at": o.at, "early": true})
			return outcome{sessionID: s.ID, action: actionConsumedEarly}, nil
		}

		// The window is over but the sweeper has not expired it yet. Expire it
		// the same way so the new session does not collide with it.
		expired, l, err := reservation.Expire(ctx, q, pending, r.ChargeNoShow, o.now)
		if err != nil {
			return outcome{}, err
		}
		fx.log(l)
		fx.ended = append(fx.ended, "expired")
		fx.events.Add(events.TypeReservationExpired,
			events.Ref{SessionID: expired.ID, UserID: expired.UserID, GPUID: expired.GPUID},
			map[string]any{"billed_minutes": billed(l)})
	}

	s := models.Session{
		ID:          uuid.New().String(),
		UserID:      o.user.ID,
		GPUID:       o.gpu.ID,
		NodeID:      o.gpu.NodeID,
		State:       models.SessionStateRunning,
		Origin:      o.origin,
		StartedAt:   &o.at,
		HeartbeatAt: &o.at,
		PIDs:        o.pids,
		Note:        o.note,
		Version:     1,
	}
	if err := q.InsertSession(ctx, s); err != nil {
		return outcome{}, err
	}
	ref.SessionID = s.ID
	fx.started = append(fx.started, o.origin)
	if o.origin == models.OriginHeartbeatRecovery {
		fx.events.Add(events.TypeSessionRecovered, ref, map[string]any{"started_at": o.at})
		return outcome{sessionID: s.ID, action: actionRecovered}, nil
	}
	fx.events.Add(events.TypeSessionStarted, ref, map[string]any{"started_at": o.at})
	return outcome{sessionID: s.ID, action: actionStarted}, nil
}

// heartbeat refreshes a running session. Replaying an observation that is not
// newer and carries the same pids writes nothing.
func (r *Reconciler) heartbeat(ctx context.Context, q *store.Queries, s models.Session, o observation) (outcome, error) {
	newer := s.HeartbeatAt == nil || o.at.After(*s.HeartbeatAt)
	pidsChanged := o.pids != nil && !slices.Equal(o.pids, s.PIDs)
	if !newer && !pidsChanged {
		return outcome{sessionID: s.ID, action: actionHeartbeat}, nil
	}
	if newer {
		s.HeartbeatAt = &o.at
	}
	if o.pids != nil {
		s.PIDs = o.pids
	}
	if _, err := q.UpdateSession(ctx, s); err != nil {
		return outcome{}, err
	}
	return outcome{sessionID: s.ID, action: actionHeartbeat}, nil
}

// run moves a reservation to RUNNING at the observation time.
func (r *Reconciler) run(ctx context.Context, q *store.Queries, s models.Session, o observation) (models.Session, error) {
	s.State = models.SessionStateRunning
	s.StartedAt = &o.at
	s.HeartbeatAt = &o.at
	s.PIDs = o.pids
	return q.UpdateSession(ctx, s)
}

// closeRunning ends a running session at endedAt, clamped so it never precedes
// the start, and bills the running interval.
func (r *Reconciler) closeRunning(ctx context.Context, q *store.Queries, fx *effects, s models.Session, endedAt, now time.Time, reason string) (models.Session, error) {
	start := *s.StartedAt
	if endedAt.Before(start) {
		endedAt = start
	}
	closed, l, err := usage.Close(ctx, q, s, start, endedAt, models.UsageTagNormal, now)
	if err != nil {
		return models.Session{}, err
	}
	fx.log(l)
	fx.ended = append(fx.ended, reason)
	fx.events.Add(events.TypeSessionEnded,
		events.Ref{SessionID: closed.ID, UserID: closed.UserID, GPUID: closed.GPUID},
		map[string]any{"ended_at": endedAt, "billed_minutes": billed(l)})
	return closed, nil
}

func billed(l *models.UsageLog) int {
	if l == nil {
		return 0
	}
	return l.Minutes
}

func sortedKeys(m map[Key][]int) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].GPUUUID != keys[j].GPUUUID {
			return keys[i].GPUUUID < keys[j].GPUUUID
		}
		return keys[i].User < keys[j].User
	})
	return keys
}
