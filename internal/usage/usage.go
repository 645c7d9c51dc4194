// Package usage turns closed session intervals into immutable usage records.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

// RunningMinutes bills an observed run: whole minutes, at least one for any
// positive interval. A zero-length interval bills nothing.
//
// The result never exceeds ceil((end-start)/1m), so a session that ended the
// instant it started is billed 0 rather than the one-minute minimum.
func RunningMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	m := int(d / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}

// ReservationMinutes bills a reserved-but-idle slice: whole minutes, no minimum.
func ReservationMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// Minutes applies the rounding rule of tag.
func Minutes(tag models.UsageTag, start, end time.Time) int {
	if tag == models.UsageTagReservation {
		return ReservationMinutes(start, end)
	}
	return RunningMinutes(start, end)
}

// Emit builds the usage record for [start, end] of s. It returns false when the
// interval bills zero minutes or is inverted; no record must be written then.
func Emit(s models.Session, start, end time.Time, tag models.UsageTag, now time.Time) (models.UsageLog, bool) {
	if end.Before(start) {
		return models.UsageLog{}, false
	}
	minutes := Minutes(tag, start, end)
	if minutes == 0 {
		return models.UsageLog{}, false
	}

	sessionID, gpuID, nodeID := s.ID, s.GPUID, s.NodeID
	return models.UsageLog{
		ID:        uuid.New().String(),
		SessionID: &sessionID,
		UserID:    s.UserID,
		GPUID:     &gpuID,
		NodeID:    &nodeID,
		StartTS:   start,
		EndTS:     end,
		Minutes:   minutes,
		Tag:       tag,
		CreatedAt: now,
	}, true
}

// Record writes the usage record for [start, end] of s, if it bills anything.
func Record(ctx context.Context, q *store.Queries, s models.Session, start, end time.Time, tag models.UsageTag, now time.Time) (*models.UsageLog, error) {
	l, ok := Emit(s, start, end, tag, now)
	if !ok {
		return nil, nil
	}
	if err := q.InsertUsageLog(ctx, l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Close ends s at endedAt and writes the usage record for [start, endedAt] in
// the same transaction. The returned session carries the bumped version.
func Close(ctx context.Context, q *store.Queries, s models.Session, start, endedAt time.Time, tag models.UsageTag, now time.Time) (models.Session, *models.UsageLog, error) {
	if !s.State.Active() {
		return models.Session{}, nil, fmt.Errorf("closing session %s in state %s", s.ID, s.State)
	}
	s.State = models.SessionStateEnded
	s.EndedAt = &endedAt

	updated, err := q.UpdateSession(ctx, s)
	if err != nil {
		return models.Session{}, nil, err
	}
	l, err := Record(ctx, q, updated, start, endedAt, tag, now)
	if err != nil {
		return models.Session{}, nil, err
	}
	return updated, l, nil
}
