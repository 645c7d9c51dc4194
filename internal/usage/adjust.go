package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

var ErrInvalidAdjustment = errors.New("invalid adjustment")

// Adjustment is an administrative ledger entry. Penalties add to a user's
// total, compensations subtract from it.
type Adjustment struct {
	Username  string          `json:"username"`
	SessionID string          `json:"session_id,omitempty"`
	Minutes   int             `json:"minutes"`
	Tag       models.UsageTag `json:"tag"`
	Note      string          `json:"note"`
}

func (a Adjustment) validate() error {
	if a.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidAdjustment)
	}
	if a.Tag != models.UsageTagPenalty && a.Tag != models.UsageTagCompensation {
		return fmt.Errorf("%w: tag must be %s or %s", ErrInvalidAdjustment, models.UsageTagPenalty, models.UsageTagCompensation)
	}
	if a.Minutes <= 0 {
		return fmt.Errorf("%w: minutes must be positive", ErrInvalidAdjustment)
	}
	return nil
}

// Adjust appends an adjustment record. When a session is referenced it must
// belong to the user, and the record takes the session's interval.
func Adjust(ctx context.Context, q *store.Queries, a Adjustment, now time.Time) (models.UsageLog, error) {
	if err := a.validate(); err != nil {
		return models.UsageLog{}, err
	}

	u, err := q.UserByUsername(ctx, a.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.UsageLog{}, fmt.Errorf("%w: unknown user %s", ErrInvalidAdjustment, a.Username)
		}
		return models.UsageLog{}, err
	}

	l := models.UsageLog{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		StartTS:   now,
		EndTS:     now,
		Minutes:   a.Minutes,
		Tag:       a.Tag,
		Note:      a.Note,
		CreatedAt: now,
	}

	if a.SessionID != "" {
		s, err := q.SessionByID(ctx, a.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.UsageLog{}, fmt.Errorf("%w: unknown session %s", ErrInvalidAdjustment, a.SessionID)
			}
			return models.UsageLog{}, err
		}
		if s.UserID != u.ID {
			return models.UsageLog{}, fmt.Errorf("%w: session %s belongs to another user", ErrInvalidAdjustment, a.SessionID)
		}
		sessionID, gpuID, nodeID := s.ID, s.GPUID, s.NodeID
		l.SessionID = &sessionID
		l.GPUID = &gpuID
		l.NodeID = &nodeID
		switch {
		case s.StartedAt != nil:
			l.StartTS = *s.StartedAt
		case s.ReservedFrom != nil:
			l.StartTS = *s.ReservedFrom
		}
		if s.EndedAt != nil {
			l.EndTS = *s.EndedAt
		}
		if l.EndTS.Before(l.StartTS) {
			l.EndTS = l.StartTS
		}
	}

	if err := q.InsertUsageLog(ctx, l); err != nil {
		return models.UsageLog{}, err
	}
	return l, nil
}
