package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/usage"
)

// Expire closes a reservation whose window elapsed without usage. The session
// ends at reserved_until. With chargeNoShow the whole window is billed as a
// reservation slice; otherwise nothing is billed.
func Expire(ctx context.Context, q *store.Queries, s models.Session, chargeNoShow bool, now time.Time) (models.Session, *models.UsageLog, error) {
	if s.State != models.SessionStateReserved || s.ReservedFrom == nil || s.ReservedUntil == nil {
		return models.Session{}, nil, fmt.Errorf("session %s: %w", s.ID, ErrNotReserved)
	}
	if !chargeNoShow {
		until := *s.ReservedUntil
		s.State = models.SessionStateEnded
		s.EndedAt = &until
		updated, err := q.UpdateSession(ctx, s)
		return updated, nil, err
	}
	return usage.Close(ctx, q, s, *s.ReservedFrom, *s.ReservedUntil, models.UsageTagReservation, now)
}
