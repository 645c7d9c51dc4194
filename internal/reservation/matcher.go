package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

// Matcher finds the reservation an observation belongs to. It only reads; the
// caller performs the transition in the same transaction.
type Matcher struct{}

// Match returns the RESERVED session of the pair whose window contains t.
// When several qualify the earliest reserved_from wins.
func (Matcher) Match(ctx context.Context, q *store.Queries, userID, gpuID string, t time.Time) (models.Session, bool, error) {
	s, err := q.ReservationCovering(ctx, userID, gpuID, t)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}
	return s, true, nil
}

// Pending returns the RESERVED session of the pair regardless of its window.
func (Matcher) Pending(ctx context.Context, q *store.Queries, userID, gpuID string) (models.Session, bool, error) {
	s, err := q.ActiveSession(ctx, userID, gpuID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}
	if s.State != models.SessionStateReserved {
		return models.Session{}, false, nil
	}
	return s, true, nil
}
