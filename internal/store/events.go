package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/models"
)

// InsertEvents appends a batch to the event log.
func (s *Store) InsertEvents(ctx context.Context, batch []models.Event) error {
	return s.InTx(ctx, func(q *Queries) error {
		for _, e := range batch {
			_, err := q.q.ExecContext(ctx, `
				INSERT INTO events (at, type, session_id, user_id, gpu_id, payload_json)
				VALUES (?, ?, ?, ?, ?, ?)
			`, db.Millis(e.At), e.Type, nullString(e.SessionID), nullString(e.UserID), nullString(e.GPUID), nullString(e.PayloadJSON))
			if err != nil {
				return fmt.Errorf("inserting event %s: %w", e.Type, err)
			}
		}
		return nil
	})
}

func (q *Queries) EventsForSession(ctx context.Context, sessionID string) ([]models.Event, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, at, type, session_id, user_id, gpu_id, payload_json
		FROM events WHERE session_id = ? ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e                                  models.Event
			at                                 int64
			sessID, userID, gpuID, payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Type, &sessID, &userID, &gpuID, &payloadJSON); err != nil {
			return nil, err
		}
		e.At = db.FromMillis(at)
		e.SessionID = fromNullString(sessID)
		e.UserID = fromNullString(userID)
		e.GPUID = fromNullString(gpuID)
		e.PayloadJSON = fromNullString(payloadJSON)
		events = append(events, e)
	}
	return events, rows.Err()
}
