package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/models"
)

const sessionColumns = `id, user_id, gpu_id, node_id, state, origin, reserved_from, reserved_until,
	started_at, heartbeat_at, ended_at, pids_json, note, version`

func scanSession(row scanner) (models.Session, error) {
	var (
		s                               models.Session
		reservedFrom, reservedUntil     sql.NullInt64
		startedAt, heartbeatAt, endedAt sql.NullInt64
		pidsJSON                        string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.GPUID, &s.NodeID, &s.State, &s.Origin,
		&reservedFrom, &reservedUntil, &startedAt, &heartbeatAt, &endedAt,
		&pidsJSON, &s.Note, &s.Version)
	if err != nil {
		return models.Session{}, err
	}
	s.ReservedFrom = db.FromNullMillis(reservedFrom)
	s.ReservedUntil = db.FromNullMillis(reservedUntil)
	s.StartedAt = db.FromNullMillis(startedAt)
	s.HeartbeatAt = db.FromNullMillis(heartbeatAt)
	s.EndedAt = db.FromNullMillis(endedAt)
	if pidsJSON != "" {
		if err := json.Unmarshal([]byte(pidsJSON), &s.PIDs); err != nil {
			return models.Session{}, fmt.Errorf("decoding pids of session %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func (q *Queries) querySessions(ctx context.Context, where string, args ...any) ([]models.Session, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (q *Queries) SessionByID(ctx context.Context, id string) (models.Session, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

// ActiveSession returns the RESERVED or RUNNING session holding the (user, gpu)
// slot. At most one can exist.
func (q *Queries) ActiveSession(ctx context.Context, userID, gpuID string) (models.Session, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE user_id = ? AND gpu_id = ? AND state IN (?, ?)`,
		userID, gpuID, models.SessionStateReserved, models.SessionStateRunning)
	s, err := scanSession(row)
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

func (q *Queries) RunningSession(ctx context.Context, userID, gpuID string) (models.Session, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE user_id = ? AND gpu_id = ? AND state = ?
		ORDER BY started_at DESC LIMIT 1`,
		userID, gpuID, models.SessionStateRunning)
	s, err := scanSession(row)
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

// LastEndedSession returns the pair's most recently closed session that
// actually ran. Reservations that expired or were cancelled unused are ignored.
func (q *Queries) LastEndedSession(ctx context.Context, userID, gpuID string) (models.Session, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE user_id = ? AND gpu_id = ? AND state = ? AND started_at IS NOT NULL
		ORDER BY ended_at DESC LIMIT 1`,
		userID, gpuID, models.SessionStateEnded)
	s, err := scanSession(row)
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

// ReservationCovering returns the RESERVED session for the pair whose window
// contains t, earliest reserved_from first.
func (q *Queries) ReservationCovering(ctx context.Context, userID, gpuID string, t time.Time) (models.Session, error) {
	ms := db.Millis(t)
	row := q.q.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE user_id = ? AND gpu_id = ? AND state = ?
		AND reserved_from <= ? AND reserved_until >= ?
		ORDER BY reserved_from ASC LIMIT 1`,
		userID, gpuID, models.SessionStateReserved, ms, ms)
	s, err := scanSession(row)
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

// ReservedSessions lists pending reservations, optionally for one user.
func (q *Queries) ReservedSessions(ctx context.Context, userID string) ([]models.Session, error) {
	if userID == "" {
		return q.querySessions(ctx, "WHERE state = ? ORDER BY reserved_from ASC", models.SessionStateReserved)
	}
	return q.querySessions(ctx, "WHERE state = ? AND user_id = ? ORDER BY reserved_from ASC", models.SessionStateReserved, userID)
}

func (q *Queries) RunningSessions(ctx context.Context) ([]models.Session, error) {
	return q.querySessions(ctx, "WHERE state = ? ORDER BY started_at ASC", models.SessionStateRunning)
}

// StaleRunningSessions returns RUNNING sessions whose last heartbeat is older
// than cutoff.
func (q *Queries) StaleRunningSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	return q.querySessions(ctx, "WHERE state = ? AND heartbeat_at < ? ORDER BY heartbeat_at ASC",
		models.SessionStateRunning, db.Millis(cutoff))
}

// ExpiredReservations returns RESERVED sessions whose window has fully elapsed.
func (q *Queries) ExpiredReservations(ctx context.Context, now time.Time) ([]models.Session, error) {
	return q.querySessions(ctx, "WHERE state = ? AND reserved_until <= ? ORDER BY reserved_until ASC",
		models.SessionStateReserved, db.Millis(now))
}

func (q *Queries) SessionsForUser(ctx context.Context, userID string) ([]models.Session, error) {
	return q.querySessions(ctx, "WHERE user_id = ? ORDER BY COALESCE(started_at, reserved_from) ASC", userID)
}

func (q *Queries) InsertSession(ctx context.Context, s models.Session) error {
	pids, err := json.Marshal(pidsOrEmpty(s.PIDs))
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, gpu_id, node_id, state, origin, reserved_from, reserved_until,
			started_at, heartbeat_at, ended_at, pids_json, note, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.GPUID, s.NodeID, s.State, s.Origin,
		db.NullMillis(s.ReservedFrom), db.NullMillis(s.ReservedUntil),
		db.NullMillis(s.StartedAt), db.NullMillis(s.HeartbeatAt), db.NullMillis(s.EndedAt),
		string(pids), s.Note, s.Version)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", s.ID, err)
	}
	return nil
}

// UpdateSession writes s if the stored row still carries s.Version and bumps
// the version. A lost race returns db.ErrConflict.
func (q *Queries) UpdateSession(ctx context.Context, s models.Session) (models.Session, error) {
	pids, err := json.Marshal(pidsOrEmpty(s.PIDs))
	if err != nil {
		return models.Session{}, err
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE sessions SET state = ?, reserved_from = ?, reserved_until = ?, started_at = ?,
			heartbeat_at = ?, ended_at = ?, pids_json = ?, note = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, s.State, db.NullMillis(s.ReservedFrom), db.NullMillis(s.ReservedUntil), db.NullMillis(s.StartedAt),
		db.NullMillis(s.HeartbeatAt), db.NullMillis(s.EndedAt), string(pids), s.Note,
		s.ID, s.Version)
	if err != nil {
		return models.Session{}, fmt.Errorf("updating session %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Session{}, err
	}
	if n == 0 {
		return models.Session{}, fmt.Errorf("session %s at version %d: %w", s.ID, s.Version, db.ErrConflict)
	}
	s.Version++
	return s, nil
}

func pidsOrEmpty(pids []int) []int {
	if pids == nil {
		return []int{}
	}
	return pids
}
