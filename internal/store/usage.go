package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/models"
)

const usageColumns = `id, session_id, user_id, gpu_id, node_id, start_ts, end_ts, minutes, tag, note, created_at`

func scanUsageLog(row scanner) (models.UsageLog, error) {
	var (
		l                         models.UsageLog
		sessionID, gpuID, nodeID  sql.NullString
		startTS, endTS, createdAt int64
	)
	err := row.Scan(&l.ID, &sessionID, &l.UserID, &gpuID, &nodeID, &startTS, &endTS, &l.Minutes, &l.Tag, &l.Note, &createdAt)
	if err != nil {
		return models.UsageLog{}, err
	}
	l.SessionID = fromNullString(sessionID)
	l.GPUID = fromNullString(gpuID)
	l.NodeID = fromNullString(nodeID)
	l.StartTS = db.FromMillis(startTS)
	l.EndTS = db.FromMillis(endTS)
	l.CreatedAt = db.FromMillis(createdAt)
	return l, nil
}

// InsertUsageLog appends an accounting record. Records are never updated.
func (q *Queries) InsertUsageLog(ctx context.Context, l models.UsageLog) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO usage_logs (id, session_id, user_id, gpu_id, node_id, start_ts, end_ts, minutes, tag, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, nullString(l.SessionID), l.UserID, nullString(l.GPUID), nullString(l.NodeID),
		db.Millis(l.StartTS), db.Millis(l.EndTS), l.Minutes, l.Tag, l.Note, db.Millis(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting usage log: %w", err)
	}
	return nil
}

type UsageFilter struct {
	UserID    string
	SessionID string
	From      *time.Time
	Until     *time.Time
}

// UsageLogs lists records whose interval starts in [From, Until).
func (q *Queries) UsageLogs(ctx context.Context, f UsageFilter) ([]models.UsageLog, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.From != nil {
		conds = append(conds, "start_ts >= ?")
		args = append(args, db.Millis(*f.From))
	}
	if f.Until != nil {
		conds = append(conds, "start_ts < ?")
		args = append(args, db.Millis(*f.Until))
	}

	query := "SELECT " + usageColumns + " FROM usage_logs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_ts ASC, created_at ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.UsageLog
	for rows.Next() {
		l, err := scanUsageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type UsageTotal struct {
	UserID  string
	Tag     models.UsageTag
	Minutes int
}

// UsageTotals sums minutes per user and tag for records starting in [from, until).
func (q *Queries) UsageTotals(ctx context.Context, from, until time.Time) ([]UsageTotal, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT user_id, tag, SUM(minutes) FROM usage_logs
		WHERE start_ts >= ? AND start_ts < ?
		GROUP BY user_id, tag
		ORDER BY user_id ASC, tag ASC
	`, db.Millis(from), db.Millis(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []UsageTotal
	for rows.Next() {
		var t UsageTotal
		if err := rows.Scan(&t.UserID, &t.Tag, &t.Minutes); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
