package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/google/uuid"
)

const userColumns = `id, username, display_name, role, weekly_quota_minutes, active, shadow, COALESCE(token_hash, ''), created_at`

func scanUser(row scanner) (models.User, error) {
	var (
		u         models.User
		quota     sql.NullInt64
		active    int
		shadow    int
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &quota, &active, &shadow, &u.TokenHash, &createdAt); err != nil {
		return models.User{}, err
	}
	if quota.Valid {
		q := int(quota.Int64)
		u.WeeklyQuotaMinutes = &q
	}
	u.Active = active == 1
	u.Shadow = shadow == 1
	u.CreatedAt = db.FromMillis(createdAt)
	return u, nil
}

// UserByUsername returns the active user mapped to an OS username.
func (q *Queries) UserByUsername(ctx context.Context, username string) (models.User, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ? AND active = 1", username)
	u, err := scanUser(row)
	if err != nil {
		return models.User{}, notFound(err)
	}
	return u, nil
}

func (q *Queries) UserByID(ctx context.Context, id string) (models.User, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err != nil {
		return models.User{}, notFound(err)
	}
	return u, nil
}

func (q *Queries) UserByToken(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrNotFound
	}
	row := q.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE token_hash = ? AND active = 1", token)
	u, err := scanUser(row)
	if err != nil {
		return models.User{}, notFound(err)
	}
	return u, nil
}

// EnsureUser resolves an OS username, creating a shadow user when it has never
// been seen. The bool reports whether a shadow user was created.
func (q *Queries) EnsureUser(ctx context.Context, username string, now time.Time) (models.User, bool, error) {
	u, err := q.UserByUsername(ctx, username)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, false, err
	}

	u = models.User{
		ID:        uuid.New().String(),
		Username:  username,
		Role:      models.RoleMember,
		Active:    true,
		Shadow:    true,
		CreatedAt: now,
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, role, active, shadow, created_at)
		VALUES (?, ?, '', ?, 1, 1, ?)
	`, u.ID, u.Username, u.Role, db.Millis(now))
	if err != nil {
		return models.User{}, false, fmt.Errorf("creating shadow user %s: %w", username, err)
	}
	return u, true, nil
}

// UpsertUser seeds an administratively managed user. An existing shadow user
// with the same username is adopted rather than duplicated.
func (q *Queries) UpsertUser(ctx context.Context, u models.User, now time.Time) (models.User, error) {
	var quota sql.NullInt64
	if u.WeeklyQuotaMinutes != nil {
		quota = sql.NullInt64{Int64: int64(*u.WeeklyQuotaMinutes), Valid: true}
	}
	if u.Role == "" {
		u.Role = models.RoleMember
	}

	existing, err := q.UserByUsername(ctx, u.Username)
	switch {
	case err == nil:
		_, err = q.q.ExecContext(ctx, `
			UPDATE users SET display_name = ?, role = ?, weekly_quota_minutes = ?, token_hash = ?, shadow = 0
			WHERE id = ?
		`, u.DisplayName, u.Role, quota, emptyNull(u.TokenHash), existing.ID)
		if err != nil {
			return models.User{}, fmt.Errorf("updating user %s: %w", u.Username, err)
		}
		return q.UserByID(ctx, existing.ID)
	case !errors.Is(err, ErrNotFound):
		return models.User{}, err
	}

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, role, weekly_quota_minutes, active, shadow, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
	`, u.ID, u.Username, u.DisplayName, u.Role, quota, emptyNull(u.TokenHash), db.Millis(now))
	if err != nil {
		return models.User{}, fmt.Errorf("inserting user %s: %w", u.Username, err)
	}
	return q.UserByID(ctx, u.ID)
}

// DeactivateUser retires a user. History keeps referencing the row; the
// username becomes free for a new identity.
func (q *Queries) DeactivateUser(ctx context.Context, username string) error {
	res, err := q.q.ExecContext(ctx, "UPDATE users SET active = 0 WHERE username = ? AND active = 1", username)
	if err != nil {
		return fmt.Errorf("deactivating user %s: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
