package controller

import (
	"context"
	"time"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/config"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

// SeedUsers upserts the users listed in the controller config. Shadow users
// already created by agent reports are adopted under the same username.
func SeedUsers(ctx context.Context, st *store.Store, users []config.User, now time.Time) error {
	return st.InTx(ctx, func(q *store.Queries) error {
		for _, u := range users {
			var tokenHash string
			if u.Token != "" {
				tokenHash = auth.HashToken(u.Token)
			}
			_, err := q.UpsertUser(ctx, models.User{
				Username:           u.Username,
				DisplayName:        u.DisplayName,
				Role:               u.Role,
				WeeklyQuotaMinutes: u.WeeklyQuotaMinutes,
				TokenHash:          tokenHash,
			}, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
