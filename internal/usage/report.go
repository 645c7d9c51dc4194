package usage

import (
	"context"
	"sort"
	"time"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

type UserReport struct {
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	Label               string `json:"label"`
	NormalMinutes       int    `json:"normal_minutes"`
	ReservationMinutes  int    `json:"reservation_minutes"`
	PenaltyMinutes      int    `json:"penalty_minutes"`
	CompensationMinutes int    `json:"compensation_minutes"`
	// UsedMinutes is normal + reservation + penalty - compensation.
	UsedMinutes      int  `json:"used_minutes"`
	QuotaMinutes     *int `json:"quota_minutes,omitempty"`
	RemainingMinutes *int `json:"remaining_minutes,omitempty"`
}

type Report struct {
	WeekStart time.Time    `json:"week_start"`
	WeekEnd   time.Time    `json:"week_end"`
	Users     []UserReport `json:"users"`
}

// WeekStart returns Monday 00:00 of the week containing t, in t's location.
func WeekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.AddDate(0, 0, -offset).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// BuildReport totals the records starting within the week beginning at
// weekStart. Quotas are reported, not enforced.
func BuildReport(ctx context.Context, q *store.Queries, weekStart time.Time) (Report, error) {
	weekEnd := weekStart.AddDate(0, 0, 7)

	totals, err := q.UsageTotals(ctx, weekStart, weekEnd)
	if err != nil {
		return Report{}, err
	}
	users, err := q.ListUsers(ctx)
	if err != nil {
		return Report{}, err
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	rows := make(map[string]*UserReport)
	for _, t := range totals {
		r, ok := rows[t.UserID]
		if !ok {
			u := byID[t.UserID]
			r = &UserReport{
				UserID:       t.UserID,
				Username:     u.Username,
				Label:        u.Label(),
				QuotaMinutes: u.WeeklyQuotaMinutes,
			}
			rows[t.UserID] = r
		}
		switch t.Tag {
		case models.UsageTagNormal:
			r.NormalMinutes += t.Minutes
		case models.UsageTagReservation:
			r.ReservationMinutes += t.Minutes
		case models.UsageTagPenalty:
			r.PenaltyMinutes += t.Minutes
		case models.UsageTagCompensation:
			r.CompensationMinutes += t.Minutes
		}
	}

	report := Report{WeekStart: weekStart, WeekEnd: weekEnd, Users: []UserReport{}}
	for _, r := range rows {
		r.UsedMinutes = r.NormalMinutes + r.ReservationMinutes + r.PenaltyMinutes - r.CompensationMinutes
		if r.QuotaMinutes != nil {
			remaining := *r.QuotaMinutes - r.UsedMinutes
			r.RemainingMinutes = &remaining
		}
		report.Users = append(report.Users, *r)
	}
	sort.Slice(report.Users, func(i, j int) bool {
		return report.Users[i].Username < report.Users[j].Username
	})
	return report, nil
}
