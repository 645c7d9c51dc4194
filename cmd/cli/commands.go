package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/angariumd/gpuledger/internal/clusterview"
	"github.com/angariumd/gpuledger/internal/config"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/usage"
)

func loginCmd() *cobra.Command {
	var controllerURL, token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the controller URL and your token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCLIConfig()
			if err != nil {
				return err
			}
			if controllerURL != "" {
				cfg.ControllerURL = controllerURL
			}
			if token != "" {
				cfg.Token = token
			}
			if err := config.SaveCLIConfig(cfg); err != nil {
				return err
			}
			path, _ := config.CLIConfigPath()
			fmt.Printf("Saved credentials to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&controllerURL, "url", "", "controller base URL")
	cmd.Flags().StringVar(&token, "token", "", "personal API token")
	return cmd
}

func whoamiCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the user your token belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			var u models.User
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/whoami", nil, nil, &u); err != nil {
				return err
			}
			quota := "unlimited"
			if u.WeeklyQuotaMinutes != nil {
				quota = fmt.Sprintf("%d min/week", *u.WeeklyQuotaMinutes)
			}
			fmt.Printf("%s (%s), role %s, quota %s\n", u.Username, u.Label(), u.Role, quota)
			return nil
		},
	}
}

func viewCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show who is using which GPU",
		RunE: func(cmd *cobra.Command, args []string) error {
			var v clusterview.View
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/cluster/view", nil, nil, &v); err != nil {
				return err
			}
			fmt.Printf("%d GPUs, %d active, %d idle (as of %s)\n\n",
				v.TotalGPUs, v.ActiveGPUs, v.IdleGPUs, v.UpdatedAt.Local().Format("15:04:05"))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tGPU\tNAME\tSTATE\tSUMMARY")
			for _, n := range v.Nodes {
				for _, g := range n.GPUs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", n.Hostname, g.Index, g.Name, g.State, g.Summary)
				}
			}
			return w.Flush()
		},
	}
}

func sessionsCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List your sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []models.Session
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/sessions", nil, nil, &sessions); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tORIGIN\tSTARTED\tENDED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.State, s.Origin, formatTime(s.StartedAt), formatTime(s.EndedAt))
			}
			return w.Flush()
		},
	}
}

func eventsCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "events SESSION_ID",
		Short: "Show the lifecycle events of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var evs []models.Event
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/events"
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, nil, &evs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tTYPE\tPAYLOAD")
			for _, e := range evs {
				payload := ""
				if e.PayloadJSON != nil {
					payload = *e.PayloadJSON
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.Type, payload)
			}
			return w.Flush()
		},
	}
}

func usageCmd(c *client) *cobra.Command {
	var user, from, until string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "List usage ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if user != "" {
				q.Set("user", user)
			}
			now := time.Now()
			for key, raw := range map[string]string{"from": from, "until": until} {
				if raw == "" {
					continue
				}
				t, err := parseWhen(raw, now)
				if err != nil {
					return fmt.Errorf("--%s: %w", key, err)
				}
				q.Set(key, t.UTC().Format(time.RFC3339))
			}

			var logs []models.UsageLog
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/usage", q, nil, &logs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "START\tEND\tMINUTES\tTAG\tNOTE")
			total := 0
			for _, l := range logs {
				total += signedMinutes(l)
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					l.StartTS.Local().Format(time.DateTime), l.EndTS.Local().Format(time.DateTime), l.Minutes, l.Tag, l.Note)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nNet: %d minutes\n", total)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "show another user's records (admin only)")
	cmd.Flags().StringVar(&from, "from", "", "only records ending after this time")
	cmd.Flags().StringVar(&until, "until", "", "only records starting before this time")
	return cmd
}

func reportCmd(c *client) *cobra.Command {
	var week string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the weekly usage report",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if week != "" {
				q.Set("week", week)
			}
			var rep usage.Report
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/usage/report", q, nil, &rep); err != nil {
				return err
			}
			fmt.Printf("Week of %s\n\n", rep.WeekStart.Format(time.DateOnly))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tNORMAL\tRESERVED\tPENALTY\tCOMPENSATION\tUSED\tREMAINING")
			for _, u := range rep.Users {
				remaining := "-"
				if u.RemainingMinutes != nil {
					remaining = strconv.Itoa(*u.RemainingMinutes)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n", u.Username,
					u.NormalMinutes, u.ReservationMinutes, u.PenaltyMinutes, u.CompensationMinutes, u.UsedMinutes, remaining)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&week, "week", "", "any day of the week to report on, as YYYY-MM-DD")
	return cmd
}

func reserveCmd(c *client) *cobra.Command {
	var (
		from, until, forUser, note string
		duration                   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reserve GPU_UUID",
		Short: "Reserve a GPU for a time window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			start, err := parseWhen(from, now)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end := start.Add(duration)
			if until != "" {
				if end, err = parseWhen(until, now); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}

			body := map[string]any{
				"gpu_uuid": args[0],
				"from":     start.UTC(),
				"until":    end.UTC(),
				"note":     note,
			}
			if forUser != "" {
				body["username"] = forUser
			}
			var sess models.Session
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/reservations", nil, body, &sess); err != nil {
				return err
			}
			fmt.Printf("Reserved! ID: %s (%s to %s)\n", sess.ID,
				formatTime(sess.ReservedFrom), formatTime(sess.ReservedUntil))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "now", "start of the window: RFC3339, HH:MM today, now, or +duration")
	cmd.Flags().StringVar(&until, "until", "", "end of the window; overrides --duration")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "length of the window")
	cmd.Flags().StringVar(&forUser, "for", "", "reserve on behalf of another user (admin only)")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	return cmd
}

func reservationsCmd(c *client) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "List pending reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if all {
				q.Set("all", "1")
			}
			var sessions []models.Session
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/reservations", q, nil, &sessions); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tGPU\tFROM\tUNTIL\tNOTE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.UserID, s.GPUID,
					formatTime(s.ReservedFrom), formatTime(s.ReservedUntil), s.Note)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include everyone's reservations")
	return cmd
}

func cancelCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RESERVATION_ID",
		Short: "Cancel a pending reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/reservations/" + url.PathEscape(args[0]) + "/cancel"
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		},
	}
}

func adjustCmd(c *client) *cobra.Command {
	var adj usage.Adjustment
	var tag string
	cmd := &cobra.Command{
		Use:   "adjust USERNAME MINUTES",
		Short: "Record a penalty or compensation (admin only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("minutes must be an integer: %w", err)
			}
			adj.Username = args[0]
			adj.Minutes = minutes
			adj.Tag = models.UsageTag(strings.ToLower(tag))

			var l models.UsageLog
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/usage/adjust", nil, adj, &l); err != nil {
				return err
			}
			fmt.Printf("Recorded %d minutes of %s for %s\n", l.Minutes, l.Tag, adj.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", string(models.UsageTagPenalty), "penalty or compensation")
	cmd.Flags().StringVar(&adj.SessionID, "session", "", "attach the adjustment to a session")
	cmd.Flags().StringVar(&adj.Note, "note", "", "reason for the adjustment")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func deactivateCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate USERNAME",
		Short: "Revoke a user's access (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/users/" + url.PathEscape(args[0]) + "/deactivate"
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Deactivated %s\n", args[0])
			return nil
		},
	}
}

// signedMinutes is how a record counts against the quota.
func signedMinutes(l models.UsageLog) int {
	if l.Tag == models.UsageTagCompensation {
		return -l.Minutes
	}
	return l.Minutes
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// parseWhen accepts RFC3339, a wall-clock HH:MM for today, "now", or a
// duration relative to now such as +30m.
func parseWhen(s string, now time.Time) (time.Time, error) {
	switch {
	case s == "" || s == "now":
		return now, nil
	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("15:04", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}
