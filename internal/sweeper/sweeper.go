// Package sweeper closes sessions whose liveness signal expired.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/metrics"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/usage"
)

type Config struct {
	Interval time.Duration
	// StaleAfter is the longest gap between heartbeats a RUNNING session may
	// have before it is closed.
	StaleAfter time.Duration
	// NodeStaleAfter deactivates nodes that stopped reporting. Zero disables it.
	NodeStaleAfter time.Duration
	// ChargeNoShow bills the full window of reservations that expire unused.
	ChargeNoShow bool
}

type Stats struct {
	StaleClosed         int
	ReservationsExpired int
	NodesDeactivated    int
	MinutesBilled       int
}

type Sweeper struct {
	store   *store.Store
	clock   quartz.Clock
	logger  slog.Logger
	events  events.Emitter
	metrics *metrics.Metrics
	cfg     Config
}

func New(st *store.Store, clock quartz.Clock, logger slog.Logger, em events.Emitter, m *metrics.Metrics, cfg Config) *Sweeper {
	return &Sweeper{
		store:   st,
		clock:   clock,
		logger:  logger.Named("sweeper"),
		events:  em,
		metrics: m,
		cfg:     cfg,
	}
}

// Run sweeps every Interval until ctx is done. A failed sweep is logged and
// the next tick tries again.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "sweeper started",
		slog.F("interval", s.cfg.Interval),
		slog.F("stale_after", s.cfg.StaleAfter),
		slog.F("charge_no_show", s.cfg.ChargeNoShow),
	)
	w := s.clock.TickerFunc(ctx, s.cfg.Interval, func() error {
		stats, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Error(ctx, "sweep failed", slog.Error(err))
			return nil
		}
		if stats.StaleClosed > 0 || stats.ReservationsExpired > 0 || stats.NodesDeactivated > 0 {
			s.logger.Info(ctx, "sweep",
				slog.F("stale_closed", stats.StaleClosed),
				slog.F("reservations_expired", stats.ReservationsExpired),
				slog.F("nodes_deactivated", stats.NodesDeactivated),
				slog.F("minutes_billed", stats.MinutesBilled),
			)
		}
		return nil
	}, "sweeper")

	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// SweepOnce runs one pass. Candidates are selected outside any transaction;
// each is then closed in its own transaction after re-reading it, so a
// heartbeat that lands in between wins and the session stays open.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	start := s.clock.Now()
	now := start.UTC()
	defer func() {
		s.metrics.SweepDuration.Observe(s.clock.Since(start).Seconds())
	}()

	var (
		stats Stats
		errs  []error
	)

	cutoff := now.Add(-s.cfg.StaleAfter)
	stale, err := s.store.Read().StaleRunningSessions(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("listing stale sessions: %w", err)
	}
	for _, candidate := range stale {
		l, closed, err := s.closeStale(ctx, candidate.ID, cutoff, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closed {
			stats.StaleClosed++
			if l != nil {
				stats.MinutesBilled += l.Minutes
			}
		}
	}

	expired, err := s.store.Read().ExpiredReservations(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("listing expired reservations: %w", err)
	}
	for _, candidate := range expired {
		l, closed, err := s.expire(ctx, candidate.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closed {
			stats.ReservationsExpired++
			if l != nil {
				stats.MinutesBilled += l.Minutes
			}
		}
	}

	if s.cfg.NodeStaleAfter > 0 {
		var hostnames []string
		err := s.store.InTx(ctx, func(q *store.Queries) error {
			var err error
			hostnames, err = q.MarkStaleNodes(ctx, now.Add(-s.cfg.NodeStaleAfter))
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("marking stale nodes: %w", err))
		}
		for _, h := range hostnames {
			s.logger.Warn(ctx, "node stopped reporting, marking inactive", slog.F("hostname", h))
		}
		stats.NodesDeactivated = len(hostnames)
	}

	running, err := s.store.Read().RunningSessions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("counting running sessions: %w", err))
	} else {
		s.metrics.RunningSessions.Set(float64(len(running)))
	}

	return stats, errors.Join(errs...)
}

// closeStale ends a RUNNING session at its last heartbeat, not at the sweep
// time, so the idle gap before discovery is never billed.
func (s *Sweeper) closeStale(ctx context.Context, sessionID string, cutoff, now time.Time) (*models.UsageLog, bool, error) {
	var (
		closed models.Session
		l      *models.UsageLog
		done   bool
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		l, done = nil, false

		sess, err := q.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.State != models.SessionStateRunning || sess.HeartbeatAt == nil || !sess.HeartbeatAt.Before(cutoff) {
			return nil
		}
		start, end := *sess.StartedAt, *sess.HeartbeatAt
		closed, l, err = usage.Close(ctx, q, sess, start, end, models.UsageTagNormal, now)
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("closing stale session %s: %w", sessionID, err)
	}
	if !done {
		return nil, false, nil
	}

	ref := events.Ref{SessionID: closed.ID, UserID: closed.UserID, GPUID: closed.GPUID}
	s.events.Emit(events.TypeSessionStaleClosed, ref, map[string]any{
		"ended_at":       closed.EndedAt,
		"billed_minutes": minutes(l),
	})
	s.metrics.SessionsEnded.WithLabelValues("stale").Inc()
	if l != nil {
		s.metrics.ObserveUsage(*l)
	}
	s.logger.Info(ctx, "closed stale session",
		slog.F("session_id", closed.ID),
		slog.F("ended_at", closed.EndedAt),
		slog.F("billed_minutes", minutes(l)),
	)
	return l, true, nil
}

func (s *Sweeper) expire(ctx context.Context, sessionID string, now time.Time) (*models.UsageLog, bool, error) {
	var (
		expired models.Session
		l       *models.UsageLog
		done    bool
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		l, done = nil, false

		sess, err := q.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.State != models.SessionStateReserved || sess.ReservedUntil == nil || sess.ReservedUntil.After(now) {
			return nil
		}
		expired, l, err = reservation.Expire(ctx, q, sess, s.cfg.ChargeNoShow, now)
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("expiring reservation %s: %w", sessionID, err)
	}
	if !done {
		return nil, false, nil
	}

	ref := events.Ref{SessionID: expired.ID, UserID: expired.UserID, GPUID: expired.GPUID}
	s.events.Emit(events.TypeReservationExpired, ref, map[string]any{"billed_minutes": minutes(l)})
	s.metrics.SessionsEnded.WithLabelValues("expired").Inc()
	if l != nil {
		s.metrics.ObserveUsage(*l)
	}
	s.logger.Info(ctx, "expired unused reservation",
		slog.F("session_id", expired.ID),
		slog.F("billed_minutes", minutes(l)),
	)
	return l, true, nil
}

func minutes(l *models.UsageLog) int {
	if l == nil {
		return 0
	}
	return l.Minutes
}
