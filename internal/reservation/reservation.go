// Package reservation manages RESERVED sessions: creating and cancelling them,
// and matching a live observation to the reservation it consumes.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

var (
	ErrReservationOverlap = errors.New("user already holds an active session on this gpu")
	ErrInvalidWindow      = errors.New("invalid reservation window")
	ErrUnknownGPU         = errors.New("unknown gpu")
	ErrNotReserved        = errors.New("session is not a pending reservation")
	ErrNotOwner           = errors.New("reservation belongs to another user")
)

type Request struct {
	Username string    `json:"username"`
	GPUUUID  string    `json:"gpu_uuid"`
	From     time.Time `json:"from"`
	Until    time.Time `json:"until"`
	Note     string    `json:"note,omitempty"`
}

type Registry struct {
	store  *store.Store
	clock  quartz.Clock
	logger slog.Logger
	events events.Emitter
}

func NewRegistry(st *store.Store, clock quartz.Clock, logger slog.Logger, em events.Emitter) *Registry {
	return &Registry{
		store:  st,
		clock:  clock,
		logger: logger.Named("reservation"),
		events: em,
	}
}

// Reserve books a GPU for a user over [From, Until]. A user holds at most one
// active session per GPU, so a second reservation for the same pair is
// refused until the first is consumed, cancelled or expired.
func (r *Registry) Reserve(ctx context.Context, req Request) (models.Session, error) {
	now := r.clock.Now()
	from, until := req.From.UTC(), req.Until.UTC()
	if !from.Before(until) {
		return models.Session{}, fmt.Errorf("%w: from must be before until", ErrInvalidWindow)
	}
	if !until.After(now) {
		return models.Session{}, fmt.Errorf("%w: window already over", ErrInvalidWindow)
	}
	if req.Username == "" {
		return models.Session{}, fmt.Errorf("%w: username is required", ErrInvalidWindow)
	}

	var (
		pending events.Pending
		created models.Session
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		pending.Reset()

		gpu, err := q.GPUByUUID(ctx, req.GPUUUID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownGPU, req.GPUUUID)
			}
			return err
		}
		user, shadow, err := q.EnsureUser(ctx, req.Username, now)
		if err != nil {
			return err
		}
		if shadow {
			pending.Add(events.TypeUserShadowCreated, events.Ref{UserID: user.ID}, map[string]string{"username": user.Username})
		}

		_, err = q.ActiveSession(ctx, user.ID, gpu.ID)
		if err == nil {
			return ErrReservationOverlap
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		created = models.Session{
			ID:            uuid.New().String(),
			UserID:        user.ID,
			GPUID:         gpu.ID,
			NodeID:        gpu.NodeID,
			State:         models.SessionStateReserved,
			Origin:        models.OriginReservation,
			ReservedFrom:  &from,
			ReservedUntil: &until,
			Note:          req.Note,
			Version:       1,
		}
		if err := q.InsertSession(ctx, created); err != nil {
			return err
		}
		pending.Add(events.TypeReservationCreated, events.Ref{SessionID: created.ID, UserID: user.ID, GPUID: gpu.ID},
			map[string]time.Time{"from": from, "until": until})
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	pending.Flush(r.events)

	r.logger.Info(ctx, "reservation created",
		slog.F("session_id", created.ID),
		slog.F("username", req.Username),
		slog.F("gpu_uuid", req.GPUUUID),
		slog.F("from", from),
		slog.F("until", until),
	)
	return created, nil
}

// Cancel ends a pending reservation without billing it. An empty ownerID
// skips the ownership check.
func (r *Registry) Cancel(ctx context.Context, sessionID, ownerID string) (models.Session, error) {
	now := r.clock.Now()

	var cancelled models.Session
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		s, err := q.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.State != models.SessionStateReserved {
			return ErrNotReserved
		}
		if ownerID != "" && s.UserID != ownerID {
			return ErrNotOwner
		}
		s.State = models.SessionStateEnded
		s.EndedAt = &now
		cancelled, err = q.UpdateSession(ctx, s)
		return err
	})
	if err != nil {
		return models.Session{}, err
	}

	r.events.Emit(events.TypeReservationCancelled,
		events.Ref{SessionID: cancelled.ID, UserID: cancelled.UserID, GPUID: cancelled.GPUID}, nil)
	r.logger.Info(ctx, "reservation cancelled", slog.F("session_id", cancelled.ID))
	return cancelled, nil
}

// List returns pending reservations, for one user or, with an empty username,
// for everyone.
func (r *Registry) List(ctx context.Context, username string) ([]models.Session, error) {
	q := r.store.Read()
	if username == "" {
		return q.ReservedSessions(ctx, "")
	}
	u, err := q.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return q.ReservedSessions(ctx, u.ID)
}
