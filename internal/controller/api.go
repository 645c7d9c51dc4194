package controller

import (
	"errors"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
	"github.com/angariumd/gpuledger/internal/usage"
)

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.UserFromContext(r.Context()))
}

func (s *Server) handleClusterView(w http.ResponseWriter, r *http.Request) {
	view, err := s.view.Project(r.Context())
	if err != nil {
		s.internalError(w, r, "projecting cluster view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleUsage lists ledger records. Members only see their own; admins may
// pass ?user= to look at someone else.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	q := s.store.Read()

	filter := store.UsageFilter{UserID: user.ID, SessionID: r.URL.Query().Get("session")}
	if name := r.URL.Query().Get("user"); name != "" && name != user.Username {
		if user.Role != models.RoleAdmin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		other, err := q.UserByUsername(r.Context(), name)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.internalError(w, r, "looking up user", err)
			return
		}
		filter.UserID = other.ID
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logs, err := q.UsageLogs(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "listing usage", err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	weekStart := usage.WeekStart(s.clock.Now().UTC())
	if week := r.URL.Query().Get("week"); week != "" {
		t, err := time.ParseInLocation(time.DateOnly, week, time.UTC)
		if err != nil {
			http.Error(w, "week must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		weekStart = usage.WeekStart(t)
	}

	report, err := usage.BuildReport(r.Context(), s.store.Read(), weekStart)
	if err != nil {
		s.internalError(w, r, "building report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	sessions, err := s.store.Read().SessionsForUser(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, r, "listing sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	q := s.store.Read()

	sess, err := q.SessionByID(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, "looking up session", err)
		return
	}
	if sess.UserID != user.ID && user.Role != models.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	evs, err := q.EventsForSession(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, r, "listing events", err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type reserveRequest struct {
	// Username lets an admin reserve on someone's behalf.
	Username string    `json:"username,omitempty"`
	GPUUUID  string    `json:"gpu_uuid"`
	From     time.Time `json:"from"`
	Until    time.Time `json:"until"`
	Note     string    `json:"note,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	username := user.Username
	if req.Username != "" && req.Username != user.Username {
		if user.Role != models.RoleAdmin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		username = req.Username
	}

	sess, err := s.reservations.Reserve(r.Context(), reservation.Request{
		Username: username,
		GPUUUID:  req.GPUUUID,
		From:     req.From,
		Until:    req.Until,
		Note:     req.Note,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, sess)
	case errors.Is(err, reservation.ErrInvalidWindow):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reservation.ErrUnknownGPU):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, reservation.ErrReservationOverlap):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.internalError(w, r, "creating reservation", err)
	}
}

// handleReservationList shows the caller's pending reservations, or everyone's
// with ?all=1.
func (s *Server) handleReservationList(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	username := user.Username
	if r.URL.Query().Get("all") == "1" {
		username = ""
	}

	sessions, err := s.reservations.List(r.Context(), username)
	if err != nil {
		s.internalError(w, r, "listing reservations", err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleReservationCancel(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	ownerID := user.ID
	if user.Role == models.RoleAdmin {
		ownerID = ""
	}

	sess, err := s.reservations.Cancel(r.Context(), chi.URLParam(r, "id"), ownerID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sess)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "reservation not found", http.StatusNotFound)
	case errors.Is(err, reservation.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, reservation.ErrNotReserved):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.internalError(w, r, "cancelling reservation", err)
	}
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	admin := auth.UserFromContext(r.Context())

	var adj usage.Adjustment
	if err := decodeJSON(r, &adj); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	now := s.clock.Now().UTC()
	var l models.UsageLog
	err := s.store.InTx(r.Context(), func(q *store.Queries) error {
		var err error
		l, err = usage.Adjust(r.Context(), q, adj, now)
		return err
	})
	if errors.Is(err, usage.ErrInvalidAdjustment) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.internalError(w, r, "recording adjustment", err)
		return
	}

	ref := events.Ref{UserID: l.UserID}
	if l.SessionID != nil {
		ref.SessionID = *l.SessionID
	}
	s.events.Emit(events.TypeUsageAdjusted, ref, map[string]any{
		"tag":     l.Tag,
		"minutes": l.Minutes,
		"by":      admin.Username,
		"note":    l.Note,
	})
	s.metrics.ObserveUsage(l)
	s.logger.Info(r.Context(), "usage adjusted",
		slog.F("username", adj.Username),
		slog.F("tag", l.Tag),
		slog.F("minutes", l.Minutes),
		slog.F("by", admin.Username),
	)
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	admin := auth.UserFromContext(r.Context())
	username := chi.URLParam(r, "username")

	var target models.User
	err := s.store.InTx(r.Context(), func(q *store.Queries) error {
		var err error
		if target, err = q.UserByUsername(r.Context(), username); err != nil {
			return err
		}
		return q.DeactivateUser(r.Context(), username)
	})
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, "deactivating user", err)
		return
	}

	s.events.Emit(events.TypeUserDeactivated, events.Ref{UserID: target.ID},
		map[string]string{"username": username, "by": admin.Username})
	s.logger.Info(r.Context(), "user deactivated", slog.F("username", username), slog.F("by", admin.Username))
	w.WriteHeader(http.StatusNoContent)
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New(key + " must be RFC3339")
	}
	return &t, nil
}
