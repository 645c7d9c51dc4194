// Package reconciler turns agent observations into session transitions.
//
// Every inbound call runs as one transaction. The transaction may be rerun
// when it loses a race with another writer (usually the sweeper), so nothing
// with outside effects happens until it commits: events and metrics are
// collected during the attempt and released afterwards.
package reconciler

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
)

var ErrInvalidRequest = errors.New("invalid request")

const (
	DetailUnknownGPU      = "unknown gpu"
	DetailNoActiveSession = "no active session"

	// DetailStaleObservation marks a replayed or late report whose time falls
	// inside a session that has already been closed and billed.
	DetailStaleObservation = "stale observation"

	recoveryNote = "auto-created by heartbeat"
)

type GPUInfo struct {
	UUID     string `json:"uuid"`
	Index    int    `json:"index"`
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
}

type RegisterRequest struct {
	Hostname     string    `json:"hostname"`
	AgentVersion string    `json:"agent_version"`
	GPUs         []GPUInfo `json:"gpus"`
}

type RegisterResult struct {
	NodeID string `json:"node_id"`
	// GPUs maps each registered UUID to its stable id.
	GPUs map[string]string `json:"gpus"`
}

type StartRequest struct {
	Hostname  string    `json:"hostname"`
	GPUUUID   string    `json:"gpu_uuid"`
	User      string    `json:"user"`
	StartedAt time.Time `json:"started_at"`
	PIDs      []int     `json:"pids"`
}

type HeartbeatItem struct {
	GPUUUID string    `json:"gpu_uuid"`
	User    string    `json:"user"`
	PIDs    []int     `json:"pids"`
	TS      time.Time `json:"ts"`
}

type HeartbeatRequest struct {
	Hostname string          `json:"hostname"`
	Items    []HeartbeatItem `json:"items"`
}

type EndRequest struct {
	Hostname string    `json:"hostname"`
	GPUUUID  string    `json:"gpu_uuid"`
	User     string    `json:"user"`
	EndedAt  time.Time `json:"ended_at"`
}

// Result is the structured outcome of a start or end. OK=false is a benign
// desync the agent should log and move past, not a failure.
type Result struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type ItemResult struct {
	GPUUUID   string `json:"gpu_uuid"`
	User      string `json:"user"`
	SessionID string `json:"session_id,omitempty"`
	Applied   bool   `json:"applied"`
	Detail    string `json:"detail"`
}

type HeartbeatResult struct {
	OK      bool         `json:"ok"`
	Applied int          `json:"applied"`
	Skipped int          `json:"skipped"`
	Items   []ItemResult `json:"items"`
}

// Key identifies one (gpu, user) observation in a snapshot.
type Key struct {
	GPUUUID string
	User    string
}

// Snapshot is a full observation of a node at one instant: every (gpu, user)
// pair with processes, and their pids.
type Snapshot struct {
	TS           time.Time
	Observations map[Key][]int
}

// SnapshotRequest is the wire form of a Snapshot, for sources that report a
// whole node at once instead of start, heartbeat and end deltas.
type SnapshotRequest struct {
	Hostname string         `json:"hostname"`
	TS       time.Time      `json:"ts"`
	Items    []SnapshotItem `json:"items"`
}

type SnapshotItem struct {
	GPUUUID string `json:"gpu_uuid"`
	User    string `json:"user"`
	PIDs    []int  `json:"pids"`
}

// Snapshot converts the request. Items repeating a pair merge their pids.
func (req SnapshotRequest) Snapshot() (Snapshot, error) {
	snap := Snapshot{TS: req.TS, Observations: make(map[Key][]int, len(req.Items))}
	for _, item := range req.Items {
		if item.GPUUUID == "" || item.User == "" {
			return Snapshot{}, fmt.Errorf("%w: gpu_uuid and user are required", ErrInvalidRequest)
		}
		k := Key{GPUUUID: item.GPUUUID, User: item.User}
		snap.Observations[k] = append(snap.Observations[k], item.PIDs...)
	}
	return snap, nil
}

type Reconciler struct {
	store   *store.Store
	matcher reservation.Matcher
	clock   quartz.Clock
	logger  slog.Logger
	events  events.Emitter
	metrics *metrics.Metrics

	// ChargeNoShow bills the full window of a reservation that is found
	// overdue while handling an observation, matching the sweeper setting.
	ChargeNoShow bool
}

func New(st *store.Store, clock quartz.Clock, logger slog.Logger, em events.Emitter, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:   st,
		clock:   clock,
		logger:  logger.Named("reconciler"),
		events:  em,
		metrics: m,
	}
}

// Register upserts a node and its GPUs. UUIDs are the identity: re-registering
// refreshes index, name and memory without touching ids or sessions.
func (r *Reconciler) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	if req.Hostname == "" {
		return RegisterResult{}, fmt.Errorf("%w: hostname is required", ErrInvalidRequest)
	}
	now := r.clock.Now().UTC()

	var (
		fx  effects
		res RegisterResult
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		fx.reset()
		res = RegisterResult{GPUs: make(map[string]string, len(req.GPUs))}

		node, created, err := q.EnsureNode(ctx, req.Hostname, req.AgentVersion, now)
		if err != nil {
			return err
		}
		res.NodeID = node.ID

		for _, info := range req.GPUs {
			if info.UUID == "" {
				return fmt.Errorf("%w: gpu without uuid", ErrInvalidRequest)
			}
			g, _, err := q.UpsertGPU(ctx, node.ID, models.GPU{
				UUID:     info.UUID,
				Index:    info.Index,
				Name:     info.Name,
				MemoryMB: info.MemoryMB,
			}, now)
			if err != nil {
				return err
			}
			res.GPUs[info.UUID] = g.ID
		}

		fx.events.Add(events.TypeNodeRegistered, events.Ref{}, map[string]any{
			"node_id":  node.ID,
			"hostname": node.Hostname,
			"created":  created,
			"gpus":     len(req.GPUs),
		})
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}
	r.release(&fx)

	r.logger.Info(ctx, "node registered",
		slog.F("hostname", req.Hostname),
		slog.F("agent_version", req.AgentVersion),
		slog.F("gpus", len(req.GPUs)),
	)
	return res, nil
}

// Start handles an agent's report that a user began using a GPU. A GPU the
// controller has not seen yet gets a placeholder record, since the start may
// have overtaken the node's registration.
func (r *Reconciler) Start(ctx context.Context, req StartRequest) (Result, error) {
	if req.Hostname == "" || req.GPUUUID == "" || req.User == "" {
		return Result{}, fmt.Errorf("%w: hostname, gpu_uuid and user are required", ErrInvalidRequest)
	}
	now := r.clock.Now().UTC()
	at := r.observedAt(req.StartedAt, now)

	var (
		fx  effects
		out outcome
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		fx.reset()

		node, _, err := q.EnsureNode(ctx, req.Hostname, "", now)
		if err != nil {
			return err
		}
		gpu, placeholder, err := q.EnsurePlaceholderGPU(ctx, node.ID, req.GPUUUID, now)
		if err != nil {
			return err
		}
		if placeholder {
			fx.placeholders = append(fx.placeholders, req.GPUUUID)
			fx.events.Add(events.TypeGPUPlaceholderCreated, events.Ref{GPUID: gpu.ID},
				map[string]string{"uuid": gpu.UUID, "hostname": node.Hostname})
		}
		user, err := r.ensureUser(ctx, q, &fx, req.User, now)
		if err != nil {
			return err
		}

		out, err = r.observe(ctx, q, &fx, observation{
			gpu:    gpu,
			user:   user,
			at:     at,
			now:    now,
			pids:   req.PIDs,
			origin: models.OriginAgent,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	r.release(&fx)
	if out.stale {
		r.metrics.ObservationsTotal.WithLabelValues("start", "stale").Inc()
		r.logger.Warn(ctx, "session start ignored",
			slog.F("hostname", req.Hostname),
			slog.F("gpu_uuid", req.GPUUUID),
			slog.F("user", req.User),
			slog.F("started_at", at),
			slog.F("closed_session_id", out.sessionID),
		)
		return Result{SessionID: out.sessionID, Detail: out.action}, nil
	}
	r.metrics.ObservationsTotal.WithLabelValues("start", "applied").Inc()

	for _, uuid := range fx.placeholders {
		r.logger.Warn(ctx, "session start for unregistered gpu, created placeholder",
			slog.F("hostname", req.Hostname), slog.F("gpu_uuid", uuid))
	}
	r.logger.Info(ctx, "session start",
		slog.F("hostname", req.Hostname),
		slog.F("gpu_uuid", req.GPUUUID),
		slog.F("user", req.User),
		slog.F("session_id", out.sessionID),
		slog.F("action", out.action),
	)
	return Result{OK: true, SessionID: out.sessionID, Detail: out.action}, nil
}

// Heartbeat applies a batch of observations in one transaction. Items naming
// an unregistered GPU are skipped; an item for a known GPU with no running
// session starts a recovery session.
func (r *Reconciler) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResult, error) {
	if req.Hostname == "" {
		return HeartbeatResult{}, fmt.Errorf("%w: hostname is required", ErrInvalidRequest)
	}
	now := r.clock.Now().UTC()

	var (
		fx  effects
		res HeartbeatResult
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		fx.reset()
		res = HeartbeatResult{OK: true, Items: make([]ItemResult, 0, len(req.Items))}

		if _, _, err := q.EnsureNode(ctx, req.Hostname, "", now); err != nil {
			return err
		}

		for _, item := range req.Items {
			ir := ItemResult{GPUUUID: item.GPUUUID, User: item.User}
			if item.GPUUUID == "" || item.User == "" {
				ir.Detail = "gpu_uuid and user are required"
				res.Skipped++
				res.Items = append(res.Items, ir)
				continue
			}

			gpu, err := q.GPUByUUID(ctx, item.GPUUUID)
			if errors.Is(err, store.ErrNotFound) {
				ir.Detail = DetailUnknownGPU
				res.Skipped++
				res.Items = append(res.Items, ir)
				continue
			}
			if err != nil {
				return err
			}
			user, err := r.ensureUser(ctx, q, &fx, item.User, now)
			if err != nil {
				return err
			}

			out, err := r.observe(ctx, q, &fx, observation{
				gpu:    gpu,
				user:   user,
				at:     r.observedAt(item.TS, now),
				now:    now,
				pids:   item.PIDs,
				origin: models.OriginHeartbeatRecovery,
				note:   recoveryNote,
			})
			if err != nil {
				return err
			}
			ir.SessionID = out.sessionID
			ir.Detail = out.action
			if out.stale {
				res.Skipped++
			} else {
				ir.Applied = true
				res.Applied++
			}
			res.Items = append(res.Items, ir)
		}
		return nil
	})
	if err != nil {
		return HeartbeatResult{}, err
	}
	r.release(&fx)
	r.metrics.ObservationsTotal.WithLabelValues("heartbeat", "applied").Add(float64(res.Applied))
	r.metrics.ObservationsTotal.WithLabelValues("heartbeat", "skipped").Add(float64(res.Skipped))

	for _, ir := range res.Items {
		if !ir.Applied {
			r.logger.Warn(ctx, "heartbeat item skipped",
				slog.F("hostname", req.Hostname),
				slog.F("gpu_uuid", ir.GPUUUID),
				slog.F("user", ir.User),
				slog.F("reason", ir.Detail),
			)
		}
	}
	r.logger.Debug(ctx, "heartbeat applied",
		slog.F("hostname", req.Hostname),
		slog.F("applied", res.Applied),
		slog.F("skipped", res.Skipped),
	)
	return res, nil
}

// End closes the user's running session on a GPU. Unknown GPUs and missing
// sessions are reported in the Result and leave the store untouched.
func (r *Reconciler) End(ctx context.Context, req EndRequest) (Result, error) {
	if req.Hostname == "" || req.GPUUUID == "" || req.User == "" {
		return Result{}, fmt.Errorf("%w: hostname, gpu_uuid and user are required", ErrInvalidRequest)
	}
	now := r.clock.Now().UTC()
	at := r.observedAt(req.EndedAt, now)

	var (
		fx  effects
		res Result
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		fx.reset()
		res = Result{}

		gpu, err := q.GPUByUUID(ctx, req.GPUUUID)
		if errors.Is(err, store.ErrNotFound) {
			res.Detail = DetailUnknownGPU
			return nil
		}
		if err != nil {
			return err
		}
		user, err := q.UserByUsername(ctx, req.User)
		if errors.Is(err, store.ErrNotFound) {
			res.Detail = DetailNoActiveSession
			return nil
		}
		if err != nil {
			return err
		}
		running, err := q.RunningSession(ctx, user.ID, gpu.ID)
		if errors.Is(err, store.ErrNotFound) {
			res.Detail = DetailNoActiveSession
			return nil
		}
		if err != nil {
			return err
		}

		closed, err := r.closeRunning(ctx, q, &fx, running, at, now, "agent")
		if err != nil {
			return err
		}
		res = Result{OK: true, SessionID: closed.ID, Detail: "ended"}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	r.release(&fx)

	if !res.OK {
		r.metrics.ObservationsTotal.WithLabelValues("end", "desync").Inc()
		r.logger.Warn(ctx, "session end ignored",
			slog.F("hostname", req.Hostname),
			slog.F("gpu_uuid", req.GPUUUID),
			slog.F("user", req.User),
			slog.F("reason", res.Detail),
		)
		return res, nil
	}
	r.metrics.ObservationsTotal.WithLabelValues("end", "applied").Inc()
	r.logger.Info(ctx, "session ended",
		slog.F("hostname", req.Hostname),
		slog.F("gpu_uuid", req.GPUUUID),
		slog.F("user", req.User),
		slog.F("session_id", res.SessionID),
	)
	return res, nil
}

// ApplySnapshot runs one reconciliation pass over a full node snapshot. Pairs
// present in the snapshot start or refresh a session; pairs absent from it are
// left to the sweeper, since one missed poll does not end usage. It serves
// POST /v1/agent/snapshot and in-process sources that hold a Snapshot.
func (r *Reconciler) ApplySnapshot(ctx context.Context, hostname string, snap Snapshot) (HeartbeatResult, error) {
	if hostname == "" {
		return HeartbeatResult{}, fmt.Errorf("%w: hostname is required", ErrInvalidRequest)
	}
	now := r.clock.Now().UTC()
	at := r.observedAt(snap.TS, now)

	var (
		fx  effects
		res HeartbeatResult
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		fx.reset()
		res = HeartbeatResult{OK: true, Items: make([]ItemResult, 0, len(snap.Observations))}

		node, _, err := q.EnsureNode(ctx, hostname, "", now)
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(snap.Observations) {
			gpu, placeholder, err := q.EnsurePlaceholderGPU(ctx, node.ID, key.GPUUUID, now)
			if err != nil {
				return err
			}
			if placeholder {
				fx.placeholders = append(fx.placeholders, key.GPUUUID)
				fx.events.Add(events.TypeGPUPlaceholderCreated, events.Ref{GPUID: gpu.ID},
					map[string]string{"uuid": gpu.UUID, "hostname": node.Hostname})
			}
			user, err := r.ensureUser(ctx, q, &fx, key.User, now)
			if err != nil {
				return err
			}
			out, err := r.observe(ctx, q, &fx, observation{
				gpu:    gpu,
				user:   user,
				at:     at,
				now:    now,
				pids:   snap.Observations[key],
				origin: models.OriginAgent,
			})
			if err != nil {
				return err
			}
			if out.stale {
				res.Skipped++
			} else {
				res.Applied++
			}
			res.Items = append(res.Items, ItemResult{
				GPUUUID: key.GPUUUID, User: key.User, SessionID: out.sessionID, Applied: !out.stale, Detail: out.action,
			})
		}
		return nil
	})
	if err != nil {
		return HeartbeatResult{}, err
	}
	r.release(&fx)
	r.metrics.ObservationsTotal.WithLabelValues("snapshot", "applied").Add(float64(res.Applied))
	r.metrics.ObservationsTotal.WithLabelValues("snapshot", "skipped").Add(float64(res.Skipped))
	return res, nil
}

func (r *Reconciler) ensureUser(ctx context.Context, q *store.Queries, fx *effects, username string, now time.Time) (models.User, error) {
	user, shadow, err := q.EnsureUser(ctx, username, now)
	if err != nil {
		return models.User{}, err
	}
	if shadow {
		fx.events.Add(events.TypeUserShadowCreated, events.Ref{UserID: user.ID},
			map[string]string{"username": user.Username})
	}
	return user, nil
}

// observedAt normalizes an agent timestamp to the storage resolution. A
// missing timestamp means now.
func (r *Reconciler) observedAt(t, now time.Time) time.Time {
	if t.IsZero() {
		t = now
	}
	return t.UTC().Truncate(time.Millisecond)
}

// release publishes what a committed transaction produced.
func (r *Reconciler) release(fx *effects) {
	fx.events.Flush(r.events)
	r.metrics.ObserveUsage(fx.logs...)
	for _, origin := range fx.started {
		r.metrics.SessionsStarted.WithLabelValues(string(origin)).Inc()
	}
	for _, reason := range fx.ended {
		r.metrics.SessionsEnded.WithLabelValues(reason).Inc()
	}
}
