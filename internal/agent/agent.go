// Package agent runs on each GPU node. It turns successive local snapshots of
// GPU processes into start, heartbeat and end reports for the controller.
package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/netutils"
	"github.com/angariumd/gpuledger/internal/reconciler"
)

// Source produces a full observation of the node.
type Source interface {
	Snapshot(ctx context.Context) (reconciler.Snapshot, error)
}

// Inventory lists the GPUs the node registers with.
type Inventory interface {
	GPUs(ctx context.Context) ([]reconciler.GPUInfo, error)
}

type Options struct {
	ControllerURL string
	SharedToken   string
	Hostname      string
	Version       string
	PollInterval  time.Duration
	// LocalTimeout is how long a vanished pair is kept before its end is
	// reported.
	LocalTimeout time.Duration
	Source       Source
	Inventory    Inventory
	Client       *http.Client
	Clock        quartz.Clock
	Logger       slog.Logger
}

type Agent struct {
	controllerURL string
	sharedToken   string
	hostname      string
	version       string
	pollInterval  time.Duration
	source        Source
	inventory     Inventory
	tracker       *Tracker
	client        *http.Client
	clock         quartz.Clock
	logger        slog.Logger

	// reregister is set when the controller skipped a GPU it does not know.
	reregister bool
}

func New(opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Client == nil {
		opts.Client = netutils.NewClient(30*time.Second, false)
	}
	return &Agent{
		controllerURL: strings.TrimSuffix(opts.ControllerURL, "/"),
		sharedToken:   opts.SharedToken,
		hostname:      opts.Hostname,
		version:       opts.Version,
		pollInterval:  opts.PollInterval,
		source:        opts.Source,
		inventory:     opts.Inventory,
		tracker:       NewTracker(opts.Hostname, opts.LocalTimeout),
		client:        opts.Client,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("agent"),
	}
}

// Run registers the node, retrying until the controller answers, then polls
// every PollInterval until ctx is done. Report failures are logged and never
// stop the loop.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Minute
	err := backoff.RetryNotify(func() error {
		return a.Register(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		a.logger.Warn(ctx, "registration failed, retrying", slog.Error(err), slog.F("next", next))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	a.Poll(ctx)
	w := a.clock.TickerFunc(ctx, a.pollInterval, func() error {
		a.Poll(ctx)
		return nil
	}, "agent")

	err = w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Agent) Register(ctx context.Context) error {
	gpus, err := a.inventory.GPUs(ctx)
	if err != nil {
		return err
	}
	var res reconciler.RegisterResult
	err = a.post(ctx, "/v1/agent/register", reconciler.RegisterRequest{
		Hostname:     a.hostname,
		AgentVersion: a.version,
		GPUs:         gpus,
	}, &res)
	if err != nil {
		return err
	}
	a.reregister = false
	a.logger.Info(ctx, "registered", slog.F("node_id", res.NodeID), slog.F("gpus", len(res.GPUs)))
	return nil
}

// Poll takes one snapshot and reports what changed. Not safe for concurrent use.
func (a *Agent) Poll(ctx context.Context) {
	if a.reregister {
		if err := a.Register(ctx); err != nil {
			a.logger.Warn(ctx, "re-registration failed", slog.Error(err))
		}
	}

	snap, err := a.source.Snapshot(ctx)
	if err != nil {
		a.logger.Error(ctx, "taking snapshot", slog.Error(err))
		return
	}
	if snap.TS.IsZero() {
		snap.TS = a.clock.Now().UTC()
	}
	plan := a.tracker.Observe(snap)

	for _, req := range plan.Starts {
		var res reconciler.Result
		if err := a.post(ctx, "/v1/agent/session/start", req, &res); err != nil {
			// Report it as new again next poll.
			a.tracker.Forget(reconciler.Key{GPUUUID: req.GPUUUID, User: req.User})
			a.logger.Warn(ctx, "reporting session start",
				slog.F("gpu_uuid", req.GPUUUID), slog.F("user", req.User), slog.Error(err))
			continue
		}
		if !res.OK {
			a.logger.Warn(ctx, "controller ignored session start",
				slog.F("gpu_uuid", req.GPUUUID), slog.F("user", req.User), slog.F("detail", res.Detail))
			continue
		}
		a.logger.Info(ctx, "session start reported",
			slog.F("gpu_uuid", req.GPUUUID), slog.F("user", req.User),
			slog.F("session_id", res.SessionID), slog.F("action", res.Detail))
	}

	// Sent even when empty; it is also the node's liveness signal.
	var hb reconciler.HeartbeatResult
	err = a.post(ctx, "/v1/agent/session/heartbeat", reconciler.HeartbeatRequest{
		Hostname: a.hostname,
		Items:    plan.Heartbeats,
	}, &hb)
	if err != nil {
		a.logger.Warn(ctx, "reporting heartbeat", slog.F("items", len(plan.Heartbeats)), slog.Error(err))
	}
	for _, item := range hb.Items {
		if item.Detail == reconciler.DetailUnknownGPU {
			a.reregister = true
		}
	}

	for _, req := range plan.Ends {
		var res reconciler.Result
		if err := a.post(ctx, "/v1/agent/session/end", req, &res); err != nil {
			a.logger.Warn(ctx, "reporting session end",
				slog.F("gpu_uuid", req.GPUUUID), slog.F("user", req.User), slog.Error(err))
			continue
		}
		if !res.OK {
			a.logger.Warn(ctx, "controller had no session to end",
				slog.F("gpu_uuid", req.GPUUUID), slog.F("user", req.User), slog.F("detail", res.Detail))
		}
	}
}

func (a *Agent) post(ctx context.Context, path string, in, out any) error {
	header := http.Header{}
	header.Set(auth.AgentTokenHeader, a.sharedToken)
	return netutils.DoJSON(ctx, a.client, http.MethodPost, a.controllerURL+path, header, in, out)
}
