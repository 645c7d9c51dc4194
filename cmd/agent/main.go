package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"

	"github.com/angariumd/gpuledger/internal/agent"
	"github.com/angariumd/gpuledger/internal/config"
	"github.com/angariumd/gpuledger/internal/netutils"
	"github.com/angariumd/gpuledger/internal/reconciler"
)

const version = "v0.2.0"

func main() {
	configPath := flag.String("config", "config/agent.yaml", "path to agent config")
	insecure := flag.Bool("insecure", false, "skip TLS verification of the controller certificate")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		logger.Fatal(ctx, "failed to load config", slog.Error(err))
	}

	opts := agent.Options{
		ControllerURL: cfg.ControllerURL,
		SharedToken:   cfg.SharedToken,
		Hostname:      cfg.Hostname,
		Version:       version,
		PollInterval:  cfg.PollInterval.Std(),
		LocalTimeout:  cfg.LocalTimeout.Std(),
		Client:        netutils.NewClient(30*time.Second, *insecure),
		Clock:         quartz.NewReal(),
		Logger:        logger,
	}
	if cfg.Fake {
		inv := agent.NewFakeInventory(cfg.Hostname, 2)
		src := agent.NewFakeSource()
		opts.Inventory = inv
		opts.Source = churning{src: src, gpus: inv.Devices, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	} else {
		opts.Inventory = agent.NvidiaInventory{}
		opts.Source = agent.NvidiaSource{Logger: logger.Named("nvidia")}
	}

	logger.Info(ctx, "agent starting",
		slog.F("hostname", cfg.Hostname),
		slog.F("controller", cfg.ControllerURL),
		slog.F("fake", cfg.Fake),
	)
	if err := agent.New(opts).Run(ctx); err != nil {
		logger.Fatal(ctx, "agent exited", slog.Error(err))
	}
}

// churning simulates users arriving and leaving on a node with no GPUs.
type churning struct {
	src  *agent.FakeSource
	gpus []reconciler.GPUInfo
	rng  *rand.Rand
}

func (c churning) Snapshot(ctx context.Context) (reconciler.Snapshot, error) {
	c.src.Churn(c.rng, c.gpus, []string{"alice", "bob", "carol"})
	return c.src.Snapshot(ctx)
}
