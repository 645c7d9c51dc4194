package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/netutils"
	"github.com/angariumd/gpuledger/internal/reconciler"
)

var (
	controllerURL string
	sharedToken   string
	nodes         int
	gpusPerNode   int
	rounds        int
)

func init() {
	flag.StringVar(&controllerURL, "url", "http://localhost:8090", "Controller URL")
	flag.StringVar(&sharedToken, "token", "agent-secret", "Agent shared token")
	flag.IntVar(&nodes, "c", 10, "Number of simulated nodes")
	flag.IntVar(&gpusPerNode, "g", 4, "GPUs per simulated node")
	flag.IntVar(&rounds, "n", 10, "Start/heartbeat/end rounds per node")
}

// Stats
var (
	requestCount int64
	failCount    int64
	desyncCount  int64
	totalLatency int64 // nanoseconds
)

func main() {
	flag.Parse()

	fmt.Printf("Starting load test: %d nodes x %d GPUs, %d rounds each\n", nodes, gpusPerNode, rounds)
	fmt.Printf("Target: %s\n", controllerURL)

	start := time.Now()
	eg, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < nodes; i++ {
		eg.Go(func() error {
			return node(ctx, i)
		})
	}
	if err := eg.Wait(); err != nil {
		fmt.Printf("aborted: %v\n", err)
	}
	duration := time.Since(start)

	total := atomic.LoadInt64(&requestCount)
	if total == 0 {
		return
	}
	fmt.Printf("\n--- Results (%d requests) ---\n", total)
	fmt.Printf("Duration: %v (%.2f req/sec)\n", duration, float64(total)/duration.Seconds())
	fmt.Printf("Latency:  avg=%v\n", time.Duration(atomic.LoadInt64(&totalLatency)/total))
	fmt.Printf("Status:   %d failed, %d desynced\n", atomic.LoadInt64(&failCount), atomic.LoadInt64(&desyncCount))
}

// node plays one agent: it registers, then cycles every GPU through a
// start, a heartbeat and an end per round.
func node(ctx context.Context, id int) error {
	client := netutils.NewClient(5*time.Second, false)
	hostname := fmt.Sprintf("load-%02d", id)

	gpus := make([]reconciler.GPUInfo, gpusPerNode)
	for i := range gpus {
		gpus[i] = reconciler.GPUInfo{
			UUID:     fmt.Sprintf("GPU-load-%02d-%02d", id, i),
			Index:    i,
			Name:     "Load Test GPU",
			MemoryMB: 81920,
		}
	}
	reg := reconciler.RegisterRequest{Hostname: hostname, AgentVersion: "loadtest", GPUs: gpus}
	if err := post(ctx, client, "/v1/agent/register", reg, &reconciler.RegisterResult{}); err != nil {
		// Without a node nothing else will land.
		return fmt.Errorf("%s: register: %w", hostname, err)
	}

	for r := 0; r < rounds; r++ {
		now := time.Now().UTC()
		user := fmt.Sprintf("load-user-%d", r%5)
		hb := reconciler.HeartbeatRequest{Hostname: hostname}

		for _, g := range gpus {
			var res reconciler.Result
			req := reconciler.StartRequest{Hostname: hostname, GPUUUID: g.UUID, User: user, StartedAt: now, PIDs: []int{1000 + r}}
			if err := post(ctx, client, "/v1/agent/session/start", req, &res); err != nil {
				report(hostname, err)
				continue
			}
			countDesync(res)
			hb.Items = append(hb.Items, reconciler.HeartbeatItem{GPUUUID: g.UUID, User: user, PIDs: req.PIDs, TS: now})
		}

		if err := post(ctx, client, "/v1/agent/session/heartbeat", hb, &reconciler.HeartbeatResult{}); err != nil {
			report(hostname, err)
		}

		for _, item := range hb.Items {
			var res reconciler.Result
			req := reconciler.EndRequest{Hostname: hostname, GPUUUID: item.GPUUUID, User: user, EndedAt: time.Now().UTC()}
			if err := post(ctx, client, "/v1/agent/session/end", req, &res); err != nil {
				report(hostname, err)
				continue
			}
			countDesync(res)
		}
	}
	return nil
}

func post(ctx context.Context, client *http.Client, path string, in, out any) error {
	header := http.Header{}
	header.Set(auth.AgentTokenHeader, sharedToken)

	reqStart := time.Now()
	err := netutils.DoJSON(ctx, client, http.MethodPost, controllerURL+path, header, in, out)
	atomic.AddInt64(&totalLatency, int64(time.Since(reqStart)))
	atomic.AddInt64(&requestCount, 1)
	if err != nil {
		atomic.AddInt64(&failCount, 1)
	}
	return err
}

func countDesync(res reconciler.Result) {
	if !res.OK {
		atomic.AddInt64(&desyncCount, 1)
	}
}

func report(hostname string, err error) {
	var se *netutils.StatusError
	if errors.As(err, &se) {
		fmt.Printf("[%s] Status: %d %s\n", hostname, se.Code, se.Message)
		return
	}
	// reduce spam
	if atomic.LoadInt64(&failCount)%10 == 1 {
		fmt.Printf("[%s] Error: %v\n", hostname, err)
	}
}
