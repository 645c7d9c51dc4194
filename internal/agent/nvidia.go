package agent

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"

	"cdr.dev/slog/v3"

	"github.com/angariumd/gpuledger/internal/reconciler"
)

// Runner executes nvidia-smi with the given arguments.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func execNvidiaSMI(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "nvidia-smi", args...).Output()
}

// NvidiaInventory lists the node's GPUs for registration.
type NvidiaInventory struct {
	Run Runner
}

func (n NvidiaInventory) GPUs(ctx context.Context) ([]reconciler.GPUInfo, error) {
	run := n.Run
	if run == nil {
		run = execNvidiaSMI
	}
	output, err := run(ctx, "--query-gpu=index,gpu_uuid,name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("calling nvidia-smi: %w", err)
	}
	return parseGPUs(output)
}

func parseGPUs(output []byte) ([]reconciler.GPUInfo, error) {
	records, err := readCSV(output)
	if err != nil {
		return nil, fmt.Errorf("parsing nvidia-smi output: %w", err)
	}

	var gpus []reconciler.GPUInfo
	for _, record := range records {
		if len(record) < 4 {
			continue
		}
		idx, err := strconv.Atoi(record[0])
		if err != nil {
			continue
		}
		memTotal, _ := strconv.Atoi(record[3])

		gpus = append(gpus, reconciler.GPUInfo{
			UUID:     record[1],
			Index:    idx,
			Name:     record[2],
			MemoryMB: memTotal,
		})
	}
	return gpus, nil
}

// NvidiaSource observes compute processes through nvidia-smi and attributes
// each one to the OS user that owns it.
type NvidiaSource struct {
	Run Runner
	// Owners defaults to ProcOwners{}.
	Owners OwnerResolver
	Logger slog.Logger
}

type OwnerResolver interface {
	Owner(pid int) (string, error)
}

func (n NvidiaSource) Snapshot(ctx context.Context) (reconciler.Snapshot, error) {
	run := n.Run
	if run == nil {
		run = execNvidiaSMI
	}
	output, err := run(ctx, "--query-compute-apps=pid,gpu_uuid,used_memory", "--format=csv,noheader,nounits")
	if err != nil {
		return reconciler.Snapshot{}, fmt.Errorf("calling nvidia-smi: %w", err)
	}
	records, err := readCSV(output)
	if err != nil {
		return reconciler.Snapshot{}, fmt.Errorf("parsing nvidia-smi output: %w", err)
	}

	var owners OwnerResolver = ProcOwners{}
	if n.Owners != nil {
		owners = n.Owners
	}

	snap := reconciler.Snapshot{Observations: make(map[reconciler.Key][]int)}
	for _, record := range records {
		if len(record) < 2 {
			continue
		}
		pid, err := strconv.Atoi(record[0])
		if err != nil {
			continue
		}
		username, err := owners.Owner(pid)
		if err != nil {
			// The process may have exited since nvidia-smi listed it.
			n.Logger.Debug(ctx, "cannot resolve process owner", slog.F("pid", pid), slog.Error(err))
			continue
		}
		key := reconciler.Key{GPUUUID: record[1], User: username}
		snap.Observations[key] = append(snap.Observations[key], pid)
	}
	return snap, nil
}

func readCSV(output []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(output))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	return r.ReadAll()
}
