package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/angariumd/gpuledger/internal/reconciler"
)

// FakeInventory reports a fixed set of GPUs.
type FakeInventory struct {
	Devices []reconciler.GPUInfo
}

func (f *FakeInventory) GPUs(context.Context) ([]reconciler.GPUInfo, error) {
	return f.Devices, nil
}

// NewFakeInventory returns n A100s with UUIDs derived from hostname.
func NewFakeInventory(hostname string, n int) *FakeInventory {
	inv := &FakeInventory{}
	for i := 0; i < n; i++ {
		inv.Devices = append(inv.Devices, reconciler.GPUInfo{
			UUID:     fmt.Sprintf("GPU-fake-%s-%02d", hostname, i),
			Index:    i,
			Name:     "NVIDIA A100-SXM4-40GB (Fake)",
			MemoryMB: 40960,
		})
	}
	return inv
}

// FakeSource serves observations set by the caller. It is safe for
// concurrent use.
type FakeSource struct {
	mu  sync.Mutex
	obs map[reconciler.Key][]int
}

func NewFakeSource() *FakeSource {
	return &FakeSource{obs: make(map[reconciler.Key][]int)}
}

func (f *FakeSource) Set(gpuUUID, user string, pids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs[reconciler.Key{GPUUUID: gpuUUID, User: user}] = pids
}

func (f *FakeSource) Clear(gpuUUID, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.obs, reconciler.Key{GPUUUID: gpuUUID, User: user})
}

// Churn flips one random (gpu, user) pair on or off, simulating users coming
// and going.
func (f *FakeSource) Churn(rng *rand.Rand, gpus []reconciler.GPUInfo, users []string) {
	if len(gpus) == 0 || len(users) == 0 {
		return
	}
	g := gpus[rng.Intn(len(gpus))]
	u := users[rng.Intn(len(users))]

	f.mu.Lock()
	defer f.mu.Unlock()
	key := reconciler.Key{GPUUUID: g.UUID, User: u}
	if _, ok := f.obs[key]; ok {
		delete(f.obs, key)
		return
	}
	f.obs[key] = []int{1000 + rng.Intn(60000)}
}

func (f *FakeSource) Snapshot(context.Context) (reconciler.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := reconciler.Snapshot{Observations: make(map[reconciler.Key][]int, len(f.obs))}
	for k, pids := range f.obs {
		snap.Observations[k] = append([]int(nil), pids...)
	}
	return snap, nil
}
