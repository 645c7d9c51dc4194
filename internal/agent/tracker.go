package agent

import (
	"sort"
	"time"

	"github.com/angariumd/gpuledger/internal/reconciler"
)

// Plan is what one snapshot means for the controller.
type Plan struct {
	Starts     []reconciler.StartRequest
	Heartbeats []reconciler.HeartbeatItem
	Ends       []reconciler.EndRequest
}

type tracked struct {
	pids     []int
	lastSeen time.Time
}

// Tracker diffs successive snapshots. A pair that disappears is only ended
// once it has stayed away for the grace period, and its end is reported at
// the last time it was seen, so a missed poll does not split a session.
type Tracker struct {
	hostname string
	grace    time.Duration
	active   map[reconciler.Key]*tracked
}

func NewTracker(hostname string, grace time.Duration) *Tracker {
	return &Tracker{
		hostname: hostname,
		grace:    grace,
		active:   make(map[reconciler.Key]*tracked),
	}
}

// Observe folds a snapshot into the tracker. Output is ordered by gpu then
// user so reports are deterministic.
func (t *Tracker) Observe(snap reconciler.Snapshot) Plan {
	var plan Plan

	for _, key := range sortKeys(snap.Observations) {
		pids := snap.Observations[key]
		if cur, ok := t.active[key]; ok {
			cur.pids = pids
			cur.lastSeen = snap.TS
			plan.Heartbeats = append(plan.Heartbeats, reconciler.HeartbeatItem{
				GPUUUID: key.GPUUUID, User: key.User, PIDs: pids, TS: snap.TS,
			})
			continue
		}
		t.active[key] = &tracked{pids: pids, lastSeen: snap.TS}
		plan.Starts = append(plan.Starts, reconciler.StartRequest{
			Hostname: t.hostname, GPUUUID: key.GPUUUID, User: key.User, StartedAt: snap.TS, PIDs: pids,
		})
	}

	gone := make(map[reconciler.Key][]int)
	for key, cur := range t.active {
		if _, ok := snap.Observations[key]; ok {
			continue
		}
		if snap.TS.Sub(cur.lastSeen) >= t.grace {
			gone[key] = nil
		}
	}
	for _, key := range sortKeys(gone) {
		plan.Ends = append(plan.Ends, reconciler.EndRequest{
			Hostname: t.hostname, GPUUUID: key.GPUUUID, User: key.User, EndedAt: t.active[key].lastSeen,
		})
		delete(t.active, key)
	}
	return plan
}

// Forget drops a pair so the next snapshot reports it as a fresh start.
func (t *Tracker) Forget(key reconciler.Key) {
	delete(t.active, key)
}

func (t *Tracker) Len() int {
	return len(t.active)
}

func sortKeys(m map[reconciler.Key][]int) []reconciler.Key {
	keys := make([]reconciler.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].GPUUUID != keys[j].GPUUUID {
			return keys[i].GPUUUID < keys[j].GPUUUID
		}
		return keys[i].User < keys[j].User
	})
	return keys
}
