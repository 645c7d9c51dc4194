// Package clusterview projects the session store into a point-in-time
// occupancy summary for dashboards and chat bots.
package clusterview

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

const (
	StateInUse = "in_use"
	StateIdle  = "idle"
)

type GPU struct {
	UUID     string     `json:"uuid"`
	Index    int        `json:"index"`
	Name     string     `json:"name"`
	MemoryMB int        `json:"memory_mb"`
	State    string     `json:"state"`
	Users    []string   `json:"users"`
	Since    *time.Time `json:"since,omitempty"`
	Summary  string     `json:"summary"`
}

type Node struct {
	Hostname string `json:"hostname"`
	GPUs     []GPU  `json:"gpus"`
}

type View struct {
	UpdatedAt  time.Time `json:"updated_at"`
	TotalGPUs  int       `json:"total_gpus"`
	ActiveGPUs int       `json:"active_gpus"`
	IdleGPUs   int       `json:"idle_gpus"`
	Nodes      []Node    `json:"nodes"`
}

// Projector reads the store; it never writes. A GPU may show as idle before
// the sweeper closes its session because Freshness is shorter than the
// sweeper's staleness threshold.
type Projector struct {
	store     *store.Store
	clock     quartz.Clock
	freshness time.Duration
}

func NewProjector(st *store.Store, clock quartz.Clock, freshness time.Duration) *Projector {
	return &Projector{store: st, clock: clock, freshness: freshness}
}

func (p *Projector) Project(ctx context.Context) (View, error) {
	now := p.clock.Now().UTC()
	cutoff := now.Add(-p.freshness)
	q := p.store.Read()

	nodes, err := q.ListNodes(ctx, true)
	if err != nil {
		return View{}, fmt.Errorf("listing nodes: %w", err)
	}
	gpus, err := q.ListGPUs(ctx)
	if err != nil {
		return View{}, fmt.Errorf("listing gpus: %w", err)
	}
	running, err := q.RunningSessions(ctx)
	if err != nil {
		return View{}, fmt.Errorf("listing running sessions: %w", err)
	}
	users, err := q.ListUsers(ctx)
	if err != nil {
		return View{}, fmt.Errorf("listing users: %w", err)
	}

	labels := make(map[string]string, len(users))
	for _, u := range users {
		labels[u.ID] = u.Label()
	}

	fresh := make(map[string][]models.Session)
	for _, s := range running {
		if s.HeartbeatAt == nil || s.HeartbeatAt.Before(cutoff) {
			continue
		}
		fresh[s.GPUID] = append(fresh[s.GPUID], s)
	}

	byNode := make(map[string][]models.GPU)
	for _, g := range gpus {
		byNode[g.NodeID] = append(byNode[g.NodeID], g)
	}

	view := View{UpdatedAt: now, Nodes: []Node{}}
	for _, n := range nodes {
		nodeGPUs := byNode[n.ID]
		sort.Slice(nodeGPUs, func(i, j int) bool {
			if nodeGPUs[i].Index != nodeGPUs[j].Index {
				return nodeGPUs[i].Index < nodeGPUs[j].Index
			}
			return nodeGPUs[i].UUID < nodeGPUs[j].UUID
		})

		vn := Node{Hostname: n.Hostname, GPUs: make([]GPU, 0, len(nodeGPUs))}
		for _, g := range nodeGPUs {
			vg := project(g, fresh[g.ID], labels, now)
			if vg.State == StateInUse {
				view.ActiveGPUs++
			}
			view.TotalGPUs++
			vn.GPUs = append(vn.GPUs, vg)
		}
		view.Nodes = append(view.Nodes, vn)
	}
	view.IdleGPUs = view.TotalGPUs - view.ActiveGPUs
	return view, nil
}

func project(g models.GPU, sessions []models.Session, labels map[string]string, now time.Time) GPU {
	vg := GPU{
		UUID:     g.UUID,
		Index:    g.Index,
		Name:     g.Label(),
		MemoryMB: g.MemoryMB,
		State:    StateIdle,
		Users:    []string{},
		Summary:  "Idle",
	}
	if len(sessions) == 0 {
		return vg
	}

	// Keyed by user id: two users may share a display name.
	seen := make(map[string]bool)
	var since *time.Time
	for _, s := range sessions {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			label, ok := labels[s.UserID]
			if !ok {
				label = "Unknown"
			}
			vg.Users = append(vg.Users, label)
		}
		if s.StartedAt != nil && (since == nil || s.StartedAt.Before(*since)) {
			t := *s.StartedAt
			since = &t
		}
	}
	sort.Strings(vg.Users)

	vg.State = StateInUse
	vg.Since = since
	vg.Summary = strings.Join(vg.Users, ", ")
	if since != nil {
		vg.Summary += " · " + FormatElapsed(now.Sub(*since))
	}
	return vg
}

// FormatElapsed renders a duration with its two most significant units:
// 45s, 12m, 3h 4m, 2d 5h.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	default:
		return fmt.Sprintf("%dd %dh", secs/86400, (secs%86400)/3600)
	}
}
