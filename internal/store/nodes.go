package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angariumd/gpuledger/internal/db"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/google/uuid"
)

func scanNode(row scanner) (models.Node, error) {
	var (
		n        models.Node
		active   int
		lastSeen int64
	)
	if err := row.Scan(&n.ID, &n.Hostname, &n.AgentVersion, &active, &lastSeen); err != nil {
		return models.Node{}, err
	}
	n.Active = active == 1
	n.LastSeenAt = db.FromMillis(lastSeen)
	return n, nil
}

func (q *Queries) NodeByHostname(ctx context.Context, hostname string) (models.Node, error) {
	row := q.q.QueryRowContext(ctx, "SELECT id, hostname, agent_version, active, last_seen_at FROM nodes WHERE hostname = ?", hostname)
	n, err := scanNode(row)
	if err != nil {
		return models.Node{}, notFound(err)
	}
	return n, nil
}

// EnsureNode returns the node for hostname, creating it on first sight. An
// empty agentVersion leaves the recorded version untouched.
func (q *Queries) EnsureNode(ctx context.Context, hostname, agentVersion string, now time.Time) (models.Node, bool, error) {
	n, err := q.NodeByHostname(ctx, hostname)
	switch {
	case err == nil:
		if agentVersion != "" {
			n.AgentVersion = agentVersion
		}
		n.Active = true
		n.LastSeenAt = now
		_, err = q.q.ExecContext(ctx, `
			UPDATE nodes SET agent_version = ?, active = 1, last_seen_at = ? WHERE id = ?
		`, n.AgentVersion, db.Millis(now), n.ID)
		if err != nil {
			return models.Node{}, false, fmt.Errorf("updating node %s: %w", hostname, err)
		}
		return n, false, nil
	case !errors.Is(err, ErrNotFound):
		return models.Node{}, false, err
	}

	n = models.Node{
		ID:           uuid.New().String(),
		Hostname:     hostname,
		AgentVersion: agentVersion,
		Active:       true,
		LastSeenAt:   now,
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO nodes (id, hostname, agent_version, active, last_seen_at)
		VALUES (?, ?, ?, 1, ?)
	`, n.ID, n.Hostname, n.AgentVersion, db.Millis(now))
	if err != nil {
		return models.Node{}, false, fmt.Errorf("inserting node %s: %w", hostname, err)
	}
	return n, true, nil
}

func (q *Queries) ListNodes(ctx context.Context, activeOnly bool) ([]models.Node, error) {
	query := "SELECT id, hostname, agent_version, active, last_seen_at FROM nodes"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY hostname ASC"

	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// MarkStaleNodes deactivates nodes not heard from since cutoff and returns
// their hostnames. A node is reactivated by its next report.
func (q *Queries) MarkStaleNodes(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT hostname FROM nodes WHERE active = 1 AND last_seen_at < ?", db.Millis(cutoff))
	if err != nil {
		return nil, err
	}
	var hostnames []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, err
		}
		hostnames = append(hostnames, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hostnames) == 0 {
		return nil, nil
	}

	_, err = q.q.ExecContext(ctx, "UPDATE nodes SET active = 0 WHERE active = 1 AND last_seen_at < ?", db.Millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("marking stale nodes: %w", err)
	}
	return hostnames, nil
}

const gpuColumns = `id, node_id, uuid, idx, name, memory_mb, placeholder, last_seen_at`

func scanGPU(row scanner) (models.GPU, error) {
	var (
		g           models.GPU
		placeholder int
		lastSeen    int64
	)
	if err := row.Scan(&g.ID, &g.NodeID, &g.UUID, &g.Index, &g.Name, &g.MemoryMB, &placeholder, &lastSeen); err != nil {
		return models.GPU{}, err
	}
	g.Placeholder = placeholder == 1
	g.LastSeenAt = db.FromMillis(lastSeen)
	return g, nil
}

func (q *Queries) GPUByUUID(ctx context.Context, gpuUUID string) (models.GPU, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+gpuColumns+" FROM gpus WHERE uuid = ?", gpuUUID)
	g, err := scanGPU(row)
	if err != nil {
		return models.GPU{}, notFound(err)
	}
	return g, nil
}

// UpsertGPU applies a registration. The UUID is the identity: a known GPU keeps
// its id and sessions while index, owning node, and (when given) name and
// memory are refreshed.
func (q *Queries) UpsertGPU(ctx context.Context, nodeID string, info models.GPU, now time.Time) (models.GPU, bool, error) {
	g, err := q.GPUByUUID(ctx, info.UUID)
	switch {
	case err == nil:
		g.NodeID = nodeID
		g.Index = info.Index
		if info.Name != "" {
			g.Name = info.Name
		}
		if info.MemoryMB > 0 {
			g.MemoryMB = info.MemoryMB
		}
		g.Placeholder = false
		g.LastSeenAt = now
		_, err = q.q.ExecContext(ctx, `
			UPDATE gpus SET node_id = ?, idx = ?, name = ?, memory_mb = ?, placeholder = 0, last_seen_at = ?
			WHERE id = ?
		`, g.NodeID, g.Index, g.Name, g.MemoryMB, db.Millis(now), g.ID)
		if err != nil {
			return models.GPU{}, false, fmt.Errorf("updating gpu %s: %w", info.UUID, err)
		}
		return g, false, nil
	case !errors.Is(err, ErrNotFound):
		return models.GPU{}, false, err
	}

	g = models.GPU{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		UUID:       info.UUID,
		Index:      info.Index,
		Name:       info.Name,
		MemoryMB:   info.MemoryMB,
		LastSeenAt: now,
	}
	if err := q.insertGPU(ctx, g); err != nil {
		return models.GPU{}, false, err
	}
	return g, true, nil
}

// EnsurePlaceholderGPU resolves a GPU referenced by a session start before its
// node registered it. The placeholder is replaced in place by a later register.
func (q *Queries) EnsurePlaceholderGPU(ctx context.Context, nodeID, gpuUUID string, now time.Time) (models.GPU, bool, error) {
	g, err := q.GPUByUUID(ctx, gpuUUID)
	if err == nil {
		return g, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.GPU{}, false, err
	}

	g = models.GPU{
		ID:          uuid.New().String(),
		NodeID:      nodeID,
		UUID:        gpuUUID,
		Placeholder: true,
		LastSeenAt:  now,
	}
	if err := q.insertGPU(ctx, g); err != nil {
		return models.GPU{}, false, err
	}
	return g, true, nil
}

func (q *Queries) insertGPU(ctx context.Context, g models.GPU) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO gpus (id, node_id, uuid, idx, name, memory_mb, placeholder, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.NodeID, g.UUID, g.Index, g.Name, g.MemoryMB, boolInt(g.Placeholder), db.Millis(g.LastSeenAt))
	if err != nil {
		return fmt.Errorf("inserting gpu %s: %w", g.UUID, err)
	}
	return nil
}

// ListGPUs returns every GPU ordered by node then index.
func (q *Queries) ListGPUs(ctx context.Context) ([]models.GPU, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+gpuColumns+" FROM gpus ORDER BY node_id ASC, idx ASC, uuid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gpus []models.GPU
	for rows.Next() {
		g, err := scanGPU(rows)
		if err != nil {
			return nil, err
		}
		gpus = append(gpus, g)
	}
	return gpus, rows.Err()
}
