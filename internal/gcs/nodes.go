package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	NodeKindHead   = "head"
	NodeKindWorker = "worker"

	NodeStatusAlive = "alive"
	NodeStatusDead  = "dead"
)

// NodeInfo is one row of the cluster node table.
type NodeInfo struct {
	ID            string             `json:"id"`
	Kind          string             `json:"kind"`
	Group         string             `json:"group,omitempty"`
	IP            string             `json:"ip,omitempty"`
	Status        string             `json:"status"`
	ReplicaIndex  int                `json:"replica_index,omitempty"`
	Resources     map[string]float64 `json:"resources,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	RegisteredAt  time.Time          `json:"registered_at"`
}

// NodeTable tracks cluster membership on top of the control store.
type NodeTable struct {
	store Store
	now   func() time.Time
}

func NewNodeTable(store Store) *NodeTable {
	return &NodeTable{store: store, now: time.Now}
}

// Register adds a node to the table, assigning an id when none is given,
// and returns the id. The node starts out alive with a fresh heartbeat.
func (t *NodeTable) Register(ctx context.Context, info *NodeInfo) (string, error) {
	if info.Kind != NodeKindHead && info.Kind != NodeKindWorker {
		return "", fmt.Errorf("unknown node kind: %q", info.Kind)
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	now := t.now().UTC()
	info.Status = NodeStatusAlive
	info.LastHeartbeat = now
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = now
	}
	return info.ID, t.put(ctx, info)
}

// SyncObserved reconciles one externally observed node (a pod seen through
// the cluster provider) with the table. The node is marked alive with a
// fresh heartbeat; self-reported fields such as resources and the original
// registration time survive the sync. Node ids are pod names, which is
// also the hostname workers register themselves under.
func (t *NodeTable) SyncObserved(ctx context.Context, observed *NodeInfo) error {
	if observed.ID == "" {
		return fmt.Errorf("observed node has no id")
	}

	now := t.now().UTC()
	info, err := t.Get(ctx, observed.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		info = &NodeInfo{ID: observed.ID, RegisteredAt: now}
	}
	info.Kind = observed.Kind
	info.Group = observed.Group
	if observed.IP != "" {
		info.IP = observed.IP
	}
	info.Status = NodeStatusAlive
	info.LastHeartbeat = now
	return t.put(ctx, info)
}

// Heartbeat refreshes the liveness of a node. A heartbeat from a node
// previously marked dead revives it.
func (t *NodeTable) Heartbeat(ctx context.Context, id string) error {
	info, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	info.LastHeartbeat = t.now().UTC()
	info.Status = NodeStatusAlive
	return t.put(ctx, info)
}

func (t *NodeTable) Get(ctx context.Context, id string) (*NodeInfo, error) {
	data, err := t.store.Get(ctx, NsNodes, id)
	if err != nil {
		return nil, err
	}
	var info NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	return &info, nil
}

// List returns all known nodes sorted by id.
func (t *NodeTable) List(ctx context.Context) ([]*NodeInfo, error) {
	rows, err := t.store.All(ctx, NsNodes)
	if err != nil {
		return nil, err
	}

	nodes := make([]*NodeInfo, 0, len(rows))
	for id, data := range rows {
		var info NodeInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		nodes = append(nodes, &info)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (t *NodeTable) MarkDead(ctx context.Context, id string) error {
	info, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	info.Status = NodeStatusDead
	return t.put(ctx, info)
}

// PruneStale marks alive nodes without a heartbeat within ttl as dead and
// returns their ids.
func (t *NodeTable) PruneStale(ctx context.Context, ttl time.Duration) ([]string, error) {
	nodes, err := t.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := t.now().UTC().Add(-ttl)
	var pruned []string
	for _, n := range nodes {
		if n.Status != NodeStatusAlive || !n.LastHeartbeat.Before(cutoff) {
			continue
		}
		n.Status = NodeStatusDead
		if err := t.put(ctx, n); err != nil {
			return pruned, err
		}
		pruned = append(pruned, n.ID)
	}
	return pruned, nil
}

// PurgeDead removes dead rows from the table and returns how many.
func (t *NodeTable) PurgeDead(ctx context.Context) (int, error) {
	nodes, err := t.List(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, n := range nodes {
		if n.Status != NodeStatusDead {
			continue
		}
		if err := t.store.Delete(ctx, NsNodes, n.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (t *NodeTable) put(ctx context.Context, info *NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", info.ID, err)
	}
	return t.store.Put(ctx, NsNodes, info.ID, data)
}
