package autoscaler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hashmap-kz/raygo/internal/autoscaler/kuberay"
	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/metrics"
	"github.com/hashmap-kz/raygo/internal/raylet"
)

type MonitorOpts struct {
	SyncInterval   time.Duration
	WorkerGroup    string
	TasksPerWorker int
	MinWorkers     int
	MaxWorkers     int
	DeadNodeTTL    time.Duration
}

// Monitor runs the autoscaling control loop: observe pods, sync the node
// table, read queued demand from the load reports, and move the worker
// group toward ceil(pending / tasksPerWorker) within the configured
// bounds. Run is shaped for a wrk.WorkerController so the control API can
// pause and resume it.
type Monitor struct {
	l        *slog.Logger
	batching *BatchingProvider
	nodes    *gcs.NodeTable
	store    gcs.Store
	opts     *MonitorOpts
}

func NewMonitor(batching *BatchingProvider, nodes *gcs.NodeTable, store gcs.Store, opts *MonitorOpts) *Monitor {
	return &Monitor{
		l:        slog.With(slog.String("component", "autoscaler-monitor")),
		batching: batching,
		nodes:    nodes,
		store:    store,
		opts:     opts,
	}
}

func (m *Monitor) log() *slog.Logger {
	if m.l != nil {
		return m.l
	}
	return slog.Default()
}

// Run loops until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log().Info("autoscaler monitor started",
		slog.String("interval", m.opts.SyncInterval.String()),
		slog.String("worker-group", m.opts.WorkerGroup),
		slog.Int("min-workers", m.opts.MinWorkers),
		slog.Int("max-workers", m.opts.MaxWorkers),
	)

	ticker := time.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log().Info("autoscaler monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.UpdateOnce(ctx); err != nil {
				m.log().Error("autoscaler update failed", slog.Any("err", err))
			}
		}
	}
}

// UpdateOnce performs one full update cycle.
func (m *Monitor) UpdateOnce(ctx context.Context) error {
	nodeData, err := m.batching.Update(ctx)
	if err != nil {
		return err
	}

	if err := m.syncNodeTable(ctx, nodeData); err != nil {
		m.log().Error("node table sync failed", slog.Any("err", err))
	}

	if !m.batching.SafeToScale(ctx) {
		m.log().Info("scaling deferred, operator still processing deletions")
		return nil
	}

	pending, err := m.pendingDemand(ctx)
	if err != nil {
		return err
	}

	current := m.batching.WorkerCount(m.opts.WorkerGroup)
	desired := m.desiredWorkers(pending)

	switch {
	case desired > current:
		m.log().Info("scaling up",
			slog.Int64("pending-tasks", pending),
			slog.Int("current", current),
			slog.Int("desired", desired),
		)
		m.batching.CreateNodes(m.opts.WorkerGroup, desired-current)
	case desired < current:
		victims := m.pickVictims(ctx, nodeData, current-desired)
		m.log().Info("scaling down",
			slog.Int64("pending-tasks", pending),
			slog.Int("current", current),
			slog.Int("desired", desired),
			slog.Any("victims", victims),
		)
		for _, id := range victims {
			if err := m.batching.TerminateNode(id); err != nil {
				m.log().Error("terminate node", slog.String("node", id), slog.Any("err", err))
			}
		}
	}

	return m.batching.Flush(ctx)
}

// desiredWorkers applies the demand policy: one worker per tasksPerWorker
// pending tasks, rounded up, clamped to [minWorkers, maxWorkers].
func (m *Monitor) desiredWorkers(pending int64) int {
	perWorker := m.opts.TasksPerWorker
	if perWorker <= 0 {
		perWorker = 1
	}
	desired := int((pending + int64(perWorker) - 1) / int64(perWorker))
	if desired < m.opts.MinWorkers {
		desired = m.opts.MinWorkers
	}
	if desired > m.opts.MaxWorkers {
		desired = m.opts.MaxWorkers
	}
	return desired
}

// pendingDemand sums ready and infeasible tasks over all stored load
// reports.
func (m *Monitor) pendingDemand(ctx context.Context) (int64, error) {
	rows, err := m.store.All(ctx, gcs.NsLoad)
	if err != nil {
		return 0, err
	}

	var pending int64
	for nodeID, data := range rows {
		report, err := raylet.DecodeLoadReport(data)
		if err != nil {
			m.log().Warn("skipping malformed load report",
				slog.String("node", nodeID),
				slog.Any("err", err),
			)
			continue
		}
		pending += report.TotalPending()
	}
	return pending, nil
}

// syncNodeTable mirrors running worker pods into the node table and marks
// table rows dead once their pod disappears.
func (m *Monitor) syncNodeTable(ctx context.Context, nodeData map[string]kuberay.NodeData) error {
	for name, node := range nodeData {
		if node.Kind != kuberay.KindWorker || node.Status != kuberay.StatusUpToDate {
			continue
		}
		ip := node.IP
		if ip == "IP not yet assigned" {
			ip = ""
		}
		err := m.nodes.SyncObserved(ctx, &gcs.NodeInfo{
			ID:    name,
			Kind:  gcs.NodeKindWorker,
			Group: node.Group,
			IP:    ip,
		})
		if err != nil {
			return err
		}
	}

	rows, err := m.nodes.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Kind != gcs.NodeKindWorker || row.Status != gcs.NodeStatusAlive {
			continue
		}
		if _, exists := nodeData[row.ID]; exists {
			continue
		}
		m.log().Info("worker pod gone, marking node dead", slog.String("node", row.ID))
		if err := m.nodes.MarkDead(ctx, row.ID); err != nil {
			return err
		}
	}

	if m.opts.DeadNodeTTL > 0 {
		pruned, err := m.nodes.PruneStale(ctx, m.opts.DeadNodeTTL)
		if err != nil {
			return err
		}
		if len(pruned) > 0 {
			m.log().Info("pruned stale nodes", slog.Any("nodes", pruned))
		}
	}

	rows, err = m.nodes.List(ctx)
	if err != nil {
		return err
	}
	alive, dead := 0, 0
	for _, row := range rows {
		switch row.Status {
		case gcs.NodeStatusAlive:
			alive++
		case gcs.NodeStatusDead:
			dead++
		}
	}
	metrics.M.SetNodesAlive(float64(alive))
	metrics.M.SetNodesDead(float64(dead))
	return nil
}

// pickVictims chooses workers to terminate: not-yet-ready pods first,
// then the stalest heartbeats.
func (m *Monitor) pickVictims(ctx context.Context, nodeData map[string]kuberay.NodeData, count int) []string {
	type candidate struct {
		id        string
		ready     bool
		heartbeat time.Time
	}

	var candidates []candidate
	for name, node := range nodeData {
		if node.Kind != kuberay.KindWorker || node.Group != m.opts.WorkerGroup {
			continue
		}
		c := candidate{id: name, ready: node.Status == kuberay.StatusUpToDate}
		if info, err := m.nodes.Get(ctx, name); err == nil {
			c.heartbeat = info.LastHeartbeat
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ready != candidates[j].ready {
			return !candidates[i].ready
		}
		if !candidates[i].heartbeat.Equal(candidates[j].heartbeat) {
			return candidates[i].heartbeat.Before(candidates[j].heartbeat)
		}
		return candidates[i].id < candidates[j].id
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]string, 0, count)
	for _, c := range candidates[:count] {
		out = append(out, c.id)
	}
	return out
}
