// Package autoscaler sizes the cluster's worker group to the queued task
// demand. Each update cycle reads cluster state through a provider,
// batches all create and terminate decisions into one scale request, and
// submits it as a single goal-state change.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashmap-kz/raygo/internal/autoscaler/kuberay"
	"github.com/hashmap-kz/raygo/internal/metrics"
)

// ScaleBackend abstracts the cluster provider. The production backend is
// kuberay.Provider; tests use a scripted one.
type ScaleBackend interface {
	GetNodeData(ctx context.Context) (map[string]kuberay.NodeData, error)
	SafeToScale(ctx context.Context) bool
	SubmitScaleRequest(ctx context.Context, req *kuberay.ScaleRequest) error
}

// BatchingProvider accumulates scaling decisions between Update and Flush.
// Create and terminate calls only mutate the pending request; nothing
// reaches the cluster until Flush, and an update without changes submits
// nothing at all.
type BatchingProvider struct {
	l       *slog.Logger
	backend ScaleBackend

	mu           sync.Mutex
	nodeData     map[string]kuberay.NodeData
	req          *kuberay.ScaleRequest
	changeNeeded bool
}

func NewBatchingProvider(backend ScaleBackend) *BatchingProvider {
	return &BatchingProvider{
		l:       slog.With(slog.String("component", "batching-provider")),
		backend: backend,
	}
}

func (b *BatchingProvider) log() *slog.Logger {
	if b.l != nil {
		return b.l
	}
	return slog.Default()
}

// Update starts a cycle: refreshes node data and seeds the pending scale
// request with the current per-group worker counts.
func (b *BatchingProvider) Update(ctx context.Context) (map[string]kuberay.NodeData, error) {
	data, err := b.backend.GetNodeData(ctx)
	if err != nil {
		return nil, err
	}

	desired := make(map[string]int)
	for _, node := range data {
		if node.Kind == kuberay.KindWorker {
			desired[node.Group]++
		}
	}

	b.mu.Lock()
	b.nodeData = data
	b.req = &kuberay.ScaleRequest{DesiredNumWorkers: desired}
	b.changeNeeded = false
	b.mu.Unlock()
	return data, nil
}

func (b *BatchingProvider) SafeToScale(ctx context.Context) bool {
	return b.backend.SafeToScale(ctx)
}

// WorkerCount reports the current size of one group per the last Update.
func (b *BatchingProvider) WorkerCount(group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.req == nil {
		return 0
	}
	return b.req.DesiredNumWorkers[group]
}

// CreateNodes asks for count more workers in the group.
func (b *BatchingProvider) CreateNodes(group string, count int) {
	if count <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.req == nil {
		return
	}
	b.req.DesiredNumWorkers[group] += count
	b.changeNeeded = true
	metrics.M.AddWorkersRequested(float64(count))
}

// TerminateNode schedules one worker for removal and decrements its
// group's target.
func (b *BatchingProvider) TerminateNode(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.req == nil {
		return fmt.Errorf("terminate before update cycle")
	}

	node, ok := b.nodeData[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	if node.Kind != kuberay.KindWorker {
		return fmt.Errorf("refusing to terminate non-worker node %q", id)
	}

	if b.req.DesiredNumWorkers[node.Group] > 0 {
		b.req.DesiredNumWorkers[node.Group]--
	}
	b.req.WorkersToDelete = append(b.req.WorkersToDelete, id)
	b.changeNeeded = true
	metrics.M.AddWorkersTerminated(1)
	return nil
}

// Flush submits the accumulated request, if anything changed.
func (b *BatchingProvider) Flush(ctx context.Context) error {
	b.mu.Lock()
	if !b.changeNeeded || b.req == nil {
		b.mu.Unlock()
		return nil
	}
	req := b.req
	b.changeNeeded = false
	b.mu.Unlock()

	b.log().Info("submitting scale request",
		slog.Any("desired", req.DesiredNumWorkers),
		slog.Int("terminations", len(req.WorkersToDelete)),
	)
	return b.backend.SubmitScaleRequest(ctx, req)
}
