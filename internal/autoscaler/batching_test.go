package autoscaler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashmap-kz/raygo/internal/autoscaler/kuberay"
)

type fakeBackend struct {
	nodeData  map[string]kuberay.NodeData
	safe      bool
	submitted []*kuberay.ScaleRequest
}

func (f *fakeBackend) GetNodeData(_ context.Context) (map[string]kuberay.NodeData, error) {
	return f.nodeData, nil
}

func (f *fakeBackend) SafeToScale(_ context.Context) bool { return f.safe }

func (f *fakeBackend) SubmitScaleRequest(_ context.Context, req *kuberay.ScaleRequest) error {
	f.submitted = append(f.submitted, req)
	return nil
}

func runningWorker(group string) kuberay.NodeData {
	return kuberay.NodeData{
		Kind:   kuberay.KindWorker,
		Group:  group,
		Status: kuberay.StatusUpToDate,
		IP:     "10.0.0.3",
	}
}

func headNode() kuberay.NodeData {
	return kuberay.NodeData{
		Kind:   kuberay.KindHead,
		Group:  "headgroup",
		Status: kuberay.StatusUpToDate,
		IP:     "10.0.0.2",
	}
}

func TestBatchingProviderSeedsCountsFromWorkers(t *testing.T) {
	backend := &fakeBackend{
		safe: true,
		nodeData: map[string]kuberay.NodeData{
			"head-pod": headNode(),
			"w1":       runningWorker("workers"),
			"w2":       runningWorker("workers"),
			"g1":       runningWorker("gpu-workers"),
		},
	}
	b := NewBatchingProvider(backend)

	_, err := b.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, b.WorkerCount("workers"))
	assert.Equal(t, 1, b.WorkerCount("gpu-workers"))
	assert.Equal(t, 0, b.WorkerCount("headgroup"))
}

func TestBatchingProviderBatchesIntoOneRequest(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{
		safe: true,
		nodeData: map[string]kuberay.NodeData{
			"w1": runningWorker("workers"),
			"w2": runningWorker("workers"),
		},
	}
	b := NewBatchingProvider(backend)

	_, err := b.Update(ctx)
	require.NoError(t, err)

	b.CreateNodes("workers", 3)
	require.NoError(t, b.TerminateNode("w2"))

	require.NoError(t, b.Flush(ctx))
	require.Len(t, backend.submitted, 1)
	req := backend.submitted[0]
	// 2 current + 3 created - 1 terminated
	assert.Equal(t, 4, req.DesiredNumWorkers["workers"])
	assert.Equal(t, []string{"w2"}, req.WorkersToDelete)

	// nothing changed since: flushing again submits nothing
	require.NoError(t, b.Flush(ctx))
	assert.Len(t, backend.submitted, 1)
}

func TestBatchingProviderFlushWithoutChanges(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{safe: true, nodeData: map[string]kuberay.NodeData{}}
	b := NewBatchingProvider(backend)

	_, err := b.Update(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Flush(ctx))
	assert.Empty(t, backend.submitted)
}

func TestBatchingProviderTerminateValidation(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{
		safe: true,
		nodeData: map[string]kuberay.NodeData{
			"head-pod": headNode(),
			"w1":       runningWorker("workers"),
		},
	}
	b := NewBatchingProvider(backend)

	// before any update cycle
	require.Error(t, b.TerminateNode("w1"))

	_, err := b.Update(ctx)
	require.NoError(t, err)

	require.Error(t, b.TerminateNode("no-such-pod"))

	err = b.TerminateNode("head-pod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-worker")

	require.NoError(t, b.TerminateNode("w1"))
	assert.Equal(t, 0, b.WorkerCount("workers"))
}
