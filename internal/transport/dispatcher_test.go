package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/raylet"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
}

func (s *fakeSubmitter) SubmitTask(_ context.Context, t *raylet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, t.ID)
	return nil
}

func newDispatcherFixture(t *testing.T) (*Dispatcher, *raylet.TaskQueues, *gcs.NodeTable, *fakeSubmitter, gcs.Store) {
	t.Helper()
	store := gcs.NewMemStore()
	queues := raylet.NewTaskQueues()
	nodes := gcs.NewNodeTable(store)
	sub := &fakeSubmitter{}
	d := NewDispatcher(queues, sub, nodes, NewStoreFinisher(store), &DispatcherOpts{
		Interval:  10 * time.Millisecond,
		BatchSize: 16,
	})
	return d, queues, nodes, sub, store
}

func registerWorker(t *testing.T, nodes *gcs.NodeTable) string {
	t.Helper()
	id, err := nodes.Register(context.Background(), &gcs.NodeInfo{
		Kind:  gcs.NodeKindWorker,
		Group: "workers",
		IP:    "10.0.0.5",
	})
	require.NoError(t, err)
	return id
}

func TestDispatchOnceRoutesActorTasksThroughSubmitter(t *testing.T) {
	d, queues, _, sub, _ := newDispatcherFixture(t)

	queues.Queue(&raylet.Task{ID: "t1", ActorID: "actor-a"})
	queues.Queue(&raylet.Task{ID: "t2", ActorID: "actor-a"})

	n := d.DispatchOnce(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"t1", "t2"}, sub.submitted)

	toSchedule, toDispatch, _ := queues.Depths()
	assert.Zero(t, toSchedule)
	assert.Zero(t, toDispatch)
}

func TestDispatchOnceAssignsPlainTasksToAliveWorkers(t *testing.T) {
	ctx := context.Background()
	d, queues, nodes, _, store := newDispatcherFixture(t)

	w1 := registerWorker(t, nodes)
	w2 := registerWorker(t, nodes)

	// a dead worker never receives work
	dead := registerWorker(t, nodes)
	require.NoError(t, nodes.MarkDead(ctx, dead))

	for i := 0; i < 4; i++ {
		queues.Queue(&raylet.Task{Resources: map[string]float64{"CPU": 1}})
	}

	n := d.DispatchOnce(ctx)
	assert.Equal(t, 4, n)

	perNode := map[string]int{}
	keys, err := store.Keys(ctx, gcs.NsTasks)
	require.NoError(t, err)
	require.Len(t, keys, 4)
	for _, key := range keys {
		data, err := store.Get(ctx, gcs.NsTasks, key)
		require.NoError(t, err)
		rec, err := DecodeTaskRecord(data)
		require.NoError(t, err)
		assert.Equal(t, TaskStateDispatched, rec.State)
		perNode[rec.NodeID]++
	}
	assert.Equal(t, map[string]int{w1: 2, w2: 2}, perNode)

	load := queues.Load()
	assert.Equal(t, int64(4), load["CPU:1"].BacklogSize)
}

func TestDispatchOnceKeepsPlainTasksWithoutWorkers(t *testing.T) {
	ctx := context.Background()
	d, queues, nodes, _, _ := newDispatcherFixture(t)

	queues.Queue(&raylet.Task{ID: "t1"})
	queues.Queue(&raylet.Task{ID: "t2"})

	n := d.DispatchOnce(ctx)
	assert.Zero(t, n)

	toSchedule, _, _ := queues.Depths()
	assert.Equal(t, 2, toSchedule)

	registerWorker(t, nodes)

	n = d.DispatchOnce(ctx)
	assert.Equal(t, 2, n)

	// original submission order survived the retry round trip
	toSchedule, _, _ = queues.Depths()
	assert.Zero(t, toSchedule)
}

func TestDispatchOnceEmptyQueues(t *testing.T) {
	d, _, _, _, _ := newDispatcherFixture(t)
	assert.Zero(t, d.DispatchOnce(context.Background()))
}
