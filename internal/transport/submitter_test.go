package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hashmap-kz/raygo/internal/raylet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePushClient records pushes and fails the first failFirst of them.
type fakePushClient struct {
	mu        sync.Mutex
	pushed    []*raylet.Task
	failFirst int
	failed    int
}

func (c *fakePushClient) Push(_ context.Context, t *raylet.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed < c.failFirst {
		c.failed++
		return errors.New("connection refused")
	}
	c.pushed = append(c.pushed, t)
	return nil
}

func (c *fakePushClient) pushedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pushed))
	for _, t := range c.pushed {
		out = append(out, t.ID)
	}
	return out
}

type fakeFinisher struct {
	mu        sync.Mutex
	completed []string
	failures  map[string]string
}

func newFakeFinisher() *fakeFinisher {
	return &fakeFinisher{failures: make(map[string]string)}
}

func (f *fakeFinisher) CompleteTask(_ context.Context, t *raylet.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, t.ID)
	return nil
}

func (f *fakeFinisher) FailTask(_ context.Context, t *raylet.Task, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[t.ID] = cause
	return nil
}

func (f *fakeFinisher) completedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

func (f *fakeFinisher) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func newTestSubmitter(t *testing.T, client PushClient, opts *ActorTaskSubmitterOpts) (*ActorTaskSubmitter, *fakeFinisher) {
	t.Helper()
	finisher := newFakeFinisher()
	pool := NewClientPool(func(_ string) PushClient { return client })
	sub := NewActorTaskSubmitter(context.Background(), pool, finisher, opts)
	t.Cleanup(sub.Drain)
	return sub, finisher
}

func actorTask(id string, seq uint64) *raylet.Task {
	return &raylet.Task{
		ID:         id,
		ActorID:    "actor-a",
		SequenceNo: seq,
		Class:      "CPU:1",
	}
}

func TestSubmitQueuesWhileActorPending(t *testing.T) {
	client := &fakePushClient{}
	sub, finisher := newTestSubmitter(t, client, nil)

	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t1", 1)))
	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t2", 2)))

	assert.Equal(t, 2, sub.QueueDepth("actor-a"))
	assert.Empty(t, client.pushedIDs())

	snap := sub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ActorStatePending, snap[0].State)
	assert.Equal(t, 2, snap[0].QueueDepth)

	sub.ConnectActor("actor-a", "10.0.0.5:8266")

	require.Eventually(t, func() bool {
		return sub.QueueDepth("actor-a") == 0 && len(finisher.completedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"t1", "t2"}, client.pushedIDs())
}

func TestOrderedDeliveryFollowsSequenceNumbers(t *testing.T) {
	client := &fakePushClient{}
	sub, _ := newTestSubmitter(t, client, nil)

	// submitted out of order while disconnected
	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t3", 3)))
	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t1", 1)))
	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t2", 2)))

	sub.ConnectActor("actor-a", "10.0.0.5:8266")

	require.Eventually(t, func() bool {
		return len(client.pushedIDs()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"t1", "t2", "t3"}, client.pushedIDs())
}

func TestPushFailureDisconnectsAndResendsOnReconnect(t *testing.T) {
	client := &fakePushClient{failFirst: 1}
	sub, finisher := newTestSubmitter(t, client, nil)

	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t1", 1)))
	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t2", 2)))

	sub.ConnectActor("actor-a", "10.0.0.5:8266")

	// first push fails, actor drops to disconnected, nothing lost
	require.Eventually(t, func() bool {
		snap := sub.Snapshot()
		return len(snap) == 1 && snap[0].State == ActorStateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sub.QueueDepth("actor-a"))
	assert.Empty(t, finisher.completedIDs())

	sub.ConnectActor("actor-a", "10.0.0.5:8266")

	require.Eventually(t, func() bool {
		return len(finisher.completedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t1", "t2"}, client.pushedIDs())
}

func TestKillActorFailsEverythingQueued(t *testing.T) {
	client := &fakePushClient{}
	sub, finisher := newTestSubmitter(t, client, nil)

	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t1", 1)))
	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t2", 2)))

	sub.KillActor(context.Background(), "actor-a", "worker pod deleted")

	assert.Equal(t, 2, finisher.failureCount())
	assert.Equal(t, "worker pod deleted", finisher.failures["t1"])
	assert.Zero(t, sub.QueueDepth("actor-a"))

	err := sub.SubmitTask(context.Background(), actorTask("t3", 3))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrActorDead)
	assert.Equal(t, 3, finisher.failureCount())

	snap := sub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ActorStateDead, snap[0].State)
}

func TestOutOfOrderModeDeliversEverything(t *testing.T) {
	client := &fakePushClient{}
	sub, finisher := newTestSubmitter(t, client, &ActorTaskSubmitterOpts{
		OutOfOrder:          true,
		MaxConcurrentPushes: 2,
	})

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, sub.SubmitTask(context.Background(), actorTask(string(rune('a'+i-1)), i)))
	}
	sub.ConnectActor("actor-a", "10.0.0.5:8266")

	require.Eventually(t, func() bool {
		return len(finisher.completedIDs()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, client.pushedIDs())
}

func TestBackpressureWarningDoubles(t *testing.T) {
	var mu sync.Mutex
	var depths []int

	client := &fakePushClient{}
	sub, _ := newTestSubmitter(t, client, &ActorTaskSubmitterOpts{
		QueueWarnThreshold: 2,
		OnBackpressure: func(_ string, depth int) {
			mu.Lock()
			depths = append(depths, depth)
			mu.Unlock()
		},
	})

	// actor stays pending, queue only grows
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, sub.SubmitTask(context.Background(), actorTask(string(rune('0'+i)), i)))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 4}, depths)
}

func TestConnectUnknownActorCreatesState(t *testing.T) {
	client := &fakePushClient{}
	sub, _ := newTestSubmitter(t, client, nil)

	sub.ConnectActor("actor-b", "10.0.0.9:8266")

	snap := sub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "actor-b", snap[0].ActorID)
	assert.Equal(t, ActorStateConnected, snap[0].State)
}

func TestDisconnectKeepsQueue(t *testing.T) {
	client := &fakePushClient{}
	sub, _ := newTestSubmitter(t, client, nil)

	require.NoError(t, sub.SubmitTask(context.Background(), actorTask("t1", 1)))
	sub.DisconnectActor("actor-a")

	assert.Equal(t, 1, sub.QueueDepth("actor-a"))
	snap := sub.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ActorStateDisconnected, snap[0].State)
}
