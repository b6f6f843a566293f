package jobq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_RunSingleJob(t *testing.T) {
	queue := NewJobQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran bool
	var mu sync.Mutex

	queue.Start(ctx)

	err := queue.Submit("snapshot", func(_ context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond) // allow job to run

	mu.Lock()
	assert.True(t, ran, "job should have been executed")
	mu.Unlock()
}

func TestJobQueue_JobOrder(t *testing.T) {
	queue := NewJobQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var results []string
	var mu sync.Mutex

	queue.Start(ctx)

	_ = queue.Submit("job1", func(_ context.Context) {
		mu.Lock()
		results = append(results, "job1")
		mu.Unlock()
	})
	_ = queue.Submit("job2", func(_ context.Context) {
		mu.Lock()
		results = append(results, "job2")
		mu.Unlock()
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"job1", "job2"}, results)
	mu.Unlock()
}

func TestJobQueue_SubmitFailsWhenFull(t *testing.T) {
	queue := NewJobQueue(1)
	// never started: nothing drains the buffer

	require.NoError(t, queue.Submit("job1", func(_ context.Context) {}))
	assert.Equal(t, 1, queue.Len())
	assert.Equal(t, 1, queue.Cap())

	err := queue.Submit("job2", func(_ context.Context) {})
	require.ErrorIs(t, err, ErrJobQueueFull)
	assert.Contains(t, err.Error(), "job2")
}

func TestJobQueue_SurvivesPanickingJob(t *testing.T) {
	queue := NewJobQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)

	done := make(chan struct{})
	_ = queue.Submit("bad", func(_ context.Context) { panic("boom") })
	_ = queue.Submit("good", func(_ context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue should keep running after a panicking job")
	}
}

func TestJobQueue_DrainsAfterBlockedJob(t *testing.T) {
	queue := NewJobQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)

	blocked := make(chan struct{})
	done := make(chan struct{})

	_ = queue.Submit("job1", func(_ context.Context) {
		<-blocked // block this job so the queue doesn't drain
	})

	go func() {
		for {
			if err := queue.Submit("job2", func(_ context.Context) { close(done) }); err == nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		t.Fatal("second job should be blocked until the first one finishes")
	case <-time.After(50 * time.Millisecond):
		// ok, still blocked
	}

	close(blocked) // unblock job1

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second job should have completed after the first one unblocked")
	}
}
