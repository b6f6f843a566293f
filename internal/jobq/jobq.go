// Package jobq runs operator-triggered jobs (on-demand snapshots, purges)
// one at a time, off the HTTP request path.
package jobq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrJobQueueFull = errors.New("job queue full")

// Job is the unit of background work. The context is the queue's run
// context; jobs should return promptly once it is canceled.
type Job func(ctx context.Context)

type namedJob struct {
	name string
	run  Job
}

type JobQueue struct {
	l    *slog.Logger
	jobs chan namedJob
}

func NewJobQueue(bufferSize int) *JobQueue {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &JobQueue{
		l:    slog.With("component", "job-queue"),
		jobs: make(chan namedJob, bufferSize),
	}
}

func (q *JobQueue) log() *slog.Logger {
	if q.l != nil {
		return q.l
	}
	return slog.With("component", "job-queue")
}

// Start launches the single worker goroutine. Jobs run strictly in
// submission order; the loop exits with the context.
func (q *JobQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.jobs:
				q.runOne(ctx, job)
			}
		}
	}()
}

// runOne shields the worker from a panicking job; one bad job must not
// take the whole queue down.
func (q *JobQueue) runOne(ctx context.Context, job namedJob) {
	start := time.Now()
	q.log().Info("run job", slog.String("job-name", job.name))
	defer func() {
		if r := recover(); r != nil {
			q.log().Error("job panicked",
				slog.String("job-name", job.name),
				slog.Any("panic", r),
			)
			return
		}
		q.log().Info("fin job",
			slog.String("job-name", job.name),
			slog.Duration("took", time.Since(start)),
		)
	}()
	job.run(ctx)
}

// Submit enqueues without blocking; a full buffer is reported to the
// caller so the HTTP layer can answer 429.
func (q *JobQueue) Submit(name string, jobFunc Job) error {
	select {
	case q.jobs <- namedJob{name: name, run: jobFunc}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrJobQueueFull, name)
	}
}

// Len reports how many jobs are queued but not yet started.
func (q *JobQueue) Len() int {
	return len(q.jobs)
}

// Cap reports the queue buffer size.
func (q *JobQueue) Cap() int {
	return cap(q.jobs)
}
