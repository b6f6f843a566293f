// Package wrk provides a start/stop lifecycle around a long-running worker
// function. The head uses it to pause and resume the autoscaler monitor
// from the control API without tearing down the daemon.
package wrk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type WorkerFunc func(ctx context.Context) error

// WorkerController supervises one worker function. Start spawns a run
// bound to a child context, Stop cancels it; both are safe to call at
// any time and from any goroutine.
type WorkerController struct {
	mu        sync.Mutex
	log       *slog.Logger
	name      string
	parentCtx context.Context

	runFn   WorkerFunc
	running bool
	runs    int

	cancel context.CancelFunc // cancels the current run
	wg     sync.WaitGroup
}

func NewWorkerController(parentCtx context.Context, name string, runFn WorkerFunc) *WorkerController {
	return &WorkerController{
		log:       slog.With(slog.String("component", name)),
		name:      name,
		parentCtx: parentCtx,
		runFn:     runFn,
	}
}

func (c *WorkerController) Name() string {
	return c.name
}

func (c *WorkerController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.log.Info("worker already running")
		return
	}
	if c.parentCtx.Err() != nil {
		c.log.Warn("cannot start worker: parent context canceled")
		return
	}

	runCtx, cancel := context.WithCancel(c.parentCtx)
	c.cancel = cancel
	c.running = true
	c.runs++

	c.wg.Add(1)
	go c.supervise(runCtx, c.runs)
}

func (c *WorkerController) supervise(ctx context.Context, run int) {
	defer c.wg.Done()

	c.log.Info("worker starting", slog.Int("run", run))
	err := c.runFn(ctx)

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("worker stopped with error", slog.Any("err", err))
		return
	}
	c.log.Info("worker stopped")
}

func (c *WorkerController) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	running := c.running
	c.mu.Unlock()

	if !running {
		c.log.Info("worker already stopped")
		return
	}
	if cancel != nil {
		c.log.Info("stopping worker")
		cancel()
	}
}

// Wait blocks until the current run completes.
func (c *WorkerController) Wait() {
	c.wg.Wait()
}

func (c *WorkerController) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Runs reports how many times the worker has been started, counting the
// initial boot start. The status endpoint surfaces it so operators can
// see pause/resume churn.
func (c *WorkerController) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func (c *WorkerController) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return "running"
	}
	if c.parentCtx.Err() != nil {
		return "stopped(parent-canceled)"
	}
	return "stopped"
}
