package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/raylet"
)

// TaskSubmitter is the slice of the actor submitter the dispatcher needs.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, t *raylet.Task) error
}

type DispatcherOpts struct {
	Interval  time.Duration
	BatchSize int
}

// Dispatcher drains ready tasks out of the raylet queues on a fixed
// interval. Actor tasks go through the submitter; plain tasks are
// assigned round-robin to alive workers and recorded as dispatched so
// the workers' pollers can pick them up.
type Dispatcher struct {
	*services.BasicService
	l        *slog.Logger
	queues   *raylet.TaskQueues
	sub      TaskSubmitter
	nodes    *gcs.NodeTable
	recorder TaskRecorder
	opts     *DispatcherOpts
	rr       int
}

func NewDispatcher(
	queues *raylet.TaskQueues,
	sub TaskSubmitter,
	nodes *gcs.NodeTable,
	recorder TaskRecorder,
	opts *DispatcherOpts,
) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	d := &Dispatcher{
		l:        slog.With(slog.String("component", "task-dispatcher")),
		queues:   queues,
		sub:      sub,
		nodes:    nodes,
		recorder: recorder,
		opts:     opts,
	}
	d.BasicService = services.NewBasicService(nil, d.run, nil).
		WithName("task-dispatcher")
	return d
}

func (d *Dispatcher) log() *slog.Logger {
	if d.l != nil {
		return d.l
	}
	return slog.Default()
}

func (d *Dispatcher) run(ctx context.Context) error {
	d.log().Info("task dispatcher started",
		slog.String("interval", d.opts.Interval.String()),
		slog.Int("batch-size", d.opts.BatchSize),
	)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log().Info("task dispatcher stopped")
			return nil
		case <-ticker.C:
			n := d.DispatchOnce(ctx)
			if n > 0 {
				d.log().Debug("dispatched tasks", slog.Int("count", n))
			}
		}
	}
}

// DispatchOnce pops one batch and routes every task. It returns the
// number of tasks that left the queues; tasks that cannot be placed yet
// (no alive worker) are put back for the next tick.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	batch := d.queues.PopReady(d.opts.BatchSize)
	if len(batch) == 0 {
		return 0
	}

	var workers []*gcs.NodeInfo
	workersFetched := false
	dispatched := 0
	var retry []*raylet.Task

	for _, t := range batch {
		if t.ActorID != "" {
			// the submitter owns the task from here on, even when the
			// actor is already dead and the task fails straight away
			if err := d.sub.SubmitTask(ctx, t); err != nil {
				d.log().Warn("actor task rejected",
					slog.String("task", t.ID),
					slog.String("actor", t.ActorID),
					slog.Any("err", err),
				)
			}
			d.queues.Ack(t.Class, t.ID)
			dispatched++
			continue
		}

		if !workersFetched {
			workers = d.aliveWorkers(ctx)
			workersFetched = true
		}
		if len(workers) == 0 {
			retry = append(retry, t)
			continue
		}

		node := workers[d.rr%len(workers)]
		d.rr++

		rec := NewTaskRecord(t, TaskStateDispatched)
		rec.NodeID = node.ID
		if err := d.recorder.RecordTask(ctx, rec); err != nil {
			d.log().Error("record dispatched task",
				slog.String("task", t.ID),
				slog.Any("err", err),
			)
			retry = append(retry, t)
			continue
		}
		d.queues.AddBacklog(t.Class, node.ID, 1)
		d.queues.Ack(t.Class, t.ID)
		dispatched++
	}

	// requeue in reverse so the original order survives the front-insert
	for i := len(retry) - 1; i >= 0; i-- {
		d.queues.Requeue(retry[i])
	}
	return dispatched
}

func (d *Dispatcher) aliveWorkers(ctx context.Context) []*gcs.NodeInfo {
	nodes, err := d.nodes.List(ctx)
	if err != nil {
		d.log().Error("list nodes", slog.Any("err", err))
		return nil
	}
	var out []*gcs.NodeInfo
	for _, n := range nodes {
		if n.Kind == gcs.NodeKindWorker && n.Status == gcs.NodeStatusAlive {
			out = append(out, n)
		}
	}
	return out
}
