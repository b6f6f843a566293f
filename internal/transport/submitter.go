// Package transport delivers actor tasks from the head node to workers.
// The submitter keeps one ordered queue per actor and survives worker
// restarts: tasks queue while an actor is unreachable and are resent,
// lowest sequence number first, once it reconnects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hashmap-kz/raygo/internal/logger"
	"github.com/hashmap-kz/raygo/internal/metrics"
	"github.com/hashmap-kz/raygo/internal/raylet"
)

// ErrActorDead rejects submissions to an actor that was killed.
var ErrActorDead = errors.New("actor is dead")

// Actor lifecycle states.
const (
	ActorStatePending      = "pending"
	ActorStateConnected    = "connected"
	ActorStateDisconnected = "disconnected"
	ActorStateDead         = "dead"
)

const (
	defaultQueueWarnThreshold = 5000
	defaultMaxConcurrentPush  = 8
)

type ActorTaskSubmitterOpts struct {
	// OutOfOrder allows concurrent pushes without sequence ordering.
	OutOfOrder bool
	// QueueWarnThreshold is the per-actor queue depth that triggers a
	// backpressure warning. The threshold doubles after each warning.
	QueueWarnThreshold int
	// MaxConcurrentPushes bounds parallel pushes per actor in
	// out-of-order mode.
	MaxConcurrentPushes int
	// OnBackpressure, when set, is called with the actor ID and queue
	// depth every time the warning threshold is crossed.
	OnBackpressure func(actorID string, depth int)
}

type actorState struct {
	id         string
	addr       string
	state      string
	client     PushClient
	queue      []*raylet.Task
	flushing   bool
	warnAt     int
	deathCause string
}

// ActorSnapshot is the per-actor view exposed on the status endpoint.
type ActorSnapshot struct {
	ActorID    string `json:"actor_id"`
	Addr       string `json:"addr,omitempty"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
}

// ActorTaskSubmitter queues tasks per actor and pushes them to the
// actor's worker. While an actor is pending or disconnected, tasks
// accumulate; connecting (or reconnecting) drains the queue in
// SequenceNo order. Killing an actor fails everything still queued
// through the TaskFinisher.
type ActorTaskSubmitter struct {
	l        *slog.Logger
	rootCtx  context.Context
	pool     *ClientPool
	finisher TaskFinisher
	opts     *ActorTaskSubmitterOpts

	mu     sync.Mutex
	actors map[string]*actorState
	wg     sync.WaitGroup
}

func NewActorTaskSubmitter(
	ctx context.Context,
	pool *ClientPool,
	finisher TaskFinisher,
	opts *ActorTaskSubmitterOpts,
) *ActorTaskSubmitter {
	if opts == nil {
		opts = &ActorTaskSubmitterOpts{}
	}
	if opts.QueueWarnThreshold <= 0 {
		opts.QueueWarnThreshold = defaultQueueWarnThreshold
	}
	if opts.MaxConcurrentPushes <= 0 {
		opts.MaxConcurrentPushes = defaultMaxConcurrentPush
	}
	return &ActorTaskSubmitter{
		l:        slog.With(slog.String("component", "actor-task-submitter")),
		rootCtx:  ctx,
		pool:     pool,
		finisher: finisher,
		opts:     opts,
		actors:   make(map[string]*actorState),
	}
}

func (s *ActorTaskSubmitter) log() *slog.Logger {
	if s.l != nil {
		return s.l
	}
	return slog.Default()
}

func (s *ActorTaskSubmitter) actorLocked(id string) *actorState {
	st, ok := s.actors[id]
	if !ok {
		st = &actorState{
			id:     id,
			state:  ActorStatePending,
			warnAt: s.opts.QueueWarnThreshold,
		}
		s.actors[id] = st
	}
	return st
}

// SubmitTask queues a task for its actor and starts a flush if the actor
// is connected. Submitting to a dead actor fails the task immediately.
func (s *ActorTaskSubmitter) SubmitTask(ctx context.Context, t *raylet.Task) error {
	if t.ActorID == "" {
		return fmt.Errorf("task %s has no actor id", t.ID)
	}

	s.mu.Lock()
	st := s.actorLocked(t.ActorID)

	if st.state == ActorStateDead {
		cause := st.deathCause
		s.mu.Unlock()
		if err := s.finisher.FailTask(ctx, t, cause); err != nil {
			s.log().Error("fail task after death", slog.String("task", t.ID), slog.Any("err", err))
		}
		return fmt.Errorf("actor %s: %w", t.ActorID, ErrActorDead)
	}

	insertBySeq(&st.queue, t)
	depth := len(st.queue)
	warned := false
	if depth >= st.warnAt {
		warned = true
		st.warnAt *= 2
	}
	s.maybeFlushLocked(st)
	s.mu.Unlock()

	if warned {
		s.log().Warn("actor task queue backing up",
			slog.String("actor", t.ActorID),
			slog.Int("depth", depth),
		)
		if s.opts.OnBackpressure != nil {
			s.opts.OnBackpressure(t.ActorID, depth)
		}
	}
	return nil
}

// ConnectActor marks an actor reachable at addr. Any queued tasks,
// including ones that were pushed but never acknowledged, are resent
// starting from the lowest sequence number.
func (s *ActorTaskSubmitter) ConnectActor(actorID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.actorLocked(actorID)
	if st.state == ActorStateDead {
		return
	}
	st.addr = addr
	st.client = s.pool.GetOrCreate(addr)
	st.state = ActorStateConnected

	s.log().Info("actor connected",
		slog.String("actor", actorID),
		slog.String("addr", addr),
		slog.Int("queued", len(st.queue)),
	)
	s.maybeFlushLocked(st)
}

// DisconnectActor pauses delivery. Queued tasks are kept for the next
// ConnectActor.
func (s *ActorTaskSubmitter) DisconnectActor(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.actors[actorID]
	if !ok || st.state == ActorStateDead {
		return
	}
	st.state = ActorStateDisconnected
	s.log().Info("actor disconnected", slog.String("actor", actorID))
}

// KillActor marks the actor dead and fails every queued task with the
// given cause. Later submissions fail immediately.
func (s *ActorTaskSubmitter) KillActor(ctx context.Context, actorID, cause string) {
	s.mu.Lock()
	st := s.actorLocked(actorID)
	if st.state == ActorStateDead {
		s.mu.Unlock()
		return
	}
	st.state = ActorStateDead
	st.deathCause = cause
	doomed := st.queue
	st.queue = nil
	addr := st.addr
	s.mu.Unlock()

	if addr != "" {
		s.pool.Forget(addr)
	}
	s.log().Warn("actor killed",
		slog.String("actor", actorID),
		slog.String("cause", cause),
		slog.Int("failed-tasks", len(doomed)),
	)
	for _, t := range doomed {
		if err := s.finisher.FailTask(ctx, t, cause); err != nil {
			s.log().Error("fail task after kill", slog.String("task", t.ID), slog.Any("err", err))
		}
	}
}

// QueueDepth reports how many tasks wait for one actor.
func (s *ActorTaskSubmitter) QueueDepth(actorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.actors[actorID]
	if !ok {
		return 0
	}
	return len(st.queue)
}

// Snapshot lists all known actors sorted by ID.
func (s *ActorTaskSubmitter) Snapshot() []ActorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActorSnapshot, 0, len(s.actors))
	for _, st := range s.actors {
		out = append(out, ActorSnapshot{
			ActorID:    st.id,
			Addr:       st.addr,
			State:      st.state,
			QueueDepth: len(st.queue),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Drain blocks until all in-flight flushes finish.
func (s *ActorTaskSubmitter) Drain() {
	s.wg.Wait()
}

func (s *ActorTaskSubmitter) maybeFlushLocked(st *actorState) {
	if st.flushing || st.state != ActorStateConnected || len(st.queue) == 0 {
		return
	}
	st.flushing = true
	s.wg.Add(1)
	go s.flush(st)
}

func (s *ActorTaskSubmitter) flush(st *actorState) {
	defer s.wg.Done()
	if s.opts.OutOfOrder {
		s.flushOutOfOrder(st)
		return
	}
	s.flushOrdered(st)
}

// flushOrdered delivers one task at a time, lowest sequence first. A push
// failure re-queues the task at the front and disconnects the actor so
// the next ConnectActor resends it.
func (s *ActorTaskSubmitter) flushOrdered(st *actorState) {
	for {
		s.mu.Lock()
		if st.state != ActorStateConnected || len(st.queue) == 0 {
			st.flushing = false
			s.mu.Unlock()
			return
		}
		t := st.queue[0]
		st.queue = st.queue[1:]
		client := st.client
		depth := len(st.queue)
		s.mu.Unlock()

		logger.DebugLazy(s.rootCtx, "pushing task", func() []slog.Attr {
			return []slog.Attr{
				slog.String("task", t.ID),
				slog.String("actor", t.ActorID),
				slog.Uint64("seq", t.SequenceNo),
				slog.String("shape", fmt.Sprintf("%v", t.Resources)),
				slog.Int("queued", depth),
			}
		})
		if err := client.Push(s.rootCtx, t); err != nil {
			s.handlePushFailure(st, t, err)
			return
		}
		metrics.M.AddTasksPushed()
		if err := s.finisher.CompleteTask(s.rootCtx, t); err != nil {
			s.log().Error("record task completion", slog.String("task", t.ID), slog.Any("err", err))
		}
	}
}

// flushOutOfOrder pushes the whole queue with bounded concurrency and no
// ordering guarantee. Failed tasks are re-queued by sequence number.
func (s *ActorTaskSubmitter) flushOutOfOrder(st *actorState) {
	for {
		s.mu.Lock()
		if st.state != ActorStateConnected || len(st.queue) == 0 {
			st.flushing = false
			s.mu.Unlock()
			return
		}
		batch := st.queue
		st.queue = nil
		client := st.client
		s.mu.Unlock()

		var failMu sync.Mutex
		var failed []*raylet.Task

		g, gctx := errgroup.WithContext(s.rootCtx)
		g.SetLimit(s.opts.MaxConcurrentPushes)
		for _, t := range batch {
			g.Go(func() error {
				if err := client.Push(gctx, t); err != nil {
					metrics.M.AddTaskPushErrors()
					failMu.Lock()
					failed = append(failed, t)
					failMu.Unlock()
					return nil
				}
				metrics.M.AddTasksPushed()
				if err := s.finisher.CompleteTask(s.rootCtx, t); err != nil {
					s.log().Error("record task completion", slog.String("task", t.ID), slog.Any("err", err))
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(failed) > 0 {
			s.log().Warn("task pushes failed, actor disconnected",
				slog.String("actor", st.id),
				slog.Int("failed", len(failed)),
			)
			s.mu.Lock()
			if st.state == ActorStateDead {
				doomed := append(failed, st.queue...)
				st.queue = nil
				cause := st.deathCause
				st.flushing = false
				s.mu.Unlock()
				s.failAll(doomed, cause)
				return
			}
			for _, t := range failed {
				insertBySeq(&st.queue, t)
			}
			st.state = ActorStateDisconnected
			st.flushing = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *ActorTaskSubmitter) handlePushFailure(st *actorState, t *raylet.Task, err error) {
	metrics.M.AddTaskPushErrors()
	s.log().Warn("task push failed, actor disconnected",
		slog.String("actor", st.id),
		slog.String("task", t.ID),
		slog.Any("err", err),
	)

	s.mu.Lock()
	if st.state == ActorStateDead {
		doomed := append([]*raylet.Task{t}, st.queue...)
		st.queue = nil
		cause := st.deathCause
		st.flushing = false
		s.mu.Unlock()
		s.failAll(doomed, cause)
		return
	}
	st.queue = append([]*raylet.Task{t}, st.queue...)
	st.state = ActorStateDisconnected
	st.flushing = false
	s.mu.Unlock()
}

func (s *ActorTaskSubmitter) failAll(tasks []*raylet.Task, cause string) {
	for _, t := range tasks {
		if err := s.finisher.FailTask(s.rootCtx, t, cause); err != nil {
			s.log().Error("fail task after kill", slog.String("task", t.ID), slog.Any("err", err))
		}
	}
}

// insertBySeq keeps the queue ordered by SequenceNo, stable for equal
// numbers.
func insertBySeq(queue *[]*raylet.Task, t *raylet.Task) {
	q := *queue
	i := sort.Search(len(q), func(i int) bool { return q[i].SequenceNo > t.SequenceNo })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = t
	*queue = q
}
