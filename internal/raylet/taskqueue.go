// Package raylet holds the head-node scheduling state: lease queues of
// submitted tasks grouped by resource shape, plus the periodic resource
// load reporter that publishes queue demand to the control store for the
// autoscaler.
package raylet

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hashmap-kz/raygo/internal/metrics"
)

// SchedulingClass is the canonical string form of a task's resource shape,
// e.g. "CPU:1" or "CPU:2,GPU:1". Tasks with equal shapes share one queue.
type SchedulingClass string

// DefaultClass is assigned to tasks that request no resources at all.
const DefaultClass SchedulingClass = "CPU:1"

// ClassOf canonicalizes a resource map into a SchedulingClass.
// Resource names are sorted, zero or negative demands are dropped,
// and amounts are rendered without trailing zeros so that
// {"GPU": 1, "CPU": 2} and {"CPU": 2.0, "GPU": 1.0} collapse to the
// same class.
func ClassOf(resources map[string]float64) SchedulingClass {
	names := make([]string, 0, len(resources))
	for name, amount := range resources {
		if amount > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return DefaultClass
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(resources[name], 'f', -1, 64))
	}
	return SchedulingClass(sb.String())
}

// Task is a unit of work submitted to the head node. Actor tasks carry an
// ActorID and a SequenceNo assigned by the queues; the transport layer
// delivers them to the actor in sequence order.
type Task struct {
	ID         string             `json:"id"`
	ActorID    string             `json:"actor_id,omitempty"`
	SequenceNo uint64             `json:"sequence_no"`
	Class      SchedulingClass    `json:"class"`
	Resources  map[string]float64 `json:"resources,omitempty"`
	Payload    []byte             `json:"payload,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// ShapeLoad is the per-class demand snapshot used in load reports.
type ShapeLoad struct {
	Shape         map[string]float64 `json:"shape,omitempty"`
	NumReady      int64              `json:"num_ready"`
	NumInfeasible int64              `json:"num_infeasible"`
	BacklogSize   int64              `json:"backlog_size"`
}

// TaskQueues tracks submitted tasks in three pools per scheduling class:
//
//   - to-schedule: waiting for a dispatch slot
//   - to-dispatch: popped by the dispatcher, handoff to the transport in flight
//   - infeasible:  no node shape can ever satisfy the request
//
// plus a per-worker backlog gauge reported by workers that buffer leases
// locally. All methods are safe for concurrent use.
type TaskQueues struct {
	mu         sync.Mutex
	toSchedule map[SchedulingClass][]*Task
	toDispatch map[SchedulingClass]map[string]*Task
	infeasible map[SchedulingClass][]*Task
	backlog    map[SchedulingClass]map[string]int64
	seq        map[string]uint64
	now        func() time.Time
}

func NewTaskQueues() *TaskQueues {
	return &TaskQueues{
		toSchedule: make(map[SchedulingClass][]*Task),
		toDispatch: make(map[SchedulingClass]map[string]*Task),
		infeasible: make(map[SchedulingClass][]*Task),
		backlog:    make(map[SchedulingClass]map[string]int64),
		seq:        make(map[string]uint64),
		now:        time.Now,
	}
}

// Queue admits a task into its class's to-schedule pool. A missing ID is
// generated, the class is derived from Resources when unset, and actor
// tasks receive the next per-actor sequence number.
func (q *TaskQueues) Queue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Class == "" {
		t.Class = ClassOf(t.Resources)
	}
	if t.ActorID != "" {
		q.seq[t.ActorID]++
		t.SequenceNo = q.seq[t.ActorID]
	}
	t.EnqueuedAt = q.now()

	q.toSchedule[t.Class] = append(q.toSchedule[t.Class], t)
	metrics.M.AddTasksQueued(string(t.Class))
}

// PopReady moves up to max tasks from to-schedule into to-dispatch and
// returns them, oldest first within a class, classes visited in sorted
// order. The caller owns the handoff: Ack on success, Requeue on a
// transient failure, MarkInfeasible when the shape cannot be satisfied.
func (q *TaskQueues) PopReady(max int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		return nil
	}

	classes := make([]SchedulingClass, 0, len(q.toSchedule))
	for class := range q.toSchedule {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	var out []*Task
	for _, class := range classes {
		pool := q.toSchedule[class]
		for len(pool) > 0 && len(out) < max {
			t := pool[0]
			pool = pool[1:]
			if q.toDispatch[class] == nil {
				q.toDispatch[class] = make(map[string]*Task)
			}
			q.toDispatch[class][t.ID] = t
			out = append(out, t)
		}
		if len(pool) == 0 {
			delete(q.toSchedule, class)
		} else {
			q.toSchedule[class] = pool
		}
		if len(out) == max {
			break
		}
	}
	return out
}

// Ack drops a task from the to-dispatch pool after the transport accepted it.
func (q *TaskQueues) Ack(class SchedulingClass, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pool := q.toDispatch[class]
	delete(pool, id)
	if len(pool) == 0 {
		delete(q.toDispatch, class)
	}
}

// Requeue returns a task from to-dispatch to the front of its to-schedule
// pool so the next dispatcher pass retries it first.
func (q *TaskQueues) Requeue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeFromDispatchLocked(t)
	q.toSchedule[t.Class] = append([]*Task{t}, q.toSchedule[t.Class]...)
}

// MarkInfeasible parks a task in the infeasible pool. It stays visible in
// load reports so the autoscaler can see unservable demand.
func (q *TaskQueues) MarkInfeasible(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeFromDispatchLocked(t)
	q.infeasible[t.Class] = append(q.infeasible[t.Class], t)
}

func (q *TaskQueues) removeFromDispatchLocked(t *Task) {
	pool := q.toDispatch[t.Class]
	delete(pool, t.ID)
	if len(pool) == 0 {
		delete(q.toDispatch, t.Class)
	}
}

// SetBacklog records the lease backlog a worker reported for one class.
// A size of zero or less clears the entry.
func (q *TaskQueues) SetBacklog(class SchedulingClass, workerID string, size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if size <= 0 {
		byWorker := q.backlog[class]
		delete(byWorker, workerID)
		if len(byWorker) == 0 {
			delete(q.backlog, class)
		}
		return
	}
	if q.backlog[class] == nil {
		q.backlog[class] = make(map[string]int64)
	}
	q.backlog[class][workerID] = size
}

// AddBacklog adjusts the tracked backlog estimate for one worker by delta.
// The head bumps it when it hands a task to a worker; the worker's own
// report later overwrites the estimate via SetBacklog.
func (q *TaskQueues) AddBacklog(class SchedulingClass, workerID string, delta int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	byWorker := q.backlog[class]
	next := byWorker[workerID] + delta
	if next <= 0 {
		delete(byWorker, workerID)
		if len(byWorker) == 0 {
			delete(q.backlog, class)
		}
		return
	}
	if byWorker == nil {
		byWorker = make(map[string]int64)
		q.backlog[class] = byWorker
	}
	byWorker[workerID] = next
}

// Load snapshots demand for every class present in any pool.
func (q *TaskQueues) Load() map[SchedulingClass]ShapeLoad {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[SchedulingClass]ShapeLoad)
	bump := func(class SchedulingClass, shape map[string]float64, fn func(*ShapeLoad)) {
		sl := out[class]
		if sl.Shape == nil && shape != nil {
			sl.Shape = shape
		}
		fn(&sl)
		out[class] = sl
	}

	for class, pool := range q.toSchedule {
		n := int64(len(pool))
		bump(class, shapeOf(pool), func(sl *ShapeLoad) { sl.NumReady += n })
	}
	for class, pool := range q.toDispatch {
		n := int64(len(pool))
		bump(class, nil, func(sl *ShapeLoad) { sl.NumReady += n })
	}
	for class, pool := range q.infeasible {
		n := int64(len(pool))
		bump(class, shapeOf(pool), func(sl *ShapeLoad) { sl.NumInfeasible += n })
	}
	for class, byWorker := range q.backlog {
		var total int64
		for _, size := range byWorker {
			total += size
		}
		bump(class, nil, func(sl *ShapeLoad) { sl.BacklogSize += total })
	}
	return out
}

// PendingTotal is the number of tasks waiting anywhere in the queues,
// ready and infeasible alike. The autoscaler sizes the worker group off it.
func (q *TaskQueues) PendingTotal() int64 {
	var total int64
	for _, sl := range q.Load() {
		total += sl.NumReady + sl.NumInfeasible
	}
	return total
}

// Depths reports pool sizes for the status endpoint.
func (q *TaskQueues) Depths() (toSchedule, toDispatch, infeasible int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pool := range q.toSchedule {
		toSchedule += len(pool)
	}
	for _, pool := range q.toDispatch {
		toDispatch += len(pool)
	}
	for _, pool := range q.infeasible {
		infeasible += len(pool)
	}
	return toSchedule, toDispatch, infeasible
}

func shapeOf(pool []*Task) map[string]float64 {
	for _, t := range pool {
		if len(t.Resources) > 0 {
			return t.Resources
		}
	}
	return nil
}
