package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/raylet"
)

// Task lifecycle states as recorded in the control store.
const (
	TaskStateQueued     = "queued"
	TaskStateDispatched = "dispatched"
	TaskStateFinished   = "finished"
	TaskStateFailed     = "failed"
)

// TaskRecord is the per-task document kept under the tasks namespace,
// keyed by task ID. Every state transition overwrites the record.
type TaskRecord struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	Class      string    `json:"class"`
	SequenceNo uint64    `json:"sequence_no,omitempty"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewTaskRecord builds a record for a task in the given state.
func NewTaskRecord(t *raylet.Task, state string) *TaskRecord {
	return &TaskRecord{
		ID:         t.ID,
		ActorID:    t.ActorID,
		Class:      string(t.Class),
		SequenceNo: t.SequenceNo,
		State:      state,
		EnqueuedAt: t.EnqueuedAt,
	}
}

// DecodeTaskRecord parses a stored record.
func DecodeTaskRecord(data []byte) (*TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}
	return &rec, nil
}

// TaskFinisher receives completion and failure callbacks from the
// submitter once a task's fate is settled.
type TaskFinisher interface {
	CompleteTask(ctx context.Context, t *raylet.Task) error
	FailTask(ctx context.Context, t *raylet.Task, cause string) error
}

// TaskRecorder persists task state transitions.
type TaskRecorder interface {
	RecordTask(ctx context.Context, rec *TaskRecord) error
}

// StoreFinisher implements TaskFinisher and TaskRecorder on top of the
// control store.
type StoreFinisher struct {
	l     *slog.Logger
	store gcs.Store
	now   func() time.Time
}

var (
	_ TaskFinisher = (*StoreFinisher)(nil)
	_ TaskRecorder = (*StoreFinisher)(nil)
)

func NewStoreFinisher(store gcs.Store) *StoreFinisher {
	return &StoreFinisher{
		l:     slog.With(slog.String("component", "task-finisher")),
		store: store,
		now:   time.Now,
	}
}

func (f *StoreFinisher) log() *slog.Logger {
	if f.l != nil {
		return f.l
	}
	return slog.Default()
}

func (f *StoreFinisher) RecordTask(ctx context.Context, rec *TaskRecord) error {
	rec.UpdatedAt = f.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task record %s: %w", rec.ID, err)
	}
	if err := f.store.Put(ctx, gcs.NsTasks, rec.ID, data); err != nil {
		return fmt.Errorf("store task record %s: %w", rec.ID, err)
	}
	return nil
}

func (f *StoreFinisher) CompleteTask(ctx context.Context, t *raylet.Task) error {
	f.log().Debug("task finished",
		slog.String("task", t.ID),
		slog.String("actor", t.ActorID),
	)
	return f.RecordTask(ctx, NewTaskRecord(t, TaskStateFinished))
}

func (f *StoreFinisher) FailTask(ctx context.Context, t *raylet.Task, cause string) error {
	f.log().Warn("task failed",
		slog.String("task", t.ID),
		slog.String("actor", t.ActorID),
		slog.String("cause", cause),
	)
	rec := NewTaskRecord(t, TaskStateFailed)
	rec.Error = cause
	return f.RecordTask(ctx, rec)
}
