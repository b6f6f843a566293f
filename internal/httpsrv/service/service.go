package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/httpsrv/model"
	"github.com/hashmap-kz/raygo/internal/jobq"
	"github.com/hashmap-kz/raygo/internal/raylet"
	"github.com/hashmap-kz/raygo/internal/transport"
	"github.com/hashmap-kz/raygo/internal/version"
	"github.com/hashmap-kz/raygo/internal/wrk"
	"github.com/hashmap-kz/raygo/pkg/extras"
	"github.com/hashmap-kz/raygo/pkg/serve"
)

var (
	ErrAutoscalerDisabled = errors.New("autoscaler is not enabled")
	ErrSnapshotsDisabled  = errors.New("snapshots are not configured")
)

type ControlService interface {
	Status(ctx context.Context) *model.HeadStatus
	ListNodes(ctx context.Context) ([]*gcs.NodeInfo, error)
	RegisterNode(ctx context.Context, info *gcs.NodeInfo) (string, error)
	HeartbeatNode(ctx context.Context, id string) error
	SubmitTask(ctx context.Context, req *model.SubmitTaskRequest) (*model.SubmitTaskResponse, error)
	ReportBacklog(req *model.BacklogReport) error
	ListActors() []model.ActorStatus
	ConnectActor(id, addr string) error
	KillActor(ctx context.Context, id, reason string) error
	TriggerSnapshot() error
	PauseAutoscaler() error
	ResumeAutoscaler() error
	ServeStatus(ctx context.Context) (serve.Status, error)
	ServeDeploy(ctx context.Context, d serve.Deployment) error
	ServeDelete(ctx context.Context, name string) error
}

type lockInfo struct {
	task     string
	acquired time.Time
}

type controlSvc struct {
	nodeID       string
	runningMode  string
	startedAt    time.Time
	serveEnabled bool

	nodes       *gcs.NodeTable
	queues      *raylet.TaskQueues
	submitter   *transport.ActorTaskSubmitter
	recorder    transport.TaskRecorder
	snapshotter *gcs.Snapshotter
	jobs        *jobq.JobQueue
	autoscaler  *wrk.WorkerController
	routes      *gcs.ServeRoutes

	mu   sync.Mutex // protects access to `lock`
	held bool       // is the lock currently held?
	info lockInfo   // metadata about the lock
}

var _ ControlService = &controlSvc{}

type ControlServiceOpts struct {
	NodeID       string
	RunningMode  string
	ServeEnabled bool

	Nodes       *gcs.NodeTable
	Queues      *raylet.TaskQueues
	Submitter   *transport.ActorTaskSubmitter
	Recorder    transport.TaskRecorder
	Snapshotter *gcs.Snapshotter
	Jobs        *jobq.JobQueue
	Autoscaler  *wrk.WorkerController
	Routes      *gcs.ServeRoutes
}

func NewControlService(opts *ControlServiceOpts) ControlService {
	return &controlSvc{
		nodeID:       opts.NodeID,
		runningMode:  opts.RunningMode,
		startedAt:    time.Now(),
		serveEnabled: opts.ServeEnabled,
		nodes:        opts.Nodes,
		queues:       opts.Queues,
		submitter:    opts.Submitter,
		recorder:     opts.Recorder,
		snapshotter:  opts.Snapshotter,
		jobs:         opts.Jobs,
		autoscaler:   opts.Autoscaler,
		routes:       opts.Routes,
	}
}

// tryLock attempts to acquire the operation lock
func (s *controlSvc) tryLock(task string) (bool, *lockInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held {
		// Copy so caller can safely read
		info := s.info
		return false, &info
	}

	s.held = true
	s.info = lockInfo{
		task:     task,
		acquired: time.Now(),
	}
	return true, nil
}

func (s *controlSvc) unlock() {
	s.mu.Lock()
	s.held = false
	s.info = lockInfo{} // clear metadata
	s.mu.Unlock()
}

func (s *controlSvc) Status(ctx context.Context) *model.HeadStatus {
	// read-only; doesn't need to block

	st := &model.HeadStatus{
		NodeID:      s.nodeID,
		RunningMode: s.runningMode,
		Version:     version.Version,
		Uptime:      time.Since(s.startedAt).Truncate(time.Second).String(),
		Serve: &model.ServeStatus{
			Enabled:   s.serveEnabled,
			Installed: extras.Installed(serve.Feature),
		},
	}

	if s.queues != nil {
		toSchedule, toDispatch, infeasible := s.queues.Depths()
		st.Queues = &model.QueueStats{
			ToSchedule:   toSchedule,
			ToDispatch:   toDispatch,
			Infeasible:   infeasible,
			PendingTotal: s.queues.PendingTotal(),
		}
	}

	if s.nodes != nil {
		rows, err := s.nodes.List(ctx)
		if err != nil {
			slog.Warn("status: cannot list nodes", slog.Any("err", err))
		} else {
			counts := &model.NodeCounts{}
			for _, n := range rows {
				if n.Status == gcs.NodeStatusAlive {
					counts.Alive++
				} else {
					counts.Dead++
				}
			}
			st.Nodes = counts
		}
	}

	if s.submitter != nil {
		st.Actors = s.ListActors()
	}

	autoscaler := &model.AutoscalerStatus{Enabled: s.autoscaler != nil}
	if s.autoscaler != nil {
		autoscaler.State = s.autoscaler.Status()
		autoscaler.Runs = s.autoscaler.Runs()
	}
	st.Autoscaler = autoscaler

	return st
}

func (s *controlSvc) ListNodes(ctx context.Context) ([]*gcs.NodeInfo, error) {
	return s.nodes.List(ctx)
}

func (s *controlSvc) RegisterNode(ctx context.Context, info *gcs.NodeInfo) (string, error) {
	return s.nodes.Register(ctx, info)
}

func (s *controlSvc) HeartbeatNode(ctx context.Context, id string) error {
	return s.nodes.Heartbeat(ctx, id)
}

func (s *controlSvc) SubmitTask(ctx context.Context, req *model.SubmitTaskRequest) (*model.SubmitTaskResponse, error) {
	t := &raylet.Task{
		ActorID:   req.ActorID,
		Resources: req.Resources,
		Payload:   req.Payload,
	}
	s.queues.Queue(t)

	if s.recorder != nil {
		rec := transport.NewTaskRecord(t, transport.TaskStateQueued)
		if err := s.recorder.RecordTask(ctx, rec); err != nil {
			// The task is queued either way; the record is a GCS convenience.
			slog.Warn("cannot record queued task",
				slog.String("task_id", t.ID),
				slog.Any("err", err))
		}
	}

	return &model.SubmitTaskResponse{
		ID:         t.ID,
		Class:      string(t.Class),
		SequenceNo: t.SequenceNo,
	}, nil
}

func (s *controlSvc) ReportBacklog(req *model.BacklogReport) error {
	if req.WorkerID == "" || req.Class == "" {
		return fmt.Errorf("backlog report requires worker_id and class")
	}
	s.queues.SetBacklog(raylet.SchedulingClass(req.Class), req.WorkerID, req.BacklogSize)
	return nil
}

func (s *controlSvc) ListActors() []model.ActorStatus {
	snapshot := s.submitter.Snapshot()
	actors := make([]model.ActorStatus, 0, len(snapshot))
	for _, a := range snapshot {
		actors = append(actors, model.ActorStatus{
			ActorID:    a.ActorID,
			Addr:       a.Addr,
			State:      a.State,
			QueueDepth: a.QueueDepth,
		})
	}
	return actors
}

func (s *controlSvc) ConnectActor(id, addr string) error {
	if addr == "" {
		return fmt.Errorf("actor address is required")
	}
	s.submitter.ConnectActor(id, addr)
	return nil
}

func (s *controlSvc) KillActor(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "killed via control API"
	}
	s.submitter.KillActor(ctx, id, reason)
	return nil
}

func (s *controlSvc) TriggerSnapshot() error {
	if s.snapshotter == nil || s.jobs == nil {
		return ErrSnapshotsDisabled
	}

	ok, current := s.tryLock("gcs-snapshot")
	if !ok {
		return fmt.Errorf("cannot run gcs-snapshot: %s is already running since %s",
			current.task, current.acquired.Format(time.RFC3339))
	}

	err := s.jobs.Submit("gcs-snapshot", func(ctx context.Context) {
		defer s.unlock()
		if err := s.snapshotter.RunOnce(ctx); err != nil {
			slog.Error("on-demand snapshot failed", slog.Any("err", err))
		}
	})
	if err != nil {
		s.unlock()
		return err
	}
	return nil
}

func (s *controlSvc) PauseAutoscaler() error {
	if s.autoscaler == nil {
		return ErrAutoscalerDisabled
	}
	s.autoscaler.Stop()
	return nil
}

func (s *controlSvc) ResumeAutoscaler() error {
	if s.autoscaler == nil {
		return ErrAutoscalerDisabled
	}
	s.autoscaler.Start()
	return nil
}

// The serve operations go through the facade so a binary without the
// runtime linked answers with the not-installed error and its install
// hint instead of a silent no-op.

func (s *controlSvc) ServeStatus(ctx context.Context) (serve.Status, error) {
	return serve.GetStatus(ctx)
}

func (s *controlSvc) ServeDeploy(ctx context.Context, d serve.Deployment) error {
	if err := serve.Deploy(ctx, d); err != nil {
		return err
	}
	if s.routes != nil {
		if err := s.routes.Save(ctx, d); err != nil {
			// The route is live either way; the record is what survives a restart.
			slog.Warn("cannot persist serve deployment",
				slog.String("deployment", d.Name),
				slog.Any("err", err))
		}
	}
	return nil
}

func (s *controlSvc) ServeDelete(ctx context.Context, name string) error {
	if err := serve.Delete(ctx, name); err != nil {
		return err
	}
	if s.routes != nil {
		if err := s.routes.Remove(ctx, name); err != nil {
			slog.Warn("cannot remove persisted serve deployment",
				slog.String("deployment", name),
				slog.Any("err", err))
		}
	}
	return nil
}
