package raylet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/metrics"
)

// LoadReport is the document the reporter publishes into the control
// store under the load namespace, keyed by node ID. Shapes are ordered by
// total demand, heaviest first, and capped at the configured maximum;
// Truncated says whether the cap dropped any.
type LoadReport struct {
	NodeID    string           `json:"node_id"`
	Timestamp time.Time        `json:"timestamp"`
	Truncated bool             `json:"truncated"`
	Shapes    []ShapeLoadEntry `json:"shapes"`
}

type ShapeLoadEntry struct {
	Class SchedulingClass `json:"class"`
	ShapeLoad
}

// TotalPending sums ready and infeasible demand across the reported shapes.
func (r *LoadReport) TotalPending() int64 {
	var total int64
	for _, e := range r.Shapes {
		total += e.NumReady + e.NumInfeasible
	}
	return total
}

// DecodeLoadReport parses a stored report.
func DecodeLoadReport(data []byte) (*LoadReport, error) {
	var r LoadReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode load report: %w", err)
	}
	return &r, nil
}

type ResourceReporterOpts struct {
	NodeID    string
	Interval  time.Duration
	MaxShapes int
}

// ResourceReporter periodically snapshots queue demand and publishes it to
// the control store. The autoscaler monitor reads these reports to size
// the worker group.
type ResourceReporter struct {
	*services.BasicService
	l      *slog.Logger
	queues *TaskQueues
	store  gcs.Store
	opts   *ResourceReporterOpts
	now    func() time.Time
}

func NewResourceReporter(queues *TaskQueues, store gcs.Store, opts *ResourceReporterOpts) *ResourceReporter {
	s := &ResourceReporter{
		l:      slog.With(slog.String("component", "resource-reporter")),
		queues: queues,
		store:  store,
		opts:   opts,
		now:    time.Now,
	}
	s.BasicService = services.NewBasicService(nil, s.run, nil).
		WithName("resource-reporter")
	return s
}

func (s *ResourceReporter) log() *slog.Logger {
	if s.l != nil {
		return s.l
	}
	return slog.Default()
}

func (s *ResourceReporter) run(ctx context.Context) error {
	s.log().Info("resource reporter started",
		slog.String("interval", s.opts.Interval.String()),
		slog.Int("max-shapes", s.opts.MaxShapes),
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log().Info("resource reporter stopped")
			return nil
		case <-ticker.C:
			if err := s.Publish(ctx); err != nil {
				s.log().Error("publish load report", slog.Any("err", err))
			}
		}
	}
}

// Publish builds one report, stores it, and refreshes the demand gauges.
func (s *ResourceReporter) Publish(ctx context.Context) error {
	report := s.BuildReport()

	for _, e := range report.Shapes {
		metrics.M.SetTasksPending(string(e.Class), float64(e.NumReady+e.NumInfeasible))
		metrics.M.SetBacklogSize(string(e.Class), float64(e.BacklogSize))
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal load report: %w", err)
	}
	if err := s.store.Put(ctx, gcs.NsLoad, s.opts.NodeID, data); err != nil {
		return fmt.Errorf("store load report: %w", err)
	}

	s.log().Debug("load report published",
		slog.Int("shapes", len(report.Shapes)),
		slog.Bool("truncated", report.Truncated),
		slog.Int64("pending", report.TotalPending()),
	)
	return nil
}

// BuildReport converts the current queue snapshot into a report. Shapes
// are sorted by demand so the cap keeps the heaviest classes; ties break
// on class name to keep the output stable.
func (s *ResourceReporter) BuildReport() *LoadReport {
	load := s.queues.Load()

	entries := make([]ShapeLoadEntry, 0, len(load))
	for class, sl := range load {
		entries = append(entries, ShapeLoadEntry{Class: class, ShapeLoad: sl})
	}
	sort.Slice(entries, func(i, j int) bool {
		di := entries[i].NumReady + entries[i].NumInfeasible + entries[i].BacklogSize
		dj := entries[j].NumReady + entries[j].NumInfeasible + entries[j].BacklogSize
		if di != dj {
			return di > dj
		}
		return entries[i].Class < entries[j].Class
	})

	report := &LoadReport{
		NodeID:    s.opts.NodeID,
		Timestamp: s.now(),
		Shapes:    entries,
	}
	if s.opts.MaxShapes > 0 && len(entries) > s.opts.MaxShapes {
		report.Shapes = entries[:s.opts.MaxShapes]
		report.Truncated = true
	}
	return report
}
