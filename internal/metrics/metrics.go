package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// M is a process-wide metrics sink. It stays a noop unless InitPromMetrics
// is called during boot (metrics.enable in the config).
var M Metrics = &metricsNoop{}

type Metrics interface {
	// task queues / transport
	AddTasksQueued(class string)
	SetTasksPending(class string, n float64)
	SetBacklogSize(class string, n float64)
	AddTasksPushed()
	AddTaskPushErrors()

	// node table
	SetNodesAlive(n float64)
	SetNodesDead(n float64)

	// gcs snapshots
	AddSnapshotRuns()
	AddSnapshotErrors()
	ObserveSnapshotDuration(seconds float64)

	// autoscaler
	AddWorkersRequested(n float64)
	AddWorkersTerminated(n float64)
	AddKuberayPatches()
	AddKuberayAPIErrors()
}

// noop

type metricsNoop struct{}

var _ Metrics = &metricsNoop{}

func (m *metricsNoop) AddTasksQueued(_ string)                {}
func (m *metricsNoop) SetTasksPending(_ string, _ float64)    {}
func (m *metricsNoop) SetBacklogSize(_ string, _ float64)     {}
func (m *metricsNoop) AddTasksPushed()                        {}
func (m *metricsNoop) AddTaskPushErrors()                     {}
func (m *metricsNoop) SetNodesAlive(_ float64)                {}
func (m *metricsNoop) SetNodesDead(_ float64)                 {}
func (m *metricsNoop) AddSnapshotRuns()                       {}
func (m *metricsNoop) AddSnapshotErrors()                     {}
func (m *metricsNoop) ObserveSnapshotDuration(_ float64)      {}
func (m *metricsNoop) AddWorkersRequested(_ float64)          {}
func (m *metricsNoop) AddWorkersTerminated(_ float64)         {}
func (m *metricsNoop) AddKuberayPatches()                     {}
func (m *metricsNoop) AddKuberayAPIErrors()                   {}

// prom

type metricsProm struct {
	tasksQueued    *prometheus.CounterVec
	tasksPending   *prometheus.GaugeVec
	backlogSize    *prometheus.GaugeVec
	tasksPushed    prometheus.Counter
	taskPushErrors prometheus.Counter

	nodesAlive prometheus.Gauge
	nodesDead  prometheus.Gauge

	snapshotRuns     prometheus.Counter
	snapshotErrors   prometheus.Counter
	snapshotDuration prometheus.Histogram

	workersRequested  prometheus.Counter
	workersTerminated prometheus.Counter
	kuberayPatches    prometheus.Counter
	kuberayAPIErrors  prometheus.Counter
}

var _ Metrics = &metricsProm{}

func InitPromMetrics(_ context.Context) {
	// Unregister default prometheus collectors so we don't collect a bunch of pointless metrics
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prometheus.Unregister(collectors.NewGoCollector())

	M = &metricsProm{
		tasksQueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "raygo_tasks_queued_total",
			Help: "Total number of tasks enqueued, partitioned by scheduling class.",
		}, []string{"class"}),
		tasksPending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raygo_tasks_pending",
			Help: "Tasks currently pending in the local queues, partitioned by scheduling class.",
		}, []string{"class"}),
		backlogSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raygo_task_backlog_size",
			Help: "Backlog reported by workers, partitioned by scheduling class.",
		}, []string{"class"}),
		tasksPushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_tasks_pushed_total",
			Help: "Total number of actor tasks pushed to workers.",
		}),
		taskPushErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_task_push_errors_total",
			Help: "Errors while pushing actor tasks to workers.",
		}),
		nodesAlive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "raygo_nodes_alive",
			Help: "Number of cluster nodes currently alive.",
		}),
		nodesDead: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "raygo_nodes_dead",
			Help: "Number of cluster nodes marked dead.",
		}),
		snapshotRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_gcs_snapshot_runs_total",
			Help: "Total number of control-store snapshot runs.",
		}),
		snapshotErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_gcs_snapshot_errors_total",
			Help: "Errors during control-store snapshot runs.",
		}),
		snapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "raygo_gcs_snapshot_duration_seconds",
			Help:    "Duration of a control-store snapshot run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		workersRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_autoscaler_workers_requested_total",
			Help: "Worker nodes requested by the autoscaler.",
		}),
		workersTerminated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_autoscaler_workers_terminated_total",
			Help: "Worker nodes terminated by the autoscaler.",
		}),
		kuberayPatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_kuberay_patches_total",
			Help: "PATCH requests sent to the KubeRay operator CRD.",
		}),
		kuberayAPIErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "raygo_kuberay_api_errors_total",
			Help: "Kubernetes API request errors.",
		}),
	}
}

func (m *metricsProm) AddTasksQueued(class string)             { m.tasksQueued.WithLabelValues(class).Inc() }
func (m *metricsProm) SetTasksPending(class string, n float64) { m.tasksPending.WithLabelValues(class).Set(n) }
func (m *metricsProm) SetBacklogSize(class string, n float64)  { m.backlogSize.WithLabelValues(class).Set(n) }
func (m *metricsProm) AddTasksPushed()                         { m.tasksPushed.Inc() }
func (m *metricsProm) AddTaskPushErrors()                      { m.taskPushErrors.Inc() }
func (m *metricsProm) SetNodesAlive(n float64)                 { m.nodesAlive.Set(n) }
func (m *metricsProm) SetNodesDead(n float64)                  { m.nodesDead.Set(n) }
func (m *metricsProm) AddSnapshotRuns()                        { m.snapshotRuns.Inc() }
func (m *metricsProm) AddSnapshotErrors()                      { m.snapshotErrors.Inc() }
func (m *metricsProm) ObserveSnapshotDuration(seconds float64) { m.snapshotDuration.Observe(seconds) }
func (m *metricsProm) AddWorkersRequested(n float64)           { m.workersRequested.Add(n) }
func (m *metricsProm) AddWorkersTerminated(n float64)          { m.workersTerminated.Add(n) }
func (m *metricsProm) AddKuberayPatches()                      { m.kuberayPatches.Inc() }
func (m *metricsProm) AddKuberayAPIErrors()                    { m.kuberayAPIErrors.Inc() }
