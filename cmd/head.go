package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/hashmap-kz/raygo/config"
	"github.com/hashmap-kz/raygo/internal/autoscaler"
	"github.com/hashmap-kz/raygo/internal/autoscaler/kuberay"
	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/httpsrv"
	"github.com/hashmap-kz/raygo/internal/jobq"
	"github.com/hashmap-kz/raygo/internal/metrics"
	"github.com/hashmap-kz/raygo/internal/raylet"
	"github.com/hashmap-kz/raygo/internal/transport"
	"github.com/hashmap-kz/raygo/internal/wrk"
	"github.com/hashmap-kz/raygo/pkg/serve"

	controlSvc "github.com/hashmap-kz/raygo/internal/httpsrv/service"
)

// taskPushTimeout bounds a single HTTP push to an actor's worker.
const taskPushTimeout = 5 * time.Second

type HeadModeOpts struct {
	ListenPort int
	Verbose    bool
}

func RunHeadMode(opts *HeadModeOpts) {
	cfg := config.Cfg()

	// setup context
	ctx, cancel := context.WithCancel(context.Background())
	ctx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// print options
	slog.LogAttrs(ctx, slog.LevelInfo, "opts", slog.Any("opts", opts))

	if cfg.Metrics.Enable {
		metrics.InitPromMetrics(ctx)
	}

	// control store
	var store gcs.Store
	if cfg.UsesExternalGCS() {
		pgStore, err := gcs.NewPGStore(ctx, cfg.GCS.ConnString)
		if err != nil {
			//nolint:gocritic
			log.Fatal(err)
		}
		store = pgStore
	} else {
		store = gcs.NewMemStore()
	}
	defer store.Close()

	// snapshots: warm the store from the newest snapshot before anything
	// registers, then keep dumping it on a cron
	var snapshotter *gcs.Snapshotter
	if cfg.GCS.Snapshot.Enable {
		stor, err := gcs.SetupSnapshotStorage(cfg)
		if err != nil {
			log.Fatal(err)
		}
		if err := gcs.CheckSnapshotManifest(cfg); err != nil {
			log.Fatal(err)
		}
		snapshotter = gcs.NewSnapshotter(store, stor, &gcs.SnapshotterOpts{
			ClusterName: cfg.Main.ClusterName,
			Cron:        cfg.GCS.Snapshot.Cron,
			KeepLast:    cfg.GCS.Snapshot.KeepLast,
		})
		if _, err := snapshotter.RestoreLatest(ctx); err != nil {
			// A head with an empty store is still usable; workers re-register.
			slog.Warn("cannot restore latest snapshot", slog.Any("err", err))
		}
		if err := snapshotter.Run(ctx); err != nil {
			log.Fatal(err)
		}
		defer snapshotter.Stop()
	}

	// node table, with this head as the first row
	nodes := gcs.NewNodeTable(store)
	headID, err := nodes.Register(ctx, &gcs.NodeInfo{
		ID:   headNodeID(),
		Kind: gcs.NodeKindHead,
	})
	if err != nil {
		log.Fatal(err)
	}

	// task plumbing: queues -> dispatcher -> per-actor submitter
	queues := raylet.NewTaskQueues()
	finisher := transport.NewStoreFinisher(store)
	pool := transport.NewClientPool(transport.DefaultClientFactory(taskPushTimeout))
	submitter := transport.NewActorTaskSubmitter(ctx, pool, finisher, &transport.ActorTaskSubmitterOpts{
		OutOfOrder:         cfg.Tasks.OutOfOrder,
		QueueWarnThreshold: cfg.Tasks.QueueWarnThreshold,
	})
	dispatcher := transport.NewDispatcher(queues, submitter, nodes, finisher, &transport.DispatcherOpts{
		Interval: cfg.Tasks.DispatchIntervalParsed,
	})
	if err := services.StartAndAwaitRunning(ctx, dispatcher); err != nil {
		log.Fatal(err)
	}
	defer func() {
		_ = services.StopAndAwaitTerminated(context.Background(), dispatcher)
		submitter.Drain()
	}()

	// resource reporter feeds the autoscaler's demand signal
	reporter := raylet.NewResourceReporter(queues, store, &raylet.ResourceReporterOpts{
		NodeID:    headID,
		Interval:  cfg.Raylet.ReportIntervalParsed,
		MaxShapes: cfg.Raylet.MaxShapesPerReport,
	})
	if err := services.StartAndAwaitRunning(ctx, reporter); err != nil {
		log.Fatal(err)
	}
	defer func() {
		_ = services.StopAndAwaitTerminated(context.Background(), reporter)
	}()

	// background job queue (on-demand snapshots)
	jobQueue := jobq.NewJobQueue(8)
	jobQueue.Start(ctx)

	// autoscaler monitor, paused/resumed through the control API
	var autoscalerCtr *wrk.WorkerController
	if cfg.Autoscaler.Enable {
		krClient := kuberay.NewClient(&kuberay.ClientOpts{
			APIServer:      cfg.Autoscaler.Kuberay.APIServer,
			Namespace:      cfg.Autoscaler.Kuberay.Namespace,
			CRDVersion:     cfg.Autoscaler.Kuberay.CRDVersion,
			RequestTimeout: cfg.Autoscaler.Kuberay.RequestTimeoutParsed,
		})
		provider := kuberay.NewProvider(krClient, &kuberay.ProviderOpts{
			ClusterName: cfg.Autoscaler.Kuberay.ClusterName,
		})
		monitor := autoscaler.NewMonitor(
			autoscaler.NewBatchingProvider(provider),
			nodes,
			store,
			&autoscaler.MonitorOpts{
				SyncInterval:   cfg.Autoscaler.SyncIntervalParsed,
				WorkerGroup:    cfg.Autoscaler.WorkerGroup,
				TasksPerWorker: cfg.Autoscaler.TasksPerWorker,
				MinWorkers:     cfg.Autoscaler.MinWorkers,
				MaxWorkers:     cfg.Autoscaler.MaxWorkers,
				DeadNodeTTL:    cfg.GCS.DeadNodeTTLParsed,
			},
		)
		autoscalerCtr = wrk.NewWorkerController(ctx, "autoscaler-monitor", monitor.Run)
		autoscalerCtr.Start()
		defer autoscalerCtr.Wait()
	}

	// serve data plane; Start fails with the install hint when the
	// runtime is not linked into this binary
	serveRoutes := gcs.NewServeRoutes(store)
	if cfg.Serve.Enable {
		err := serve.Start(ctx,
			serve.WithListenAddr(fmt.Sprintf(":%d", cfg.Serve.ListenPort)),
			serve.WithVerbose(opts.Verbose),
		)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := serve.Shutdown(context.Background()); err != nil {
				slog.Error("serve shutdown failed", slog.Any("err", err))
			}
		}()
		restoreServeDeployments(ctx, serveRoutes)
	}

	// Use WaitGroup to wait for all goroutines to finish
	var wg sync.WaitGroup

	// HTTP control server
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("http server panicked",
					slog.Any("panic", r),
					slog.String("goroutine", "http-server"),
				)
			}
		}()

		service := controlSvc.NewControlService(&controlSvc.ControlServiceOpts{
			NodeID:       headID,
			RunningMode:  config.ModeHead,
			ServeEnabled: cfg.Serve.Enable,
			Nodes:        nodes,
			Queues:       queues,
			Submitter:    submitter,
			Recorder:     finisher,
			Snapshotter:  snapshotter,
			Jobs:         jobQueue,
			Autoscaler:   autoscalerCtr,
			Routes:       serveRoutes,
		})
		handlers := httpsrv.InitHTTPHandlers(&httpsrv.HTTPHandlersOpts{
			Service:   service,
			Verbose:   opts.Verbose,
			AuthToken: cfg.Main.AuthToken,
		})
		srv := httpsrv.NewHTTPSrv(opts.ListenPort, handlers)
		if err := srv.Run(ctx); err != nil {
			slog.Error("http server failed", slog.Any("err", err))
			cancel() // the head is unreachable without its control API
		}
	}()

	// Wait for signal (context cancellation)
	<-ctx.Done()
	slog.Info("shutting down, waiting for goroutines...")

	// Wait for all goroutines to finish
	wg.Wait()
	slog.Info("all components shut down cleanly")
}

// headNodeID is the hostname so the row lines up with the pod name under
// KubeRay; workers resolve the head the same way.
func headNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		return "head"
	}
	return host
}

// restoreServeDeployments replays the persisted route table into the
// freshly started serve runtime.
func restoreServeDeployments(ctx context.Context, routes *gcs.ServeRoutes) {
	deployments, err := routes.List(ctx)
	if err != nil {
		slog.Warn("cannot load persisted serve deployments", slog.Any("err", err))
		return
	}
	for _, d := range deployments {
		if err := serve.Deploy(ctx, d); err != nil {
			slog.Warn("cannot restore serve deployment",
				slog.String("deployment", d.Name),
				slog.Any("err", err))
			continue
		}
		slog.Info("serve deployment restored",
			slog.String("deployment", d.Name),
			slog.String("route-prefix", d.RoutePrefix))
	}
}
