package httpsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/hashmap-kz/raygo/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	controlCrt "github.com/hashmap-kz/raygo/internal/httpsrv/controller"
	controlSvc "github.com/hashmap-kz/raygo/internal/httpsrv/service"

	"github.com/hashmap-kz/raygo/internal/httpsrv/middleware"

	"golang.org/x/time/rate"
)

type HTTPHandlersOpts struct {
	Service   controlSvc.ControlService
	Verbose   bool
	AuthToken string
}

func InitHTTPHandlers(opts *HTTPHandlersOpts) http.Handler {
	cfg := config.Cfg()
	l := slog.With("component", "rest-api")

	controller := controlCrt.NewController(opts.Service)

	// init middlewares
	loggingMiddleware := middleware.LoggingMiddleware{
		Logger:  l,
		Verbose: opts.Verbose,
	}
	rateLimitMiddleware := middleware.RateLimiterMiddleware{Limiter: rate.NewLimiter(5, 10)}

	// Build middleware chain
	secure := []middleware.Middleware{
		middleware.SafeHandlerMiddleware,
		loggingMiddleware.Middleware,
		rateLimitMiddleware.Middleware,
	}
	if opts.AuthToken != "" {
		authMiddleware := middleware.AuthMiddleware{Token: opts.AuthToken}
		secure = append(secure, authMiddleware.Middleware)
	}
	secureChain := middleware.Chain(secure...)

	// Worker-driven endpoints skip the rate limiter and stay token-free:
	// heartbeats and backlog reports arrive at cluster frequency.
	plainChain := middleware.Chain(
		middleware.SafeHandlerMiddleware,
		loggingMiddleware.Middleware,
	)

	// Init handlers
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Operator surface
	mux.Handle("/status", secureChain(http.HandlerFunc(controller.StatusHandler)))
	mux.Handle("GET /api/v1/nodes", secureChain(http.HandlerFunc(controller.NodesHandler)))
	mux.Handle("POST /api/v1/tasks", secureChain(http.HandlerFunc(controller.SubmitTaskHandler)))
	mux.Handle("GET /api/v1/actors", secureChain(http.HandlerFunc(controller.ActorsHandler)))
	mux.Handle("POST /api/v1/actors/{id}/connect", secureChain(http.HandlerFunc(controller.ConnectActorHandler)))
	mux.Handle("POST /api/v1/actors/{id}/kill", secureChain(http.HandlerFunc(controller.KillActorHandler)))
	mux.Handle("POST /api/v1/gcs/snapshot", secureChain(http.HandlerFunc(controller.SnapshotHandler)))
	mux.Handle("POST /api/v1/autoscaler/pause", secureChain(http.HandlerFunc(controller.AutoscalerPauseHandler)))
	mux.Handle("POST /api/v1/autoscaler/resume", secureChain(http.HandlerFunc(controller.AutoscalerResumeHandler)))
	mux.Handle("GET /api/v1/serve", secureChain(http.HandlerFunc(controller.ServeStatusHandler)))
	mux.Handle("POST /api/v1/serve/deployments", secureChain(http.HandlerFunc(controller.ServeDeployHandler)))
	mux.Handle("DELETE /api/v1/serve/deployments/{name}", secureChain(http.HandlerFunc(controller.ServeDeleteHandler)))

	// Worker surface
	mux.Handle("POST /api/v1/nodes/register", plainChain(http.HandlerFunc(controller.RegisterNodeHandler)))
	mux.Handle("POST /api/v1/nodes/{id}/heartbeat", plainChain(http.HandlerFunc(controller.NodeHeartbeatHandler)))
	mux.Handle("POST /api/v1/tasks/backlog", plainChain(http.HandlerFunc(controller.BacklogReportHandler)))

	if cfg.Metrics.Enable {
		l.Debug("enable metric endpoints")

		mux.Handle("/metrics", promhttp.Handler())
	}

	if cfg.DevConfig.Pprof.Enable {
		l.Debug("enable pprof endpoints")

		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

type HTTPSrv struct {
	l      *slog.Logger
	port   int
	router http.Handler
}

func NewHTTPSrv(port int, router http.Handler) *HTTPSrv {
	return &HTTPSrv{
		l:      slog.With("component", "httpsrv"),
		port:   port,
		router: router,
	}
}

func (s *HTTPSrv) log() *slog.Logger {
	if s.l != nil {
		return s.l
	}
	return slog.With("component", "httpsrv")
}

func (s *HTTPSrv) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Context was cancelled, shut down the HTTP server gracefully
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log().Error("HTTP server shutdown error", slog.Any("err", err))
		} else {
			s.log().Debug("HTTP server shut down")
		}
	}()

	s.log().Info("starting HTTP server", slog.String("addr", srv.Addr))

	// Start the server (blocking)
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err // real error
	}
	return nil
}
