// Package runtime is the real serve implementation. Linking it into a
// binary installs the "serve" extra: the package init registers the
// runtime with the extras registry, and the serve facade dispatches here
// instead of failing with a not-installed error. The head command imports
// this package behind the "serve" build tag.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashmap-kz/raygo/internal/httpsrv/middleware"
	"github.com/hashmap-kz/raygo/pkg/extras"
	"github.com/hashmap-kz/raygo/pkg/serve"
)

// ErrAlreadyRunning rejects a second Start without a Shutdown in between.
var ErrAlreadyRunning = errors.New("serve runtime already running")

// Default is the process-wide runtime instance the facade dispatches to.
var Default = New()

func init() {
	extras.Register(serve.Feature, Default)
}

// Runtime runs the serve proxy server. The route table survives proxy
// restarts: deployments may be created before Start and stay in place
// across Shutdown/Start cycles.
type Runtime struct {
	l     *slog.Logger
	proxy *proxy

	mu              sync.Mutex
	srv             *http.Server
	listenAddr      string
	shutdownTimeout time.Duration
	running         bool
}

var _ serve.Backend = (*Runtime)(nil)

func New() *Runtime {
	return &Runtime{
		l:     slog.With(slog.String("component", "serve-runtime")),
		proxy: newProxy(),
	}
}

func (r *Runtime) log() *slog.Logger {
	if r.l != nil {
		return r.l
	}
	return slog.Default()
}

// Handler exposes the proxy handler, mainly for tests that want to drive
// it without a listener.
func (r *Runtime) Handler() http.Handler {
	return r.proxy
}

func (r *Runtime) Start(_ context.Context, opts serve.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}

	addr := opts.ListenAddr
	if addr == "" {
		addr = serve.DefaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("serve: listen on %s: %w", addr, err)
	}

	loggingMw := &middleware.LoggingMiddleware{Logger: r.log(), Verbose: opts.Verbose}
	handler := middleware.Chain(
		middleware.SafeHandlerMiddleware,
		loggingMw.Middleware,
	)(r.proxy)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.srv = srv
	r.listenAddr = ln.Addr().String()
	r.shutdownTimeout = opts.ShutdownTimeout
	r.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log().Error("serve proxy server failed", slog.Any("err", err))
		}
	}()

	r.log().Info("serve proxy started", slog.String("addr", r.listenAddr))
	return nil
}

// Shutdown stops the listener and drains in-flight requests. Stopping a
// runtime that is not running is a no-op.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	timeout := r.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := r.srv.Shutdown(shutdownCtx)
	r.srv = nil
	r.listenAddr = ""
	r.running = false
	r.log().Info("serve proxy stopped")
	return err
}

func (r *Runtime) Deploy(_ context.Context, d serve.Deployment) error {
	if d.Name == "" {
		return fmt.Errorf("deployment name is required")
	}
	if !strings.HasPrefix(d.RoutePrefix, "/") {
		return fmt.Errorf("deployment %q: route prefix must start with /", d.Name)
	}
	return r.proxy.upsert(d)
}

func (r *Runtime) Delete(_ context.Context, name string) error {
	return r.proxy.remove(name)
}

func (r *Runtime) Status(_ context.Context) (serve.Status, error) {
	r.mu.Lock()
	running, addr := r.running, r.listenAddr
	r.mu.Unlock()

	return serve.Status{
		Running:     running,
		ListenAddr:  addr,
		Deployments: r.proxy.deployments(),
	}, nil
}
