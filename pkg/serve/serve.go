// Package serve is the public facade over the optional serve runtime.
//
// The runtime itself lives in pkg/serve/runtime and is linked into a binary
// only when something imports it (the head command does so behind the
// "serve" build tag). Every facade call goes through the extras registry:
// with the runtime linked it is dispatched to the real implementation,
// without it the caller gets an *extras.NotInstalledError naming the
// install extra that provides the feature.
package serve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashmap-kz/raygo/pkg/extras"
)

// Feature is the registry name the serve runtime registers under.
const Feature = "serve"

// DefaultListenAddr is where the proxy listens unless overridden.
const DefaultListenAddr = ":8000"

// ErrNoSuchDeployment reports an operation on a deployment name that is
// not in the route table.
var ErrNoSuchDeployment = errors.New("no such deployment")

// Deployment describes one routable application behind the serve proxy.
type Deployment struct {
	Name        string   `json:"name"`
	RoutePrefix string   `json:"route_prefix"`
	Upstreams   []string `json:"upstreams"`
	// MaxRPS caps requests per second for this deployment; 0 means unlimited.
	MaxRPS float64 `json:"max_rps,omitempty"`
}

// Status reports the observable state of the serve runtime.
type Status struct {
	Running     bool         `json:"running"`
	ListenAddr  string       `json:"listen_addr"`
	Deployments []Deployment `json:"deployments"`
}

// Options tune runtime startup.
type Options struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
	// Verbose enables per-request logging on the ingress.
	Verbose bool
}

type Option func(*Options)

func WithListenAddr(addr string) Option {
	return func(o *Options) { o.ListenAddr = addr }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = d }
}

func WithVerbose(v bool) Option {
	return func(o *Options) { o.Verbose = v }
}

func defaultOptions() Options {
	return Options{
		ListenAddr:      DefaultListenAddr,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Backend is the contract a linked serve runtime implements and registers
// with the extras registry under Feature.
type Backend interface {
	Start(ctx context.Context, opts Options) error
	Shutdown(ctx context.Context) error
	Deploy(ctx context.Context, d Deployment) error
	Delete(ctx context.Context, name string) error
	Status(ctx context.Context) (Status, error)
}

func backend() (Backend, error) {
	impl, err := extras.Lookup(Feature)
	if err != nil {
		return nil, err
	}
	b, ok := impl.(Backend)
	if !ok {
		return nil, fmt.Errorf("serve: registered implementation has unexpected type %T", impl)
	}
	return b, nil
}

// Start boots the serve proxy when its runtime is linked into this binary.
// Without the runtime it fails with extras.ErrNotInstalled.
func Start(ctx context.Context, opts ...Option) error {
	b, err := backend()
	if err != nil {
		return err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return b.Start(ctx, o)
}

// Shutdown stops the proxy and waits for in-flight requests to drain.
func Shutdown(ctx context.Context) error {
	b, err := backend()
	if err != nil {
		return err
	}
	return b.Shutdown(ctx)
}

// Deploy adds or replaces a deployment in the route table.
func Deploy(ctx context.Context, d Deployment) error {
	b, err := backend()
	if err != nil {
		return err
	}
	return b.Deploy(ctx, d)
}

// Delete removes a deployment from the route table.
func Delete(ctx context.Context, name string) error {
	b, err := backend()
	if err != nil {
		return err
	}
	return b.Delete(ctx, name)
}

// GetStatus reports the runtime state of the proxy.
func GetStatus(ctx context.Context) (Status, error) {
	b, err := backend()
	if err != nil {
		return Status{}, err
	}
	return b.Status(ctx)
}
