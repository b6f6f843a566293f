package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hashmap-kz/raygo/internal/raylet"
)

// PushClient delivers one task to a worker. A nil return acknowledges
// the task; any error means the worker did not take it.
type PushClient interface {
	Push(ctx context.Context, t *raylet.Task) error
}

// ClientFactory builds a PushClient for a worker address ("host:port").
type ClientFactory func(addr string) PushClient

// ClientPool caches one PushClient per worker address.
type ClientPool struct {
	mu      sync.Mutex
	factory ClientFactory
	clients map[string]PushClient
}

func NewClientPool(factory ClientFactory) *ClientPool {
	return &ClientPool{
		factory: factory,
		clients: make(map[string]PushClient),
	}
}

func (p *ClientPool) GetOrCreate(addr string) PushClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[addr]; ok {
		return c
	}
	c := p.factory(addr)
	p.clients[addr] = c
	return c
}

// Forget drops the cached client for an address, e.g. after the actor
// behind it died.
func (p *ClientPool) Forget(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, addr)
}

func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// HTTPPushClient pushes tasks to a worker's actor endpoint over HTTP.
type HTTPPushClient struct {
	addr   string
	client *resty.Client
}

var _ PushClient = (*HTTPPushClient)(nil)

func NewHTTPPushClient(addr string, timeout time.Duration) *HTTPPushClient {
	client := resty.New()
	client.SetRetryCount(0)
	client.SetTimeout(timeout)
	return &HTTPPushClient{
		addr:   addr,
		client: client,
	}
}

func (c *HTTPPushClient) Push(ctx context.Context, t *raylet.Task) error {
	url := fmt.Sprintf("http://%s/api/v1/actors/%s/tasks", c.addr, t.ActorID)
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(t).
		Post(url)
	if err != nil {
		return fmt.Errorf("push task %s to %s: %w", t.ID, c.addr, err)
	}
	if resp.IsError() {
		return fmt.Errorf("push task %s to %s: status %d", t.ID, c.addr, resp.StatusCode())
	}
	return nil
}

// DefaultClientFactory builds HTTP push clients with a shared timeout.
func DefaultClientFactory(timeout time.Duration) ClientFactory {
	return func(addr string) PushClient {
		return NewHTTPPushClient(addr, timeout)
	}
}
