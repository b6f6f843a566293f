package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/hashmap-kz/raygo/pkg/serve"
)

type route struct {
	deployment serve.Deployment
	limiter    *rate.Limiter
	backends   []*httputil.ReverseProxy
	next       atomic.Uint64
}

// proxy is the serve data plane: a route table matched by longest prefix,
// per-deployment rate limits, and round-robin forwarding to upstreams.
type proxy struct {
	l      *slog.Logger
	mu     sync.RWMutex
	routes map[string]*route
}

func newProxy() *proxy {
	return &proxy{
		l:      slog.With(slog.String("component", "serve-proxy")),
		routes: make(map[string]*route),
	}
}

func (p *proxy) log() *slog.Logger {
	if p.l != nil {
		return p.l
	}
	return slog.Default()
}

func (p *proxy) upsert(d serve.Deployment) error {
	backends := make([]*httputil.ReverseProxy, 0, len(d.Upstreams))
	for _, upstream := range d.Upstreams {
		target := upstream
		if !strings.Contains(target, "://") {
			target = "http://" + target
		}
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("deployment %q: bad upstream %q: %w", d.Name, upstream, err)
		}
		rp := httputil.NewSingleHostReverseProxy(u)
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			p.log().Warn("upstream request failed",
				slog.String("deployment", d.Name),
				slog.String("upstream", u.Host),
				slog.Any("err", err),
			)
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway\n"))
		}
		backends = append(backends, rp)
	}

	var limiter *rate.Limiter
	if d.MaxRPS > 0 {
		burst := int(d.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(d.MaxRPS), burst)
	}

	p.mu.Lock()
	p.routes[d.Name] = &route{
		deployment: d,
		limiter:    limiter,
		backends:   backends,
	}
	p.mu.Unlock()

	p.log().Info("deployment routed",
		slog.String("deployment", d.Name),
		slog.String("route-prefix", d.RoutePrefix),
		slog.Int("upstreams", len(backends)),
	)
	return nil
}

func (p *proxy) remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.routes[name]; !ok {
		return fmt.Errorf("%w: %q", serve.ErrNoSuchDeployment, name)
	}
	delete(p.routes, name)
	return nil
}

func (p *proxy) deployments() []serve.Deployment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]serve.Deployment, 0, len(p.routes))
	for _, rt := range p.routes {
		out = append(out, rt.deployment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// match picks the route with the longest prefix covering the path.
func (p *proxy) match(path string) *route {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *route
	bestLen := -1
	for _, rt := range p.routes {
		prefix := rt.deployment.RoutePrefix
		if !prefixMatches(path, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best = rt
			bestLen = len(prefix)
		}
	}
	return best
}

func prefixMatches(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/-/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	case "/-/routes":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.deployments())
		return
	}

	rt := p.match(r.URL.Path)
	if rt == nil {
		http.Error(w, "no deployment matches this route", http.StatusNotFound)
		return
	}
	if rt.limiter != nil && !rt.limiter.Allow() {
		http.Error(w, "deployment rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if len(rt.backends) == 0 {
		http.Error(w, "deployment has no upstreams", http.StatusServiceUnavailable)
		return
	}

	idx := rt.next.Add(1)
	rt.backends[int(idx)%len(rt.backends)].ServeHTTP(w, r)
}
