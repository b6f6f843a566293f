// Package kuberay scales a RayCluster custom resource through the
// Kubernetes API server. The autoscaler never talks to pods directly: it
// posts the goal state (replica counts, workersToDelete) to the CR and the
// KubeRay operator does the rest.
package kuberay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hashmap-kz/raygo/internal/metrics"
)

const (
	defaultAPIServer      = "https://kubernetes.default:443"
	defaultCRDVersion     = "v1alpha1"
	defaultRequestTimeout = 10 * time.Second

	serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token" //nolint:gosec
	serviceAccountCAPath    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	tokenRefreshPeriod = 1 * time.Minute
)

type ClientOpts struct {
	APIServer      string
	Namespace      string
	CRDVersion     string
	RequestTimeout time.Duration
	// TokenPath and CAPath default to the in-cluster service account
	// locations. A missing token file means anonymous access.
	TokenPath string
	CAPath    string
	// InsecureSkipTLSVerify disables server certificate checks. Test use only.
	InsecureSkipTLSVerify bool
}

// Client is a thin JSON client for the two resource kinds the autoscaler
// touches: pods and rayclusters. The bearer token is re-read from disk
// every minute because service account tokens rotate.
type Client struct {
	l      *slog.Logger
	opts   *ClientOpts
	client *resty.Client

	mu            sync.Mutex
	token         string
	tokenloadedAt time.Time
	now           func() time.Time
}

func NewClient(opts *ClientOpts) *Client {
	if opts.APIServer == "" {
		opts.APIServer = defaultAPIServer
	}
	if opts.CRDVersion == "" {
		opts.CRDVersion = defaultCRDVersion
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.TokenPath == "" {
		opts.TokenPath = serviceAccountTokenPath
	}
	if opts.CAPath == "" {
		opts.CAPath = serviceAccountCAPath
	}

	client := resty.New()
	client.SetRetryCount(0)
	client.SetTimeout(opts.RequestTimeout)
	if opts.InsecureSkipTLSVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	} else if _, err := os.Stat(opts.CAPath); err == nil {
		client.SetRootCertificate(opts.CAPath)
	}

	return &Client{
		l:      slog.With(slog.String("component", "kuberay-client")),
		opts:   opts,
		client: client,
		now:    time.Now,
	}
}

func (c *Client) log() *slog.Logger {
	if c.l != nil {
		return c.l
	}
	return slog.Default()
}

// urlFor converts a resource path ("pods?...", "rayclusters/<name>") into
// a full API server URL. Only HTTPS access is allowed.
func (c *Client) urlFor(path string) (string, error) {
	host := c.opts.APIServer
	if strings.HasPrefix(host, "http://") {
		return "", fmt.Errorf("kubernetes api server must be accessed over https, got %q", host)
	}
	if !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}

	var apiGroup string
	switch {
	case strings.HasPrefix(path, "pods"):
		apiGroup = "/api/v1"
	case strings.HasPrefix(path, "rayclusters"):
		apiGroup = "/apis/ray.io/" + c.opts.CRDVersion
	default:
		return "", fmt.Errorf("unsupported resource path %q", path)
	}
	return host + apiGroup + "/namespaces/" + c.opts.Namespace + "/" + path, nil
}

// bearerToken returns the cached service account token, re-reading it
// after the refresh period. A missing token file downgrades to anonymous
// access instead of failing the request.
func (c *Client) bearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Sub(c.tokenloadedAt) < tokenRefreshPeriod {
		return c.token
	}

	data, err := os.ReadFile(c.opts.TokenPath)
	if err != nil {
		c.log().Debug("service account token not readable, using anonymous access",
			slog.String("path", c.opts.TokenPath),
		)
		c.tokenloadedAt = c.now()
		return c.token
	}
	c.log().Debug("refreshed kubernetes api token")
	c.token = strings.TrimSpace(string(data))
	c.tokenloadedAt = c.now()
	return c.token
}

// Get fetches a resource and decodes the JSON body.
func (c *Client) Get(ctx context.Context, path string) (map[string]any, error) {
	url, err := c.urlFor(path)
	if err != nil {
		return nil, err
	}

	var body map[string]any
	req := c.client.R().SetContext(ctx).SetResult(&body)
	if token := c.bearerToken(); token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	resp, err := req.Get(url)
	if err != nil {
		metrics.M.AddKuberayAPIErrors()
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.IsError() {
		metrics.M.AddKuberayAPIErrors()
		return nil, fmt.Errorf("get %s: status %d", path, resp.StatusCode())
	}
	return body, nil
}

// Patch applies a JSON patch to a resource.
func (c *Client) Patch(ctx context.Context, path string, payload []PatchOp) error {
	url, err := c.urlFor(path)
	if err != nil {
		return err
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json-patch+json").
		SetBody(payload)
	if token := c.bearerToken(); token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	resp, err := req.Patch(url)
	if err != nil {
		metrics.M.AddKuberayAPIErrors()
		return fmt.Errorf("patch %s: %w", path, err)
	}
	if resp.IsError() {
		metrics.M.AddKuberayAPIErrors()
		return fmt.Errorf("patch %s: status %d", path, resp.StatusCode())
	}
	metrics.M.AddKuberayPatches()
	return nil
}
