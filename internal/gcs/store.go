// Package gcs holds the global control store of a raygo head node: a
// namespaced key/value store the other subsystems publish their state
// through (node table, load reports, task records, serve routes).
package gcs

import (
	"context"
	"errors"
)

// Namespaces partition the control-store key space.
const (
	NsNodes  = "nodes"
	NsTasks  = "tasks"
	NsLoad   = "load"
	NsServe  = "serve"
	NsConfig = "config"
)

// ErrNotFound is returned for lookups of keys that were never put.
var ErrNotFound = errors.New("gcs: key not found")

// Store is the control-plane key/value store. Implementations must be safe
// for concurrent use. Values are opaque bytes; callers bring their own
// serialization.
type Store interface {
	Put(ctx context.Context, ns, key string, value []byte) error
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Delete(ctx context.Context, ns, key string) error
	Exists(ctx context.Context, ns, key string) (bool, error)

	// Keys returns the sorted keys of a namespace.
	Keys(ctx context.Context, ns string) ([]string, error)
	// All returns every entry of a namespace.
	All(ctx context.Context, ns string) (map[string][]byte, error)
	// Namespaces returns the sorted names of all non-empty namespaces.
	Namespaces(ctx context.Context) ([]string, error)

	Close()
}
