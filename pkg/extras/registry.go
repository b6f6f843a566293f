package extras

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry tracks which optional features are linked into this binary.
// The zero value is not usable; construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	features map[string]any
}

func NewRegistry() *Registry {
	return &Registry{features: make(map[string]any)}
}

// Register binds an implementation under a feature name. It panics on an
// empty name, a nil implementation or a duplicate registration: those are
// programmer errors in an init() chain and must fail at startup, not later.
func (r *Registry) Register(name string, impl any) {
	if name == "" {
		panic("extras: Register with empty feature name")
	}
	if impl == nil {
		panic(fmt.Sprintf("extras: Register(%q) with nil implementation", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.features[name]; dup {
		panic(fmt.Sprintf("extras: Register(%q) called twice", name))
	}
	r.features[name] = impl
}

// Lookup returns the implementation registered under name. A feature that is
// not linked in yields a *NotInstalledError telling the caller how to get it.
func (r *Registry) Lookup(name string) (any, error) {
	r.mu.RLock()
	impl, ok := r.features[name]
	r.mu.RUnlock()
	if ok {
		return impl, nil
	}

	if info, known := Known(name); known {
		return nil, &NotInstalledError{Module: info.Module, Extra: info.Extra, Hint: info.Hint}
	}
	// Unknown to the catalog: report the bare name for both fields.
	return nil, &NotInstalledError{Module: name, Extra: name}
}

// Installed reports whether a feature implementation is linked in.
func (r *Registry) Installed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.features[name]
	return ok
}

// Names returns the sorted names of all registered features.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.features))
	for name := range r.features {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Status reports every cataloged feature with its linked state.
func (r *Registry) Status() []ExtraStatus {
	infos := KnownExtras()
	out := make([]ExtraStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, ExtraStatus{Info: info, Installed: r.Installed(info.Name)})
	}
	return out
}

// VerifyMinimal returns an error when any optional feature is linked in.
// A minimal binary must carry none of them.
func (r *Registry) VerifyMinimal() error {
	names := r.Names()
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("binary is not minimal, optional features linked in: %s", strings.Join(names, ", "))
}

// defaultRegistry is the registry runtime packages hook into from init().
var defaultRegistry = NewRegistry()

func Register(name string, impl any)  { defaultRegistry.Register(name, impl) }
func Lookup(name string) (any, error) { return defaultRegistry.Lookup(name) }
func Installed(name string) bool      { return defaultRegistry.Installed(name) }
func Names() []string                 { return defaultRegistry.Names() }
func Status() []ExtraStatus           { return defaultRegistry.Status() }
func VerifyMinimal() error            { return defaultRegistry.VerifyMinimal() }
