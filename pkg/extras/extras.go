// Package extras tracks the optional features of a raygo build.
//
// A minimal binary ships only the core control plane. Heavier subsystems
// (serve, for now) live in their own packages and hook themselves into the
// default registry from init() when linked; callers reach them through
// Lookup and get a descriptive NotInstalledError otherwise.
package extras

import "sort"

// Info describes one optional feature of the distribution.
type Info struct {
	// Name is the registry key runtime packages register under.
	Name string `json:"name"`
	// Module is the id reported when the feature is missing.
	Module string `json:"module"`
	// Extra is the install extra that provides the feature.
	Extra string `json:"extra"`
	// Hint is appended to the not-installed error message.
	Hint string `json:"hint,omitempty"`
}

// ExtraStatus pairs a cataloged feature with its linked state.
type ExtraStatus struct {
	Info
	Installed bool `json:"installed"`
}

// catalog lists every optional feature this binary knows how to report on,
// linked in or not.
var catalog = []Info{
	{
		Name:   "serve",
		Module: "ray.serve",
		Extra:  "ray[serve]",
		Hint:   `Rebuild with -tags serve to link the serve runtime into this binary.`,
	},
}

// Known returns the catalog entry for a feature name.
func Known(name string) (Info, bool) {
	for _, info := range catalog {
		if info.Name == name {
			return info, true
		}
	}
	return Info{}, false
}

// KnownExtras returns the catalog sorted by feature name.
func KnownExtras() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
