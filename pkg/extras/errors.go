package extras

import (
	"errors"
	"fmt"
)

// ErrNotInstalled is the sentinel wrapped by every missing-feature lookup.
var ErrNotInstalled = errors.New("optional feature is not installed")

// NotInstalledError reports that an optional feature was requested but its
// implementation is not linked into the running binary.
type NotInstalledError struct {
	// Module is the import-style id reported to the caller, e.g. "ray.serve".
	Module string
	// Extra is the install extra that provides the feature, e.g. "ray[serve]".
	Extra string
	// Hint optionally tells the operator how to produce a binary that has it.
	Hint string
}

func (e *NotInstalledError) Error() string {
	msg := fmt.Sprintf("module %q not found. To use this feature, install %q.", e.Module, e.Extra)
	if e.Hint != "" {
		msg += " " + e.Hint
	}
	return msg
}

func (e *NotInstalledError) Unwrap() error { return ErrNotInstalled }
