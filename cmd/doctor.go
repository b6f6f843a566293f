package cmd

import (
	"fmt"
	"io"

	"github.com/hashmap-kz/raygo/pkg/extras"
)

type DoctorOpts struct {
	ExpectMinimal bool
}

// RunDoctor prints one line per cataloged optional feature and whether this
// binary links it. With --expect-minimal it fails when anything optional is
// present, which is how CI asserts a minimal build stayed minimal.
func RunDoctor(w io.Writer, opts *DoctorOpts) error {
	for _, st := range extras.Status() {
		state := "not installed"
		if st.Installed {
			state = "installed"
		}
		_, _ = fmt.Fprintf(w, "%-10s %s", st.Name, state)
		if !st.Installed && st.Hint != "" {
			_, _ = fmt.Fprintf(w, " (%s)", st.Hint)
		}
		_, _ = fmt.Fprintln(w)
	}

	if opts.ExpectMinimal {
		if err := extras.VerifyMinimal(); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, "minimal installation: no optional features are linked")
	}
	return nil
}
