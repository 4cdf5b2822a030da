// Package version provides build and version information.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version, set via ldflags at build time.
var Version = "dev"

// Build information set via ldflags at build time.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version used to build the binary.
	GoVersion = runtime.Version()
)

// String returns a one-line version description.
func String() string {
	return fmt.Sprintf("xu-news %s (commit %s, built %s, %s)", Version, Commit, Date, GoVersion)
}
