// SPDX-License-Identifier: MIT

// Package version carries build metadata injected at link time.
package version

import "fmt"

var (
	// Version is the gateway release, populated via ldflags.
	Version = "v1.0.0"

	// Commit is the git short hash of the build.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the build metadata in a single line.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
