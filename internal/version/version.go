package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time via -ldflags.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String formats the build information on one line for logs.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
