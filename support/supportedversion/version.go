// Package supportedversion carries the build's version metadata. The
// variables are stamped at link time with -ldflags.
package supportedversion

import "fmt"

var (
	// Version is the semantic version of this build, or "dev" for local
	// builds.
	Version = "dev"
	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"
)

// String renders the version line shown by kilnctl version and the health
// endpoint.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}
