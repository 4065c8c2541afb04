// Package version holds build information injected with -ldflags -X.
package version

var (
	// Version is the release version.
	Version = "dev"
	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
