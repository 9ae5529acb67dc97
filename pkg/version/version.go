// Package version carries build information injected at build time.
// Example: go build -ldflags "-X aihive/pkg/version.Version=v1.2.3".
package version

//nolint:gochecknoglobals // Package-level vars are required for ldflags injection.
var (
	// Version is the semantic version, "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
