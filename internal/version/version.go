// Package version holds build metadata, overridden at link time via
// -ldflags "-X ...".
package version

var (
	// Version is the release version.
	Version = "dev"
	// GitSHA is the source revision the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
