// Package version provides build version information for NetWraith.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns a full version string including commit and build time.
func String() string {
	return fmt.Sprintf("NetWraith %s (%s) built %s", Version, GitCommit, BuildTime)
}

// Full returns version info with Go version and platform.
func Full() string {
	return fmt.Sprintf("%s - Go %s %s/%s", String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent by the control channel client.
func UserAgent() string {
	return "netwraith/" + Version
}
