// Package version holds build-time version info injected via ldflags.
//
// Build with:
//
//	go build -ldflags "-X github.com/xfeldman/mxu/internal/version.version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
)

// version is set at build time via -ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string {
	return version
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("mxu/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}
