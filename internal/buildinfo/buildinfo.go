// Package buildinfo holds the version string stamped into both binaries at
// link time via -ldflags, mirroring the teacher's single package-level
// `var version = "dev"` but shared so relayd and relay-client report the
// same scheme.
package buildinfo

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/sessionrelay/core/internal/buildinfo.Version=1.2.3"
var Version = "dev"
