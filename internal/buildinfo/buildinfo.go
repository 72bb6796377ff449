// Package buildinfo exposes the build identifier stamped into the binary.
package buildinfo

// Version is the server build identifier. Overridden at link time:
//
//	go build -ldflags "-X github.com/sparkq-dev/sparkq/internal/buildinfo.Version=$(git rev-parse --short HEAD)"
var Version = "dev"
