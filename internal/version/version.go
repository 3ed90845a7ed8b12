// Package version carries build identification for the gpstrack binary.
package version

// Set at link time:
//
//	go build -ldflags "-X github.com/chronologos/gpstrack/internal/version.VERSION=0.2.0 \
//	  -X github.com/chronologos/gpstrack/internal/version.Commit=$(git rev-parse --short HEAD)" ./cmd/gpstrack
var (
	VERSION = "dev"
	Commit  = "dev"
)
