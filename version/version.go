// Package version holds build-time version information.
package version

// Overridden at build time:
//
//	go build -ldflags "-X github.com/osbuild/mdb/version.Version=... -X github.com/osbuild/mdb/version.GitCommit=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
)
