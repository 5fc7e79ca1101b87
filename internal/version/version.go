// Package version provides build-time version information for the RPA runner.
// Version, Commit, and BuildTime are populated via ldflags during the build process.
// For development builds, default values are used.
package version

import "runtime"

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/stha-sanket/RPA-App/internal/version.Version=1.0.0 \
//	                   -X github.com/stha-sanket/RPA-App/internal/version.Commit=abc123 \
//	                   -X github.com/stha-sanket/RPA-App/internal/version.BuildTime=2025-01-29T12:00:00Z"
var (
	// Version is the semantic version of the runner (e.g., "1.0.0", "dev").
	Version = "dev"

	// Commit is the git commit hash from which the binary was built.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built (RFC3339 format).
	BuildTime = "unknown"
)

// BuildInfo is the JSON form of the version, served by the API.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information.
func Get() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Info returns a formatted string with all version information.
func Info() string {
	return "rpa-runner " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
