// Package version carries build-time version information.
package version

import (
	"runtime"
	"runtime/debug"
)

// Set at build time via -ldflags.
var (
	// Version is the service version.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = "unknown"
	// BuildDate is when the binary was built.
	BuildDate = "unknown"
)

// Info is the version snapshot reported by the health endpoint and the
// startup log line.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the version info, filling the commit from module build info
// when ldflags did not set one.
func Get() Info {
	commit := Commit
	buildDate := BuildDate
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if commit == "unknown" {
					commit = setting.Value
				}
			case "vcs.time":
				if buildDate == "unknown" {
					buildDate = setting.Value
				}
			}
		}
	}
	return Info{
		Version:   Version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
	}
}
