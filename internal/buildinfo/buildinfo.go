// Package buildinfo reports the Nexus version. Release builds stamp the
// variables below with -ldflags; binaries from `go install` or `go build`
// fall back to the module version and VCS settings the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/nugget/nexus-agent/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && GitCommit == "unknown":
			GitCommit = s.Value
			if len(GitCommit) > 12 {
				GitCommit = GitCommit[:12]
			}
		case s.Key == "vcs.time" && BuildTime == "unknown":
			BuildTime = s.Value
		}
	}
}

// Info returns build and runtime details for `nexus version` and
// GET /v1/version.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(started).Truncate(time.Second).String(),
	}
}

// String is a one-line summary.
func String() string {
	return fmt.Sprintf("Nexus %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("nexus-agent/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
