// Package buildinfo reports what binary is running: the release stamped
// in with -ldflags, falling back to the VCS data the Go toolchain embeds
// in module builds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at link time, e.g.
//
//	go build -ldflags "-X github.com/khairulanwarjo/gestella/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary. It is served by /version and
// printed by the version subcommand.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Info returns the current build description. A commit or build time
// left unstamped is filled from the toolchain's vcs settings when the
// binary was built inside a checkout.
func Info() Build {
	b := Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(&b, bi.Settings)
	}
	return b
}

func fillFromVCS(b *Build, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.GitCommit == "unknown" && s.Value != "" {
				b.GitCommit = s.Value[:min(len(s.Value), 12)]
			}
		case "vcs.time":
			if b.BuildTime == "unknown" && s.Value != "" {
				b.BuildTime = s.Value
			}
		}
	}
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the one-line banner used in startup logs and `version`.
func String() string {
	b := Info()
	return fmt.Sprintf("Gestella %s (%s@%s) built %s", b.Version, b.GitCommit, b.GitBranch, b.BuildTime)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("Gestella/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
