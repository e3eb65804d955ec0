// Package version provides build-time version information for vcompress.
//
// The variables below are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/vcompress/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/vcompress/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/vcompress/internal/version.Branch=$(git rev-parse --abbrev-ref HEAD) \
//	                   -X github.com/jmylchreest/vcompress/internal/version.TreeState=clean \
//	                   -X github.com/jmylchreest/vcompress/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Variables left unset fall back to the module version and VCS stamps the
// Go toolchain records, so `go install` builds still report their commit.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version. Snapshots look like "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Branch is the git branch the binary was built from.
	Branch = "unknown"

	// TreeState is "clean" or "dirty".
	TreeState = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildInfo(bi)
	}
}

// applyBuildInfo fills the variables still at their defaults from bi.
func applyBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = strings.TrimPrefix(bi.Main.Version, "v")
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" {
				Commit = s.Value
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = s.Value
			}
		case "vcs.modified":
			if TreeState == "unknown" {
				TreeState = "clean"
				if s.Value == "true" {
					TreeState = "dirty"
				}
			}
		}
	}
}

// GoVersion is the Go runtime version.
var GoVersion = runtime.Version()

// ApplicationName is the canonical name of this application.
const ApplicationName = "vcompress"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	CommitSHA string `json:"commit_sha"`
	Branch    string `json:"branch"`
	TreeState string `json:"tree_state"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		CommitSHA: shortCommit(),
		Branch:    Branch,
		TreeState: TreeState,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Platform returns "os/arch".
func (i Info) Platform() string {
	return i.OS + "/" + i.Arch
}

// shortCommit returns the first 8 characters of Commit, or "" for unknown commits.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

// commitRef is the short commit with a trailing "*" for dirty trees.
func commitRef() string {
	sha := shortCommit()
	if sha != "" && TreeState == "dirty" {
		sha += "*"
	}
	return sha
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	ref := commitRef()
	if ref == "" {
		return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform())
	}

	details := []string{"commit: " + ref}
	if Branch != "unknown" && Branch != "" {
		details = append(details, "branch: "+Branch)
	}
	details = append(details, "built: "+info.Date, info.GoVersion, info.Platform())
	return fmt.Sprintf("%s version %s (%s)", ApplicationName, info.Version, strings.Join(details, ", "))
}

// Short returns a short version string for cobra's --version output, which
// prefixes the application name itself.
func Short() string {
	if ref := commitRef(); ref != "" {
		return fmt.Sprintf("%s (%s)", Version, ref)
	}
	return Version
}

// JSON returns the version information as indented JSON.
func JSON() string {
	data, _ := json.MarshalIndent(GetInfo(), "", "  ")
	return string(data)
}

// IsSnapshot returns true if this is a snapshot/prerelease build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

// IsRelease returns true if this is a tagged release build.
func IsRelease() bool {
	return !IsSnapshot()
}
