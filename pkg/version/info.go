// Package version reports build metadata of the running binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	// Unknown is used when build metadata is not provided.
	Unknown = "unknown"
	// DevelopmentVersion is reported by local builds.
	DevelopmentVersion = "dev"
)

// Set at build time:
//
//	go build -ldflags="-X github.com/nimburion/sharedqueue/pkg/version.AppVersion=v1.2.3"
var (
	AppVersion = ""
	GitCommit  = ""
	BuildTime  = ""
)

var readBuildInfo = debug.ReadBuildInfo

// Info contains version metadata for the service.
type Info struct {
	Service   string `json:"service" yaml:"service"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
}

// Current returns the build metadata. Values not set through ldflags fall back
// to the module version and VCS stamps recorded by the Go toolchain.
func Current(serviceName string) Info {
	info := Info{
		Service:   orDefault(serviceName, Unknown),
		Version:   strings.TrimSpace(AppVersion),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
	}
	if build, ok := readBuildInfo(); ok {
		if info.Version == "" && build.Main.Version != "" && build.Main.Version != "(devel)" {
			info.Version = build.Main.Version
		}
		for _, setting := range build.Settings {
			switch setting.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = setting.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = setting.Value
				}
			}
		}
	}
	info.Version = orDefault(info.Version, DevelopmentVersion)
	info.Commit = orDefault(info.Commit, Unknown)
	info.BuildTime = orDefault(info.BuildTime, Unknown)
	return info
}

// String returns a log-friendly representation.
func (i Info) String() string {
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s)", i.Service, i.Version, i.Commit, i.BuildTime)
}

func orDefault(v, fallback string) string {
	if norm := strings.TrimSpace(v); norm != "" {
		return norm
	}
	return fallback
}
