// Package buildinfo reports how the running binary was built.
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X" for release builds.
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const modulePath = "github.com/aidanlsb/stellator"

// Info describes the running binary.
type Info struct {
	Version    string `json:"version"`
	ModulePath string `json:"module_path"`
	Commit     string `json:"commit,omitempty"`
	CommitTime string `json:"commit_time,omitempty"`
	Modified   bool   `json:"modified"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

var readBuildInfo = debug.ReadBuildInfo

// Read combines module build information with the linker-provided values.
// Linker values win over what the module records.
func Read() Info {
	info := Info{
		Version:    "devel",
		ModulePath: modulePath,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := readBuildInfo(); ok && bi != nil {
		if bi.Main.Path != "" {
			info.ModulePath = bi.Main.Path
		}
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				info.CommitTime = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}

	if Version != "" {
		info.Version = Version
	}
	if Commit != "" {
		info.Commit = Commit
	}
	if Date != "" {
		info.CommitTime = Date
	}
	return info
}
