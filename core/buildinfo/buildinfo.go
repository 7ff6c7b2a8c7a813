// Package buildinfo reports which build is running. Release builds stamp
// the variables with -ldflags:
//
//	-X 'github.com/m3rciful/userbots/core/buildinfo.Version=v1.2.3'
//	-X 'github.com/m3rciful/userbots/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/userbots/core/buildinfo.Date=2025-08-30T12:00:00Z'
//
// Unstamped builds fall back to the VCS settings the go tool embeds.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Stamped at link time.
var (
	Version = "dev"
	Commit  = "local"
	Date    = ""
)

// Info is a resolved build description.
type Info struct {
	Version string
	Commit  string
	Date    string
	// Modified is true for builds from a dirty work tree.
	Modified bool
}

// Get resolves the stamped values, filling gaps from the embedded build info.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = fill(info, bi)
	}
	return info
}

func fill(info Info, bi *debug.BuildInfo) Info {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "local" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func (i Info) String() string {
	s := fmt.Sprintf("%s (%s)", i.Version, i.Commit)
	if i.Modified {
		s += "+dirty"
	}
	if i.Date != "" {
		s += " " + i.Date
	}
	return s
}
