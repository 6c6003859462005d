// Package version exposes build metadata stamped in with -ldflags and
// backfilled from the module's embedded VCS info.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set at link time, e.g. -X .../internal/version.Version=v1.2.3
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildID    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// String is a short human form for log lines and the user agent.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	s := fmt.Sprintf("%s (%s)", i.Version, commit)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += " dirty"
	}
	return s
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromBuildInfo(&out, bi)
	}
	return out
}

// fillFromBuildInfo only fills what the linker flags left unset.
func fillFromBuildInfo(out *Info, bi *debug.BuildInfo) {
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
}
