package buildinfo

import (
	"runtime/debug"
	"strings"
	"time"
)

// Set at link time via -ldflags "-X ...".
var (
	Version = "0.1.0"
	Commit  = ""
	Date    = ""
)

// Info carries display-ready build metadata.
type Info struct {
	Version string
	Commit  string
	Date    string
}

// Current resolves build metadata, preferring linker overrides and falling
// back to the binary's embedded VCS settings.
func Current() Info {
	out := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" && (out.Version == "" || out.Version == "0.1.0") {
			out.Version = bi.Main.Version
		}
		if out.Commit == "" {
			out.Commit = vcsCommit(bi.Settings)
		}
		if out.Date == "" {
			out.Date = setting(bi.Settings, "vcs.time")
		}
	}

	if t, err := time.Parse(time.RFC3339, out.Date); err == nil {
		out.Date = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	if out.Version == "" {
		out.Version = "unknown"
	}
	if out.Commit == "" {
		out.Commit = "unknown"
	}
	if out.Date == "" {
		out.Date = "unknown"
	}
	return out
}

func vcsCommit(settings []debug.BuildSetting) string {
	rev := setting(settings, "vcs.revision")
	if rev == "" {
		return ""
	}
	if strings.EqualFold(setting(settings, "vcs.modified"), "true") {
		rev += "-dirty"
	}
	return rev
}

func setting(settings []debug.BuildSetting, key string) string {
	for _, s := range settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}
	return ""
}
