// Package version reports the build information of the nodebundle binary.
package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

const (
	devVersion = "dev"
	unknown    = "unknown"
)

// Info holds the version of a tool. Fields are usually set through ldflags.
type Info struct {
	ToolName       string
	Version        string
	CommitSHA      string
	BuildTimestamp string
}

// New returns the Info of an unreleased build of toolName.
func New(toolName string) *Info {
	return &Info{
		ToolName:       toolName,
		Version:        devVersion,
		CommitSHA:      unknown,
		BuildTimestamp: unknown,
	}
}

// Get returns the version, commit and build time. Values set through ldflags
// win; the module build info fills in whatever was left at its default.
func (i *Info) Get() (version, commit, timestamp string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i.Version, i.CommitSHA, i.BuildTimestamp
	}

	return i.resolve(bi)
}

func (i *Info) resolve(bi *debug.BuildInfo) (version, commit, timestamp string) {
	version, commit, timestamp = i.Version, i.CommitSHA, i.BuildTimestamp

	if version == devVersion && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		version = bi.Main.Version
	}

	// Only a revision read from the build info can carry the dirty flag.
	fromVCS, dirty := false, false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == unknown && len(s.Value) >= 7 {
				commit, fromVCS = s.Value[:7], true
			}
		case "vcs.time":
			if timestamp == unknown {
				timestamp = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if fromVCS && dirty {
		commit += "-dirty"
	}

	return version, commit, timestamp
}

// Fprint writes the version report to w.
func (i *Info) Fprint(w io.Writer) {
	version, commit, timestamp := i.Get()
	_, _ = fmt.Fprintf(w, "%s version %s\n", i.ToolName, version)
	_, _ = fmt.Fprintf(w, "  commit:    %s\n", commit)
	_, _ = fmt.Fprintf(w, "  built:     %s\n", timestamp)
	_, _ = fmt.Fprintf(w, "  go:        %s\n", runtime.Version())
	_, _ = fmt.Fprintf(w, "  platform:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line version string.
func (i *Info) String() string {
	version, _, _ := i.Get()
	return fmt.Sprintf("%s version %s", i.ToolName, version)
}
