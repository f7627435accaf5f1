package bundle

import (
	"k8s.io/utils/ptr"
)

// Source describes where the project source tree is taken from.
// Exactly one of Path and Repo must be set.
type Source struct {
	// Path to a local source tree. Defaults to ".".
	Path string `json:"path,omitempty"`
	// Repo is a git URL cloned instead of reading a local tree.
	Repo string `json:"repo,omitempty"`
	// Ref is the branch, tag or commit of Repo to build. Defaults to the remote HEAD.
	Ref string `json:"ref,omitempty"`
	// Ignore holds gitignore-style patterns excluded from the ingested tree.
	Ignore []string `json:"ignore,omitempty"`
}

// Validate checks the source section on its own.
func (s *Source) Validate() error {
	p := newProblems("source")
	s.validate(p)
	return p.err()
}

func (s *Source) validate(p problems) {
	switch {
	case s.Path != "" && s.Repo != "":
		p.addf("", "path and repo are mutually exclusive")
	case s.Path == "" && s.Repo == "":
		p.addf("", "one of path or repo is required")
	}
	if s.Ref != "" && s.Repo == "" {
		p.addf("ref", "requires repo")
	}
}

// Builder configures the release build of the companion binaries.
type Builder struct {
	// Binaries lists the expected binary targets. When empty, every executable
	// found in the release directory is collected.
	Binaries []string `json:"binaries,omitempty"`
	// Features are passed to cargo with --features.
	Features []string `json:"features,omitempty"`
	// Locked passes --locked to cargo. Defaults to true.
	Locked *bool `json:"locked,omitempty"`
	// Env holds inline environment variables for the build.
	Env map[string]string `json:"env,omitempty"`
	// EnvFile is an optional file of KEY=VALUE lines merged under Env.
	EnvFile string `json:"envFile,omitempty"`
}

// IsLocked reports whether cargo must honor Cargo.lock.
func (b Builder) IsLocked() bool {
	return ptr.Deref(b.Locked, true)
}
