// Package verify checks an assembled runtime image against the properties
// every runtime image must hold.
package verify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/assemble"
	"github.com/alexandremahdhaoui/nodebundle/internal/containerfile"
	"github.com/alexandremahdhaoui/nodebundle/internal/fetch"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/opencontainers/go-digest"
)

// ToolchainExecutables must never reach the global bin dir: the build
// toolchain stays in the builder stage.
var ToolchainExecutables = []string{
	"cargo", "rustc", "rustup", "rustup-init", "rustdoc", "cc", "gcc", "g++", "ld",
}

var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar", ".tar.xz", ".zip"}

// Expected is what the global bin dir must hold.
type Expected struct {
	// Upstream lists the executables of the upstream distribution.
	Upstream []string
	// Binaries maps each builder binary to its recorded digest.
	Binaries map[string]digest.Digest
}

// ExpectedFromConfig derives the expectation from an image config.
func ExpectedFromConfig(cfg containerfile.ImageConfig) Expected {
	bins := make(map[string]digest.Digest, len(cfg.Binaries))
	for _, b := range cfg.Binaries {
		bins[b.Name] = digest.Digest(b.Digest)
	}
	return Expected{Upstream: cfg.Upstream.Executables, Binaries: bins}
}

// Report lists every violation found in a runtime image.
type Report struct {
	Variant     string
	Executables []string

	// Missing executables are expected but absent from the global bin dir.
	Missing []string
	// Unexpected files are in the global bin dir but neither upstream nor built.
	Unexpected []string
	// Modified binaries differ from the builder output.
	Modified []string
	// Leftovers are archives or staging trees left in the image.
	Leftovers []string
	// WrongArch holds executables that are not ELF files for the target.
	WrongArch []string
	// Toolchain holds build toolchain executables found in the global bin dir.
	Toolchain []string
	// OutsideBin holds rootfs entries outside the global bin dir.
	OutsideBin []string
}

// OK reports whether no violation was found.
func (r Report) OK() bool {
	return len(r.Missing)+len(r.Unexpected)+len(r.Modified)+len(r.Leftovers)+
		len(r.WrongArch)+len(r.Toolchain)+len(r.OutsideBin) == 0
}

// Violations returns one line per violation.
func (r Report) Violations() []string {
	out := make([]string, 0)
	add := func(kind string, items []string) {
		for _, item := range items {
			out = append(out, kind+": "+item)
		}
	}

	add("missing executable", r.Missing)
	add("unexpected file in bin dir", r.Unexpected)
	add("binary differs from build output", r.Modified)
	add("leftover", r.Leftovers)
	add("wrong architecture", r.WrongArch)
	add("build toolchain in bin dir", r.Toolchain)
	add("outside bin dir", r.OutsideBin)

	return out
}

var (
	// ErrVerificationFailed is returned when a report holds violations.
	ErrVerificationFailed = errors.New("runtime image verification failed")

	errVerifying = errors.New("verifying runtime image")
)

// Verify inspects the runtime image at layout. It returns the report and a
// non-nil error listing the violations when the report is not OK.
func Verify(layout assemble.Layout, variant string, want Expected, target arch.Arch) (Report, error) {
	report := Report{Variant: variant}

	entries, err := os.ReadDir(layout.BinDir())
	if err != nil {
		return report, flaterrors.Join(err, errVerifying)
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		report.Executables = append(report.Executables, e.Name())
		present[e.Name()] = true
	}

	// Union of upstream and built executables, nothing else.
	expected := make(map[string]bool, len(want.Upstream)+len(want.Binaries))
	for _, name := range want.Upstream {
		expected[name] = true
	}
	for name := range want.Binaries {
		expected[name] = true
	}

	for name := range expected {
		if !present[name] {
			report.Missing = append(report.Missing, name)
		}
	}

	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(layout.BinDir(), name)

		if !expected[name] {
			report.Unexpected = append(report.Unexpected, name)
		}

		if isToolchain(name) {
			report.Toolchain = append(report.Toolchain, name)
		}

		if !e.Type().IsRegular() {
			report.WrongArch = append(report.WrongArch, name+" (not a regular file)")
			continue
		}

		if err := arch.CheckELF(path, target); err != nil {
			report.WrongArch = append(report.WrongArch, fmt.Sprintf("%s (%s)", name, shortReason(err)))
		}

		if d, ok := want.Binaries[name]; ok && d != "" {
			actual, err := fetch.DigestFile(path)
			if err != nil {
				return report, flaterrors.Join(err, errVerifying)
			}
			if actual != d {
				report.Modified = append(report.Modified, name)
			}
		}
	}

	if report.Leftovers, err = findLeftovers(layout.Root); err != nil {
		return report, flaterrors.Join(err, errVerifying)
	}

	if report.OutsideBin, err = findOutsideBin(layout); err != nil {
		return report, flaterrors.Join(err, errVerifying)
	}

	for _, s := range [][]string{report.Missing, report.Unexpected, report.Modified, report.WrongArch, report.Toolchain} {
		sort.Strings(s)
	}

	if !report.OK() {
		return report, flaterrors.Join(
			errors.New(strings.Join(report.Violations(), "; ")),
			fmt.Errorf("variant %q", variant),
			ErrVerificationFailed,
		)
	}

	return report, nil
}

func isToolchain(name string) bool {
	for _, t := range ToolchainExecutables {
		if name == t {
			return true
		}
	}
	return false
}

func shortReason(err error) string {
	var mismatch *arch.MismatchError
	if errors.As(err, &mismatch) {
		return mismatch.Got
	}
	if errors.Is(err, arch.ErrNotELF) {
		return "not an ELF executable"
	}
	return err.Error()
}

// findLeftovers walks the whole variant directory for archives and staging
// trees.
func findLeftovers(root string) ([]string, error) {
	out := make([]string, 0)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if d.IsDir() && (d.Name() == "staging" || d.Name() == "extract") && rel != "." {
			out = append(out, filepath.ToSlash(rel)+"/")
			return filepath.SkipDir
		}

		for _, suffix := range archiveSuffixes {
			if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
				out = append(out, filepath.ToSlash(rel))
				break
			}
		}

		return nil
	})

	return out, err
}

// findOutsideBin lists rootfs entries that are neither the global bin dir nor
// one of its parents.
func findOutsideBin(layout assemble.Layout) ([]string, error) {
	rootfs := layout.RootFS()
	binRel, err := filepath.Rel(rootfs, layout.BinDir())
	if err != nil {
		return nil, err
	}
	binRel = filepath.ToSlash(binRel)

	out := make([]string, 0)
	err = filepath.WalkDir(rootfs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(rootfs, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case rel == ".":
			return nil
		case rel == binRel:
			return filepath.SkipDir
		case d.IsDir() && strings.HasPrefix(binRel, rel+"/"):
			return nil
		default:
			out = append(out, rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
	})

	return out, err
}
