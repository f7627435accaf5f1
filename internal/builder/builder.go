// Package builder runs the builder stage: it compiles the ingested source
// tree in release mode with the pinned toolchain and collects the resulting
// executables into a fresh output directory.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/opencontainers/go-digest"
)

const (
	EngineLocal  = "local"
	EngineDocker = "docker"
)

// Request holds everything an Engine needs to compile the source tree.
type Request struct {
	Toolchain bundle.Toolchain
	Builder   bundle.Builder
	Target    arch.Arch
	// SourceDir is the ingested source tree. Engines treat it as read-only.
	SourceDir string
	// WorkDir is the scratch directory owned by the builder stage.
	WorkDir string

	Stdout io.Writer
	Stderr io.Writer
}

// TargetDir is the cargo target directory, kept outside the source tree.
func (r Request) TargetDir() string {
	return filepath.Join(r.WorkDir, "target")
}

// OutDir is where the collected binaries end up.
func (r Request) OutDir() string {
	return filepath.Join(r.WorkDir, "out")
}

func (r Request) stdout() io.Writer {
	if r.Stdout == nil {
		return os.Stdout
	}
	return r.Stdout
}

func (r Request) stderr() io.Writer {
	if r.Stderr == nil {
		return os.Stderr
	}
	return r.Stderr
}

// Engine compiles a source tree and returns the release directory holding
// the compiled executables.
type Engine interface {
	Name() string
	Compile(ctx context.Context, req Request) (releaseDir string, err error)
}

var errUnknownEngine = errors.New("unknown build engine")

// NewEngine returns the engine registered under name.
func NewEngine(name string) (Engine, error) {
	switch name {
	case EngineLocal, "":
		return &Local{}, nil
	case EngineDocker:
		return NewDocker()
	default:
		return nil, flaterrors.Join(
			fmt.Errorf("must be one of %v, got %q", []string{EngineLocal, EngineDocker}, name),
			errUnknownEngine,
		)
	}
}

// Binary is one executable of the binary set.
type Binary struct {
	Name   string
	Path   string
	Digest digest.Digest
}

// Result is the output of the builder stage.
type Result struct {
	ReleaseDir string
	OutDir     string
	Binaries   []Binary
	// Timestamp is shared by every binary of the set.
	Timestamp string
}

// Names returns the names of the binaries.
func (r Result) Names() []string {
	names := make([]string, 0, len(r.Binaries))
	for _, b := range r.Binaries {
		names = append(names, b.Name)
	}
	return names
}

var errBuildingBinaries = errors.New("building binaries")

// Build compiles the source tree with e and collects the binary set.
// Any failure aborts the stage; no partial binary set is ever published.
func Build(ctx context.Context, e Engine, req Request) (Result, error) {
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return Result{}, flaterrors.Join(err, errBuildingBinaries)
	}

	_, _ = fmt.Fprintf(req.stdout(), "⏳ Compiling %s with %s engine (toolchain %s, target %s)\n",
		req.SourceDir, e.Name(), req.Toolchain.Channel, req.Target)

	releaseDir, err := e.Compile(ctx, req)
	if err != nil {
		return Result{}, flaterrors.Join(err, errBuildingBinaries)
	}

	binaries, err := Collect(releaseDir, req.Builder.Binaries, req.OutDir())
	if err != nil {
		return Result{}, flaterrors.Join(err, errBuildingBinaries)
	}

	for _, b := range binaries {
		_, _ = fmt.Fprintf(req.stdout(), "✅ Built binary: %s (%s)\n", b.Name, b.Digest)
	}

	return Result{
		ReleaseDir: releaseDir,
		OutDir:     req.OutDir(),
		Binaries:   binaries,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// CargoArgs returns the cargo invocation for a release build. rustTarget is
// empty when compiling for the host.
func CargoArgs(b bundle.Builder, rustTarget string) []string {
	args := []string{"build", "--release"}

	if b.IsLocked() {
		args = append(args, "--locked")
	}

	if len(b.Features) > 0 {
		args = append(args, "--features", strings.Join(b.Features, ","))
	}

	if rustTarget != "" {
		args = append(args, "--target", rustTarget)
	}

	return args
}

// ReleaseDir returns where cargo writes release artifacts under targetDir.
func ReleaseDir(targetDir, rustTarget string) string {
	if rustTarget == "" {
		return filepath.Join(targetDir, "release")
	}
	return filepath.Join(targetDir, rustTarget, "release")
}
