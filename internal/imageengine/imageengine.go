// Package imageengine optionally turns an assembled runtime image into a
// container image.
package imageengine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alexandremahdhaoui/nodebundle/internal/assemble"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
)

const (
	EngineNone   = "none"
	EngineDocker = "docker"
)

// Engine materialises and probes runtime images.
type Engine interface {
	Name() string
	// Build builds the image from its on-disk layout and returns the primary
	// image reference, or "" when the engine does not produce images.
	Build(ctx context.Context, img assemble.Image, out io.Writer) (string, error)
	// Probe starts ref and checks that every executable resolves by name.
	Probe(ctx context.Context, ref string, executables []string, out io.Writer) error
}

var errUnknownEngine = errors.New("unknown image engine")

// New returns the engine registered under name.
func New(name string) (Engine, error) {
	switch name {
	case EngineNone, "":
		return None{}, nil
	case EngineDocker:
		return NewDocker()
	default:
		return nil, flaterrors.Join(
			fmt.Errorf("must be one of %v, got %q", []string{EngineNone, EngineDocker}, name),
			errUnknownEngine,
		)
	}
}

// None stops at the on-disk runtime image.
type None struct{}

func (None) Name() string { return EngineNone }

func (None) Build(context.Context, assemble.Image, io.Writer) (string, error) { return "", nil }

func (None) Probe(context.Context, string, []string, io.Writer) error { return nil }
