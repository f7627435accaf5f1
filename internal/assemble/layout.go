package assemble

import (
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/containerfile"
)

// Layout is the on-disk structure of one assembled runtime image:
//
//	<root>/
//	  image.yaml
//	  context/
//	    Containerfile
//	    rootfs/usr/local/bin/...
//	    toolchain/rustup-init   (runtime toolchain variants only)
//	  staging/                  (exists only while assembling)
type Layout struct {
	Root string
}

// NewLayout returns the layout of variant under runtimeDir.
func NewLayout(runtimeDir, variant string) Layout {
	return Layout{Root: filepath.Join(runtimeDir, variant)}
}

func (l Layout) ConfigPath() string    { return filepath.Join(l.Root, "image.yaml") }
func (l Layout) Context() string       { return filepath.Join(l.Root, "context") }
func (l Layout) Containerfile() string { return filepath.Join(l.Context(), containerfile.Name) }
func (l Layout) RootFS() string        { return filepath.Join(l.Context(), "rootfs") }
func (l Layout) ToolchainDir() string  { return filepath.Join(l.Context(), "toolchain") }
func (l Layout) Staging() string       { return filepath.Join(l.Root, "staging") }

// BinDir is the global bin dir inside the rootfs.
func (l Layout) BinDir() string {
	return filepath.Join(l.RootFS(), filepath.FromSlash(strings.TrimPrefix(containerfile.GlobalBinDir, "/")))
}
