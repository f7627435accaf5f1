// Package assemble runs the runtime assembly stage: it fetches the pinned
// upstream distribution, relocates its executables into the global bin dir,
// discards the archive and adds the builder's binary set.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/builder"
	"github.com/alexandremahdhaoui/nodebundle/internal/containerfile"
	"github.com/alexandremahdhaoui/nodebundle/internal/extract"
	"github.com/alexandremahdhaoui/nodebundle/internal/fetch"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"
)

// Request holds the inputs of one variant assembly.
type Request struct {
	Spec    bundle.Spec
	Variant bundle.Variant
	Target  arch.Arch
	// Binaries is the builder output. It is read, never moved or modified.
	Binaries []builder.Binary
	// Version is the source version the binaries were built from.
	Version string
	// RuntimeDir holds one directory per variant.
	RuntimeDir string
	Fetcher    *fetch.Fetcher

	Stdout io.Writer
}

// Image is an assembled runtime image.
type Image struct {
	Layout Layout
	Config containerfile.ImageConfig
}

var (
	ErrNoUpstreamExecutables = errors.New("no executables in upstream bin dir")
	ErrNameCollision         = errors.New("binary name collides with an upstream executable")

	errAssembling = errors.New("assembling runtime image")
)

// Assemble builds the runtime image of one variant.
//
// Steps run in order and the first failure aborts: the variant directory is
// then removed so no half-assembled image or stray download survives. The
// builder's binaries are copied last, so a failed fetch or extraction never
// touches them.
func Assemble(ctx context.Context, req Request) (Image, error) {
	out := req.Stdout
	if out == nil {
		out = os.Stdout
	}

	if err := bundle.CheckVariantName(req.Variant.Name); err != nil {
		return Image{}, flaterrors.Join(err, errAssembling)
	}

	layout := NewLayout(req.RuntimeDir, req.Variant.Name)
	_, _ = fmt.Fprintf(out, "⏳ Assembling runtime image: %s\n", req.Variant.Name)

	img, err := assemble(ctx, req, layout)
	if err != nil {
		_ = os.RemoveAll(layout.Root)
		return Image{}, flaterrors.Join(err, fmt.Errorf("variant %q", req.Variant.Name), errAssembling)
	}

	_, _ = fmt.Fprintf(out, "✅ Assembled runtime image: %s (%d executables)\n",
		req.Variant.Name, len(img.Config.Executables))

	return img, nil
}

func assemble(ctx context.Context, req Request, layout Layout) (Image, error) {
	fetcher := req.Fetcher
	if fetcher == nil {
		fetcher = fetch.New(fetch.DefaultTimeout)
	}

	// 1. Fresh layout
	if err := os.RemoveAll(layout.Root); err != nil {
		return Image{}, err
	}
	for _, dir := range []string{layout.BinDir(), layout.Staging()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Image{}, err
		}
	}

	// 2. Fetch the pinned upstream archive
	upstreamURL, err := req.Spec.Upstream.ResolveURL(req.Target)
	if err != nil {
		return Image{}, err
	}

	archive, err := fetcher.Fetch(ctx, upstreamURL, digest.Digest(req.Spec.Upstream.Digest),
		filepath.Join(layout.Staging(), path.Base(upstreamURL)))
	if err != nil {
		return Image{}, err
	}

	// 3. Extract it
	extracted, err := extract.TarGz(archive.Path, filepath.Join(layout.Staging(), "extract"))
	if err != nil {
		return Image{}, err
	}

	// 4. Relocate the upstream executables into the global bin dir
	binDir, err := req.Spec.Upstream.ResolveBinDir(req.Target)
	if err != nil {
		return Image{}, err
	}

	upstreamExecs, err := relocate(extracted.Root, binDir, layout.BinDir())
	if err != nil {
		return Image{}, err
	}

	// 5. Discard the archive and the extraction tree
	if err := os.RemoveAll(layout.Staging()); err != nil {
		return Image{}, err
	}

	// 6. Copy the binary set
	binaries, err := installBinaries(req.Binaries, upstreamExecs, layout.BinDir())
	if err != nil {
		return Image{}, err
	}

	cfg := containerfile.ImageConfig{
		Name:        req.Spec.Name,
		Variant:     req.Variant.Name,
		Version:     req.Version,
		BaseImage:   req.Variant.BaseImage,
		Platform:    req.Target.Platform,
		WorkDir:     req.Variant.WorkDir,
		Env:         containerfile.RuntimeEnv(req.Variant),
		Executables: mergeSorted(upstreamExecs, names(binaries)),
		Upstream: containerfile.UpstreamInfo{
			Name:        req.Spec.Upstream.Name,
			Version:     req.Spec.Upstream.Version,
			URL:         upstreamURL,
			Digest:      archive.Digest.String(),
			Executables: upstreamExecs,
		},
		Binaries: binaries,
	}

	// 7. Runtime toolchain installer, kept out of the global bin dir
	if rt := req.Variant.RuntimeToolchain; rt != nil {
		tc, err := fetchInstaller(ctx, fetcher, req, *rt, layout)
		if err != nil {
			return Image{}, err
		}
		cfg.Toolchain = &tc
	}

	// 8. Declarative build definition and image config
	if err := os.WriteFile(layout.Containerfile(), []byte(containerfile.RenderRuntime(cfg)), 0o644); err != nil {
		return Image{}, err
	}
	if err := containerfile.WriteImageConfig(layout.ConfigPath(), cfg); err != nil {
		return Image{}, err
	}

	return Image{Layout: layout, Config: cfg}, nil
}

// relocate moves every executable regular file of root/binDir into dst and
// returns their names.
func relocate(root, binDir, dst string) ([]string, error) {
	src, err := securejoin.SecureJoin(root, binDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, flaterrors.Join(err, fmt.Errorf("upstream bin dir %q", binDir))
	}

	execs := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}

		if err := os.Rename(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return nil, err
		}
		execs = append(execs, e.Name())
	}

	if len(execs) == 0 {
		return nil, flaterrors.Join(fmt.Errorf("%q", binDir), ErrNoUpstreamExecutables)
	}

	sort.Strings(execs)

	return execs, nil
}

// installBinaries copies the binary set into dst and checks each copy
// against the digest recorded by the builder stage.
func installBinaries(binaries []builder.Binary, upstream []string, dst string) ([]containerfile.BinaryInfo, error) {
	taken := make(map[string]struct{}, len(upstream))
	for _, name := range upstream {
		taken[name] = struct{}{}
	}

	out := make([]containerfile.BinaryInfo, 0, len(binaries))
	for _, b := range binaries {
		if _, ok := taken[b.Name]; ok {
			return nil, flaterrors.Join(fmt.Errorf("%q", b.Name), ErrNameCollision)
		}

		target := filepath.Join(dst, b.Name)
		if err := copyFile(b.Path, target, 0o755); err != nil {
			return nil, err
		}

		actual, err := fetch.DigestFile(target)
		if err != nil {
			return nil, err
		}
		if b.Digest != "" && actual != b.Digest {
			return nil, &fetch.DigestMismatchError{URL: b.Path, Expected: b.Digest, Actual: actual}
		}

		out = append(out, containerfile.BinaryInfo{Name: b.Name, Digest: actual.String()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func fetchInstaller(
	ctx context.Context,
	fetcher *fetch.Fetcher,
	req Request,
	rt bundle.RuntimeToolchain,
	layout Layout,
) (containerfile.ToolchainInfo, error) {
	url, err := rt.ResolveInstallerURL(req.Target)
	if err != nil {
		return containerfile.ToolchainInfo{}, err
	}

	dest := filepath.Join(layout.ToolchainDir(), "rustup-init")
	res, err := fetcher.Fetch(ctx, url, digest.Digest(rt.InstallerDigest), dest)
	if err != nil {
		return containerfile.ToolchainInfo{}, err
	}

	if err := os.Chmod(dest, 0o755); err != nil {
		return containerfile.ToolchainInfo{}, err
	}

	rel, err := filepath.Rel(layout.Context(), dest)
	if err != nil {
		return containerfile.ToolchainInfo{}, err
	}

	return containerfile.ToolchainInfo{
		Channel:   req.Spec.Toolchain.Channel,
		Home:      rt.Home,
		Installer: filepath.ToSlash(rel),
		URL:       url,
		Digest:    res.Digest.String(),
	}, nil
}

func names(bs []containerfile.BinaryInfo) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Name)
	}
	return out
}

func mergeSorted(a, b []string) []string {
	out := append(append(make([]string, 0, len(a)+len(b)), a...), b...)
	sort.Strings(out)
	return out
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
