//go:build unit

package assemble

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/builder"
	"github.com/alexandremahdhaoui/nodebundle/internal/containerfile"
	"github.com/alexandremahdhaoui/nodebundle/internal/fetch"
	"github.com/alexandremahdhaoui/nodebundle/internal/testutil"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	upstreamPath  = "/bin/bitcoin-core-25.0/bitcoin-25.0-arm-linux-gnueabihf.tar.gz"
	installerPath = "/rustup/armv7-unknown-linux-gnueabihf/rustup-init"
)

type fixture struct {
	server   *testutil.Server
	archive  []byte
	spec     bundle.Spec
	target   arch.Arch
	binaries []builder.Binary
	buildOut string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	archive := testutil.BitcoinCoreArchive(t, "25.0", nil, "bitcoind", "bitcoin-cli", "bitcoin-tx")
	installer := []byte("#!/bin/sh\necho rustup-init\n")

	server := testutil.NewServer(t, map[string][]byte{
		upstreamPath:  archive,
		installerPath: installer,
	})

	target, err := arch.Parse("arm-linux-gnueabihf")
	require.NoError(t, err)

	buildOut := t.TempDir()
	binaries := make([]builder.Binary, 0, 2)
	for _, name := range []string{"ord", "sync"} {
		body := []byte("binary " + name)
		path := filepath.Join(buildOut, name)
		require.NoError(t, os.WriteFile(path, body, 0o755))
		binaries = append(binaries, builder.Binary{Name: name, Path: path, Digest: testutil.Digest(body)})
	}

	spec := bundle.Spec{
		Name:      "ord-node",
		Toolchain: bundle.Toolchain{Channel: "1.69.0"},
		Target:    bundle.Target{Arch: target.Triplet},
		Upstream: bundle.Upstream{
			Name:    "bitcoin-core",
			Version: "25.0",
			URL:     server.URL + "/bin/bitcoin-core-{{ .Version }}/bitcoin-{{ .Version }}-{{ .Arch }}.tar.gz",
			BinDir:  "bitcoin-{{ .Version }}/bin",
			Digest:  testutil.Digest(archive).String(),
		},
		Variants: []bundle.Variant{
			{Name: "slim", BaseImage: "debian:bookworm-slim", WorkDir: "/"},
			{
				Name:      "toolchain",
				BaseImage: "ubuntu:22.04",
				WorkDir:   "/code",
				RuntimeToolchain: &bundle.RuntimeToolchain{
					InstallerURL:    server.URL + "/rustup/{{ .RustTarget }}/rustup-init",
					InstallerDigest: testutil.Digest(installer).String(),
					Home:            "/root/.cargo",
				},
			},
		},
	}

	return &fixture{
		server:   server,
		archive:  archive,
		spec:     spec,
		target:   target,
		binaries: binaries,
		buildOut: buildOut,
	}
}

func (f *fixture) request(t *testing.T, variant int) Request {
	t.Helper()

	return Request{
		Spec:       f.spec,
		Variant:    f.spec.Variants[variant],
		Target:     f.target,
		Binaries:   f.binaries,
		Version:    "abc123",
		RuntimeDir: filepath.Join(t.TempDir(), "runtime"),
		Fetcher:    fetch.New(0),
		Stdout:     &bytes.Buffer{},
	}
}

// assertBuildOutputUntouched checks the builder output was neither moved nor modified.
func (f *fixture) assertBuildOutputUntouched(t *testing.T) {
	t.Helper()

	assert.Equal(t, []string{"ord", "sync"}, testutil.ListDir(t, f.buildOut))
	for _, b := range f.binaries {
		d, err := fetch.DigestFile(b.Path)
		require.NoError(t, err)
		assert.Equal(t, b.Digest, d)
	}
}

func TestAssemble_Slim(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, 0)

	img, err := Assemble(context.Background(), req)
	require.NoError(t, err)

	layout := NewLayout(req.RuntimeDir, "slim")
	assert.Equal(t, layout, img.Layout)

	// The global bin dir is exactly upstream executables plus the binary set.
	want := []string{"bitcoin-cli", "bitcoin-tx", "bitcoind", "ord", "sync"}
	assert.Equal(t, want, testutil.ListDir(t, layout.BinDir()))
	assert.Equal(t, want, img.Config.Executables)
	assert.Equal(t, []string{"bitcoin-cli", "bitcoin-tx", "bitcoind"}, img.Config.Upstream.Executables)
	assert.Equal(t, []string{"ord", "sync"}, img.Config.BinaryNames())

	// No archive, no extraction tree, no toolchain.
	assert.NoDirExists(t, layout.Staging())
	assert.NoDirExists(t, layout.ToolchainDir())
	assert.Equal(t, []string{"usr"}, testutil.ListDir(t, layout.RootFS()))
	assert.Nil(t, img.Config.Toolchain)

	assert.Equal(t, "linux/arm/v7", img.Config.Platform)
	assert.Equal(t, "/", img.Config.WorkDir)
	assert.Equal(t, containerfile.DefaultPath, img.Config.Env["PATH"])
	assert.Equal(t, f.spec.Upstream.Digest, img.Config.Upstream.Digest)

	cf, err := os.ReadFile(layout.Containerfile())
	require.NoError(t, err)
	assert.Equal(t, containerfile.RenderRuntime(img.Config), string(cf))

	cfg, err := containerfile.ReadImageConfig(layout.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, img.Config.Executables, cfg.Executables)

	f.assertBuildOutputUntouched(t)
}

func TestAssemble_Toolchain(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, 1)

	img, err := Assemble(context.Background(), req)
	require.NoError(t, err)

	layout := img.Layout
	assert.Equal(t, []string{"bitcoin-cli", "bitcoin-tx", "bitcoind", "ord", "sync"}, testutil.ListDir(t, layout.BinDir()))
	assert.FileExists(t, filepath.Join(layout.ToolchainDir(), "rustup-init"))

	require.NotNil(t, img.Config.Toolchain)
	assert.Equal(t, "toolchain/rustup-init", img.Config.Toolchain.Installer)
	assert.Equal(t, "1.69.0", img.Config.Toolchain.Channel)
	assert.Equal(t, "/root/.cargo/bin:"+containerfile.DefaultPath, img.Config.Env["PATH"])
	assert.Equal(t, "/code", img.Config.WorkDir)

	assert.Contains(t, f.server.Requests(), installerPath)
}

func TestAssemble_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		check  func(t *testing.T, err error)
	}{
		{
			name: "upstream digest mismatch",
			mutate: func(f *fixture) {
				f.spec.Upstream.Digest = testutil.Digest([]byte("other")).String()
			},
			check: func(t *testing.T, err error) {
				var mismatch *fetch.DigestMismatchError
				require.True(t, errors.As(err, &mismatch))
			},
		},
		{
			name: "unreachable upstream",
			mutate: func(f *fixture) {
				f.spec.Upstream.Version = "99.0"
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "404")
			},
		},
		{
			name: "wrong bin dir",
			mutate: func(f *fixture) {
				f.spec.Upstream.BinDir = "bitcoin-{{ .Version }}/sbin"
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, os.ErrNotExist)
			},
		},
		{
			name: "binary collides with upstream",
			mutate: func(f *fixture) {
				f.binaries[0].Name = "bitcoind"
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNameCollision)
			},
		},
		{
			name: "tampered binary",
			mutate: func(f *fixture) {
				f.binaries[1].Digest = testutil.Digest([]byte("something else"))
			},
			check: func(t *testing.T, err error) {
				var mismatch *fetch.DigestMismatchError
				require.True(t, errors.As(err, &mismatch))
			},
		},
		{
			name: "installer digest mismatch",
			mutate: func(f *fixture) {
				f.spec.Variants[0].RuntimeToolchain = &bundle.RuntimeToolchain{
					InstallerURL:    f.server.URL + installerPath,
					InstallerDigest: testutil.Digest([]byte("x")).String(),
					Home:            "/root/.cargo",
				}
			},
			check: func(t *testing.T, err error) {
				var mismatch *fetch.DigestMismatchError
				require.True(t, errors.As(err, &mismatch))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			req := f.request(t, 0)

			_, err := Assemble(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errAssembling)
			tt.check(t, err)

			// Nothing half-assembled survives and the builder output is intact.
			assert.NoDirExists(t, NewLayout(req.RuntimeDir, "slim").Root)
			f.assertBuildOutputUntouched(t)
		})
	}
}

func TestAssemble_BadURLFailsBeforeAnyCopy(t *testing.T) {
	f := newFixture(t)
	f.spec.Upstream.URL = "http://127.0.0.1:1/{{ .Version }}/{{ .Arch }}.tar.gz"
	req := f.request(t, 0)

	_, err := Assemble(context.Background(), req)
	require.Error(t, err)

	assert.NoDirExists(t, filepath.Join(req.RuntimeDir, "slim"))
	f.assertBuildOutputUntouched(t)
}

func TestAssemble_ReassemblyStartsFresh(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, 0)

	_, err := Assemble(context.Background(), req)
	require.NoError(t, err)

	stray := filepath.Join(NewLayout(req.RuntimeDir, "slim").BinDir(), "stray")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o755))

	_, err = Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.NoFileExists(t, stray)
}

func TestAssemble_RejectsEscapingVariantName(t *testing.T) {
	for _, name := range []string{"..", "../..", "nested/slim"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.spec.Upstream.Digest = testutil.Digest([]byte("other")).String()
			req := f.request(t, 0)
			req.Variant.Name = name

			workDir := filepath.Dir(req.RuntimeDir)
			sibling := filepath.Join(workDir, "build", "out", "ord")
			require.NoError(t, os.MkdirAll(filepath.Dir(sibling), 0o755))
			require.NoError(t, os.WriteFile(sibling, []byte("bin"), 0o755))

			_, err := Assemble(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errAssembling)

			assert.FileExists(t, sibling)
			assert.DirExists(t, workDir)
			f.assertBuildOutputUntouched(t)
			assert.Empty(t, f.server.Requests(), "nothing fetched for an invalid variant")
		})
	}
}
