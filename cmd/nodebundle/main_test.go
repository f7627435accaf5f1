//go:build unit

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/assemble"
	"github.com/alexandremahdhaoui/nodebundle/internal/testutil"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

// writeProject writes a bundle.yaml for the host architecture whose
// upstream is served locally, and returns Envs pointing at it.
func writeProject(t *testing.T) Envs {
	t.Helper()

	target, err := arch.Host()
	require.NoError(t, err)

	testutil.FakeCargo(t, "1.69.0", "ord")

	archive := testutil.BitcoinCoreArchive(t, "25.0", testutil.HostELFBytes(t), "bitcoind", "bitcoin-cli")
	server := testutil.NewServer(t, map[string][]byte{
		"/bitcoin-25.0-" + target.Triplet + ".tar.gz": archive,
	})

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Cargo.toml"), []byte("[package]\nname = \"ord\"\n"), 0o644))

	spec := bundle.Spec{
		Name:              "ord-node",
		ArtifactStorePath: filepath.Join(dir, "artifacts.yaml"),
		Toolchain:         bundle.Toolchain{Channel: "1.69.0"},
		Target:            bundle.Target{Arch: target.Triplet},
		Source:            bundle.Source{Path: src},
		Builder:           bundle.Builder{Binaries: []string{"ord"}},
		Upstream: bundle.Upstream{
			Name:    "bitcoin-core",
			Version: "25.0",
			URL:     server.URL + "/bitcoin-{{ .Version }}-{{ .Arch }}.tar.gz",
			BinDir:  "bitcoin-{{ .Version }}/bin",
			Digest:  testutil.Digest(archive).String(),
		},
		Variants: []bundle.Variant{{Name: "slim", BaseImage: "debian:bookworm-slim"}},
	}

	b, err := yaml.Marshal(spec)
	require.NoError(t, err)

	path := filepath.Join(dir, bundle.ConfigPath)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	return Envs{
		Config:      path,
		BuildEngine: "local",
		ImageEngine: "none",
		WorkDir:     filepath.Join(dir, "work"),
	}
}

func TestDispatch_Errors(t *testing.T) {
	envs := Envs{Config: filepath.Join(t.TempDir(), "missing.yaml")}

	tests := []struct {
		name string
		args []string
		want error
	}{
		{name: "no command", args: nil, want: errMissingCommand},
		{name: "unknown command", args: []string{"deploy"}, want: errUnknownCommand},
		{name: "too many args", args: []string{"assemble", "slim", "toolchain"}, want: errTooManyArgs},
		{name: "build takes no variant", args: []string{"build", "slim"}, want: errTooManyArgs},
		{name: "missing config", args: []string{"render"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer

			err := dispatch(context.Background(), envs, tt.args, &stdout, &stderr)
			require.Error(t, err)

			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDispatch_Help(t *testing.T) {
	var stdout bytes.Buffer

	require.NoError(t, dispatch(context.Background(), Envs{}, []string{"help"}, &stdout, &stdout))

	assert.Contains(t, stdout.String(), "nodebundle run [variant|all]")
	assert.Contains(t, stdout.String(), "- NODEBUNDLE_CONFIG")
	assert.Contains(t, stdout.String(), "- NODEBUNDLE_FETCH_TIMEOUT")
}

func TestDispatch_UnknownEngine(t *testing.T) {
	envs := writeProject(t)
	envs.BuildEngine = "podman"

	err := dispatch(context.Background(), envs, []string{"build"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, errLoadingOptions)
}

func TestDispatch_Render(t *testing.T) {
	envs := writeProject(t)

	var stdout bytes.Buffer
	require.NoError(t, dispatch(context.Background(), envs, []string{"render", "slim"}, &stdout, &bytes.Buffer{}))

	assert.Contains(t, stdout.String(), "ARG RUST_CHANNEL=1.69.0")
	assert.Contains(t, stdout.String(), "sha256sum -c -")
}

func TestDispatch_RunThenVerify(t *testing.T) {
	envs := writeProject(t)
	ctx := context.Background()

	var stdout bytes.Buffer
	require.NoError(t, dispatch(ctx, envs, []string{"run"}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), "✅ Built binary: ord (sha256:")
	assert.Contains(t, stdout.String(), "✅ Runtime image slim: bitcoin-cli, bitcoind, ord")

	stdout.Reset()
	require.NoError(t, dispatch(ctx, envs, []string{"verify", "all"}, &stdout, &bytes.Buffer{}))
	assert.NotContains(t, stdout.String(), "❌")

	t.Run("a tampered image fails verification", func(t *testing.T) {
		layout := assemble.NewLayout(filepath.Join(envs.WorkDir, "runtime"), "slim")
		extra := filepath.Join(layout.BinDir(), "cargo")
		require.NoError(t, os.WriteFile(extra, testutil.HostELFBytes(t), 0o755))

		stdout.Reset()
		err := dispatch(ctx, envs, []string{"verify"}, &stdout, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, stdout.String(), "❌ slim:")
	})

	t.Run("artifacts lists every stage", func(t *testing.T) {
		stdout.Reset()
		require.NoError(t, dispatch(ctx, envs, []string{"artifacts"}, &stdout, &bytes.Buffer{}))

		out := stdout.String()
		assert.Contains(t, out, "TYPE")
		assert.Contains(t, out, bundle.ArtifactTypeBinary)
		assert.Contains(t, out, bundle.ArtifactTypeUpstream)
		assert.Contains(t, out, bundle.ArtifactTypeRuntimeImage)
		assert.Contains(t, out, "ord-node-slim")
	})
}

func TestShortDigest(t *testing.T) {
	assert.Equal(t, "sha256:0123456789ab", shortDigest("sha256:0123456789abcdef"))
	assert.Equal(t, "sha256:01", shortDigest("sha256:01"))
	assert.Equal(t, "", shortDigest(""))
}
