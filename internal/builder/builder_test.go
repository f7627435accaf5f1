//go:build unit

package builder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

// fakeToolchain puts rustc and cargo scripts first on PATH. The fake cargo
// copies the test binary into the release dir under each name of bins and
// records its arguments and environment.
func fakeToolchain(t *testing.T, rustcVersion string, bins ...string) (logPath string) {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	logPath = filepath.Join(dir, "cargo.log")

	writeFile(t, filepath.Join(dir, "rustc"), "#!/bin/sh\necho \"rustc "+rustcVersion+" (84c898d65 2023-04-16)\"\n", 0o755)

	script := "#!/bin/sh\n" +
		"echo \"args=$*\" > " + logPath + "\n" +
		"echo \"toolchain=$RUSTUP_TOOLCHAIN\" >> " + logPath + "\n" +
		"echo \"feature_flag=$FEATURE_FLAG\" >> " + logPath + "\n" +
		"echo \"pwd=$(pwd)\" >> " + logPath + "\n" +
		"mkdir -p \"$CARGO_TARGET_DIR/release\"\n" +
		"touch \"$CARGO_TARGET_DIR/release/ord.d\"\n"
	for _, b := range bins {
		script += "cp " + self + " \"$CARGO_TARGET_DIR/release/" + b + "\"\n"
	}
	writeFile(t, filepath.Join(dir, "cargo"), script, 0o755)

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	return logPath
}

func newRequest(t *testing.T, channel string) Request {
	t.Helper()

	host, err := arch.Host()
	require.NoError(t, err)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Cargo.toml"), "[package]\nname = \"ord\"\n", 0o644)

	return Request{
		Toolchain: bundle.Toolchain{Channel: channel},
		Builder:   bundle.Builder{Env: map[string]string{"FEATURE_FLAG": "on"}},
		Target:    host,
		SourceDir: src,
		WorkDir:   filepath.Join(t.TempDir(), "build"),
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
	}
}

func TestBuild_BackToBackBuildsHaveDistinctTimestamps(t *testing.T) {
	fakeToolchain(t, "1.69.0", "ord")

	first, err := Build(context.Background(), &Local{}, newRequest(t, "1.69.0"))
	require.NoError(t, err)
	second, err := Build(context.Background(), &Local{}, newRequest(t, "1.69.0"))
	require.NoError(t, err)

	t1, err := time.Parse(time.RFC3339Nano, first.Timestamp)
	require.NoError(t, err)
	t2, err := time.Parse(time.RFC3339Nano, second.Timestamp)
	require.NoError(t, err)
	assert.True(t, t2.After(t1), "%s is not after %s", second.Timestamp, first.Timestamp)
}

func TestBuild_Local(t *testing.T) {
	logPath := fakeToolchain(t, "1.69.0", "ord", "reorg")
	req := newRequest(t, "1.69.0")

	res, err := Build(context.Background(), &Local{}, req)
	require.NoError(t, err)

	assert.Equal(t, []string{"ord", "reorg"}, res.Names())
	assert.Equal(t, filepath.Join(req.WorkDir, "out"), res.OutDir)
	_, err = time.Parse(time.RFC3339Nano, res.Timestamp)
	assert.NoError(t, err)

	for _, b := range res.Binaries {
		assert.FileExists(t, b.Path)
		assert.NoError(t, b.Digest.Validate())
	}

	// ord.d is cargo dep-info, never part of the binary set.
	assert.NoFileExists(t, filepath.Join(res.OutDir, "ord.d"))

	log, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "args=build --release --locked\n")
	assert.Contains(t, string(log), "toolchain=1.69.0\n")
	assert.Contains(t, string(log), "feature_flag=on\n")
	assert.Contains(t, string(log), "pwd="+req.SourceDir)
}

func TestBuild_SingleCrateYieldsOneExecutable(t *testing.T) {
	fakeToolchain(t, "1.69.0", "ord")

	res, err := Build(context.Background(), &Local{}, newRequest(t, "1.69.0"))
	require.NoError(t, err)

	assert.Equal(t, []string{"ord"}, res.Names())
}

func TestBuild_ToolchainSkew(t *testing.T) {
	logPath := fakeToolchain(t, "1.70.0", "ord")
	req := newRequest(t, "1.69.0")

	_, err := Build(context.Background(), &Local{}, req)
	require.Error(t, err)

	var skew *bundle.ToolchainSkewError
	require.True(t, errors.As(err, &skew))
	assert.Equal(t, "1.69.0", skew.Pinned)
	assert.Equal(t, "1.70.0", skew.Actual)

	assert.NoFileExists(t, logPath, "cargo must not run on toolchain skew")
	assert.NoDirExists(t, req.OutDir())
}

func TestBuild_CompileFailure(t *testing.T) {
	fakeToolchain(t, "1.69.0")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cargo"), "#!/bin/sh\necho 'error[E0425]: cannot find value' >&2\nexit 101\n", 0o755)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	req := newRequest(t, "1.69.0")
	stderr := &bytes.Buffer{}
	req.Stderr = stderr

	_, err := Build(context.Background(), &Local{}, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBuildingBinaries)
	assert.Contains(t, stderr.String(), "error[E0425]")
	assert.NoDirExists(t, req.OutDir())
}

func TestCollect(t *testing.T) {
	release := t.TempDir()
	writeFile(t, filepath.Join(release, "ord"), "ord", 0o755)
	writeFile(t, filepath.Join(release, "sync"), "sync", 0o755)
	writeFile(t, filepath.Join(release, "ord.d"), "deps", 0o644)
	writeFile(t, filepath.Join(release, "libord.rlib"), "rlib", 0o755)
	writeFile(t, filepath.Join(release, "README"), "not executable", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(release, "build"), 0o755))

	t.Run("discovers executables", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")

		binaries, err := Collect(release, nil, out)
		require.NoError(t, err)

		require.Len(t, binaries, 2)
		assert.Equal(t, "ord", binaries[0].Name)
		assert.Equal(t, "sync", binaries[1].Name)
		assert.Equal(t, "sha256:"+sha256Hex("ord"), binaries[0].Digest.String())

		entries, err := os.ReadDir(out)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("listed names", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")

		binaries, err := Collect(release, []string{"sync"}, out)
		require.NoError(t, err)
		require.Len(t, binaries, 1)
		assert.Equal(t, filepath.Join(out, "sync"), binaries[0].Path)
	})

	t.Run("missing listed binary keeps previous set", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")
		writeFile(t, filepath.Join(out, "previous"), "old", 0o755)

		_, err := Collect(release, []string{"ord", "server"}, out)
		require.ErrorIs(t, err, ErrMissingBinary)
		assert.FileExists(t, filepath.Join(out, "previous"))
	})

	t.Run("replaces previous set", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")
		writeFile(t, filepath.Join(out, "previous"), "old", 0o755)

		_, err := Collect(release, []string{"ord"}, out)
		require.NoError(t, err)
		assert.NoFileExists(t, filepath.Join(out, "previous"))
		assert.FileExists(t, filepath.Join(out, "ord"))
	})

	t.Run("missing release dir", func(t *testing.T) {
		_, err := Collect(filepath.Join(release, "nope"), nil, filepath.Join(t.TempDir(), "out"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("no executables", func(t *testing.T) {
		_, err := Collect(t.TempDir(), nil, filepath.Join(t.TempDir(), "out"))
		require.ErrorIs(t, err, ErrNoBinaries)
	})
}

func TestCargoArgs(t *testing.T) {
	tests := []struct {
		name       string
		builder    bundle.Builder
		rustTarget string
		want       []string
	}{
		{
			name: "defaults to locked",
			want: []string{"build", "--release", "--locked"},
		},
		{
			name:    "unlocked with features",
			builder: bundle.Builder{Locked: ptr.To(false), Features: []string{"redb", "mysql"}},
			want:    []string{"build", "--release", "--features", "redb,mysql"},
		},
		{
			name:       "cross target",
			rustTarget: "armv7-unknown-linux-gnueabihf",
			want:       []string{"build", "--release", "--locked", "--target", "armv7-unknown-linux-gnueabihf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CargoArgs(tt.builder, tt.rustTarget))
		})
	}
}

func TestReleaseDir(t *testing.T) {
	assert.Equal(t, "/w/target/release", ReleaseDir("/w/target", ""))
	assert.Equal(t, "/w/target/armv7-unknown-linux-gnueabihf/release",
		ReleaseDir("/w/target", "armv7-unknown-linux-gnueabihf"))
}

func TestBuilderScript(t *testing.T) {
	script := BuilderScript(
		bundle.Toolchain{Channel: "1.69.0", NativeDeps: []string{"libssl-dev", "pkg-config"}},
		bundle.Builder{},
	)

	lines := strings.Split(script, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "apt-get update", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "--no-install-recommends libssl-dev pkg-config"))
	assert.Contains(t, lines[2], `!= "1.69.0"`)
	assert.Equal(t, "cargo build --release --locked", lines[3])
	assert.NotContains(t, script, "curl")
}

func TestContainerEnv(t *testing.T) {
	t.Setenv("NODEBUNDLE_HOST_ONLY", "leak")

	envFile := filepath.Join(t.TempDir(), "build.env")
	writeFile(t, envFile, "A=file\nB=file\n", 0o644)

	env, err := containerEnv(Request{Builder: bundle.Builder{
		EnvFile: envFile,
		Env:     map[string]string{"B": "inline"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A=file", "B=inline", "CARGO_TARGET_DIR=/target"}, env)
}

func TestParseRustcVersion(t *testing.T) {
	assert.Equal(t, "1.69.0", parseRustcVersion("rustc 1.69.0 (84c898d65 2023-04-16)\n"))
	assert.Equal(t, "1.70.0-nightly", parseRustcVersion("rustc 1.70.0-nightly (abc 2023-03-01)"))
	assert.Equal(t, "garbage", parseRustcVersion("garbage\n"))
}

func TestNewEngine(t *testing.T) {
	e, err := NewEngine("local")
	require.NoError(t, err)
	assert.Equal(t, EngineLocal, e.Name())

	_, err = NewEngine("kaniko")
	require.ErrorIs(t, err, errUnknownEngine)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestOCIPlatform(t *testing.T) {
	target, err := arch.Parse("arm-linux-gnueabihf")
	require.NoError(t, err)

	p := ociPlatform(target.Platform)
	require.NotNil(t, p)
	assert.Equal(t, "linux", p.OS)
	assert.Equal(t, "arm", p.Architecture)
	assert.Equal(t, "v7", p.Variant)

	p = ociPlatform("linux/amd64")
	require.NotNil(t, p)
	assert.Empty(t, p.Variant)

	assert.Nil(t, ociPlatform("linux"))
}
