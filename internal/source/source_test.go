//go:build unit

package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestIngest_LocalTree(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"Cargo.toml":              "[package]\nname = \"ord\"\n",
		"src/main.rs":             "fn main() {}\n",
		"target/release/ord":      "stale build output",
		".gitignore":              "*.log\n",
		"debug.log":               "noise",
		"docs/notes.md":           "notes",
		"vendor/dep/src/lib.rs":   "",
		".nodebundle/artifacts.y": "",
	})

	dest := filepath.Join(t.TempDir(), "source")
	tree, err := Ingest(context.Background(), bundle.Source{Path: src, Ignore: []string{"docs/"}}, dest)
	require.NoError(t, err)

	assert.Equal(t, Unversioned, tree.Version)
	assert.Equal(t, 4, tree.Files) // Cargo.toml, src/main.rs, .gitignore, vendor/dep/src/lib.rs

	assert.FileExists(t, filepath.Join(dest, "Cargo.toml"))
	assert.FileExists(t, filepath.Join(dest, "src", "main.rs"))
	assert.NoDirExists(t, filepath.Join(dest, "target"))
	assert.NoDirExists(t, filepath.Join(dest, "docs"))
	assert.NoDirExists(t, filepath.Join(dest, ".nodebundle"))
	assert.NoFileExists(t, filepath.Join(dest, "debug.log"))
}

func TestIngest_ConsumedOnce(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"Cargo.toml": ""})

	dest := filepath.Join(t.TempDir(), "source")
	_, err := Ingest(context.Background(), bundle.Source{Path: src}, dest)
	require.NoError(t, err)

	_, err = Ingest(context.Background(), bundle.Source{Path: src}, dest)
	assert.ErrorIs(t, err, errIngestingSource)
}

func TestCopyTree_DestinationInsideSource(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"Cargo.toml": ""})

	dest := filepath.Join(src, "out")
	n, err := CopyTree(src, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, filepath.Join(dest, "out"))
}

func initRepo(t *testing.T, dir string) string {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFiles(t, dir, map[string]string{"Cargo.toml": "[package]\n"})

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("Cargo.toml")
	require.NoError(t, err)

	hash, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return hash.String()
}

func TestVersion(t *testing.T) {
	dir := t.TempDir()

	v, err := Version(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, Unversioned, v)

	commit := initRepo(t, dir)

	v, err = Version(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, commit, v)

	t.Run("own state and ignored files keep the tree clean", func(t *testing.T) {
		writeFiles(t, dir, map[string]string{
			".nodebundle/work/build/out/ord": "bin",
			".nodebundle/artifacts.yaml":     "artifacts: []\n",
			"target/release/ord":             "bin",
			"notes/scratch.txt":              "x",
		})

		v, err := Version(dir, []string{"notes/"})
		require.NoError(t, err)
		assert.Equal(t, commit, v)
	})

	t.Run("untracked source file", func(t *testing.T) {
		writeFiles(t, dir, map[string]string{"src/new.rs": "fn main() {}\n"})
		t.Cleanup(func() { _ = os.RemoveAll(filepath.Join(dir, "src")) })

		v, err := Version(dir, []string{"notes/"})
		require.NoError(t, err)
		assert.Equal(t, commit+"-dirty", v)
	})

	t.Run("modified tracked file", func(t *testing.T) {
		writeFiles(t, dir, map[string]string{"Cargo.toml": "[package]\nchanged = true\n"})

		v, err := Version(dir, []string{"notes/"})
		require.NoError(t, err)
		assert.Equal(t, commit+"-dirty", v)
	})
}

func TestVersion_SubdirectorySource(t *testing.T) {
	root := t.TempDir()
	commit := initRepo(t, root)

	sub := filepath.Join(root, "crates", "ord")
	writeFiles(t, root, map[string]string{"docs/untracked.md": "x"})
	require.NoError(t, os.MkdirAll(sub, 0o755))

	v, err := Version(sub, nil)
	require.NoError(t, err)
	assert.Equal(t, commit, v, "untracked files outside the source dir are ignored")
}

func TestIngest_Repo(t *testing.T) {
	remote := t.TempDir()
	commit := initRepo(t, remote)

	dest := filepath.Join(t.TempDir(), "source")
	tree, err := Ingest(context.Background(), bundle.Source{Repo: remote, Ref: commit}, dest)
	require.NoError(t, err)

	assert.Equal(t, commit, tree.Version)
	assert.Equal(t, 1, tree.Files)
	assert.FileExists(t, filepath.Join(dest, "Cargo.toml"))
	assert.NoDirExists(t, filepath.Join(dest, ".git"))
}
