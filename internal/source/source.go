// Package source ingests the project source tree consumed by the builder stage.
//
// The tree is either copied verbatim from a local directory, minus ignored
// paths, or cloned from a git remote. The ingested copy is never modified
// afterwards.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnores are never copied into the build context.
var DefaultIgnores = []string{
	".git/",
	"target/",
	".nodebundle/",
}

// Tree is an ingested source tree.
type Tree struct {
	// Dir is the root of the ingested copy.
	Dir string
	// Version is the commit the tree was taken from, or Unversioned.
	Version string
	// Files is the number of regular files ingested.
	Files int
}

var errIngestingSource = errors.New("ingesting source tree")

// Ingest materialises the source described by src into dest.
// dest must not exist yet: a source tree is consumed exactly once.
func Ingest(ctx context.Context, src bundle.Source, dest string) (Tree, error) {
	if _, err := os.Stat(dest); err == nil {
		return Tree{}, flaterrors.Join(fmt.Errorf("destination %s already exists", dest), errIngestingSource)
	}

	if src.Repo != "" {
		tree, err := clone(ctx, src, dest)
		if err != nil {
			return Tree{}, flaterrors.Join(err, errIngestingSource)
		}
		return tree, nil
	}

	version, err := Version(src.Path, src.Ignore)
	if err != nil {
		return Tree{}, flaterrors.Join(err, errIngestingSource)
	}

	n, err := CopyTree(src.Path, dest, src.Ignore)
	if err != nil {
		return Tree{}, flaterrors.Join(err, errIngestingSource)
	}

	return Tree{Dir: dest, Version: version, Files: n}, nil
}

// CopyTree copies the regular files, directories and symlinks under src into
// dst. Paths matching DefaultIgnores, the patterns of src/.gitignore, or
// extra are skipped. It returns the number of files copied.
func CopyTree(src, dst string, extra []string) (int, error) {
	matcher, err := compileIgnores(src, extra)
	if err != nil {
		return 0, err
	}

	absDst, err := filepath.Abs(dst)
	if err != nil {
		return 0, err
	}

	count := 0
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}

		// Never copy the destination into itself when it lives under src.
		if abs, _ := filepath.Abs(path); abs == absDst {
			return filepath.SkipDir
		}

		matchPath := filepath.ToSlash(rel)
		if d.IsDir() {
			matchPath += "/"
		}
		if matcher.MatchesPath(matchPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			count++
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

func compileIgnores(root string, extra []string) (*ignore.GitIgnore, error) {
	lines := append([]string{}, DefaultIgnores...)

	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	switch {
	case err == nil:
		lines = append(lines, strings.Split(string(content), "\n")...)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	lines = append(lines, extra...)

	return ignore.CompileIgnoreLines(lines...), nil
}

// CopyFile copies a single file, preserving the given permissions.
func CopyFile(src, dst string, perm os.FileMode) error {
	return copyFile(src, dst, perm)
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
