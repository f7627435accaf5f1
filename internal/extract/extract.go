// Package extract unpacks upstream release archives.
package extract

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
)

var (
	errExtracting = errors.New("extracting archive")
	// ErrUnsafePath is returned for entries that would be written outside the destination.
	ErrUnsafePath = errors.New("archive entry escapes destination")
)

// Result lists what was written by an extraction.
type Result struct {
	// Root is the destination directory.
	Root string
	// Files are the regular files written, relative to Root.
	Files []string
}

// TarGz extracts a gzip-compressed tar archive into destDir.
// Directories, regular files and symlinks are restored. Other entry types are
// skipped. Any entry resolving outside destDir aborts the extraction.
func TarGz(archivePath, destDir string) (Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Result{}, flaterrors.Join(err, errExtracting)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return Result{}, flaterrors.Join(err, fmt.Errorf("%s is not a gzip archive", archivePath), errExtracting)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{}, flaterrors.Join(err, errExtracting)
	}

	res, err := untar(tar.NewReader(gz), destDir)
	if err != nil {
		return Result{}, flaterrors.Join(err, errExtracting)
	}

	return res, nil
}

func untar(tr *tar.Reader, destDir string) (Result, error) {
	res := Result{Root: destDir}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return Result{}, err
		}

		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || hasDotDot(name) {
			return Result{}, flaterrors.Join(fmt.Errorf("entry %q", hdr.Name), ErrUnsafePath)
		}

		// SecureJoin resolves symlinks already extracted under destDir, so an
		// entry cannot be written through a link pointing outside of it.
		target, err := securejoin.SecureJoin(destDir, name)
		if err != nil {
			return Result{}, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return Result{}, err
			}

		case tar.TypeReg:
			if err := writeFile(target, tr, hdr); err != nil {
				return Result{}, err
			}
			rel, _ := filepath.Rel(destDir, target)
			res.Files = append(res.Files, rel)

		case tar.TypeSymlink:
			if err := checkLink(destDir, target, hdr.Linkname); err != nil {
				return Result{}, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return Result{}, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return Result{}, err
			}

		default:
			continue
		}
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil { //nolint:gosec // archive is digest-pinned
		_ = out.Close()
		return err
	}

	return out.Close()
}

func checkLink(root, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return flaterrors.Join(fmt.Errorf("symlink %s -> %s", target, linkname), ErrUnsafePath)
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(target), linkname))
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return flaterrors.Join(fmt.Errorf("symlink %s -> %s", target, linkname), ErrUnsafePath)
	}

	return nil
}

func hasDotDot(name string) bool {
	for _, part := range strings.Split(name, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	return false
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o755
	}
	return mode | 0o700
}
