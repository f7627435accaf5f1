package builder

import (
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/opencontainers/go-digest"
)

var (
	ErrMissingBinary = errors.New("expected binary not found in release directory")
	ErrNoBinaries    = errors.New("no binaries found in release directory")

	errCollectingBinaries = errors.New("collecting binaries")
)

// Collect copies the executables of releaseDir into outDir and returns them
// sorted by name.
//
// When names is empty every executable regular file at the top of releaseDir
// whose name has no "." is collected; cargo's dep-info files, rlibs and build
// directories are skipped that way. outDir is replaced atomically: a failed
// collection leaves any previous binary set untouched.
func Collect(releaseDir string, names []string, outDir string) ([]Binary, error) {
	info, err := os.Stat(releaseDir)
	if err != nil {
		return nil, flaterrors.Join(err, errCollectingBinaries)
	}
	if !info.IsDir() {
		return nil, flaterrors.Join(fmt.Errorf("%s is not a directory", releaseDir), errCollectingBinaries)
	}

	if len(names) == 0 {
		if names, err = discover(releaseDir); err != nil {
			return nil, flaterrors.Join(err, errCollectingBinaries)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return nil, flaterrors.Join(err, errCollectingBinaries)
	}

	staging, err := os.MkdirTemp(filepath.Dir(outDir), ".collect-*")
	if err != nil {
		return nil, flaterrors.Join(err, errCollectingBinaries)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	binaries := make([]Binary, 0, len(names))
	for _, name := range names {
		src := filepath.Join(releaseDir, name)

		fi, err := os.Stat(src)
		if errors.Is(err, os.ErrNotExist) || (err == nil && !fi.Mode().IsRegular()) {
			return nil, flaterrors.Join(fmt.Errorf("%q", name), ErrMissingBinary, errCollectingBinaries)
		} else if err != nil {
			return nil, flaterrors.Join(err, errCollectingBinaries)
		}

		dgst, err := copyExecutable(src, filepath.Join(staging, name))
		if err != nil {
			return nil, flaterrors.Join(err, errCollectingBinaries)
		}

		binaries = append(binaries, Binary{Name: name, Path: filepath.Join(outDir, name), Digest: dgst})
	}

	sort.Slice(binaries, func(i, j int) bool { return binaries[i].Name < binaries[j].Name })

	if err := os.RemoveAll(outDir); err != nil {
		return nil, flaterrors.Join(err, errCollectingBinaries)
	}
	if err := os.Rename(staging, outDir); err != nil {
		return nil, flaterrors.Join(err, errCollectingBinaries)
	}

	return binaries, nil
}

func discover(releaseDir string) ([]string, error) {
	entries, err := os.ReadDir(releaseDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0)
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.Contains(e.Name(), ".") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, err
		}

		if info.Mode().Perm()&0o111 != 0 {
			names = append(names, e.Name())
		}
	}

	if len(names) == 0 {
		return nil, flaterrors.Join(fmt.Errorf("%s", releaseDir), ErrNoBinaries)
	}

	return names, nil
}

func copyExecutable(src, dst string) (digest.Digest, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", err
	}

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(io.MultiWriter(out, digester.Hash()), in); err != nil {
		_ = out.Close()
		return "", err
	}

	if err := out.Close(); err != nil {
		return "", err
	}

	return digester.Digest(), nil
}
