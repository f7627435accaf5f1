// Package testutil holds fixtures shared by the unit tests: upstream
// archives, a pinned-artifact HTTP server, a fake cargo toolchain and ELF
// binaries of the host architecture.
package testutil

import (
	"archive/tar"
	"bytes"
	_ "crypto/sha256" // registers sha256 for go-digest
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// Entry is one regular file or directory of a test archive.
type Entry struct {
	Name string
	Body string
	Mode int64
	// Dir marks a directory entry.
	Dir bool
}

// TarGz returns a gzip-compressed tar archive of entries.
func TarGz(t *testing.T, entries ...Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: e.Mode, Typeflag: tar.TypeReg, Size: int64(len(e.Body))}
		if e.Dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}

		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header %s: %v", e.Name, err)
		}
		if !e.Dir {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("writing tar entry %s: %v", e.Name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

// BitcoinCoreArchive returns a release archive shaped like the Bitcoin Core
// distribution of version: executables under bitcoin-<version>/bin, plus
// non-executable files elsewhere. Executables hold body, or a shell script
// when body is nil.
func BitcoinCoreArchive(t *testing.T, version string, body []byte, executables ...string) []byte {
	t.Helper()

	root := "bitcoin-" + version + "/"
	entries := []Entry{
		{Name: root, Dir: true, Mode: 0o755},
		{Name: root + "bin/", Dir: true, Mode: 0o755},
		{Name: root + "README.md", Body: "readme"},
		{Name: root + "share/man/man1/bitcoind.1", Body: "man"},
	}
	for _, e := range executables {
		content := string(body)
		if body == nil {
			content = "#!/bin/sh\necho " + e + "\n"
		}
		entries = append(entries, Entry{Name: root + "bin/" + e, Body: content, Mode: 0o755})
	}

	return TarGz(t, entries...)
}

// Digest returns the sha256 digest of b.
func Digest(b []byte) digest.Digest {
	return digest.SHA256.FromBytes(b)
}

// Server serves fixed content by URL path and records every requested path.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	requests []string
}

// NewServer starts a Server closed at the end of the test.
func NewServer(t *testing.T, files map[string][]byte) *Server {
	t.Helper()

	s := &Server{files: files}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)

	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	body, ok := s.files[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	_, _ = w.Write(body)
}

// Requests returns the requested paths in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.requests...)
}

// HostELF returns the path of an ELF executable built for the host
// architecture: the running test binary.
func HostELF(t *testing.T) string {
	t.Helper()

	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	return self
}

// HostELFBytes returns the content of HostELF.
func HostELFBytes(t *testing.T) []byte {
	t.Helper()

	b, err := os.ReadFile(HostELF(t))
	if err != nil {
		t.Fatal(err)
	}

	return b
}

// FakeCargo puts rustc and cargo scripts first on PATH. rustc reports
// channel; cargo copies the host ELF into the release directory of
// CARGO_TARGET_DIR once per name of binaries.
func FakeCargo(t *testing.T, channel string, binaries ...string) {
	t.Helper()

	dir := t.TempDir()

	rustc := "#!/bin/sh\necho \"rustc " + channel + " (84c898d65 2023-04-16)\"\n"

	var cargo strings.Builder
	cargo.WriteString("#!/bin/sh\nset -e\nmkdir -p \"$CARGO_TARGET_DIR/release\"\n")
	cargo.WriteString("touch \"$CARGO_TARGET_DIR/release/.cargo-lock\"\n")
	for _, b := range binaries {
		cargo.WriteString("cp \"" + HostELF(t) + "\" \"$CARGO_TARGET_DIR/release/" + b + "\"\n")
	}

	for name, body := range map[string]string{"rustc": rustc, "cargo": cargo.String()} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// ListDir returns the sorted names of the entries of dir.
func ListDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)

	return out
}
