// Package fetch downloads pinned artifacts and verifies them against a
// content digest before they are made visible on disk.
package fetch

import (
	"context"
	_ "crypto/sha256" // registers sha256 for go-digest
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/opencontainers/go-digest"
)

// DefaultTimeout bounds a whole download when Fetcher.Timeout is zero.
const DefaultTimeout = 10 * time.Minute

// Fetcher downloads files over HTTP(S).
type Fetcher struct {
	// Client is the HTTP client. Defaults to http.DefaultClient.
	Client *http.Client
	// Timeout bounds each download, body included. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// New returns a Fetcher with the given timeout.
func New(timeout time.Duration) *Fetcher {
	return &Fetcher{Client: http.DefaultClient, Timeout: timeout}
}

// DigestMismatchError is returned when the downloaded content does not match the pin.
type DigestMismatchError struct {
	URL      string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

var (
	errFetching      = errors.New("fetching")
	errUnexpectedRes = errors.New("unexpected response")
)

// Result describes a verified download.
type Result struct {
	URL    string
	Path   string
	Digest digest.Digest
	Size   int64
}

// Fetch downloads url into dest and verifies its content against want.
//
// The body is streamed into a temporary file next to dest and renamed only
// once the digest matches, so a failed fetch never leaves a partial or
// unverified file at dest.
func (f *Fetcher) Fetch(ctx context.Context, url string, want digest.Digest, dest string) (Result, error) {
	if err := want.Validate(); err != nil {
		return Result{}, flaterrors.Join(err, fmt.Errorf("pinned digest %q", want), errFetching)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, flaterrors.Join(err, errFetching)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, flaterrors.Join(err, errFetching)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, flaterrors.Join(
			fmt.Errorf("GET %s: %s", url, resp.Status),
			errUnexpectedRes,
			errFetching,
		)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, flaterrors.Join(err, errFetching)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return Result{}, flaterrors.Join(err, errFetching)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	digester := want.Algorithm().Digester()
	n, copyErr := io.Copy(io.MultiWriter(tmp, digester.Hash()), resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return Result{}, flaterrors.Join(copyErr, fmt.Errorf("GET %s", url), errFetching)
	}
	if closeErr != nil {
		return Result{}, flaterrors.Join(closeErr, errFetching)
	}

	actual := digester.Digest()
	if actual != want {
		return Result{}, flaterrors.Join(
			&DigestMismatchError{URL: url, Expected: want, Actual: actual},
			errFetching,
		)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return Result{}, flaterrors.Join(err, errFetching)
	}

	return Result{URL: url, Path: dest, Digest: actual, Size: n}, nil
}

// DigestFile computes the sha256 digest of a file.
func DigestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.SHA256.FromReader(f)
}
