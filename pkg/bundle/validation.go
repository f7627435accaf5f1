package bundle

import (
	_ "crypto/sha256" // registers sha256 for go-digest
	_ "crypto/sha512"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/opencontainers/go-digest"
)

// FieldError is a single defect found at a field path of a bundle spec,
// e.g. "variants[1].runtimeToolchain.installerDigest".
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error { return e.Err }

// InvalidSpecError lists every FieldError found while validating a spec.
type InvalidSpecError struct {
	Problems []error
}

func (e *InvalidSpecError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0].Error()
	}

	lines := make([]string, 0, len(e.Problems)+1)
	lines = append(lines, fmt.Sprintf("invalid bundle spec (%d problems):", len(e.Problems)))
	for _, p := range e.Problems {
		lines = append(lines, "  - "+p.Error())
	}
	return strings.Join(lines, "\n")
}

func (e *InvalidSpecError) Unwrap() []error { return e.Problems }

// ----- problems ----- //

// problems records FieldErrors under a path prefix. Scopes derived with sub
// share the same list.
type problems struct {
	path string
	list *[]error
}

func newProblems(root string) problems {
	return problems{path: root, list: new([]error)}
}

func (p problems) sub(name string) problems {
	return problems{path: p.join(name), list: p.list}
}

func (p problems) join(field string) string {
	switch {
	case field == "":
		return p.path
	case p.path == "":
		return field
	case strings.HasPrefix(field, "["):
		return p.path + field
	default:
		return p.path + "." + field
	}
}

func (p problems) add(field string, err error) {
	if err == nil {
		return
	}
	*p.list = append(*p.list, &FieldError{Field: p.join(field), Err: err})
}

func (p problems) addf(field, format string, args ...any) {
	p.add(field, fmt.Errorf(format, args...))
}

func (p problems) err() error {
	if len(*p.list) == 0 {
		return nil
	}
	return &InvalidSpecError{Problems: *p.list}
}

func (p problems) required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		p.addf(field, "required")
		return false
	}
	return true
}

// url accepts http(s) URLs only. The body is pinned by digest, so plain http
// is allowed for mirrors.
func (p problems) url(field, value string) bool {
	if !p.required(field, value) {
		return false
	}

	scheme, rest, ok := strings.Cut(value, "://")
	if !ok || rest == "" {
		p.addf(field, "%q is not an absolute URL", value)
		return false
	}
	if scheme != "http" && scheme != "https" {
		p.addf(field, "unsupported scheme %q", scheme)
		return false
	}
	return true
}

// digest accepts "sha256:<hex>" or "sha512:<hex>".
func (p problems) digest(field, value string) {
	if !p.required(field, value) {
		return
	}

	d, err := digest.Parse(value)
	if err != nil {
		p.addf(field, "%q: %w", value, err)
		return
	}
	if alg := d.Algorithm(); alg != digest.SHA256 && alg != digest.SHA512 {
		p.addf(field, "unsupported digest algorithm %q", alg)
	}
}

func (p problems) arch(field, triplet string) {
	if !p.required(field, triplet) {
		return
	}
	if _, err := arch.Parse(triplet); err != nil {
		p.add(field, err)
	}
}
