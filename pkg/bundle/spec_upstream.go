package bundle

import (
	"bytes"
	"errors"
	"strings"
	"text/template"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
)

// Upstream is a third-party binary distribution for a specific version and
// architecture, e.g. a Bitcoin Core release.
type Upstream struct {
	// Name of the distribution, used in the artifact store.
	Name string `json:"name"`
	// Version of the release, e.g. "25.0".
	Version string `json:"version"`
	// URL is a template rendered with .Version and .Arch (GNU triplet).
	// It must reference both.
	URL string `json:"url"`
	// BinDir is the template of the directory inside the archive holding the executables,
	// e.g. "bitcoin-{{ .Version }}/bin".
	BinDir string `json:"binDir"`
	// Digest pins the archive content, e.g. "sha256:...".
	Digest string `json:"digest"`
}

// TemplateData is the data available to URL templates.
type TemplateData struct {
	Version    string
	Arch       string
	RustTarget string
}

// NewTemplateData builds the template data for a version and target architecture.
func NewTemplateData(version string, a arch.Arch) TemplateData {
	return TemplateData{Version: version, Arch: a.Triplet, RustTarget: a.RustTarget}
}

var errRenderingTemplate = errors.New("rendering template")

// Render executes a URL or path template.
func Render(tmpl string, data TemplateData) (string, error) {
	t, err := template.New("").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", flaterrors.Join(err, errRenderingTemplate)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", flaterrors.Join(err, errRenderingTemplate)
	}

	return buf.String(), nil
}

// ResolveURL renders the download URL for the target architecture.
func (u Upstream) ResolveURL(a arch.Arch) (string, error) {
	return Render(u.URL, NewTemplateData(u.Version, a))
}

// ResolveBinDir renders the executable directory inside the archive.
func (u Upstream) ResolveBinDir(a arch.Arch) (string, error) {
	return Render(u.BinDir, NewTemplateData(u.Version, a))
}

const (
	probeVersion = "__version__"
	probeArch    = "__arch__"
)

// Validate checks the upstream section on its own.
func (u *Upstream) Validate() error {
	p := newProblems("upstream")
	u.validate(p)
	return p.err()
}

func (u *Upstream) validate(p problems) {
	p.required("version", u.Version)
	p.required("binDir", u.BinDir)
	p.digest("digest", u.Digest)

	if !p.url("url", u.URL) {
		return
	}

	// The URL encodes both version and architecture; a URL missing either would
	// silently fetch the same archive for every target.
	probe, err := Render(u.URL, TemplateData{Version: probeVersion, Arch: probeArch})
	if err != nil {
		p.add("url", err)
		return
	}
	if !strings.Contains(probe, probeVersion) {
		p.addf("url", "%q must reference {{ .Version }}", u.URL)
	}
	if !strings.Contains(probe, probeArch) {
		p.addf("url", "%q must reference {{ .Arch }}", u.URL)
	}
}
