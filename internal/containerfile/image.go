// Package containerfile renders the declarative build definitions of the
// runtime images.
package containerfile

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"sigs.k8s.io/yaml"
)

// GlobalBinDir is the directory every runtime executable is installed into.
const GlobalBinDir = "/usr/local/bin"

// DefaultPath is the PATH of a runtime image without a runtime toolchain.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ImageConfig describes an assembled runtime image. It is written next to
// the build context as image.yaml.
type ImageConfig struct {
	Name    string `json:"name"`
	Variant string `json:"variant"`
	// Version is the source version the binaries were built from.
	Version   string `json:"version"`
	BaseImage string `json:"baseImage"`
	Platform  string `json:"platform"`
	WorkDir   string `json:"workDir"`
	// Env holds the image environment, PATH included.
	Env map[string]string `json:"env"`
	// Executables lists every file of the global bin dir.
	Executables []string `json:"executables"`

	Upstream  UpstreamInfo   `json:"upstream"`
	Binaries  []BinaryInfo   `json:"binaries"`
	Toolchain *ToolchainInfo `json:"toolchain,omitempty"`

	// Image is the container image reference once materialised by an image engine.
	Image string `json:"image,omitempty"`
}

// UpstreamInfo records the pinned distribution relocated into the image.
type UpstreamInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	URL         string   `json:"url"`
	Digest      string   `json:"digest"`
	Executables []string `json:"executables"`
}

// BinaryInfo records one builder output copied into the image.
type BinaryInfo struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

// ToolchainInfo records the verified runtime toolchain installer.
type ToolchainInfo struct {
	Channel string `json:"channel"`
	Home    string `json:"home"`
	// Installer is the installer path relative to the build context.
	Installer string `json:"installer"`
	URL       string `json:"url"`
	Digest    string `json:"digest"`
}

// BinaryNames returns the names of the builder binaries.
func (c ImageConfig) BinaryNames() []string {
	out := make([]string, 0, len(c.Binaries))
	for _, b := range c.Binaries {
		out = append(out, b.Name)
	}
	return out
}

// Tags returns the image references for this config.
func (c ImageConfig) Tags() []string {
	repo := c.Name + "-" + c.Variant
	tags := []string{repo + ":latest"}
	if c.Version != "" {
		tags = append([]string{repo + ":" + c.Version}, tags...)
	}
	return tags
}

var (
	errReadingImageConfig = errors.New("reading image config")
	errWritingImageConfig = errors.New("writing image config")
)

// ReadImageConfig reads an image.yaml file.
func ReadImageConfig(path string) (ImageConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ImageConfig{}, flaterrors.Join(err, errReadingImageConfig)
	}

	out := ImageConfig{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return ImageConfig{}, flaterrors.Join(err, errReadingImageConfig)
	}

	return out, nil
}

// WriteImageConfig writes cfg to path.
func WriteImageConfig(path string, cfg ImageConfig) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return flaterrors.Join(err, errWritingImageConfig)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return flaterrors.Join(err, errWritingImageConfig)
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return flaterrors.Join(err, errWritingImageConfig)
	}

	return nil
}
