package bundle

import (
	"fmt"
	"strings"
)

// Toolchain pins the Rust toolchain used by the builder stage.
//
// Channel is the only place the compiler version is written down: the builder
// image tag, the local rustc check and the runtime toolchain install are all
// derived from it.
type Toolchain struct {
	// Channel is the exact toolchain release, e.g. "1.69.0".
	Channel string `json:"channel"`
	// BuilderImage overrides the builder container image. Defaults to "rust:<channel>".
	// Its tag must match Channel.
	BuilderImage string `json:"builderImage,omitempty"`
	// NativeDeps are the native development packages installed in the builder
	// before compiling, e.g. "libssl-dev".
	NativeDeps []string `json:"nativeDeps,omitempty"`
}

// Image returns the builder container image for this toolchain.
func (t Toolchain) Image() string {
	if t.BuilderImage != "" {
		return t.BuilderImage
	}
	return "rust:" + t.Channel
}

// Validate checks the toolchain section on its own.
func (t *Toolchain) Validate() error {
	p := newProblems("toolchain")
	t.validate(p)
	return p.err()
}

func (t *Toolchain) validate(p problems) {
	if !p.required("channel", t.Channel) {
		return
	}
	if strings.Count(t.Channel, ".") != 2 {
		p.addf("channel", "%q must be an exact release (major.minor.patch)", t.Channel)
	}
	if t.BuilderImage != "" {
		p.add("builderImage", CheckImageTag(t.BuilderImage, t.Channel))
	}
	for i, dep := range t.NativeDeps {
		if strings.TrimSpace(dep) == "" || strings.ContainsAny(dep, " \t;&|") {
			p.addf(fmt.Sprintf("nativeDeps[%d]", i), "%q is not a package name", dep)
		}
	}
}

// ToolchainSkewError reports a toolchain reference that does not resolve to
// the pinned channel.
type ToolchainSkewError struct {
	// Source names where the skewed version was found (an image, rustc --version...).
	Source string
	Pinned  string
	Actual  string
}

func (e *ToolchainSkewError) Error() string {
	return fmt.Sprintf("toolchain skew: %s resolves to %q, pinned channel is %q", e.Source, e.Actual, e.Pinned)
}

// CheckImageTag verifies that the tag of image names exactly the pinned
// channel. A floating tag like "1.69" is rejected even though it currently
// contains "1.69.0". Suffixes such as "-slim-bookworm" are allowed.
func CheckImageTag(image, channel string) error {
	tag := imageTag(image)
	if tag == channel || strings.HasPrefix(tag, channel+"-") {
		return nil
	}

	return &ToolchainSkewError{Source: "image " + image, Pinned: channel, Actual: tag}
}

func imageTag(image string) string {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}

	lastSlash := strings.LastIndex(image, "/")
	i := strings.LastIndex(image, ":")
	if i <= lastSlash {
		return "latest"
	}

	return image[i+1:]
}
