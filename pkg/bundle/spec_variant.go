package bundle

import (
	"fmt"
	"path"
	"regexp"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
)

// DefaultToolchainHome is where the runtime toolchain is installed when
// RuntimeToolchain.Home is empty.
const DefaultToolchainHome = "/root/.cargo"

// variantNameRe is a lowercase DNS-label-like name. A variant name becomes a
// directory under the work dir, so it can neither contain a separator nor be
// "." or "..".
var variantNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// CheckVariantName returns an error unless name can be used as a variant
// name. "all" is reserved for selecting every variant.
func CheckVariantName(name string) error {
	if name == "all" {
		return fmt.Errorf("%q is reserved", name)
	}
	if !variantNameRe.MatchString(name) {
		return fmt.Errorf("%q must match %s", name, variantNameRe)
	}
	return nil
}

// Variant is one runtime image assembled from the shared build output.
type Variant struct {
	// Name of the variant, e.g. "slim" or "toolchain".
	Name string `json:"name"`
	// BaseImage is the long-lived base environment, e.g. "debian:bookworm-slim".
	BaseImage string `json:"baseImage"`
	// WorkDir is the working directory of the final image. Defaults to "/".
	WorkDir string `json:"workDir,omitempty"`
	// Env holds extra environment variables baked into the image.
	Env map[string]string `json:"env,omitempty"`
	// RuntimeToolchain installs the pinned toolchain in the final image.
	RuntimeToolchain *RuntimeToolchain `json:"runtimeToolchain,omitempty"`
}

// RuntimeToolchain installs the pinned Rust toolchain in the runtime image from
// a checksum-verified installer.
type RuntimeToolchain struct {
	// InstallerURL is a template rendered with .RustTarget, e.g.
	// "https://static.rust-lang.org/rustup/archive/1.26.0/{{ .RustTarget }}/rustup-init".
	InstallerURL string `json:"installerURL"`
	// InstallerDigest pins the installer binary for the target architecture.
	InstallerDigest string `json:"installerDigest"`
	// Home is the user-local install prefix. Its bin directory is added to PATH.
	Home string `json:"home,omitempty"`
}

// BinDir is the directory added to PATH for the runtime toolchain.
func (rt RuntimeToolchain) BinDir() string {
	return path.Join(rt.Home, "bin")
}

// ResolveInstallerURL renders the installer URL for the target architecture.
func (rt RuntimeToolchain) ResolveInstallerURL(a arch.Arch) (string, error) {
	return Render(rt.InstallerURL, NewTemplateData("", a))
}

// Validate checks a single variant.
func (v *Variant) Validate() error {
	p := newProblems("variant")
	v.validate(p)
	return p.err()
}

func (v *Variant) validate(p problems) {
	if p.required("name", v.Name) {
		p.add("name", CheckVariantName(v.Name))
	}
	p.required("baseImage", v.BaseImage)
	if !path.IsAbs(v.WorkDir) {
		p.addf("workDir", "%q must be absolute", v.WorkDir)
	}
	if v.Env["PATH"] != "" {
		p.addf("env.PATH", "managed by nodebundle")
	}

	if rt := v.RuntimeToolchain; rt != nil {
		rp := p.sub("runtimeToolchain")
		rp.url("installerURL", rt.InstallerURL)
		rp.digest("installerDigest", rt.InstallerDigest)
		if rt.Home != "" && !path.IsAbs(rt.Home) {
			rp.addf("home", "%q must be absolute", rt.Home)
		}
	}
}
