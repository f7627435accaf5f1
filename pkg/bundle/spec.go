package bundle

import (
	"errors"
	"fmt"
	"os"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"

	"sigs.k8s.io/yaml"
)

const (
	// ConfigPath is the default path to the bundle configuration file.
	ConfigPath = "bundle.yaml"

	// DefaultArtifactStorePath is used when artifactStorePath is omitted.
	DefaultArtifactStorePath = ".nodebundle/artifacts.yaml"
)

// Spec represents the nodebundle configuration.
// It is read from the bundle.yaml file and is the single source of truth for
// every pinned input of the pipeline.
type Spec struct {
	// Name of the project. Used to name runtime images.
	Name string `json:"name"`

	// Path to the artifact store. The artifact store is a yaml data structure that
	// tracks the name, digest, timestamp etc of all built artifacts.
	ArtifactStorePath string `json:"artifactStorePath"`

	// Toolchain pins the compiler used by the builder stage.
	Toolchain Toolchain `json:"toolchain"`

	// Target is the CPU architecture of the runtime image.
	Target Target `json:"target"`

	// Source describes where the project source tree comes from.
	Source Source `json:"source"`

	// Builder configures the release build.
	Builder Builder `json:"builder"`

	// Upstream is the pinned binary distribution bundled in every runtime image.
	Upstream Upstream `json:"upstream"`

	// Variants are the runtime images assembled from the same build output.
	Variants []Variant `json:"variants"`
}

// Target holds the CPU architecture the runtime image is built for.
type Target struct {
	// Arch is a GNU triplet, as encoded in the upstream release URL,
	// e.g. "arm-linux-gnueabihf".
	Arch string `json:"arch"`
}

// Validate reports every problem of the bundle at once.
func (s *Spec) Validate() error {
	p := newProblems("")

	p.required("name", s.Name)
	p.required("artifactStorePath", s.ArtifactStorePath)
	p.arch("target.arch", s.Target.Arch)

	s.Toolchain.validate(p.sub("toolchain"))
	s.Source.validate(p.sub("source"))
	s.Upstream.validate(p.sub("upstream"))

	if len(s.Variants) == 0 {
		p.addf("variants", "at least one variant is required")
	}

	seen := make(map[string]int, len(s.Variants))
	for i, v := range s.Variants {
		vp := p.sub(fmt.Sprintf("variants[%d]", i))
		v.validate(vp)
		if first, ok := seen[v.Name]; ok && v.Name != "" {
			vp.addf("name", "%q already used by variants[%d]", v.Name, first)
			continue
		}
		seen[v.Name] = i
	}

	return p.err()
}

var errVariantNotFound = errors.New("variant not found")

// Variant returns the variant with the given name.
// An empty name selects the first variant, which is the default one.
func (s *Spec) Variant(name string) (Variant, error) {
	if len(s.Variants) == 0 {
		return Variant{}, flaterrors.Join(errors.New("no variant defined"), errVariantNotFound)
	}

	if name == "" {
		return s.Variants[0], nil
	}

	for _, v := range s.Variants {
		if v.Name == name {
			return v, nil
		}
	}

	return Variant{}, flaterrors.Join(fmt.Errorf("no variant named %q", name), errVariantNotFound)
}

// SelectVariants resolves a variant selector: "" selects the default variant,
// "all" selects every variant, anything else selects a variant by name.
func (s *Spec) SelectVariants(selector string) ([]Variant, error) {
	if selector == "all" {
		return append([]Variant(nil), s.Variants...), nil
	}

	v, err := s.Variant(selector)
	if err != nil {
		return nil, err
	}

	return []Variant{v}, nil
}

var errReadingBundleSpec = errors.New("error reading bundle spec")

// ReadSpec reads the nodebundle configuration from the bundle.yaml file.
func ReadSpec() (Spec, error) {
	return ReadSpecFromPath(ConfigPath)
}

// ReadSpecFromPath reads the nodebundle configuration from the specified file path.
// Defaults are applied before validation.
func ReadSpecFromPath(path string) (Spec, error) {
	b, err := os.ReadFile(path) //nolint:varnamelen
	if err != nil {
		return Spec{}, flaterrors.Join(err, errReadingBundleSpec)
	}

	out := Spec{} //nolint:exhaustruct // unmarshal

	if err := yaml.UnmarshalStrict(b, &out); err != nil {
		return Spec{}, flaterrors.Join(err, errReadingBundleSpec)
	}

	out.applyDefaults()

	if err := out.Validate(); err != nil {
		return Spec{}, flaterrors.Join(err, errReadingBundleSpec)
	}

	return out, nil
}

func (s *Spec) applyDefaults() {
	if s.ArtifactStorePath == "" {
		s.ArtifactStorePath = DefaultArtifactStorePath
	}

	if s.Source.Path == "" && s.Source.Repo == "" {
		s.Source.Path = "."
	}

	if s.Upstream.Name == "" {
		s.Upstream.Name = "upstream"
	}

	for i := range s.Variants {
		if s.Variants[i].WorkDir == "" {
			s.Variants[i].WorkDir = "/"
		}
		if rt := s.Variants[i].RuntimeToolchain; rt != nil && rt.Home == "" {
			rt.Home = DefaultToolchainHome
		}
	}
}
