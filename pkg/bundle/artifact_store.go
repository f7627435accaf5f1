package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"sigs.k8s.io/yaml"
)

// Artifact types recorded in the store.
const (
	ArtifactTypeBinary       = "binary"
	ArtifactTypeUpstream     = "upstream"
	ArtifactTypeRuntimeImage = "runtime-image"
)

// Artifact is one output of a build or an assembly.
type Artifact struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Location is a path on disk, a URL or an image reference depending on Type.
	Location string `json:"location"`
	// Timestamp is the RFC3339 time of the build the artifact belongs to.
	// Every binary of one build shares it.
	Timestamp string `json:"timestamp"`
	// Version is the source commit for binaries and images, the release
	// version for upstream archives.
	Version string `json:"version"`
	Digest  string `json:"digest,omitempty"`
	Variant string `json:"variant,omitempty"`
}

type artifactKey struct{ name, typ, variant, version string }

func (a Artifact) key() artifactKey {
	return artifactKey{name: a.Name, typ: a.Type, variant: a.Variant, version: a.Version}
}

// ArtifactStore is the YAML ledger of everything nodebundle produced.
type ArtifactStore struct {
	Version     string     `json:"version"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Artifacts   []Artifact `json:"artifacts"`
}

var (
	errReadingArtifactStore = errors.New("reading artifact store")
	errWritingArtifactStore = errors.New("writing artifact store")
	errNoBuild              = errors.New("no binary in artifact store, run a build first")
)

const artifactStoreVersion = "1.0"

// OpenArtifactStore loads the store at path. A missing file yields an empty
// store.
func OpenArtifactStore(path string) (ArtifactStore, error) {
	out := ArtifactStore{Version: artifactStoreVersion, Artifacts: []Artifact{}}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	} else if err != nil {
		return ArtifactStore{}, flaterrors.Join(err, errReadingArtifactStore)
	}

	if err := yaml.Unmarshal(b, &out); err != nil {
		return ArtifactStore{}, flaterrors.Join(err, errReadingArtifactStore)
	}
	if out.Artifacts == nil {
		out.Artifacts = []Artifact{}
	}

	return out, nil
}

// Save writes the store to path through a sibling temp file, so readers never
// observe a partial ledger.
func (s ArtifactStore) Save(path string) error {
	s.LastUpdated = time.Now().UTC()
	if s.Version == "" {
		s.Version = artifactStoreVersion
	}

	b, err := yaml.Marshal(s)
	if err != nil {
		return flaterrors.Join(err, errWritingArtifactStore)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return flaterrors.Join(err, errWritingArtifactStore)
	}

	tmp, err := os.CreateTemp(dir, ".artifacts-*.yaml")
	if err != nil {
		return flaterrors.Join(err, errWritingArtifactStore)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return flaterrors.Join(err, errWritingArtifactStore)
	}
	if err := tmp.Close(); err != nil {
		return flaterrors.Join(err, errWritingArtifactStore)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return flaterrors.Join(err, errWritingArtifactStore)
	}

	return nil
}

// UpdateArtifactStore loads the store at path, applies fn and saves it back.
func UpdateArtifactStore(path string, fn func(*ArtifactStore)) error {
	s, err := OpenArtifactStore(path)
	if err != nil {
		return err
	}
	fn(&s)
	return s.Save(path)
}

// Put records a, replacing an artifact with the same name, type, variant and
// version.
func (s *ArtifactStore) Put(a Artifact) {
	k := a.key()
	for i := range s.Artifacts {
		if s.Artifacts[i].key() == k {
			s.Artifacts[i] = a
			return
		}
	}
	s.Artifacts = append(s.Artifacts, a)
}

// ByType returns the artifacts of one type in insertion order.
func (s ArtifactStore) ByType(typ string) []Artifact {
	var out []Artifact
	for _, a := range s.Artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// LatestBuild returns the binaries sharing the newest build timestamp, sorted
// by name. Entries with an unparsable timestamp are ignored.
func (s ArtifactStore) LatestBuild() ([]Artifact, error) {
	var (
		newest time.Time
		out    []Artifact
	)

	for _, a := range s.ByType(ArtifactTypeBinary) {
		t, err := time.Parse(time.RFC3339, a.Timestamp)
		if err != nil {
			continue
		}
		switch {
		case len(out) == 0 || t.After(newest):
			newest, out = t, []Artifact{a}
		case t.Equal(newest):
			out = append(out, a)
		}
	}

	if len(out) == 0 {
		return nil, errNoBuild
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
