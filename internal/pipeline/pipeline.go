// Package pipeline runs the stages in order: source ingest, builder stage,
// runtime assembly of each selected variant, then verification. The first
// failure aborts the run and nothing is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/assemble"
	"github.com/alexandremahdhaoui/nodebundle/internal/builder"
	"github.com/alexandremahdhaoui/nodebundle/internal/containerfile"
	"github.com/alexandremahdhaoui/nodebundle/internal/fetch"
	"github.com/alexandremahdhaoui/nodebundle/internal/imageengine"
	"github.com/alexandremahdhaoui/nodebundle/internal/source"
	"github.com/alexandremahdhaoui/nodebundle/internal/verify"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/opencontainers/go-digest"
)

// DefaultWorkDir holds the ingested source, the build output and the runtime images.
const DefaultWorkDir = ".nodebundle/work"


// Options configures a pipeline run.
type Options struct {
	Spec bundle.Spec
	// Variants is a variant selector: "" for the default variant, "all", or a name.
	Variants string
	WorkDir  string

	BuildEngine builder.Engine
	ImageEngine imageengine.Engine
	Fetcher     *fetch.Fetcher

	Stdout io.Writer
	Stderr io.Writer
}

func (o Options) workDir() string {
	if o.WorkDir == "" {
		return DefaultWorkDir
	}
	return o.WorkDir
}

func (o Options) SourceDir() string  { return filepath.Join(o.workDir(), "source") }
func (o Options) BuildDir() string   { return filepath.Join(o.workDir(), "build") }
func (o Options) RuntimeDir() string { return filepath.Join(o.workDir(), "runtime") }

func (o Options) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o Options) stderr() io.Writer {
	if o.Stderr == nil {
		return os.Stderr
	}
	return o.Stderr
}

func (o Options) imageEngine() imageengine.Engine {
	if o.ImageEngine == nil {
		return imageengine.None{}
	}
	return o.ImageEngine
}

// BinarySet is the builder output consumed by assembly.
type BinarySet struct {
	Version   string
	Timestamp string
	Binaries  []builder.Binary
}

// Summary is the outcome of a full run.
type Summary struct {
	BinarySet BinarySet
	Images    []assemble.Image
	Reports   []verify.Report
}

var errRunningPipeline = errors.New("running pipeline")

// Run executes the whole pipeline for the selected variants.
func Run(ctx context.Context, opts Options) (Summary, error) {
	target, variants, err := resolve(opts)
	if err != nil {
		return Summary{}, flaterrors.Join(err, errRunningPipeline)
	}

	set, err := build(ctx, opts, target)
	if err != nil {
		return Summary{}, flaterrors.Join(err, errRunningPipeline)
	}

	images, reports, err := assembleVariants(ctx, opts, set, target, variants)
	if err != nil {
		return Summary{}, flaterrors.Join(err, errRunningPipeline)
	}

	return Summary{BinarySet: set, Images: images, Reports: reports}, nil
}

var errBuilding = errors.New("builder stage failed")

// Build runs the source ingest and the builder stage only.
func Build(ctx context.Context, opts Options) (BinarySet, error) {
	target, err := arch.Parse(opts.Spec.Target.Arch)
	if err != nil {
		return BinarySet{}, flaterrors.Join(err, errBuilding)
	}

	return build(ctx, opts, target)
}

func build(ctx context.Context, opts Options, target arch.Arch) (BinarySet, error) {
	engine := opts.BuildEngine
	if engine == nil {
		engine = &builder.Local{}
	}

	// I. Ingest a fresh copy of the source tree
	if err := os.RemoveAll(opts.SourceDir()); err != nil {
		return BinarySet{}, flaterrors.Join(err, errBuilding)
	}

	tree, err := source.Ingest(ctx, opts.Spec.Source, opts.SourceDir())
	if err != nil {
		return BinarySet{}, flaterrors.Join(err, errBuilding)
	}
	_, _ = fmt.Fprintf(opts.stdout(), "📦 Ingested %d files (version: %s)\n", tree.Files, tree.Version)

	// II. Compile; the ingested tree is consumed by this single build
	res, err := builder.Build(ctx, engine, builder.Request{
		Toolchain: opts.Spec.Toolchain,
		Builder:   opts.Spec.Builder,
		Target:    target,
		SourceDir: tree.Dir,
		WorkDir:   opts.BuildDir(),
		Stdout:    opts.stdout(),
		Stderr:    opts.stderr(),
	})
	_ = os.RemoveAll(tree.Dir)
	if err != nil {
		return BinarySet{}, flaterrors.Join(err, errBuilding)
	}

	set := BinarySet{Version: tree.Version, Timestamp: res.Timestamp, Binaries: res.Binaries}

	// III. Record the binary set
	err = bundle.UpdateArtifactStore(opts.Spec.ArtifactStorePath, func(store *bundle.ArtifactStore) {
		for _, b := range set.Binaries {
			store.Put(bundle.Artifact{
				Name:      b.Name,
				Type:      bundle.ArtifactTypeBinary,
				Location:  b.Path,
				Timestamp: set.Timestamp,
				Version:   set.Version,
				Digest:    b.Digest.String(),
			})
		}
	})
	if err != nil {
		return BinarySet{}, flaterrors.Join(err, errBuilding)
	}

	return set, nil
}

var (
	errAssembling     = errors.New("runtime assembly failed")
	errEmptyBinarySet = errors.New("empty binary set")
)

// Assemble assembles and verifies the selected variants from the last binary
// set recorded in the artifact store.
func Assemble(ctx context.Context, opts Options) ([]assemble.Image, []verify.Report, error) {
	target, variants, err := resolve(opts)
	if err != nil {
		return nil, nil, flaterrors.Join(err, errAssembling)
	}

	set, err := LatestBinarySet(opts.Spec.ArtifactStorePath)
	if err != nil {
		return nil, nil, flaterrors.Join(err, errAssembling)
	}

	return assembleVariants(ctx, opts, set, target, variants)
}

// LatestBinarySet reads the binaries of the most recent build from the
// artifact store.
func LatestBinarySet(storePath string) (BinarySet, error) {
	store, err := bundle.OpenArtifactStore(storePath)
	if err != nil {
		return BinarySet{}, err
	}

	artifacts, err := store.LatestBuild()
	if err != nil {
		return BinarySet{}, err
	}

	set := BinarySet{Version: artifacts[0].Version, Timestamp: artifacts[0].Timestamp}
	for _, a := range artifacts {
		set.Binaries = append(set.Binaries, builder.Binary{
			Name:   a.Name,
			Path:   a.Location,
			Digest: digest.Digest(a.Digest),
		})
	}

	return set, nil
}

// assembleVariants assembles, materialises and verifies each variant in order
// from one binary set.
func assembleVariants(
	ctx context.Context,
	opts Options,
	set BinarySet,
	target arch.Arch,
	variants []bundle.Variant,
) ([]assemble.Image, []verify.Report, error) {
	if len(set.Binaries) == 0 {
		return nil, nil, flaterrors.Join(errEmptyBinarySet, errAssembling)
	}

	images := make([]assemble.Image, 0, len(variants))
	reports := make([]verify.Report, 0, len(variants))

	for _, v := range variants {
		img, report, err := assembleVariant(ctx, opts, target, v, set)
		if err != nil {
			return nil, nil, flaterrors.Join(err, errAssembling)
		}

		images = append(images, img)
		reports = append(reports, report)
	}

	return images, reports, nil
}

func assembleVariant(
	ctx context.Context,
	opts Options,
	target arch.Arch,
	v bundle.Variant,
	set BinarySet,
) (assemble.Image, verify.Report, error) {
	img, err := assemble.Assemble(ctx, assemble.Request{
		Spec:       opts.Spec,
		Variant:    v,
		Target:     target,
		Binaries:   set.Binaries,
		Version:    set.Version,
		RuntimeDir: opts.RuntimeDir(),
		Fetcher:    opts.Fetcher,
		Stdout:     opts.stdout(),
	})
	if err != nil {
		return assemble.Image{}, verify.Report{}, err
	}

	want := verify.ExpectedFromConfig(img.Config)
	want.Binaries = make(map[string]digest.Digest, len(set.Binaries))
	for _, b := range set.Binaries {
		want.Binaries[b.Name] = b.Digest
	}

	report, err := verify.Verify(img.Layout, v.Name, want, target)
	if err != nil {
		return assemble.Image{}, report, err
	}
	_, _ = fmt.Fprintf(opts.stdout(), "✅ Verified runtime image: %s\n", v.Name)

	engine := opts.imageEngine()
	ref, err := engine.Build(ctx, img, opts.stderr())
	if err != nil {
		return assemble.Image{}, report, err
	}

	if ref != "" {
		if err := engine.Probe(ctx, ref, img.Config.Executables, opts.stderr()); err != nil {
			return assemble.Image{}, report, err
		}

		img.Config.Image = ref
		if err := containerfile.WriteImageConfig(img.Layout.ConfigPath(), img.Config); err != nil {
			return assemble.Image{}, report, err
		}
	}

	location := img.Layout.Root
	if ref != "" {
		location = ref
	}

	err = bundle.UpdateArtifactStore(opts.Spec.ArtifactStorePath, func(store *bundle.ArtifactStore) {
		store.Put(bundle.Artifact{
			Name:      opts.Spec.Upstream.Name,
			Type:      bundle.ArtifactTypeUpstream,
			Location:  img.Config.Upstream.URL,
			Timestamp: set.Timestamp,
			Version:   opts.Spec.Upstream.Version,
			Digest:    img.Config.Upstream.Digest,
		})
		store.Put(bundle.Artifact{
			Name:      opts.Spec.Name + "-" + v.Name,
			Type:      bundle.ArtifactTypeRuntimeImage,
			Location:  location,
			Timestamp: set.Timestamp,
			Version:   set.Version,
			Variant:   v.Name,
		})
	})
	if err != nil {
		return assemble.Image{}, report, err
	}

	return img, report, nil
}

var errVerifying = errors.New("verification failed")

// VerifyVariants re-checks previously assembled runtime images against the
// record written at assembly time.
func VerifyVariants(opts Options) ([]verify.Report, error) {
	target, variants, err := resolve(opts)
	if err != nil {
		return nil, flaterrors.Join(err, errVerifying)
	}

	reports := make([]verify.Report, 0, len(variants))
	for _, v := range variants {
		layout := assemble.NewLayout(opts.RuntimeDir(), v.Name)

		cfg, err := containerfile.ReadImageConfig(layout.ConfigPath())
		if err != nil {
			return reports, flaterrors.Join(err, fmt.Errorf("variant %q not assembled", v.Name), errVerifying)
		}

		report, err := verify.Verify(layout, v.Name, verify.ExpectedFromConfig(cfg), target)
		reports = append(reports, report)
		if err != nil {
			return reports, flaterrors.Join(err, errVerifying)
		}

		_, _ = fmt.Fprintf(opts.stdout(), "✅ Verified runtime image: %s\n", v.Name)
	}

	return reports, nil
}

// Render returns the standalone Containerfile of one variant.
func Render(spec bundle.Spec, variant string) (string, error) {
	v, err := spec.Variant(variant)
	if err != nil {
		return "", err
	}

	return containerfile.RenderPipeline(spec, v)
}

func resolve(opts Options) (arch.Arch, []bundle.Variant, error) {
	target, err := arch.Parse(opts.Spec.Target.Arch)
	if err != nil {
		return arch.Arch{}, nil, err
	}

	variants, err := opts.Spec.SelectVariants(opts.Variants)
	if err != nil {
		return arch.Arch{}, nil, err
	}

	return target, variants, nil
}
