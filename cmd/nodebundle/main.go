package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/nodebundle/internal/builder"
	"github.com/alexandremahdhaoui/nodebundle/internal/cli"
	"github.com/alexandremahdhaoui/nodebundle/internal/fetch"
	"github.com/alexandremahdhaoui/nodebundle/internal/imageengine"
	"github.com/alexandremahdhaoui/nodebundle/internal/pipeline"
	"github.com/alexandremahdhaoui/nodebundle/internal/util"
	"github.com/alexandremahdhaoui/nodebundle/internal/verify"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/caarlos0/env/v11"
)

const Name = "nodebundle"

// Version information (set via ldflags during build)
var (
	Version        = "dev"
	CommitSHA      = "unknown"
	BuildTimestamp = "unknown"
)

// ----------------------------------------------------- MAIN ------------------------------------------------------- //

func main() {
	cli.Bootstrap(cli.Config{
		Name:           Name,
		Version:        Version,
		CommitSHA:      CommitSHA,
		BuildTimestamp: BuildTimestamp,
		RunCLI:         run,
		RunMCP:         runMCPServer,
		FailureHandler: printFailure,
	})
}

// ----------------------------------------------------- ENVS ------------------------------------------------------- //

// Envs holds the environment variables read by nodebundle.
type Envs struct {
	// Config is the path to bundle.yaml.
	Config string `env:"NODEBUNDLE_CONFIG" envDefault:"bundle.yaml"`
	// BuildEngine compiles the companion binaries: "local" or "docker".
	BuildEngine string `env:"NODEBUNDLE_BUILD_ENGINE" envDefault:"local"`
	// ImageEngine materialises runtime images: "none" or "docker".
	ImageEngine string `env:"NODEBUNDLE_IMAGE_ENGINE" envDefault:"none"`
	// WorkDir holds the source copy, the build output and the runtime images.
	WorkDir string `env:"NODEBUNDLE_WORK_DIR" envDefault:".nodebundle/work"`
	// FetchTimeout bounds each download.
	FetchTimeout time.Duration `env:"NODEBUNDLE_FETCH_TIMEOUT" envDefault:"10m"`
	// EnvFile overrides builder.envFile of bundle.yaml.
	EnvFile string `env:"NODEBUNDLE_ENV_FILE"`
}

var errReadingEnvs = errors.New("reading environment variables")

func readEnvs() (Envs, error) {
	envs := Envs{} //nolint:exhaustruct // unmarshal
	if err := env.Parse(&envs); err != nil {
		return Envs{}, flaterrors.Join(err, errReadingEnvs)
	}

	return envs, nil
}

// ----------------------------------------------------- RUN -------------------------------------------------------- //

var (
	errMissingCommand = errors.New("missing command")
	errUnknownCommand = errors.New("unknown command")
	errTooManyArgs    = errors.New("too many arguments")
)

func run(args []string) error {
	envs, err := readEnvs()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return dispatch(ctx, envs, args, os.Stdout, os.Stderr)
}

// dispatch runs one subcommand. Every subcommand takes at most one
// positional argument.
func dispatch(ctx context.Context, envs Envs, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errMissingCommand
	}

	command, rest := args[0], args[1:]
	if len(rest) > 1 {
		return flaterrors.Join(fmt.Errorf("%s takes at most one argument, got %v", command, rest), errTooManyArgs)
	}

	selector := ""
	if len(rest) == 1 {
		selector = rest[0]
	}

	switch command {
	case "run":
		return runAll(ctx, envs, selector, stdout, stderr)
	case "build":
		if selector != "" {
			return flaterrors.Join(fmt.Errorf("build takes no argument, got %q", selector), errTooManyArgs)
		}
		return runBuild(ctx, envs, stdout, stderr)
	case "assemble":
		return runAssemble(ctx, envs, selector, stdout, stderr)
	case "verify":
		return runVerify(envs, selector, stdout)
	case "render":
		return runRender(envs, selector, stdout)
	case "artifacts":
		return runArtifacts(envs, stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return flaterrors.Join(fmt.Errorf("%q", command), errUnknownCommand)
	}
}

var errLoadingOptions = errors.New("loading pipeline options")

// stageEngines selects which engines loadOptions instantiates. Docker
// engines dial the daemon, so commands only build the ones they use.
type stageEngines struct {
	build bool
	image bool
}

func loadOptions(envs Envs, selector string, engines stageEngines, stdout, stderr io.Writer) (pipeline.Options, error) {
	spec, err := bundle.ReadSpecFromPath(envs.Config)
	if err != nil {
		return pipeline.Options{}, flaterrors.Join(err, errLoadingOptions)
	}

	if envs.EnvFile != "" {
		spec.Builder.EnvFile = envs.EnvFile
	}

	opts := pipeline.Options{
		Spec:     spec,
		Variants: selector,
		WorkDir:  envs.WorkDir,
		Fetcher:  fetch.New(envs.FetchTimeout),
		Stdout:   stdout,
		Stderr:   stderr,
	}

	if engines.build {
		if opts.BuildEngine, err = builder.NewEngine(envs.BuildEngine); err != nil {
			return pipeline.Options{}, flaterrors.Join(err, errLoadingOptions)
		}
	}

	if engines.image {
		if opts.ImageEngine, err = imageengine.New(envs.ImageEngine); err != nil {
			return pipeline.Options{}, flaterrors.Join(err, errLoadingOptions)
		}
	}

	return opts, nil
}

func runAll(ctx context.Context, envs Envs, selector string, stdout, stderr io.Writer) error {
	opts, err := loadOptions(envs, selector, stageEngines{build: true, image: true}, stdout, stderr)
	if err != nil {
		return err
	}

	summary, err := pipeline.Run(ctx, opts)
	if err != nil {
		return err
	}

	printBinarySet(stdout, summary.BinarySet)
	printImages(stdout, summary.Reports)

	return nil
}

func runBuild(ctx context.Context, envs Envs, stdout, stderr io.Writer) error {
	opts, err := loadOptions(envs, "", stageEngines{build: true}, stdout, stderr)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "⏳ Building companion binaries (engine: %s, toolchain: %s)\n",
		opts.BuildEngine.Name(), opts.Spec.Toolchain.Channel)

	set, err := pipeline.Build(ctx, opts)
	if err != nil {
		return err
	}

	printBinarySet(stdout, set)

	return nil
}

func runAssemble(ctx context.Context, envs Envs, selector string, stdout, stderr io.Writer) error {
	opts, err := loadOptions(envs, selector, stageEngines{image: true}, stdout, stderr)
	if err != nil {
		return err
	}

	_, reports, err := pipeline.Assemble(ctx, opts)
	if err != nil {
		return err
	}

	printImages(stdout, reports)

	return nil
}

func runVerify(envs Envs, selector string, stdout io.Writer) error {
	opts, err := loadOptions(envs, selector, stageEngines{}, stdout, stdout)
	if err != nil {
		return err
	}

	reports, err := pipeline.VerifyVariants(opts)
	for _, r := range reports {
		for _, v := range r.Violations() {
			_, _ = fmt.Fprintf(stdout, "❌ %s: %s\n", r.Variant, v)
		}
	}

	return err
}

func runRender(envs Envs, selector string, stdout io.Writer) error {
	spec, err := bundle.ReadSpecFromPath(envs.Config)
	if err != nil {
		return err
	}

	out, err := pipeline.Render(spec, selector)
	if err != nil {
		return err
	}

	_, _ = io.WriteString(stdout, out)

	return nil
}

func runArtifacts(envs Envs, stdout io.Writer) error {
	spec, err := bundle.ReadSpecFromPath(envs.Config)
	if err != nil {
		return err
	}

	store, err := bundle.OpenArtifactStore(spec.ArtifactStorePath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tNAME\tVERSION\tVARIANT\tDIGEST\tLOCATION")
	for _, a := range store.Artifacts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Type, a.Name, a.Version, dash(a.Variant), dash(shortDigest(a.Digest)), a.Location)
	}

	return w.Flush()
}

// ----------------------------------------------------- PRINT HELPERS ---------------------------------------------- //

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - build companion binaries and assemble node runtime images

Usage:
  %[1]s run [variant|all]        Build, assemble and verify
  %[1]s build                    Run the builder stage only
  %[1]s assemble [variant|all]   Assemble from the last build
  %[1]s verify [variant|all]     Re-check assembled runtime images
  %[1]s render [variant]         Print the equivalent Containerfile
  %[1]s artifacts                List the artifact store
  %[1]s version                  Show version information
  %[1]s --mcp                    Serve the MCP tools over stdio
  %[1]s help                     Show this help message

Environment variables:
%s`, Name, util.FormatExpectedEnvList[Envs]())
}

func printBinarySet(w io.Writer, set pipeline.BinarySet) {
	for _, b := range set.Binaries {
		_, _ = fmt.Fprintf(w, "✅ Built binary: %s (%s)\n", b.Name, shortDigest(b.Digest.String()))
	}
}

func printImages(w io.Writer, reports []verify.Report) {
	for _, r := range reports {
		_, _ = fmt.Fprintf(w, "✅ Runtime image %s: %s\n", r.Variant, strings.Join(r.Executables, ", "))
	}
}

func printFailure(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "❌ Error\n%s\n", err.Error())
}

func shortDigest(d string) string {
	if i := strings.IndexByte(d, ':'); i >= 0 && len(d) > i+13 {
		return d[:i+13]
	}
	return d
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
