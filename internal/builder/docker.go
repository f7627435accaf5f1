package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/cmdutil"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	containerSourceDir = "/src"
	containerTargetDir = "/target"
)

// Docker compiles inside the pinned builder image, run for the target
// platform. The toolchain lives only in the throwaway builder container.
type Docker struct {
	cli *client.Client
}

// NewDocker returns a Docker engine configured from the DOCKER_* environment.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Name() string { return EngineDocker }

var (
	errPullingBuilderImage = errors.New("pulling builder image")
	errRunningBuilder      = errors.New("running builder container")
)

func (d *Docker) Compile(ctx context.Context, req Request) (string, error) {
	image := req.Toolchain.Image()
	if err := bundle.CheckImageTag(image, req.Toolchain.Channel); err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	sourceDir, err := filepath.Abs(req.SourceDir)
	if err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	targetDir, err := filepath.Abs(req.TargetDir())
	if err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	env, err := containerEnv(req)
	if err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	// I. Pull the builder image for the target platform
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{Platform: req.Target.Platform})
	if err != nil {
		return "", flaterrors.Join(err, errPullingBuilderImage)
	}
	err = jsonmessage.DisplayJSONMessagesStream(rc, req.stderr(), 0, false, nil)
	_ = rc.Close()
	if err != nil {
		return "", flaterrors.Join(err, errPullingBuilderImage)
	}

	// II. Create the builder container
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			Cmd:        []string{"sh", "-ec", BuilderScript(req.Toolchain, req.Builder)},
			Env:        env,
			WorkingDir: containerSourceDir,
		},
		&container.HostConfig{
			Binds: []string{
				sourceDir + ":" + containerSourceDir + ":ro",
				targetDir + ":" + containerTargetDir,
			},
		},
		nil, ociPlatform(req.Target.Platform), "")
	if err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
	}()

	// III. Run it and stream its output
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}
	_, err = stdcopy.StdCopy(req.stdout(), req.stderr(), logs)
	_ = logs.Close()
	if err != nil {
		return "", flaterrors.Join(err, errRunningBuilder)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", flaterrors.Join(err, errRunningBuilder)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return "", flaterrors.Join(
				fmt.Errorf("builder exited with code %d", status.StatusCode),
				errRunningBuilder,
			)
		}
	}

	// The container runs natively for the target platform: no --target dir.
	return ReleaseDir(targetDir, ""), nil
}

// BuilderScript is the shell script run inside the builder container. It
// installs the native dependencies, refuses to compile with any rustc other
// than the pinned channel, then runs the release build.
func BuilderScript(tc bundle.Toolchain, b bundle.Builder) string {
	lines := make([]string, 0, 4)

	if len(tc.NativeDeps) > 0 {
		lines = append(lines,
			"apt-get update",
			"DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends "+strings.Join(tc.NativeDeps, " "),
		)
	}

	lines = append(lines,
		fmt.Sprintf(`actual="$(rustc --version | cut -d' ' -f2)"; if [ "$actual" != %q ]; then echo "toolchain skew: rustc is $actual, pinned channel is %s" >&2; exit 1; fi`,
			tc.Channel, tc.Channel),
		"cargo "+strings.Join(CargoArgs(b, ""), " "),
	)

	return strings.Join(lines, "\n")
}

// ociPlatform parses "os/arch[/variant]".
func ociPlatform(p string) *ocispec.Platform {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) < 2 {
		return nil
	}

	platform := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		platform.Variant = parts[2]
	}

	return platform
}

// containerEnv builds the container environment from the env file and the
// inline variables. The host environment is never leaked into the builder.
func containerEnv(req Request) ([]string, error) {
	vars := map[string]string{}

	if req.Builder.EnvFile != "" {
		fileVars, err := cmdutil.LoadEnvFile(req.Builder.EnvFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}

	for k, v := range req.Builder.Env {
		vars[k] = v
	}

	vars["CARGO_TARGET_DIR"] = containerTargetDir

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}

	return env, nil
}
