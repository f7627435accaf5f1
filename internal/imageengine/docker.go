package imageengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/assemble"
	"github.com/alexandremahdhaoui/nodebundle/internal/containerfile"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker builds runtime images through the docker daemon API.
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
	errBuildingImage = errors.New("building container image")
	errProbingImage  = errors.New("probing container image")
)

func (d *Docker) Build(ctx context.Context, img assemble.Image, out io.Writer) (string, error) {
	tags := img.Config.Tags()
	_, _ = fmt.Fprintf(out, "⏳ Building container image: %s\n", tags[0])

	buildCtx, err := archive.TarWithOptions(img.Layout.Context(), &archive.TarOptions{})
	if err != nil {
		return "", flaterrors.Join(err, errBuildingImage)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        tags,
		Dockerfile:  containerfile.Name,
		Platform:    img.Config.Platform,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", flaterrors.Join(err, errBuildingImage)
	}
	defer resp.Body.Close()

	// The stream carries build failures as messages, not as an HTTP error.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return "", flaterrors.Join(err, errBuildingImage)
	}

	_, _ = fmt.Fprintf(out, "✅ Built container image: %s\n", tags[0])

	return tags[0], nil
}

func (d *Docker) Probe(ctx context.Context, ref string, executables []string, out io.Writer) error {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      ref,
			Entrypoint: []string{"sh", "-c"},
			Cmd:        []string{ProbeScript(executables)},
		},
		nil, nil, nil, "")
	if err != nil {
		return flaterrors.Join(err, errProbingImage)
	}

	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return flaterrors.Join(err, errProbingImage)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var code int64
	select {
	case err := <-errCh:
		return flaterrors.Join(err, errProbingImage)
	case status := <-statusCh:
		code = status.StatusCode
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return flaterrors.Join(err, errProbingImage)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(out, out, logs); err != nil {
		return flaterrors.Join(err, errProbingImage)
	}

	if code != 0 {
		return flaterrors.Join(fmt.Errorf("probe of %s exited with code %d", ref, code), errProbingImage)
	}

	return nil
}

// ProbeScript returns a POSIX shell script failing when any of executables
// does not resolve on PATH.
func ProbeScript(executables []string) string {
	var b strings.Builder

	b.WriteString("rc=0\n")
	for _, e := range executables {
		fmt.Fprintf(&b, "command -v %s >/dev/null || { echo 'missing: %s' >&2; rc=1; }\n", e, e)
	}
	b.WriteString("exit $rc")

	return b.String()
}
