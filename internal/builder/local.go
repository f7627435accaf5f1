package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/cmdutil"
	"github.com/alexandremahdhaoui/nodebundle/internal/util"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
)

// Local compiles with the cargo and rustc found on PATH. The pinned channel
// is selected through RUSTUP_TOOLCHAIN and checked before compiling.
type Local struct{}

func (l *Local) Name() string { return EngineLocal }

var (
	errCheckingToolchain = errors.New("checking local toolchain")
	errRunningCargo      = errors.New("running cargo")
)

func (l *Local) Compile(ctx context.Context, req Request) (string, error) {
	if err := CheckRustc(ctx, req.Toolchain.Channel); err != nil {
		return "", err
	}

	host, err := arch.Host()
	if err != nil {
		return "", flaterrors.Join(err, errRunningCargo)
	}

	rustTarget := ""
	if host.Triplet != req.Target.Triplet {
		rustTarget = req.Target.RustTarget
	}

	inline := make(map[string]string, len(req.Builder.Env)+2)
	for k, v := range req.Builder.Env {
		inline[k] = v
	}
	inline["RUSTUP_TOOLCHAIN"] = req.Toolchain.Channel
	inline["CARGO_TARGET_DIR"] = req.TargetDir()

	cmd, err := cmdutil.ExecuteInput{
		Command: "cargo",
		Args:    CargoArgs(req.Builder, rustTarget),
		Env:     inline,
		EnvFile: req.Builder.EnvFile,
		WorkDir: req.SourceDir,
	}.Cmd(ctx)
	if err != nil {
		return "", flaterrors.Join(err, errRunningCargo)
	}

	if err := util.RunStreamed(cmd, req.stdout(), req.stderr()); err != nil {
		return "", flaterrors.Join(err, errRunningCargo)
	}

	return ReleaseDir(req.TargetDir(), rustTarget), nil
}

// CheckRustc verifies that rustc, resolved for channel, reports exactly that
// release. It returns a *bundle.ToolchainSkewError otherwise.
func CheckRustc(ctx context.Context, channel string) error {
	out := cmdutil.ExecuteCommand(ctx, cmdutil.ExecuteInput{
		Command: "rustc",
		Args:    []string{"--version"},
		Env:     map[string]string{"RUSTUP_TOOLCHAIN": channel},
	})
	if out.Failed() {
		return flaterrors.Join(
			fmt.Errorf("rustc --version: exit code %d: %s%s", out.ExitCode, out.Error, strings.TrimSpace(out.Stderr)),
			errCheckingToolchain,
		)
	}

	actual := parseRustcVersion(out.Stdout)
	if actual != channel {
		return flaterrors.Join(
			&bundle.ToolchainSkewError{Source: "rustc --version", Pinned: channel, Actual: actual},
			errCheckingToolchain,
		)
	}

	return nil
}

// parseRustcVersion extracts "1.69.0" from "rustc 1.69.0 (84c898d65 2023-04-16)".
func parseRustcVersion(s string) string {
	fields := strings.Fields(s)
	if len(fields) < 2 || fields[0] != "rustc" {
		return strings.TrimSpace(s)
	}
	return fields[1]
}
