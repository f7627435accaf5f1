package containerfile

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/internal/arch"
	"github.com/alexandremahdhaoui/nodebundle/internal/builder"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
	"github.com/opencontainers/go-digest"
)

// Name is the file name of rendered build definitions.
const Name = "Containerfile"

const header = "# syntax=docker/dockerfile:1\n# Generated by nodebundle. Do not edit.\n"

// RenderRuntime renders the Containerfile of an assembled runtime image.
// The build context holds the finished filesystem layer under rootfs/, so the
// image needs no download and no compiler.
func RenderRuntime(cfg ImageConfig) string {
	b := &strings.Builder{}
	b.WriteString(header)

	fmt.Fprintf(b, "\nFROM --platform=%s %s\n", cfg.Platform, cfg.BaseImage)
	b.WriteString("COPY rootfs/ /\n")

	if tc := cfg.Toolchain; tc != nil {
		fmt.Fprintf(b, "COPY %s /tmp/rustup-init\n", tc.Installer)
		writeToolchainInstall(b, tc.Channel, tc.Home)
	}

	writeEnv(b, cfg.Env)
	fmt.Fprintf(b, "WORKDIR %s\n", cfg.WorkDir)

	return b.String()
}

var errRenderingPipeline = errors.New("rendering pipeline containerfile")

// RenderPipeline renders a standalone multi-stage Containerfile equivalent to
// the whole pipeline for one variant: builder stage, pinned upstream fetch and
// runtime assembly. Every download is checked against its digest before use
// and nothing fetched is ever piped into a shell.
func RenderPipeline(spec bundle.Spec, variant bundle.Variant) (string, error) {
	target, err := arch.Parse(spec.Target.Arch)
	if err != nil {
		return "", flaterrors.Join(err, errRenderingPipeline)
	}

	upstreamURL, err := spec.Upstream.ResolveURL(target)
	if err != nil {
		return "", flaterrors.Join(err, errRenderingPipeline)
	}

	binDir, err := spec.Upstream.ResolveBinDir(target)
	if err != nil {
		return "", flaterrors.Join(err, errRenderingPipeline)
	}

	upstreamCheck, err := checksumLine(spec.Upstream.Digest, "upstream.tar.gz")
	if err != nil {
		return "", flaterrors.Join(err, errRenderingPipeline)
	}

	builderImage := "rust:${RUST_CHANNEL}"
	if spec.Toolchain.BuilderImage != "" {
		builderImage = spec.Toolchain.BuilderImage
	}

	b := &strings.Builder{}
	b.WriteString(header)
	fmt.Fprintf(b, "\nARG RUST_CHANNEL=%s\n", spec.Toolchain.Channel)

	// ---- builder stage ---- //
	fmt.Fprintf(b, "\nFROM --platform=%s %s AS builder\n", target.Platform, builderImage)
	b.WriteString("ARG RUST_CHANNEL\n")
	if deps := spec.Toolchain.NativeDeps; len(deps) > 0 {
		fmt.Fprintf(b, "RUN apt-get update \\\n && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends %s \\\n && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(deps, " "))
	}
	b.WriteString("WORKDIR /src\nCOPY . .\n")
	b.WriteString(`RUN test "$(rustc --version | cut -d' ' -f2)" = "${RUST_CHANNEL}"` + "\n")
	fmt.Fprintf(b, "RUN cargo %s \\\n && mkdir -p /out \\\n", strings.Join(builder.CargoArgs(spec.Builder, ""), " "))
	if names := spec.Builder.Binaries; len(names) > 0 {
		paths := make([]string, 0, len(names))
		for _, n := range names {
			paths = append(paths, "target/release/"+n)
		}
		fmt.Fprintf(b, " && cp %s /out/\n", strings.Join(paths, " "))
	} else {
		b.WriteString(" && find target/release -maxdepth 1 -type f -perm -u+x ! -name '*.*' -exec cp {} /out/ \\;\n")
	}

	// ---- upstream stage ---- //
	fmt.Fprintf(b, "\nFROM --platform=%s %s AS upstream\n", target.Platform, builderImage)
	b.WriteString("WORKDIR /upstream\n")
	fmt.Fprintf(b, "RUN curl -fsSLo upstream.tar.gz %q \\\n && %s \\\n", upstreamURL, upstreamCheck)
	b.WriteString(" && mkdir extract && tar -xzf upstream.tar.gz -C extract \\\n")
	fmt.Fprintf(b, " && mkdir -p /out/bin && find %q -maxdepth 1 -type f -perm -u+x -exec mv {} /out/bin/ \\; \\\n",
		path.Join("extract", binDir))
	b.WriteString(" && rm -rf upstream.tar.gz extract\n")

	var home string
	if rt := variant.RuntimeToolchain; rt != nil {
		installerURL, err := rt.ResolveInstallerURL(target)
		if err != nil {
			return "", flaterrors.Join(err, errRenderingPipeline)
		}

		installerCheck, err := checksumLine(rt.InstallerDigest, "/out/rustup-init")
		if err != nil {
			return "", flaterrors.Join(err, errRenderingPipeline)
		}

		fmt.Fprintf(b, "RUN curl -fsSLo /out/rustup-init %q \\\n && %s \\\n && chmod 0755 /out/rustup-init\n",
			installerURL, installerCheck)
		home = rt.Home
	}

	// ---- runtime stage ---- //
	fmt.Fprintf(b, "\nFROM --platform=%s %s\n", target.Platform, variant.BaseImage)
	fmt.Fprintf(b, "COPY --from=upstream /out/bin/ %s/\n", GlobalBinDir)
	fmt.Fprintf(b, "COPY --from=builder /out/ %s/\n", GlobalBinDir)

	if variant.RuntimeToolchain != nil {
		b.WriteString("ARG RUST_CHANNEL\n")
		b.WriteString("COPY --from=upstream /out/rustup-init /tmp/rustup-init\n")
		writeToolchainInstall(b, "${RUST_CHANNEL}", home)
	}

	writeEnv(b, RuntimeEnv(variant))
	fmt.Fprintf(b, "WORKDIR %s\n", variant.WorkDir)

	return b.String(), nil
}

// RuntimeEnv returns the environment of a variant's runtime image.
func RuntimeEnv(variant bundle.Variant) map[string]string {
	env := make(map[string]string, len(variant.Env)+1)
	for k, v := range variant.Env {
		env[k] = v
	}

	env["PATH"] = DefaultPath
	if rt := variant.RuntimeToolchain; rt != nil {
		env["PATH"] = rt.BinDir() + ":" + DefaultPath
	}

	return env
}

func writeToolchainInstall(b *strings.Builder, channel, home string) {
	fmt.Fprintf(b, "RUN CARGO_HOME=%s /tmp/rustup-init -y --no-modify-path --profile minimal --default-toolchain %s \\\n && rm /tmp/rustup-init\n",
		home, channel)
}

func writeEnv(b *strings.Builder, env map[string]string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(b, "ENV %s=%q\n", k, env[k])
	}
}

// checksumLine returns a shell command checking file against dgst with the
// coreutils tool of the digest algorithm.
func checksumLine(dgst, file string) (string, error) {
	d, err := digest.Parse(dgst)
	if err != nil {
		return "", err
	}

	var tool string
	switch d.Algorithm() {
	case digest.SHA256:
		tool = "sha256sum"
	case digest.SHA512:
		tool = "sha512sum"
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", d.Algorithm())
	}

	return fmt.Sprintf("echo %q | %s -c -", d.Encoded()+"  "+file, tool), nil
}
