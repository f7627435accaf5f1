package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/alexandremahdhaoui/nodebundle/internal/mcpserver"
	"github.com/alexandremahdhaoui/nodebundle/internal/pipeline"
	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/alexandremahdhaoui/nodebundle/pkg/mcptypes"
	"github.com/alexandremahdhaoui/nodebundle/pkg/mcputil"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// runMCPServer serves the nodebundle tools over stdio until stdin closes.
func runMCPServer() error {
	envs, err := readEnvs()
	if err != nil {
		return err
	}

	return newMCPServer(envs).RunDefault()
}

// tools holds the defaults of every call. Pipeline calls share the work
// directory, so they run one at a time.
type tools struct {
	envs Envs
	mu   sync.Mutex
}

func newMCPServer(envs Envs) *mcpserver.Server {
	t := &tools{envs: envs}
	server := mcpserver.New(Name, Version)

	mcpserver.RegisterTool(server, &mcp.Tool{
		Name:        "build",
		Description: "Compile the companion binaries with the pinned Rust toolchain",
	}, t.handleBuild)

	mcpserver.RegisterTool(server, &mcp.Tool{
		Name:        "assemble",
		Description: "Assemble and verify a runtime image from the last build",
	}, t.handleAssemble)

	mcpserver.RegisterTool(server, &mcp.Tool{
		Name:        "assembleBatch",
		Description: "Assemble several runtime images in order",
	}, t.handleAssembleBatch)

	mcpserver.RegisterTool(server, &mcp.Tool{
		Name:        "verify",
		Description: "Re-check assembled runtime images",
	}, t.handleVerify)

	mcpserver.RegisterTool(server, &mcp.Tool{
		Name:        "render",
		Description: "Render the equivalent Containerfile of a variant",
	}, t.handleRender)

	return server
}

func (t *tools) withProject(configPath, workDir string) Envs {
	envs := t.envs
	if configPath != "" {
		envs.Config = configPath
	}
	if workDir != "" {
		envs.WorkDir = workDir
	}
	return envs
}

func (t *tools) handleBuild(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input mcptypes.BuildInput,
) (*mcp.CallToolResult, any, error) {
	envs := t.withProject(input.ConfigPath, input.WorkDir)
	if input.Engine != "" {
		envs.BuildEngine = input.Engine
	}
	log.Printf("Building companion binaries (engine: %s)", envs.BuildEngine)

	t.mu.Lock()
	defer t.mu.Unlock()

	// stdout carries JSON-RPC
	opts, err := loadOptions(envs, "", stageEngines{build: true}, os.Stderr, os.Stderr)
	if err != nil {
		return mcputil.ErrorResultf("Build failed", err), nil, nil
	}

	set, err := pipeline.Build(ctx, opts)
	if err != nil {
		return mcputil.ErrorResultf("Build failed", err), nil, nil
	}

	result, out := mcputil.SuccessResultWithArtifact(
		fmt.Sprintf("Built %d binaries (version: %s)", len(set.Binaries), set.Version),
		set,
	)
	return result, out, nil
}

func (t *tools) handleAssemble(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input mcptypes.AssembleInput,
) (*mcp.CallToolResult, any, error) {
	envs := t.withProject(input.ConfigPath, input.WorkDir)
	if input.ImageEngine != "" {
		envs.ImageEngine = input.ImageEngine
	}
	log.Printf("Assembling runtime image(s): %q", input.Variant)

	t.mu.Lock()
	defer t.mu.Unlock()

	opts, err := loadOptions(envs, input.Variant, stageEngines{image: true}, os.Stderr, os.Stderr)
	if err != nil {
		return mcputil.ErrorResultf("Assembly failed", err), nil, nil
	}

	images, _, err := pipeline.Assemble(ctx, opts)
	if err != nil {
		return mcputil.ErrorResultf("Assembly failed", err), nil, nil
	}

	configs := make([]any, 0, len(images))
	for _, img := range images {
		configs = append(configs, img.Config)
	}

	result, out := mcputil.SuccessResultWithArtifact(
		fmt.Sprintf("Assembled %d runtime image(s)", len(images)),
		map[string]any{"images": configs},
	)
	return result, out, nil
}

func (t *tools) handleAssembleBatch(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input mcptypes.BatchAssembleInput,
) (*mcp.CallToolResult, any, error) {
	log.Printf("Assembling %d runtime image request(s) in batch", len(input.Specs))

	artifacts, errorMsgs := mcputil.HandleBatch(ctx, input.Specs,
		func(ctx context.Context, spec mcptypes.AssembleInput) (*mcp.CallToolResult, any, error) {
			return t.handleAssemble(ctx, req, spec)
		})

	result, out := mcputil.FormatBatchResult("assemble", artifacts, errorMsgs)
	return result, map[string]any{"results": out}, nil
}

func (t *tools) handleVerify(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input mcptypes.VerifyInput,
) (*mcp.CallToolResult, any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	opts, err := loadOptions(t.withProject(input.ConfigPath, input.WorkDir), input.Variant, stageEngines{}, os.Stderr, os.Stderr)
	if err != nil {
		return mcputil.ErrorResultf("Verification failed", err), nil, nil
	}

	reports, err := pipeline.VerifyVariants(opts)
	if err != nil {
		return mcputil.ErrorResultf("Verification failed", err), map[string]any{"reports": reports}, nil
	}

	result, out := mcputil.SuccessResultWithArtifact(
		fmt.Sprintf("Verified %d runtime image(s)", len(reports)),
		map[string]any{"reports": reports},
	)
	return result, out, nil
}

func (t *tools) handleRender(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input mcptypes.RenderInput,
) (*mcp.CallToolResult, any, error) {
	path := input.ConfigPath
	if path == "" {
		path = t.envs.Config
	}

	spec, err := bundle.ReadSpecFromPath(path)
	if err != nil {
		return mcputil.ErrorResultf("Render failed", err), nil, nil
	}

	out, err := pipeline.Render(spec, input.Variant)
	if err != nil {
		return mcputil.ErrorResultf("Render failed", err), nil, nil
	}

	return mcputil.SuccessResult(out), nil, nil
}
