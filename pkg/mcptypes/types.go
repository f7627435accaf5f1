// Package mcptypes holds the input types of the nodebundle MCP tools.
//
// Every input locates its bundle.yaml and work directory with ConfigPath and
// WorkDir. Empty fields fall back to the environment defaults.
package mcptypes

// BuildInput is the input of the "build" tool.
type BuildInput struct {
	ConfigPath string `json:"configPath,omitempty" jsonschema:"path to bundle.yaml"`
	WorkDir    string `json:"workDir,omitempty" jsonschema:"directory holding the source copy, the build output and the runtime images"`
	// Engine is the build engine: "local" or "docker".
	Engine string `json:"engine,omitempty" jsonschema:"build engine: local or docker"`
}

// AssembleInput is the input of the "assemble" tool.
type AssembleInput struct {
	ConfigPath string `json:"configPath,omitempty" jsonschema:"path to bundle.yaml"`
	WorkDir    string `json:"workDir,omitempty" jsonschema:"directory holding the source copy, the build output and the runtime images"`
	// Variant is a variant name, or "all". Empty selects the default variant.
	Variant string `json:"variant,omitempty" jsonschema:"variant name or all"`
	// ImageEngine materialises the assembled image: "none" or "docker".
	ImageEngine string `json:"imageEngine,omitempty" jsonschema:"image engine: none or docker"`
}

// BatchAssembleInput is the input of the "assembleBatch" tool.
type BatchAssembleInput struct {
	Specs []AssembleInput `json:"specs" jsonschema:"assemble requests run in order"`
}

// VerifyInput is the input of the "verify" tool.
type VerifyInput struct {
	ConfigPath string `json:"configPath,omitempty" jsonschema:"path to bundle.yaml"`
	WorkDir    string `json:"workDir,omitempty" jsonschema:"directory holding the source copy, the build output and the runtime images"`
	Variant    string `json:"variant,omitempty" jsonschema:"variant name or all"`
}

// RenderInput is the input of the "render" tool.
type RenderInput struct {
	ConfigPath string `json:"configPath,omitempty" jsonschema:"path to bundle.yaml"`
	Variant    string `json:"variant,omitempty" jsonschema:"variant name"`
}
