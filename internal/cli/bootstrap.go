package cli

import (
	"io"
	"log"
	"os"

	"github.com/alexandremahdhaoui/nodebundle/internal/version"
)

// Config holds the configuration for CLI bootstrap.
type Config struct {
	// Name is the command name.
	Name string

	// Version information (typically set via ldflags)
	Version        string
	CommitSHA      string
	BuildTimestamp string

	// RunCLI runs the command in normal CLI mode with the arguments after the program name.
	RunCLI func(args []string) error

	// RunMCP runs the MCP server (optional).
	// If nil, --mcp flag will result in an error
	RunMCP func() error

	// SuccessHandler is called when RunCLI completes successfully (optional)
	SuccessHandler func()

	// FailureHandler is called when RunCLI returns an error (optional)
	FailureHandler func(error)
}

// Bootstrap runs cfg with os.Args and exits with the resulting code.
// This function will call os.Exit and never return.
func Bootstrap(cfg Config) {
	os.Exit(Run(cfg, os.Args[1:], os.Stdout))
}

// Run dispatches args and returns the process exit code.
//
// "version", "--version" and "-v" print version information when they are
// the first argument. "--mcp" anywhere starts the MCP server.
func Run(cfg Config, args []string, stdout io.Writer) int {
	versionInfo := version.New(cfg.Name)
	if cfg.Version != "" {
		versionInfo.Version = cfg.Version
	}
	if cfg.CommitSHA != "" {
		versionInfo.CommitSHA = cfg.CommitSHA
	}
	if cfg.BuildTimestamp != "" {
		versionInfo.BuildTimestamp = cfg.BuildTimestamp
	}

	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			versionInfo.Fprint(stdout)
			return 0
		}
	}

	for _, arg := range args {
		if arg != "--mcp" {
			continue
		}

		if cfg.RunMCP == nil {
			log.Printf("Error: MCP mode not supported for %s", cfg.Name)
			return 1
		}
		if err := cfg.RunMCP(); err != nil {
			log.Printf("MCP server error: %v", err)
			return 1
		}
		return 0
	}

	if err := cfg.RunCLI(args); err != nil {
		if cfg.FailureHandler != nil {
			cfg.FailureHandler(err)
		}
		return 1
	}

	if cfg.SuccessHandler != nil {
		cfg.SuccessHandler()
	}

	return 0
}
