// Package cli bootstraps the nodebundle process: version flags, MCP server
// mode, and the exit code contract (0 on success, 1 on any failure).
//
// Example usage:
//
//	func main() {
//	    cli.Bootstrap(cli.Config{
//	        Name:    "nodebundle",
//	        Version: Version,
//	        RunCLI:  run,
//	        RunMCP:  runMCPServer,
//	    })
//	}
package cli
