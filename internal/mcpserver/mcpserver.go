// Package mcpserver serves nodebundle tools over the Model Context Protocol.
package mcpserver

import (
	"context"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps an MCP server.
type Server struct {
	server *mcp.Server
}

// New creates a server announcing name and version.
func New(name, version string) *Server {
	return &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
	}
}

// RegisterTool registers a typed tool. The input schema is inferred from In.
func RegisterTool[In any](
	s *Server,
	tool *mcp.Tool,
	handler func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error),
) {
	mcp.AddTool(s.server, tool, handler)
}

// Connect serves a single session over transport.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

// Run serves JSON-RPC over stdin/stdout until the client disconnects.
// Logs must go to stderr.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Printf("MCP server failed: %v", err)
		return err
	}
	return nil
}

// RunDefault runs the server with a background context.
func (s *Server) RunDefault() error {
	return s.Run(context.Background())
}
