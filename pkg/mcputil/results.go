package mcputil

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrorResult returns a tool result flagged as an error.
func ErrorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}

// ErrorResultf formats an error result from a prefix and the underlying error.
//
//	return mcputil.ErrorResultf("Assembly failed", err), nil, nil
func ErrorResultf(prefix string, err error) *mcp.CallToolResult {
	return ErrorResult(fmt.Sprintf("%s: %v", prefix, err))
}

// SuccessResult returns a plain success result.
func SuccessResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}

// SuccessResultWithArtifact returns a success result together with the
// structured output of the tool call, passed through unchanged.
//
//	result, out := mcputil.SuccessResultWithArtifact("Assembled slim", img.Config)
//	return result, out, nil
func SuccessResultWithArtifact(message string, artifact any) (*mcp.CallToolResult, any) {
	return SuccessResult(message), artifact
}

// Text returns the text of the first content item of result, or "".
func Text(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}

	if tc, ok := result.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}

	return ""
}
