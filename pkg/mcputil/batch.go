package mcputil

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HandleBatch calls handler for every spec in order and splits the outcomes
// into the artifacts of the successful calls and one message per failure.
// A failed call does not stop the batch.
func HandleBatch[T any](
	ctx context.Context,
	specs []T,
	handler func(context.Context, T) (*mcp.CallToolResult, any, error),
) (artifacts []any, errorMsgs []string) {
	artifacts = []any{}
	errorMsgs = []string{}

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errorMsgs = append(errorMsgs, err.Error())
			break
		}

		result, artifact, err := handler(ctx, spec)
		if err != nil || (result != nil && result.IsError) {
			errorMsgs = append(errorMsgs, errorMessage(result, err))
			continue
		}

		if artifact != nil {
			artifacts = append(artifacts, artifact)
		}
	}

	return artifacts, errorMsgs
}

func errorMessage(result *mcp.CallToolResult, err error) string {
	if err != nil {
		return err.Error()
	}

	if msg := Text(result); msg != "" {
		return msg
	}

	return "unknown error"
}

// FormatBatchResult summarises a batch. Any failure turns the whole result
// into an error result; the successful artifacts are returned either way.
func FormatBatchResult(operation string, artifacts []any, errorMsgs []string) (*mcp.CallToolResult, any) {
	if len(errorMsgs) > 0 {
		return ErrorResult(fmt.Sprintf(
			"%s: %d succeeded, %d failed:\n- %s",
			operation, len(artifacts), len(errorMsgs), strings.Join(errorMsgs, "\n- "),
		)), artifacts
	}

	return SuccessResult(fmt.Sprintf("%s: %d succeeded", operation, len(artifacts))), artifacts
}
