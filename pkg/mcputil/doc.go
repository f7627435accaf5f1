// Package mcputil builds MCP tool results: error and success results,
// required-field validation and the aggregation of batch calls.
package mcputil
