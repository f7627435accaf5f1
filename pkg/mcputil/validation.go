package mcputil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ValidateRequiredWithPrefix returns an error result naming every empty
// field, or nil when all fields are set. Field names are reported sorted.
//
//	if result := mcputil.ValidateRequiredWithPrefix("Render failed", map[string]string{
//	    "variant": input.Variant,
//	}); result != nil {
//	    return result, nil, nil
//	}
func ValidateRequiredWithPrefix(prefix string, fields map[string]string) *mcp.CallToolResult {
	missing := make([]string, 0)
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	sort.Strings(missing)

	return ErrorResult(fmt.Sprintf("%s: missing required field(s) %s", prefix, strings.Join(missing, ", ")))
}

// ValidateRequired is ValidateRequiredWithPrefix with a generic prefix.
func ValidateRequired(fields map[string]string) *mcp.CallToolResult {
	return ValidateRequiredWithPrefix("Operation failed", fields)
}
