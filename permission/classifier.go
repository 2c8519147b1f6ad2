// Package permission decides which tool calls need an out-of-band approval
// and correlates those approvals with the sessions waiting on them.
package permission

import "strings"

// mcpToolPrefix marks tools served by external integrations (MCP servers).
const mcpToolPrefix = "mcp__"

var approvalTools = map[string]struct{}{
	"Write":     {},
	"Edit":      {},
	"MultiEdit": {},
	"Bash":      {},
	"Grep":      {},
	"WebFetch":  {},
	"WebSearch": {},
}

// RequiresApproval reports whether toolName must be approved before the
// engine may run it.
func RequiresApproval(toolName string) bool {
	if _, ok := approvalTools[toolName]; ok {
		return true
	}
	return strings.HasPrefix(toolName, mcpToolPrefix) && len(toolName) > len(mcpToolPrefix)
}
