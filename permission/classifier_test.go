package permission

import "testing"

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		tool string
		want bool
	}{
		{"Write", true},
		{"Edit", true},
		{"MultiEdit", true},
		{"Bash", true},
		{"Grep", true},
		{"WebFetch", true},
		{"WebSearch", true},
		{"mcp__github__create_issue", true},
		{"Read", false},
		{"Glob", false},
		{"Task", false},
		{"TodoWrite", false},
		{"bash", false},
		{"mcp__", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := RequiresApproval(tt.tool); got != tt.want {
			t.Errorf("RequiresApproval(%q) = %v, want %v", tt.tool, got, tt.want)
		}
	}
}
