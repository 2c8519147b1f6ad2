package protocol

import (
	"errors"
	"strings"
)

// PermissionMode controls how the engine gates tool execution.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModePlan        PermissionMode = "plan"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
)

// Valid reports whether m is a mode the engine understands. The empty mode
// means "engine default".
func (m PermissionMode) Valid() bool {
	switch m {
	case "", PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypass:
		return true
	}
	return false
}

// ToolsSettings is the per-command tool policy.
type ToolsSettings struct {
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	SkipPermissions bool     `json:"skipPermissions,omitempty"`
}

// CommandOptions configures one invocation.
type CommandOptions struct {
	SessionID             string         `json:"sessionId,omitempty"`
	Cwd                   string         `json:"cwd,omitempty"`
	ToolsSettings         ToolsSettings  `json:"toolsSettings"`
	PermissionMode        PermissionMode `json:"permissionMode,omitempty"`
	Model                 string         `json:"model,omitempty"`
	AdditionalDirectories []string       `json:"additionalDirectories,omitempty"`
	ForkSession           bool           `json:"forkSession,omitempty"`
	ExecutablePath        string         `json:"executablePath,omitempty"`
}

// Command starts a turn.
type Command struct {
	Command string         `json:"command"`
	Options CommandOptions `json:"options"`
}

// Validate checks the command before it reaches the orchestrator.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Command) == "" && c.Options.SessionID == "" {
		return errors.New("command is required when no session is resumed")
	}
	if !c.Options.PermissionMode.Valid() {
		return errors.New("unknown permission mode: " + string(c.Options.PermissionMode))
	}
	return nil
}

// PermissionResponse answers a permission-request.
type PermissionResponse struct {
	SessionID string           `json:"sessionId"`
	RequestID string           `json:"requestId"`
	Result    PermissionResult `json:"result"`
}

// Validate checks that the response can be routed.
func (r PermissionResponse) Validate() error {
	if r.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if r.RequestID == "" {
		return errors.New("requestId is required")
	}
	switch r.Result.Behavior {
	case PermissionBehaviorAllow, PermissionBehaviorDeny:
		return nil
	default:
		return errors.New("result.behavior must be allow or deny")
	}
}

// Abort cancels an in-flight session.
type Abort struct {
	SessionID string `json:"sessionId"`
}
