package protocol

// PermissionBehavior is the decision for a tool call.
type PermissionBehavior string

const (
	PermissionBehaviorAllow PermissionBehavior = "allow"
	PermissionBehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResult is what the engine receives back for a tool call.
// An allow must carry an object as updatedInput, never null.
type PermissionResult struct {
	Behavior     PermissionBehavior     `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Interrupt    bool                   `json:"interrupt,omitempty"`
}

// Allowed reports whether the tool may run.
func (r PermissionResult) Allowed() bool {
	return r.Behavior == PermissionBehaviorAllow
}

// Allow grants the tool call with input passed through.
func Allow(input map[string]interface{}) PermissionResult {
	if input == nil {
		input = map[string]interface{}{}
	}
	return PermissionResult{Behavior: PermissionBehaviorAllow, UpdatedInput: input}
}

// Deny blocks the tool call.
func Deny(message string) PermissionResult {
	return PermissionResult{Behavior: PermissionBehaviorDeny, Message: message}
}

// WithInput fills a missing updatedInput on allow results. Consumers often
// answer {"behavior":"allow"} and expect the original input to be used.
func (r PermissionResult) WithInput(input map[string]interface{}) PermissionResult {
	if r.Behavior == PermissionBehaviorAllow && r.UpdatedInput == nil {
		if input == nil {
			input = map[string]interface{}{}
		}
		r.UpdatedInput = input
	}
	return r
}
