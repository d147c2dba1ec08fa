package agent

// Annotations describes hints a tool carries about its own behavior. The
// permission gate (package permission) reads ReadOnlyHint to auto-approve
// under approve and smart_approve modes.
type Annotations struct {
	ReadOnlyHint bool
}

// Tool is a capability exposed by an extension: a name, a description for
// the model, a JSON schema for its arguments, and optional annotations.
// Name, as stored here, is unprefixed — the extension manager applies the
// "<key>__" prefix when it hands tools to the loop.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Annotations Annotations
}

// ToolCall is a single invocation the model requested: a (possibly
// prefixed) tool name and its arguments.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}
