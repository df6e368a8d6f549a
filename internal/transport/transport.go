// Package transport defines the Model Transport capability the agent step
// engine depends on: an abstract streaming completion call. Concrete
// implementations speaking to a real model provider's wire protocol are
// external collaborators; this package also ships Scripted, a deterministic
// implementation for tests and local experimentation.
package transport

import "context"

// Message is one turn in the conversation transcript.
type Message struct {
	Role    string `json:"role"` // system | user | assistant | tool
	Content string `json:"content"`
}

// ToolSpec is the subset of a tool's metadata the model needs to see.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Delta is one incremental chunk of assistant output.
type Delta struct {
	Text string
	Done bool
}

// CompleteInput is the request shape for Transport.Complete.
type CompleteInput struct {
	Messages  []Message
	ModelID   string
	Tools     []ToolSpec
	TimeoutMs int
	OnDelta   func(Delta)
}

// CompleteOutput carries the final assistant text.
type CompleteOutput struct {
	Text string
}

// Transport is the capability the engine depends on. Implementations MUST:
//   - return the final assistant text on success;
//   - invoke OnDelta zero or more times with incremental text, the last
//     call SHOULD carry Done:true;
//   - honor TimeoutMs by failing with an error whose message contains the
//     substring "timeout";
//   - honor ctx cancellation by failing promptly with a message containing
//     "cancel".
type Transport interface {
	Complete(ctx context.Context, input CompleteInput) (CompleteOutput, error)
}
