package engine

import (
	"fmt"
	"strings"

	"github.com/blah-code/daemon/internal/transport"
)

// buildPreamble is the system message that opens every run's transcript: it
// instructs the model to emit tool invocations as a strict JSON object with
// no surrounding prose, and lists the tools currently available. The parser
// itself stays lenient (see parser.go) — this text is the happy path, not
// the contract enforcement point.
func buildPreamble(tools []transport.ToolSpec) string {
	var b strings.Builder
	b.WriteString("You are a coding agent with access to a fixed set of tools. ")
	b.WriteString("When you need to use a tool, respond with exactly one JSON object of this shape ")
	b.WriteString(`and nothing else: {"type":"tool_call","tool":"<name>","arguments":{...}}` + ". ")
	b.WriteString("Do not wrap it in prose or explanation. When you are done and have a final answer ")
	b.WriteString("for the user, respond with plain text instead of a tool call.\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}
