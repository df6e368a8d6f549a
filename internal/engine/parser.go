package engine

import (
	"encoding/json"
	"strings"
)

// toolCall is the strict JSON shape the preamble asks the model to emit.
type toolCall struct {
	Type      string         `json:"type"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// parseToolCall implements three explicit, ordered extraction strategies:
// the whole trimmed output, a fenced code block, or a best-effort
// brace-slice recovery. Any failure leaves the output classified as a
// terminal assistant answer (ok=false). A tool call with no "arguments"
// field defaults to an empty map.
func parseToolCall(text string) (toolCall, bool) {
	trimmed := strings.TrimSpace(text)

	if tc, ok := tryParse(trimmed); ok {
		return tc, true
	}

	if fenced, ok := extractFence(trimmed); ok {
		if tc, ok := tryParse(fenced); ok {
			return tc, true
		}
	}

	if sliced, ok := braceSlice(trimmed); ok {
		if tc, ok := tryParse(sliced); ok {
			return tc, true
		}
	}

	return toolCall{}, false
}

func tryParse(s string) (toolCall, bool) {
	var tc toolCall
	if err := json.Unmarshal([]byte(s), &tc); err != nil {
		return toolCall{}, false
	}
	if tc.Type != "tool_call" || tc.Tool == "" {
		return toolCall{}, false
	}
	if tc.Arguments == nil {
		tc.Arguments = map[string]any{}
	}
	return tc, true
}

// extractFence finds a ```json ... ``` or unlabeled ``` ... ``` block and
// returns its inner content.
func extractFence(text string) (string, bool) {
	const fence = "```"
	start := strings.Index(text, fence)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(fence):]
	rest = strings.TrimPrefix(rest, "json")
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, fence)
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// braceSlice scans for the first '{' and last '}' in text and returns the
// substring between them, inclusive.
func braceSlice(text string) (string, bool) {
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first == -1 || last == -1 || last < first {
		return "", false
	}
	return text[first : last+1], true
}

// summarize computes the policy-evaluation target for a tool call: for
// exec, the command string; for read_file/write_file, the path; otherwise
// the JSON-stringified arguments.
func summarize(tool string, args map[string]any) string {
	switch tool {
	case "exec":
		if s, ok := args["command"].(string); ok {
			return s
		}
	case "read_file", "write_file":
		if s, ok := args["path"].(string); ok {
			return s
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
