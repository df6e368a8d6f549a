package engine

import (
	"context"
	"testing"

	"github.com/blah-code/daemon/internal/approval"
	"github.com/blah-code/daemon/internal/policy"
	"github.com/blah-code/daemon/internal/tool"
	"github.com/blah-code/daemon/internal/transport"
)

// fakeTools is a minimal ToolExecutor stand-in so the engine's step loop can
// be exercised without the built-in runtime's filesystem/exec surface.
type fakeTools struct {
	perm    map[string]tool.Permission
	results map[string]map[string]any
	execErr map[string]error
	calls   []string
	closed  bool
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		perm:    map[string]tool.Permission{"write_file": tool.PermWrite, "read_file": tool.PermRead},
		results: map[string]map[string]any{},
		execErr: map[string]error{},
	}
}

func (f *fakeTools) ListToolSpecs() []tool.Spec {
	return []tool.Spec{
		{Name: "write_file", Description: "write a file", Schema: map[string]any{"type": "object"}, Permission: tool.PermWrite},
		{Name: "read_file", Description: "read a file", Schema: map[string]any{"type": "object"}, Permission: tool.PermRead},
	}
}

func (f *fakeTools) PermissionFor(name string) tool.Permission { return f.perm[name] }

func (f *fakeTools) ExecuteTool(ctx context.Context, name string, input map[string]any, cwd string) (map[string]any, error) {
	f.calls = append(f.calls, name)
	if err, ok := f.execErr[name]; ok {
		return nil, err
	}
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeTools) Close() error { f.closed = true; return nil }

func collectEvents(kinds *[]string) EventFunc {
	return func(kind string, payload map[string]any) {
		*kinds = append(*kinds, kind)
	}
}

// S1: a plain assistant reply with deltas terminates the run with no tool
// calls.
func TestRunPlainAssistantReply(t *testing.T) {
	tr := transport.NewScripted(transport.Turn{Text: "the answer is 4", Deltas: []string{"the ", "answer is 4"}})
	var events []string

	res, err := Run(context.Background(), Options{
		Prompt:      "what is 2+2",
		Transport:   tr,
		ToolRuntime: newFakeTools(),
		OnEvent:     collectEvents(&events),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "the answer is 4" {
		t.Errorf("Text = %q", res.Text)
	}
	wantSeq := []string{"run_started", "assistant_delta", "assistant_delta", "assistant", "run_finished", "done"}
	if len(events) != len(wantSeq) {
		t.Fatalf("events = %v, want %v", events, wantSeq)
	}
	for i, k := range wantSeq {
		if events[i] != k {
			t.Errorf("events[%d] = %q, want %q", i, events[i], k)
		}
	}
}

// S2: a fenced tool call is parsed, allowed by policy, executed, and the
// resulting loop continues to a second model call that produces the final
// text.
func TestRunFencedToolCallAllowed(t *testing.T) {
	tr := transport.NewScripted(
		transport.Turn{Text: "```json\n{\"type\":\"tool_call\",\"tool\":\"read_file\",\"arguments\":{\"path\":\"a.txt\"}}\n```"},
		transport.Turn{Text: "file contents summarized"},
	)
	ft := newFakeTools()
	ft.results["read_file"] = map[string]any{"content": "hi"}
	var events []string

	p, _ := policy.Normalize(policy.Policy{"read": string(policy.Allow)})

	res, err := Run(context.Background(), Options{
		Prompt:      "read a.txt",
		Transport:   tr,
		ToolRuntime: ft,
		Policy:      p,
		OnEvent:     collectEvents(&events),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "file contents summarized" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(ft.calls) != 1 || ft.calls[0] != "read_file" {
		t.Errorf("calls = %v", ft.calls)
	}
	hasKind := func(k string) bool {
		for _, e := range events {
			if e == k {
				return true
			}
		}
		return false
	}
	if !hasKind("tool_call") || !hasKind("tool_result") {
		t.Errorf("events missing tool_call/tool_result: %v", events)
	}
}

// S3: a tool call with no "arguments" field defaults to an empty map rather
// than failing to parse.
func TestRunToolCallMissingArgumentsDefaultsEmpty(t *testing.T) {
	tr := transport.NewScripted(
		transport.Turn{Text: `{"type":"tool_call","tool":"read_file"}`},
		transport.Turn{Text: "done"},
	)
	ft := newFakeTools()
	p, _ := policy.Normalize(policy.Policy{"read": string(policy.Allow)})

	res, err := Run(context.Background(), Options{
		Transport:   tr,
		ToolRuntime: ft,
		Policy:      p,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "done" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(ft.calls) != 1 {
		t.Fatalf("calls = %v, want 1", ft.calls)
	}
}

// S4: a transport failure whose message contains "timeout" is classified as
// model_timeout + run_failed and returned wrapped in ErrModelTimeout.
func TestRunModelTimeoutClassification(t *testing.T) {
	tr := transport.NewScripted(transport.Turn{Err: timeoutError{}})
	var events []string

	_, err := Run(context.Background(), Options{
		Transport:   tr,
		ToolRuntime: newFakeTools(),
		OnEvent:     collectEvents(&events),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	wantSeq := []string{"run_started", "model_timeout", "run_failed"}
	if len(events) != len(wantSeq) {
		t.Fatalf("events = %v, want %v", events, wantSeq)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string { return "Model response timeout after 1000ms" }

// S5: an "ask" decision with a resolver that denies folds a denial into the
// transcript and the loop continues to a second model call.
func TestRunAskThenDeny(t *testing.T) {
	tr := transport.NewScripted(
		transport.Turn{Text: `{"type":"tool_call","tool":"write_file","arguments":{"path":"a.txt","content":"x"}}`},
		transport.Turn{Text: "acknowledged the denial"},
	)
	ft := newFakeTools()
	p, _ := policy.Normalize(policy.Policy{"write": string(policy.Ask)})
	var events []string

	resolver := func(ctx context.Context, req approval.Request) (approval.Resolution, error) {
		return approval.Resolution{Decision: "deny"}, nil
	}

	res, err := Run(context.Background(), Options{
		Transport:           tr,
		ToolRuntime:         ft,
		Policy:              p,
		OnPermissionRequest: resolver,
		OnEvent:             collectEvents(&events),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "acknowledged the denial" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(ft.calls) != 0 {
		t.Errorf("calls = %v, want none (denied)", ft.calls)
	}
	hasKind := func(k string) bool {
		for _, e := range events {
			if e == k {
				return true
			}
		}
		return false
	}
	if !hasKind("permission_request") || !hasKind("permission_resolved") {
		t.Errorf("events missing permission lifecycle: %v", events)
	}
}

// S6: an allow resolution carrying a remember rule updates only the run's
// working policy returned in Result, not the caller's original Policy value.
func TestRunRememberUpdatesWorkingPolicyOnly(t *testing.T) {
	tr := transport.NewScripted(
		transport.Turn{Text: `{"type":"tool_call","tool":"write_file","arguments":{"path":"a.txt","content":"x"}}`},
		transport.Turn{Text: "wrote the file"},
	)
	ft := newFakeTools()
	original, _ := policy.Normalize(policy.Policy{"write": string(policy.Ask)})

	resolver := func(ctx context.Context, req approval.Request) (approval.Resolution, error) {
		return approval.Resolution{
			Decision: "allow",
			Remember: &approval.Remember{Key: "write", Pattern: "a.txt"},
		}, nil
	}

	res, err := Run(context.Background(), Options{
		Transport:           tr,
		ToolRuntime:         ft,
		Policy:              original,
		OnPermissionRequest: resolver,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "wrote the file" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(ft.calls) != 1 || ft.calls[0] != "write_file" {
		t.Errorf("calls = %v", ft.calls)
	}

	if _, ok := original["write"].(string); !ok {
		t.Errorf("caller's original policy was mutated: %v", original["write"])
	}
	writeRules, ok := res.Policy["write"].(map[string]any)
	if !ok {
		t.Fatalf("working policy write rules = %v, want map", res.Policy["write"])
	}
	if writeRules["a.txt"] != "allow" {
		t.Errorf("working policy write[a.txt] = %v, want allow", writeRules["a.txt"])
	}
}

// Exercises the owned-runtime cleanup path: when ToolRuntime is nil the
// engine constructs and closes its own, which must not panic even though
// the built-in runtime's tools differ from the scripted transcript below.
func TestRunOwnsAndClosesDefaultRuntime(t *testing.T) {
	tr := transport.NewScripted(transport.Turn{Text: "no tools needed"})
	res, err := Run(context.Background(), Options{Transport: tr})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "no tools needed" {
		t.Errorf("Text = %q", res.Text)
	}
}

// maxSteps exhaustion without a terminal assistant answer stops the loop and
// reports reason=max_steps.
func TestRunMaxStepsExhaustion(t *testing.T) {
	turns := make([]transport.Turn, 3)
	for i := range turns {
		turns[i] = transport.Turn{Text: `{"type":"tool_call","tool":"read_file","arguments":{"path":"a.txt"}}`}
	}
	tr := transport.NewScripted(turns...)
	ft := newFakeTools()
	p, _ := policy.Normalize(policy.Policy{"read": string(policy.Allow)})
	var events []string

	res, err := Run(context.Background(), Options{
		Transport:   tr,
		ToolRuntime: ft,
		Policy:      p,
		MaxSteps:    3,
		OnEvent:     collectEvents(&events),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Stopped: max steps reached" {
		t.Errorf("Text = %q", res.Text)
	}
	if events[len(events)-1] != "done" {
		t.Errorf("last event = %q, want done", events[len(events)-1])
	}
}
