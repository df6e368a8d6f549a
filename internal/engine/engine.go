// Package engine implements the agent step engine: the bounded per-prompt
// loop that alternates model completions with tool executions, parses model
// output for structured tool invocations, enforces permissions through the
// policy engine (optionally suspending on the approval broker), and emits a
// typed lifecycle event stream.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/blah-code/daemon/internal/approval"
	"github.com/blah-code/daemon/internal/policy"
	"github.com/blah-code/daemon/internal/tool"
	"github.com/blah-code/daemon/internal/transport"
)

// DefaultMaxSteps is the bound on the per-prompt loop when Options.MaxSteps
// is unset.
const DefaultMaxSteps = 8

// ToolExecutor is the subset of tool.Runtime the engine depends on. Accepting
// an interface rather than *tool.Runtime keeps the engine independently
// testable and keeps ownership of the concrete runtime with the caller.
type ToolExecutor interface {
	ListToolSpecs() []tool.Spec
	PermissionFor(name string) tool.Permission
	ExecuteTool(ctx context.Context, name string, input map[string]any, cwd string) (map[string]any, error)
	Close() error
}

// EventFunc receives every lifecycle event the engine emits, in emission
// order, for the session the run belongs to.
type EventFunc func(kind string, payload map[string]any)

// PermissionRequestFunc suspends the run to ask a human (or the approval
// broker's timeout) to resolve an "ask" decision.
type PermissionRequestFunc func(ctx context.Context, req approval.Request) (approval.Resolution, error)

// Options configures a single run.
type Options struct {
	Prompt              string
	ModelID             string
	Cwd                 string
	MaxSteps            int
	Policy              policy.Policy
	Transport           transport.Transport
	ToolRuntime         ToolExecutor // nil: engine creates and owns one
	OnEvent             EventFunc
	OnPermissionRequest PermissionRequestFunc
	TimeoutMs           int
}

// Result is what a run returns.
type Result struct {
	Text     string
	Messages []transport.Message
	Policy   policy.Policy
}

// Run drives a single prompt through the bounded step loop described in the
// component design: model call -> parse -> optional approval wait -> tool
// execution -> next model call, until a terminal assistant answer, a
// max-steps stop, or a transport failure.
func Run(ctx context.Context, opts Options) (Result, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	runtime := opts.ToolRuntime
	ownsRuntime := false
	if runtime == nil {
		runtime = tool.NewRuntime()
		ownsRuntime = true
	}
	if ownsRuntime {
		defer func() { _ = runtime.Close() }()
	}

	workingPolicy := opts.Policy

	specs := runtime.ListToolSpecs()
	toolSpecs := make([]transport.ToolSpec, len(specs))
	for i, s := range specs {
		toolSpecs[i] = transport.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema}
	}

	messages := []transport.Message{
		{Role: "system", Content: buildPreamble(toolSpecs)},
		{Role: "user", Content: opts.Prompt},
	}

	emit := func(kind string, payload map[string]any) {
		if opts.OnEvent != nil {
			opts.OnEvent(kind, payload)
		}
	}

	for step := 0; step < maxSteps; step++ {
		if step == 0 {
			emit("run_started", map[string]any{})
		}

		completeInput := transport.CompleteInput{
			Messages:  messages,
			ModelID:   opts.ModelID,
			Tools:     toolSpecs,
			TimeoutMs: opts.TimeoutMs,
			OnDelta: func(d transport.Delta) {
				emit("assistant_delta", map[string]any{"text": d.Text, "done": d.Done})
			},
		}

		out, err := opts.Transport.Complete(ctx, completeInput)
		if err != nil {
			msg := err.Error()
			if strings.Contains(strings.ToLower(msg), "timeout") {
				emit("model_timeout", map[string]any{"message": msg})
			} else {
				emit("error", map[string]any{"message": msg})
			}
			emit("run_failed", map[string]any{"message": msg})
			return Result{Messages: messages, Policy: workingPolicy}, classifyTransportError(err)
		}

		tc, ok := parseToolCall(out.Text)
		if !ok {
			messages = append(messages, transport.Message{Role: "assistant", Content: out.Text})
			emit("assistant", map[string]any{"text": out.Text})
			emit("run_finished", map[string]any{})
			emit("done", map[string]any{})
			return Result{Text: out.Text, Messages: messages, Policy: workingPolicy}, nil
		}

		target := summarize(tc.Tool, tc.Arguments)
		op := runtime.PermissionFor(tc.Tool)
		decision := policy.Evaluate(workingPolicy, policy.Op(op), "tool."+tc.Tool, target)

		if decision == policy.Ask && opts.OnPermissionRequest != nil {
			reqID := uuid.New().String()
			emit("permission_request", map[string]any{
				"requestId": reqID,
				"op":        string(op),
				"tool":      tc.Tool,
				"target":    target,
				"args":      tc.Arguments,
			})

			res, err := opts.OnPermissionRequest(ctx, approval.Request{
				RequestID: reqID,
				Op:        string(op),
				Tool:      tc.Tool,
				Target:    target,
				Args:      tc.Arguments,
			})
			if err != nil {
				decision = policy.Deny
			} else {
				decision = policy.Decision(res.Decision)
				if res.Remember != nil {
					updated, err := policy.AppendRule(workingPolicy, res.Remember.Key, res.Remember.Pattern, decision)
					if err == nil {
						workingPolicy = updated
					}
				}
			}

			var rememberPayload any
			if res.Remember != nil {
				rememberPayload = res.Remember
			}
			emit("permission_resolved", map[string]any{
				"requestId": reqID,
				"decision":  string(decision),
				"remember":  rememberPayload,
			})
		}

		if decision != policy.Allow {
			errMsg := fmt.Sprintf("Permission %s for %s", decision, tc.Tool)
			messages = append(messages, toolResultMessage(tc.Tool, false, nil, errMsg))
			emit("error", map[string]any{"message": errMsg})
			continue
		}

		emit("tool_call", map[string]any{"tool": tc.Tool, "arguments": tc.Arguments})
		result, err := runtime.ExecuteTool(ctx, tc.Tool, tc.Arguments, opts.Cwd)
		if err != nil {
			messages = append(messages, toolResultMessage(tc.Tool, false, nil, err.Error()))
			emit("error", map[string]any{"message": err.Error()})
			continue
		}

		callJSON, _ := json.Marshal(map[string]any{"type": "tool_call", "tool": tc.Tool, "arguments": tc.Arguments})
		messages = append(messages, transport.Message{Role: "assistant", Content: string(callJSON)})
		messages = append(messages, toolResultMessage(tc.Tool, true, result, ""))
		emit("tool_result", map[string]any{"tool": tc.Tool, "result": result})
	}

	emit("done", map[string]any{"reason": "max_steps"})
	return Result{Text: "Stopped: max steps reached", Messages: messages, Policy: workingPolicy}, nil
}

func toolResultMessage(tool string, ok bool, result map[string]any, errMsg string) transport.Message {
	payload := map[string]any{"tool": tool, "ok": ok}
	if ok {
		payload["result"] = result
	} else {
		payload["error"] = errMsg
	}
	data, _ := json.Marshal(payload)
	return transport.Message{Role: "tool", Content: string(data)}
}

func classifyTransportError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	case strings.Contains(msg, "cancel"):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return err
	}
}
