package subagent

import (
	"context"
	"encoding/json"
	"strings"

	"orchestrator/internal/ports"
)

const defaultStepBudget = 15

// RegistryFactory builds the scoped tool registry for one spawned worker;
// the parent supplies this so the RPC stub can close over the session and
// document store it's scoped to (spec §4.7.4).
type RegistryFactory func(props Props) ports.ToolRegistry

// DefaultRunner drives a worker's LLM loop the same way the orchestrator
// loop does (spec §4.6 step 5-6), but against a focused single-message
// prompt, a registry scoped through ParentRPC, and a step budget of 15
// instead of MAX_TOOL_ROUNDS (spec §4.7.2).
type DefaultRunner struct {
	Driver     ports.LLMDriver
	Registry   RegistryFactory
	Clock      ports.Clock
	StepBudget int
}

var _ Runner = DefaultRunner{}

func (r DefaultRunner) Run(ctx context.Context, props Props) Result {
	budget := r.StepBudget
	if budget <= 0 {
		budget = defaultStepBudget
	}

	registry := r.Registry(props)
	messages := []ports.Message{{Role: "user", Content: focusedPrompt(props)}}

	for steps := 0; steps < budget; {
		select {
		case <-ctx.Done():
			return Result{TaskID: props.TaskID, Success: false, Error: "aborted"}
		default:
		}

		resp, err := r.Driver.Drive(ctx, ports.DriverRequest{
			Messages:   messages,
			Tools:      registry.Descriptors(),
			StepBudget: budget - steps,
		})
		if err != nil {
			return Result{TaskID: props.TaskID, Success: false, Error: err.Error()}
		}
		if resp.Done {
			return Result{TaskID: props.TaskID, Success: true, Result: resp.Text}
		}

		messages = append(messages, ports.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			messages = append(messages, ports.Message{
				Role:       "tool",
				Content:    executeScopedTool(ctx, registry, call),
				ToolCallID: call.ID,
			})
			steps++
		}
	}

	return Result{TaskID: props.TaskID, Success: false, Error: "step budget exceeded"}
}

// focusedPrompt builds the worker's only message: title, description, and
// optional context, nothing else (spec §4.7.2: "No chat history, no other
// tasks").
func focusedPrompt(props Props) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(props.Title)
	b.WriteString("\n\n")
	b.WriteString(props.Description)
	if props.Context != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(props.Context)
	}
	return b.String()
}

func executeScopedTool(ctx context.Context, registry ports.ToolRegistry, call ports.ToolCall) string {
	tool, ok := registry.Lookup(call.Name)
	if !ok {
		return "error: unknown tool " + call.Name
	}
	result, err := tool.Execute(ctx, call.Input)
	if err != nil {
		return "error: " + err.Error()
	}
	if result.Error != "" {
		return "error: " + result.Error
	}
	b, err := json.Marshal(result.Output)
	if err != nil {
		return "error: " + err.Error()
	}
	return string(b)
}
