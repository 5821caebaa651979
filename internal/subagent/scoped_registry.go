package subagent

import (
	"context"

	"orchestrator/internal/ports"
)

// ScopedRegistry adapts a ParentRPC into the ports.ToolRegistry a worker's
// driver loop consumes, so every tool call a subagent makes is routed
// through the parent instead of executed locally (spec §4.7.2, §4.7.4).
// Only the RPC-exposed subset of §6.2's tool set is offered; task and
// subagent-delegation tools are never included (spec §4.7.4: "No other
// surface is exposed").
type ScopedRegistry struct {
	rpc   ParentRPC
	tools map[string]ports.Tool
	descs []ports.ToolDescriptor
}

var _ ports.ToolRegistry = (*ScopedRegistry)(nil)

// NewScopedRegistry builds the fixed RPC-routed tool set.
func NewScopedRegistry(rpc ParentRPC) *ScopedRegistry {
	r := &ScopedRegistry{rpc: rpc, tools: make(map[string]ports.Tool)}
	for _, t := range []ports.Tool{
		rpcReadFile{rpc},
		rpcWriteFile{rpc},
		rpcDeleteFile{rpc},
		rpcListFiles{rpc},
		rpcShellExec{rpc},
		rpcFetch{rpc},
		rpcWebSearch{rpc},
	} {
		r.tools[t.Name()] = t
		r.descs = append(r.descs, t.Descriptor())
	}
	return r
}

func (r *ScopedRegistry) Lookup(name string) (ports.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *ScopedRegistry) Descriptors() []ports.ToolDescriptor {
	return r.descs
}

func stringInput(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func stringMapInput(input map[string]any, key string) map[string]string {
	raw, ok := input[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// --- readFile ---

type rpcReadFile struct{ rpc ParentRPC }

func (rpcReadFile) Name() string { return "readFile" }

func (rpcReadFile) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "readFile", Description: "Read a file's current content.",
		InputSchema: map[string]any{"path": "string"}}
}

func (t rpcReadFile) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	content, ok, err := t.rpc.ReadFile(ctx, stringInput(input, "path"))
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	if !ok {
		return ports.ToolResult{Output: map[string]any{"error": "not found"}}, nil
	}
	return ports.ToolResult{Output: map[string]any{"content": content, "path": stringInput(input, "path")}}, nil
}

// --- writeFile ---

type rpcWriteFile struct{ rpc ParentRPC }

func (rpcWriteFile) Name() string { return "writeFile" }

func (rpcWriteFile) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "writeFile", Description: "Write or overwrite a file.",
		InputSchema: map[string]any{"path": "string", "content": "string"}}
}

func (t rpcWriteFile) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	path := stringInput(input, "path")
	version, err := t.rpc.WriteFile(ctx, path, stringInput(input, "content"))
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	return ports.ToolResult{Output: map[string]any{"success": true, "path": path, "version": version}}, nil
}

// --- deleteFile ---

type rpcDeleteFile struct{ rpc ParentRPC }

func (rpcDeleteFile) Name() string { return "deleteFile" }

func (rpcDeleteFile) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "deleteFile", Description: "Remove a file.",
		InputSchema: map[string]any{"path": "string"}}
}

func (t rpcDeleteFile) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	removed, err := t.rpc.DeleteFile(ctx, stringInput(input, "path"))
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	return ports.ToolResult{Output: map[string]any{"deleted": removed}}, nil
}

// --- listFiles ---

type rpcListFiles struct{ rpc ParentRPC }

func (rpcListFiles) Name() string { return "listFiles" }

func (rpcListFiles) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "listFiles", Description: "List every file path.",
		InputSchema: map[string]any{}}
}

func (t rpcListFiles) Execute(ctx context.Context, _ map[string]any) (ports.ToolResult, error) {
	files, err := t.rpc.ListFiles(ctx)
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	out := make([]any, len(files))
	for i, f := range files {
		out[i] = f
	}
	return ports.ToolResult{Output: map[string]any{"files": out}}, nil
}

// --- shellExec (the worker-side name for §6.2's "bash"/"executeCode" family,
// scoped to the parent's shell capability per §4.7.4) ---

type rpcShellExec struct{ rpc ParentRPC }

func (rpcShellExec) Name() string { return "shellExec" }

func (rpcShellExec) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "shellExec", Description: "Run a shell command via the parent.",
		InputSchema: map[string]any{"command": "string", "cwd": "string?", "env": "object?"}}
}

func (t rpcShellExec) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	result, err := t.rpc.ShellExec(ctx, stringInput(input, "command"), stringInput(input, "cwd"), stringMapInput(input, "env"))
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	return ports.ToolResult{Output: map[string]any{
		"stdout": result.Stdout, "stderr": result.Stderr, "exitCode": result.ExitCode,
	}}, nil
}

// --- fetch ---

type rpcFetch struct{ rpc ParentRPC }

func (rpcFetch) Name() string { return "fetch" }

func (rpcFetch) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "fetch", Description: "HTTP fetch via the parent's allow-listed capability.",
		InputSchema: map[string]any{"url": "string", "method": "string?", "headers": "object?", "body": "string?"}}
}

func (t rpcFetch) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	opts := FetchOptions{
		Method:  stringInput(input, "method"),
		Headers: stringMapInput(input, "headers"),
		Body:    stringInput(input, "body"),
	}
	result, err := t.rpc.Fetch(ctx, stringInput(input, "url"), opts)
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	headers := make(map[string]any, len(result.Headers))
	for k, v := range result.Headers {
		headers[k] = v
	}
	return ports.ToolResult{Output: map[string]any{
		"status": result.Status, "headers": headers, "body": result.Body,
	}}, nil
}

// --- webSearch ---

type rpcWebSearch struct{ rpc ParentRPC }

func (rpcWebSearch) Name() string { return "webSearch" }

func (rpcWebSearch) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: "webSearch", Description: "Search the web via the parent's capability.",
		InputSchema: map[string]any{"query": "string"}}
}

func (t rpcWebSearch) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	query := stringInput(input, "query")
	results, err := t.rpc.WebSearch(ctx, query)
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
	}
	return ports.ToolResult{Output: map[string]any{"query": query, "results": out, "totalResults": len(results)}}, nil
}
