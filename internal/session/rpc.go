package session

import (
	"context"
	"fmt"

	"orchestrator/internal/ports"
	"orchestrator/internal/subagent"
)

// Capabilities are the shell/fetch/search collaborators a subagent worker's
// ParentRPC calls reach, beyond the document store the session already owns
// (spec §4.7.4). Like ports.LLMDriver and ports.Tool, these are declared
// only as the contract a worker's RPC stub needs — concrete adapters are an
// external collaborator's responsibility (spec §1).
type Capabilities interface {
	ShellExec(ctx context.Context, command, cwd string, env map[string]string) (subagent.ShellResult, error)
	Fetch(ctx context.Context, url string, opts subagent.FetchOptions) (subagent.FetchResult, error)
	WebSearch(ctx context.Context, query string) ([]subagent.SearchResult, error)
}

// noCapabilities degrades gracefully when the caller hasn't wired a real
// Capabilities provider, mirroring the teacher's --mock-tts "optional
// service absent" pattern rather than failing session construction.
type noCapabilities struct{}

func (noCapabilities) ShellExec(context.Context, string, string, map[string]string) (subagent.ShellResult, error) {
	return subagent.ShellResult{}, fmt.Errorf("shell capability not configured")
}

func (noCapabilities) Fetch(context.Context, string, subagent.FetchOptions) (subagent.FetchResult, error) {
	return subagent.FetchResult{}, fmt.Errorf("fetch capability not configured")
}

func (noCapabilities) WebSearch(context.Context, string) ([]subagent.SearchResult, error) {
	return nil, fmt.Errorf("web search capability not configured")
}

// parentRPC implements subagent.ParentRPC for one Session: file operations
// go straight to the session's own document store (it is the sole writer,
// spec §4.9), everything else is handed off to the injected Capabilities.
type parentRPC struct {
	docs ports.DocumentStore
	caps Capabilities
}

var _ subagent.ParentRPC = (*parentRPC)(nil)

func newParentRPC(docs ports.DocumentStore, caps Capabilities) *parentRPC {
	if caps == nil {
		caps = noCapabilities{}
	}
	return &parentRPC{docs: docs, caps: caps}
}

func (r *parentRPC) ReadFile(ctx context.Context, path string) (string, bool, error) {
	content, _, ok := r.docs.Get(ctx, path)
	return content, ok, nil
}

func (r *parentRPC) WriteFile(ctx context.Context, path, content string) (int, error) {
	return r.docs.Put(ctx, path, content)
}

func (r *parentRPC) DeleteFile(ctx context.Context, path string) (bool, error) {
	if _, _, ok := r.docs.Get(ctx, path); !ok {
		return false, nil
	}
	if _, err := r.docs.Delete(ctx, path); err != nil {
		return false, err
	}
	return true, nil
}

func (r *parentRPC) ListFiles(ctx context.Context) ([]string, error) {
	files, _, err := r.docs.List(ctx)
	return files, err
}

func (r *parentRPC) ShellExec(ctx context.Context, command, cwd string, env map[string]string) (subagent.ShellResult, error) {
	return r.caps.ShellExec(ctx, command, cwd, env)
}

func (r *parentRPC) Fetch(ctx context.Context, url string, opts subagent.FetchOptions) (subagent.FetchResult, error) {
	return r.caps.Fetch(ctx, url, opts)
}

func (r *parentRPC) WebSearch(ctx context.Context, query string) ([]subagent.SearchResult, error) {
	return r.caps.WebSearch(ctx, query)
}
