package subagent

import "context"

// ShellResult is the outcome of a ParentRPC.ShellExec call (spec §4.7.4).
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FetchOptions are the optional parameters to ParentRPC.Fetch.
type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    string
}

// FetchResult is the outcome of a ParentRPC.Fetch call.
type FetchResult struct {
	Status  int
	Headers map[string]string
	Body    string
}

// SearchResult is one entry of a ParentRPC.WebSearch result set.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// ParentRPC is the only capability surface a subagent worker holds (spec
// §4.7.4): a stub with HTTP back to the parent, nothing else. Workers
// cannot see the task graph, chat history, or action log.
type ParentRPC interface {
	ReadFile(ctx context.Context, path string) (content string, ok bool, err error)
	WriteFile(ctx context.Context, path, content string) (version int, err error)
	DeleteFile(ctx context.Context, path string) (removed bool, err error)
	ListFiles(ctx context.Context) ([]string, error)
	ShellExec(ctx context.Context, command, cwd string, env map[string]string) (ShellResult, error)
	Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)
	WebSearch(ctx context.Context, query string) ([]SearchResult, error)
}
