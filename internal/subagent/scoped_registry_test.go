package subagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	files   map[string]string
	version int
	shell   ShellResult
	fetch   FetchResult
	search  []SearchResult
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{files: map[string]string{}}
}

func (f *fakeRPC) ReadFile(ctx context.Context, path string) (string, bool, error) {
	content, ok := f.files[path]
	return content, ok, nil
}

func (f *fakeRPC) WriteFile(ctx context.Context, path, content string) (int, error) {
	f.files[path] = content
	f.version++
	return f.version, nil
}

func (f *fakeRPC) DeleteFile(ctx context.Context, path string) (bool, error) {
	_, ok := f.files[path]
	delete(f.files, path)
	return ok, nil
}

func (f *fakeRPC) ListFiles(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRPC) ShellExec(ctx context.Context, command, cwd string, env map[string]string) (ShellResult, error) {
	return f.shell, nil
}

func (f *fakeRPC) Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error) {
	return f.fetch, nil
}

func (f *fakeRPC) WebSearch(ctx context.Context, query string) ([]SearchResult, error) {
	return f.search, nil
}

func TestScopedRegistry_ReadWriteDeleteListFile(t *testing.T) {
	rpc := newFakeRPC()
	reg := NewScopedRegistry(rpc)
	ctx := context.Background()

	writeTool, ok := reg.Lookup("writeFile")
	require.True(t, ok)
	result, err := writeTool.Execute(ctx, map[string]any{"path": "a.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Output["version"])

	readTool, _ := reg.Lookup("readFile")
	result, err = readTool.Execute(ctx, map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output["content"])

	listTool, _ := reg.Lookup("listFiles")
	result, err = listTool.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.txt"}, result.Output["files"])

	deleteTool, _ := reg.Lookup("deleteFile")
	result, err = deleteTool.Execute(ctx, map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["deleted"])
}

func TestScopedRegistry_ReadFile_MissingReturnsError(t *testing.T) {
	reg := NewScopedRegistry(newFakeRPC())
	tool, _ := reg.Lookup("readFile")
	result, err := tool.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	require.NoError(t, err)
	assert.Equal(t, "not found", result.Output["error"])
}

func TestScopedRegistry_ShellExecFetchWebSearch(t *testing.T) {
	rpc := newFakeRPC()
	rpc.shell = ShellResult{Stdout: "out", Stderr: "", ExitCode: 0}
	rpc.fetch = FetchResult{Status: 200, Body: "ok"}
	rpc.search = []SearchResult{{Title: "t", URL: "u", Snippet: "s"}}
	reg := NewScopedRegistry(rpc)
	ctx := context.Background()

	shellTool, _ := reg.Lookup("shellExec")
	result, err := shellTool.Execute(ctx, map[string]any{"command": "echo out"})
	require.NoError(t, err)
	assert.Equal(t, "out", result.Output["stdout"])
	assert.Equal(t, 0, result.Output["exitCode"])

	fetchTool, _ := reg.Lookup("fetch")
	result, err = fetchTool.Execute(ctx, map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Output["status"])

	searchTool, _ := reg.Lookup("webSearch")
	result, err = searchTool.Execute(ctx, map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Output["totalResults"])
}

func TestScopedRegistry_Descriptors_ExcludesTaskAndDelegationTools(t *testing.T) {
	reg := NewScopedRegistry(newFakeRPC())
	names := map[string]bool{}
	for _, d := range reg.Descriptors() {
		names[d.Name] = true
	}
	for _, forbidden := range []string{"createSubtask", "listTasks", "completeTask", "delegateToSubagent", "checkSubagentStatus", "waitForSubagents"} {
		assert.False(t, names[forbidden], "scoped registry must not expose %s", forbidden)
	}
	assert.True(t, names["readFile"])
	assert.True(t, names["shellExec"])
}
