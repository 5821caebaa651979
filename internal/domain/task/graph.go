package task

// Graph is { tasks: map[id -> Task], rootIds: set[id] } (spec §3.2). Root
// membership is kept in rootIDs, which AddTask updates when it adds a task
// without a parent. All mutation primitives on Graph
// are value-returning: every call takes a Graph and returns a new Graph,
// per the value-semantics policy this module commits to (SPEC_FULL.md §9).
type Graph struct {
	tasks   map[string]Task
	rootIDs map[string]struct{}
	limits  Limits
}

// NewGraph returns an empty graph with the given limits.
func NewGraph(limits Limits) Graph {
	return Graph{
		tasks:   map[string]Task{},
		rootIDs: map[string]struct{}{},
		limits:  limits,
	}
}

// Limits returns the graph's configured bounds.
func (g Graph) Limits() Limits { return g.limits }

// Get returns the task with id and whether it exists.
func (g Graph) Get(id string) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Len returns the total number of tasks in the graph.
func (g Graph) Len() int { return len(g.tasks) }

// All returns every task in the graph, order unspecified. Callers that need
// a stable order should use the Queries in queries.go.
func (g Graph) All() []Task {
	out := make([]Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// clone returns a deep-enough copy of g for a value-returning mutation: the
// maps are copied, Task values are copied by value (slices/maps inside a
// Task are only ever replaced wholesale, never mutated in place, so a
// shallow per-field copy is safe).
func (g Graph) clone() Graph {
	tasks := make(map[string]Task, len(g.tasks))
	for k, v := range g.tasks {
		tasks[k] = v
	}
	roots := make(map[string]struct{}, len(g.rootIDs))
	for k := range g.rootIDs {
		roots[k] = struct{}{}
	}
	return Graph{tasks: tasks, rootIDs: roots, limits: g.limits}
}

func (g Graph) depthOf(id string) int {
	depth := 0
	cur := id
	for {
		t, ok := g.tasks[cur]
		if !ok || t.ParentID == "" {
			return depth
		}
		depth++
		cur = t.ParentID
	}
}

func (g Graph) childCount(parentID string) int {
	n := 0
	for _, t := range g.tasks {
		if t.ParentID == parentID {
			n++
		}
	}
	return n
}

// AddTask validates task against the graph's invariants (spec §4.3.1 table)
// and, if all checks pass, returns a new Graph containing it. On failure
// the original graph is returned unchanged alongside a *ValidationError.
func AddTask(g Graph, t Task) (Graph, error) {
	if _, exists := g.tasks[t.ID]; exists {
		return g, &ValidationError{Kind: ErrDuplicateID, TaskID: t.ID}
	}
	if t.ParentID != "" {
		if _, ok := g.tasks[t.ParentID]; !ok {
			return g, &ValidationError{Kind: ErrMissingParent, TaskID: t.ID}
		}
	}
	for _, dep := range t.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return g, &ValidationError{Kind: ErrMissingDependency, TaskID: t.ID}
		}
	}
	if len(g.tasks) >= g.limits.MaxTotal {
		return g, &ValidationError{Kind: ErrMaxTotalExceeded, TaskID: t.ID}
	}
	depth := 0
	if t.ParentID != "" {
		depth = g.depthOf(t.ParentID) + 1
	}
	if depth > g.limits.MaxDepth {
		return g, &ValidationError{Kind: ErrMaxDepthExceeded, TaskID: t.ID}
	}
	if t.ParentID != "" && g.childCount(t.ParentID) >= g.limits.MaxSubtasks {
		return g, &ValidationError{Kind: ErrMaxSubtasksExceeded, TaskID: t.ID}
	}
	if hasCycle(g, t) {
		return g, &ValidationError{Kind: ErrCycleDetected, TaskID: t.ID}
	}

	next := g.clone()
	next.tasks[t.ID] = t
	if t.ParentID == "" {
		next.rootIDs[t.ID] = struct{}{}
	}
	return next, nil
}
