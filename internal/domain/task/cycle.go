package task

// hasCycle implements the explicit DFS traversal required by spec §4.3.2:
// for each ancestor A on the new task's parent chain and each declared
// dependency D, determine whether there is a path from D to A along the
// dependency relation. The earlier "indirect prevention" scheme the source
// used is a bug per spec §9; this traversal is unconditional and explicit.
func hasCycle(g Graph, t Task) bool {
	ancestors := ancestorSet(g, t.ParentID)
	if len(ancestors) == 0 || len(t.Dependencies) == 0 {
		return false
	}
	for _, dep := range t.Dependencies {
		for ancestor := range ancestors {
			if reachable(g, dep, ancestor, map[string]struct{}{}) {
				return true
			}
		}
	}
	return false
}

// ancestorSet walks the parent chain starting at id (inclusive) and returns
// every id on it.
func ancestorSet(g Graph, id string) map[string]struct{} {
	set := map[string]struct{}{}
	cur := id
	for cur != "" {
		if _, ok := set[cur]; ok {
			break // defensive: already-inserted parent chain would itself be a cycle
		}
		set[cur] = struct{}{}
		t, ok := g.tasks[cur]
		if !ok {
			break
		}
		cur = t.ParentID
	}
	return set
}

// reachable performs a depth-first search along the dependency relation
// from start to target, with a visited set scoped to this single check.
func reachable(g Graph, start, target string, visited map[string]struct{}) bool {
	if start == target {
		return true
	}
	if _, seen := visited[start]; seen {
		return false
	}
	visited[start] = struct{}{}

	t, ok := g.tasks[start]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		if reachable(g, dep, target, visited) {
			return true
		}
	}
	return false
}
