package task

import "sort"

// ReadyTasks returns every pending task with satisfied dependencies, sorted
// ascending by createdAt with a stable tie-break by id (spec §4.3.5,
// property P8).
func ReadyTasks(g Graph) []Task {
	var out []Task
	for _, t := range g.tasks {
		if t.Status == StatusPending && AreDependenciesSatisfied(g, t) {
			out = append(out, t)
		}
	}
	sortByCreatedThenID(out)
	return out
}

// ActiveTasks returns tasks whose status is in {pending, in_progress,
// blocked}.
func ActiveTasks(g Graph) []Task {
	var out []Task
	for _, t := range g.tasks {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	sortByCreatedThenID(out)
	return out
}

// BlockedTasks returns tasks whose status is blocked.
func BlockedTasks(g Graph) []Task {
	var out []Task
	for _, t := range g.tasks {
		if t.Status == StatusBlocked {
			out = append(out, t)
		}
	}
	sortByCreatedThenID(out)
	return out
}

// Node is one entry in a task tree (spec §4.3.5).
type Node struct {
	Task     Task
	Children []Node
	Depth    int
}

// TaskTree returns roots sorted by createdAt; children recursively built
// and sorted by createdAt.
func TaskTree(g Graph) []Node {
	roots := make([]Task, 0, len(g.rootIDs))
	for id := range g.rootIDs {
		if t, ok := g.tasks[id]; ok {
			roots = append(roots, t)
		}
	}
	sortByCreatedThenID(roots)

	out := make([]Node, 0, len(roots))
	for _, r := range roots {
		out = append(out, buildNode(g, r, 0))
	}
	return out
}

func buildNode(g Graph, t Task, depth int) Node {
	children := childrenOf(g, t.ID)
	sortByCreatedThenID(children)
	childNodes := make([]Node, 0, len(children))
	for _, c := range children {
		childNodes = append(childNodes, buildNode(g, c, depth+1))
	}
	return Node{Task: t, Children: childNodes, Depth: depth}
}

func childrenOf(g Graph, parentID string) []Task {
	var out []Task
	for _, t := range g.tasks {
		if t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out
}

// Descendants returns every task reachable via parent links from id,
// via BFS, excluding id itself.
func Descendants(g Graph, id string) []Task {
	var out []Task
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range childrenOf(g, cur) {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out
}

// Ancestors returns every task on id's parent chain, nearest first,
// excluding id itself.
func Ancestors(g Graph, id string) []Task {
	var out []Task
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	cur := t.ParentID
	for cur != "" {
		p, ok := g.tasks[cur]
		if !ok {
			break
		}
		out = append(out, p)
		cur = p.ParentID
	}
	return out
}

// Progress summarizes counts per status plus percentComplete (spec
// §4.3.5). When subtreeRoot is non-empty, totals include the root itself
// and its descendants only; an empty subtreeRoot summarizes the whole
// graph.
type Progress struct {
	Total           int
	Pending         int
	InProgress      int
	Blocked         int
	Complete        int
	Failed          int
	Cancelled       int
	PercentComplete int
}

// GetProgress computes Progress either for the whole graph (subtreeRoot ==
// "") or for subtreeRoot plus its descendants.
func GetProgress(g Graph, subtreeRoot string) Progress {
	var tasks []Task
	if subtreeRoot == "" {
		tasks = g.All()
	} else {
		if root, ok := g.tasks[subtreeRoot]; ok {
			tasks = append(tasks, root)
		}
		tasks = append(tasks, Descendants(g, subtreeRoot)...)
	}

	var p Progress
	for _, t := range tasks {
		p.Total++
		switch t.Status {
		case StatusPending:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		case StatusBlocked:
			p.Blocked++
		case StatusComplete:
			p.Complete++
		case StatusFailed:
			p.Failed++
		case StatusCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.PercentComplete = int((100*p.Complete + p.Total/2) / p.Total)
	}
	return p
}

func sortByCreatedThenID(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}
