package task

// Transition triggers (spec §4.3.3). Each takes a Graph and returns the new
// Graph plus ok=false when the request is a no-op: "Any transition request
// on a terminal task yields a null result... start on a task whose
// dependencies are not all complete also yields null." Callers that get
// ok=false must treat g as unchanged (it is the same value passed in).

// Start transitions id from pending to in_progress iff all its dependencies
// are complete. Sets startedAt and assignedTo.
func Start(g Graph, id, worker string, now int64) (Graph, bool) {
	t, ok := g.tasks[id]
	if !ok || t.Status != StatusPending {
		return g, false
	}
	if !AreDependenciesSatisfied(g, t) {
		return g, false
	}
	t.Status = StatusInProgress
	t.StartedAt = now
	t.AssignedTo = worker
	return commitAndPropagate(g, t)
}

// Complete transitions id to complete from any non-terminal status
// (pending, blocked or in_progress), sets result and completedAt, then runs
// propagation. It does not check that the task was started.
func Complete(g Graph, id, result string, now int64) (Graph, bool) {
	t, ok := g.tasks[id]
	if !ok || t.Status.IsTerminal() {
		return g, false
	}
	t.Status = StatusComplete
	t.Result = result
	t.CompletedAt = now
	return commitAndPropagate(g, t)
}

// Fail transitions id to failed, sets error and completedAt, then runs
// propagation.
func Fail(g Graph, id, errMsg string, now int64) (Graph, bool) {
	t, ok := g.tasks[id]
	if !ok || t.Status.IsTerminal() {
		return g, false
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = now
	return commitAndPropagate(g, t)
}

// Cancel transitions id to cancelled from any non-terminal status, then
// runs propagation.
func Cancel(g Graph, id string, now int64) (Graph, bool) {
	t, ok := g.tasks[id]
	if !ok || t.Status.IsTerminal() {
		return g, false
	}
	t.Status = StatusCancelled
	t.CompletedAt = now
	return commitAndPropagate(g, t)
}

// Block transitions id from pending to blocked. No propagation side
// effect by itself (propagation is what un-blocks tasks automatically).
func Block(g Graph, id string) (Graph, bool) {
	t, ok := g.tasks[id]
	if !ok || t.Status != StatusPending {
		return g, false
	}
	t.Status = StatusBlocked
	next := g.clone()
	next.tasks[id] = t
	return next, true
}

func commitAndPropagate(g Graph, t Task) (Graph, bool) {
	next := g.clone()
	next.tasks[t.ID] = t
	return Propagate(next), true
}

// Propagate implements "updateBlockedTasks" (spec §4.3.4): iterate over all
// tasks until no change.
//   - A pending task whose dependency set contains any failed or cancelled
//     member becomes blocked.
//   - A blocked task whose dependencies are all complete reverts to pending.
//
// Each step monotonically reduces either the blocked set or the
// pending-with-failed-dep set, so this terminates.
func Propagate(g Graph) Graph {
	cur := g
	for {
		next := cur.clone()
		changed := false

		for id, t := range cur.tasks {
			switch t.Status {
			case StatusPending:
				if hasTerminalBadDependency(cur, t) {
					t.Status = StatusBlocked
					next.tasks[id] = t
					changed = true
				}
			case StatusBlocked:
				if AreDependenciesSatisfied(cur, t) {
					t.Status = StatusPending
					next.tasks[id] = t
					changed = true
				}
			}
		}

		if !changed {
			return cur
		}
		cur = next
	}
}

func hasTerminalBadDependency(g Graph, t Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.tasks[dep]
		if !ok {
			continue
		}
		if d.Status == StatusFailed || d.Status == StatusCancelled {
			return true
		}
	}
	return false
}

// AreDependenciesSatisfied reports whether every dependency of t exists and
// is complete (spec §4.3.5).
func AreDependenciesSatisfied(g Graph, t Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusComplete {
			return false
		}
	}
	return true
}
