package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start int64) (NowFunc, func()) {
	t := start
	return func() int64 { return t }, func() { t++ }
}

func mustAdd(t *testing.T, g Graph, task Task) Graph {
	t.Helper()
	next, err := AddTask(g, task)
	require.NoError(t, err)
	return next
}

func TestAddTask_ValidationOrder(t *testing.T) {
	now, tick := fixedClock(1000)
	g := NewGraph(DefaultLimits())

	root := CreateTask(CreateInput{Title: "root"}, now)
	tick()
	g = mustAdd(t, g, root)

	t.Run("duplicate_id", func(t *testing.T) {
		_, err := AddTask(g, root)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, ErrDuplicateID, ve.Kind)
	})

	t.Run("missing_parent", func(t *testing.T) {
		child := CreateTask(CreateInput{ParentID: "does-not-exist", Title: "x"}, now)
		_, err := AddTask(g, child)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, ErrMissingParent, ve.Kind)
	})

	t.Run("missing_dependency", func(t *testing.T) {
		child := CreateTask(CreateInput{Title: "x", Dependencies: []string{"ghost"}}, now)
		_, err := AddTask(g, child)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, ErrMissingDependency, ve.Kind)
	})

	t.Run("graph unchanged on failure", func(t *testing.T) {
		before := g.Len()
		child := CreateTask(CreateInput{Title: "x", Dependencies: []string{"ghost"}}, now)
		got, err := AddTask(g, child)
		require.Error(t, err)
		assert.Equal(t, before, got.Len())
	})
}

func TestAddTask_MaxDepthExceeded(t *testing.T) {
	// Boundary scenario 4: a chain of parent links of length MAX_DEPTH;
	// adding one more child at the deepest level is rejected and the
	// graph is unchanged.
	now, tick := fixedClock(1000)
	limits := Limits{MaxDepth: 3, MaxSubtasks: 10, MaxTotal: 50}
	g := NewGraph(limits)

	parentID := ""
	for i := 0; i <= limits.MaxDepth; i++ {
		task := CreateTask(CreateInput{ParentID: parentID, Title: "n"}, now)
		tick()
		g = mustAdd(t, g, task)
		parentID = task.ID
	}

	before := g.Len()
	tooDeep := CreateTask(CreateInput{ParentID: parentID, Title: "too-deep"}, now)
	got, err := AddTask(g, tooDeep)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrMaxDepthExceeded, ve.Kind)
	assert.Equal(t, before, got.Len())
}

func TestAddTask_MaxSubtasksExceeded(t *testing.T) {
	now, tick := fixedClock(1000)
	limits := Limits{MaxDepth: 3, MaxSubtasks: 2, MaxTotal: 50}
	g := NewGraph(limits)
	root := CreateTask(CreateInput{Title: "root"}, now)
	tick()
	g = mustAdd(t, g, root)

	for i := 0; i < limits.MaxSubtasks; i++ {
		child := CreateTask(CreateInput{ParentID: root.ID, Title: "c"}, now)
		tick()
		g = mustAdd(t, g, child)
	}

	oneTooMany := CreateTask(CreateInput{ParentID: root.ID, Title: "c"}, now)
	_, err := AddTask(g, oneTooMany)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrMaxSubtasksExceeded, ve.Kind)
}

func TestAddTask_MaxTotalExceeded(t *testing.T) {
	now, tick := fixedClock(1000)
	limits := Limits{MaxDepth: 3, MaxSubtasks: 50, MaxTotal: 2}
	g := NewGraph(limits)
	g = mustAdd(t, g, CreateTask(CreateInput{Title: "a"}, now))
	tick()
	g = mustAdd(t, g, CreateTask(CreateInput{Title: "b"}, now))
	tick()

	_, err := AddTask(g, CreateTask(CreateInput{Title: "c"}, now))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrMaxTotalExceeded, ve.Kind)
}

func TestAddTask_CycleDetected(t *testing.T) {
	now, tick := fixedClock(1000)
	g := NewGraph(DefaultLimits())

	root := CreateTask(CreateInput{Title: "root"}, now)
	tick()
	g = mustAdd(t, g, root)

	child := CreateTask(CreateInput{ParentID: root.ID, Title: "child"}, now)
	tick()
	g = mustAdd(t, g, child)

	// grandchild depends on root, its own ancestor: reject.
	grandchild := CreateTask(CreateInput{ParentID: child.ID, Title: "gc", Dependencies: []string{root.ID}}, now)
	_, err := AddTask(g, grandchild)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrCycleDetected, ve.Kind)
}

func TestAddTask_ValueSemantics(t *testing.T) {
	now, _ := fixedClock(1000)
	g1 := NewGraph(DefaultLimits())
	g2, err := AddTask(g1, CreateTask(CreateInput{Title: "x"}, now))
	require.NoError(t, err)

	assert.Equal(t, 0, g1.Len(), "original graph must be unmodified by AddTask")
	assert.Equal(t, 1, g2.Len())
}
