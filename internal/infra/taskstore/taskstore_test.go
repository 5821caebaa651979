package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"orchestrator/internal/domain/task"
)

func TestRowToTask_TaskToRow_AreExactInverses(t *testing.T) {
	// Law L1: deserialize(serialize(g)) == g, checked here at the single
	// task granularity the row conversion actually operates on.
	original := task.Task{
		ID:           "t1",
		ParentID:     "root",
		Type:         task.TypeCode,
		Title:        "implement",
		Description:  "do the thing",
		Dependencies: []string{"a", "b"},
		Status:       task.StatusInProgress,
		Result:       "",
		Error:        "",
		AssignedTo:   "worker-1",
		CreatedAt:    1000,
		StartedAt:    2000,
		CompletedAt:  0,
		Metadata:     map[string]string{"k": "v"},
	}

	row := TaskToRow("session-1", original)
	assert.Equal(t, "session-1", row.SessionID)

	roundTripped := RowToTask(row)
	assert.Equal(t, original, roundTripped)
}

func TestMarshalUnmarshalDependencies_RoundTrip(t *testing.T) {
	deps := []string{"x", "y", "z"}
	b, err := MarshalDependencies(deps)
	assert.NoError(t, err)

	got, err := UnmarshalDependencies(b)
	assert.NoError(t, err)
	assert.Equal(t, deps, got)
}

func TestUnmarshalDependencies_EmptyIsNil(t *testing.T) {
	got, err := UnmarshalDependencies(nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarshalUnmarshalMetadata_RoundTrip(t *testing.T) {
	meta := map[string]string{"a": "1", "b": "2"}
	b, err := MarshalMetadata(meta)
	assert.NoError(t, err)

	got, err := UnmarshalMetadata(b)
	assert.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestUnmarshalMetadata_EmptyIsEmptyMap(t *testing.T) {
	got, err := UnmarshalMetadata(nil)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{}, got)
}
