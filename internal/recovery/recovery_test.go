package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const now = 1_000_000

func TestFindOrphaned_BoundaryScenario5(t *testing.T) {
	messages := []Message{
		{ID: "stale", Status: StatusStreaming, HeartbeatAt: now - 90_000, Attempt: 1},
		{ID: "fresh", Status: StatusStreaming, HeartbeatAt: now - 30_000, Attempt: 1},
	}
	got := FindOrphaned(messages, now, 60)
	assert.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].ID)
}

func TestFindOrphaned_NullHeartbeatIsOrphaned(t *testing.T) {
	messages := []Message{{ID: "m1", Status: StatusStreaming, HeartbeatAt: 0, Attempt: 1}}
	got := FindOrphaned(messages, now, 60)
	assert.Len(t, got, 1)
}

func TestFindOrphaned_IgnoresNonStreamingStatus(t *testing.T) {
	messages := []Message{
		{ID: "m1", Status: StatusComplete, HeartbeatAt: 0},
		{ID: "m2", Status: StatusPending, HeartbeatAt: 0},
	}
	assert.Empty(t, FindOrphaned(messages, now, 60))
}

func TestDecide_CheckpointAlwaysResumes(t *testing.T) {
	msg := Message{Checkpoint: "ckpt", Attempt: 3}
	assert.Equal(t, DecisionResume, Decide(msg, 3))
}

func TestDecide_UnderMaxAttemptsRetries(t *testing.T) {
	msg := Message{Attempt: 1}
	assert.Equal(t, DecisionRetry, Decide(msg, 3))
}

func TestDecide_AtMaxAttemptsFails(t *testing.T) {
	msg := Message{Attempt: 3}
	assert.Equal(t, DecisionFail, Decide(msg, 3))
}

func TestBuildRecoveryPayload_DefaultsReason(t *testing.T) {
	p := BuildRecoveryPayload(Message{ID: "m1", Checkpoint: "c1"}, "")
	assert.Equal(t, "orphaned", p.Reason)
	assert.Equal(t, "c1", p.Checkpoint)
}

func TestBuildRecoveryPayload_EnrichesRetryWithResumeContext(t *testing.T) {
	msg := Message{
		ID:      "m1",
		Content: "fix the bug",
		TaskMetadata: map[string]string{
			MetaLastIteration: "4",
			MetaFilesTouched:  "a.go,b.go",
			MetaTokensUsed:    "500",
		},
	}
	p := BuildRecoveryPayload(msg, "")
	assert.Contains(t, p.ResumeText, "interrupted after iteration 4")
	assert.Contains(t, p.ResumeText, "  - a.go")
	assert.Contains(t, p.ResumeText, "  - b.go")
	assert.Contains(t, p.ResumeText, "Tokens used in previous attempt: 500")
	assert.Contains(t, p.ResumeText, "[Original Task]\nfix the bug")
}

func TestBuildRecoveryPayload_NoResumeTextWithoutPriorAttemptMetadata(t *testing.T) {
	p := BuildRecoveryPayload(Message{ID: "m1", Content: "fix the bug"}, "")
	assert.Empty(t, p.ResumeText)
}

func TestBuildRecoveryPayload_NoResumeTextWhenCheckpointSet(t *testing.T) {
	msg := Message{
		ID:         "m1",
		Content:    "fix the bug",
		Checkpoint: "ckpt",
		TaskMetadata: map[string]string{
			MetaLastIteration: "4",
		},
	}
	p := BuildRecoveryPayload(msg, "")
	assert.Empty(t, p.ResumeText)
}

func TestBuildResumePrompt_NoMetadataReturnsUnchanged(t *testing.T) {
	assert.Equal(t, "original", BuildResumePrompt("original", nil))
}

func TestPlan_ComputesBackoffForRetryAndResumeNotFail(t *testing.T) {
	messages := []Message{
		{ID: "resume-me", Status: StatusStreaming, HeartbeatAt: 0, Checkpoint: "c1", Attempt: 1},
		{ID: "retry-me", Status: StatusStreaming, HeartbeatAt: 0, Attempt: 1},
		{ID: "fail-me", Status: StatusStreaming, HeartbeatAt: 0, Attempt: 3},
	}
	actions := Plan(messages, now, 60, 3, 2, 60)
	require := map[string]Action{}
	for _, a := range actions {
		require[a.Message.ID] = a
	}

	assert.Equal(t, DecisionResume, require["resume-me"].Decision)
	assert.Positive(t, require["resume-me"].BackoffMs)

	assert.Equal(t, DecisionRetry, require["retry-me"].Decision)
	assert.Positive(t, require["retry-me"].BackoffMs)

	assert.Equal(t, DecisionFail, require["fail-me"].Decision)
	assert.Zero(t, require["fail-me"].BackoffMs)
}
