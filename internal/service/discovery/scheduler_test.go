package discovery

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/control"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

func TestAdvance_FreshRunEntersFirstStage(t *testing.T) {
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	s := NewScheduler(store, 0, nil)

	action, err := s.Advance(context.Background(), "run-1", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionEnterStage, action.Kind)
	require.NotNil(t, action.Execution)
	assert.Equal(t, core.StageExploration, action.Execution.Stage)
	assert.Equal(t, 1, action.Execution.Attempt)
}

func TestAdvance_ResumesActiveExecution(t *testing.T) {
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	s := NewScheduler(store, 0, nil)

	first, err := s.Advance(context.Background(), "run-1", control.New())
	require.NoError(t, err)

	// A second Advance finds the same execution still active.
	second, err := s.Advance(context.Background(), "run-1", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionResumeStage, second.Kind)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)
}

func TestAdvance_EntersNextStageAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	s := NewScheduler(store, 0, nil)

	action, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	require.NoError(t, store.CommitCompletion(ctx, action.Execution.ID,
		json.RawMessage(`{"observations":[]}`), 1, false))

	next, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionEnterStage, next.Kind)
	assert.Equal(t, core.StageOpportunity, next.Execution.Stage)
	assert.Equal(t, 1, next.Execution.Attempt)
}

func TestAdvance_SendBackRoutesToTargetWithContext(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	s := NewScheduler(store, 0, nil)

	exploration, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	require.NoError(t, store.CommitCompletion(ctx, exploration.Execution.ID,
		json.RawMessage(`{"observations":[]}`), 1, false))

	opportunity, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	require.NoError(t, store.CommitSendBack(ctx, opportunity.Execution.ID,
		core.StageExploration, "too few observations"))

	back, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionSendBack, back.Kind)
	assert.Equal(t, core.StageExploration, back.Execution.Stage)
	assert.Equal(t, 2, back.Execution.Attempt)
	assert.Equal(t, core.StageOpportunity, back.Execution.SentBackFrom)
	assert.Equal(t, "too few observations", back.Execution.SendBackReason)
}

func TestAdvance_SendBackLimitFailsRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	s := NewScheduler(store, 1, nil)

	completeAndSendBack := func() {
		exploration, err := s.Advance(ctx, "run-1", control.New())
		require.NoError(t, err)
		require.NoError(t, store.CommitCompletion(ctx, exploration.Execution.ID,
			json.RawMessage(`{"observations":[]}`), 1, false))

		opportunity, err := s.Advance(ctx, "run-1", control.New())
		require.NoError(t, err)
		require.NoError(t, store.CommitSendBack(ctx, opportunity.Execution.ID,
			core.StageExploration, "revise"))
	}

	// First send-back is within the limit of 1.
	completeAndSendBack()
	completeAndSendBack()

	action, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionFail, action.Kind)
	assert.Contains(t, action.Reason, "send-back limit exceeded")

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.Errors)
}

func TestAdvance_StopCommitsRunStopped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	s := NewScheduler(store, 0, nil)

	plane := control.New()
	plane.Stop()

	action, err := s.Advance(ctx, "run-1", plane)
	require.NoError(t, err)
	assert.Equal(t, ActionStopped, action.Kind)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusStopped, run.Status)
}

func TestAdvance_TerminalRunReportsWithoutMutating(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createTestRun(t, store, "run-1", "repo-a")
	require.NoError(t, store.CommitRunStopped(ctx, "run-1"))

	s := NewScheduler(store, 0, nil)
	action, err := s.Advance(ctx, "run-1", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionStopped, action.Kind)

	// A failed run reports its last recorded error.
	createTestRun(t, store, "run-2", "repo-b")
	require.NoError(t, store.CommitRunFailed(ctx, "run-2", "budget exhausted"))

	action, err = s.Advance(ctx, "run-2", control.New())
	require.NoError(t, err)
	assert.Equal(t, ActionFail, action.Kind)
	assert.Equal(t, "budget exhausted", action.Reason)
}
