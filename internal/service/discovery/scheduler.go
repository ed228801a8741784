// Package discovery implements the stage-orchestration engine: the
// scheduler that advances a run through the pipeline, the invoker that
// dispatches a stage's agents under a concurrency bound, and the run
// manager that drives the scheduling loop to a terminal state.
package discovery

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/control"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
)

// ActionKind identifies the scheduler's decision for a run.
type ActionKind string

const (
	// ActionEnterStage enters a fresh stage execution.
	ActionEnterStage ActionKind = "enter_stage"

	// ActionResumeStage re-drives an execution found still active,
	// typically after a process restart.
	ActionResumeStage ActionKind = "resume_stage"

	// ActionSendBack enters an earlier stage because a later one
	// rejected its input. Send-back is control flow, not an error.
	ActionSendBack ActionKind = "send_back"

	ActionComplete ActionKind = "complete"
	ActionFail     ActionKind = "fail"
	ActionStopped  ActionKind = "stopped"
)

// NextAction is the scheduler's decision plus the execution to drive.
type NextAction struct {
	Kind      ActionKind
	Execution *core.StageExecution
	Reason    string
}

// Scheduler decides the next stage for a run from the stage-order
// table and the run's persisted execution history. It performs the
// persistence for its decision (creating the new attempt) inside the
// checkpoint store's transactional boundary, so the single-active-stage
// invariant is enforced by the store, never by a read-then-write.
type Scheduler struct {
	store        core.CheckpointStore
	maxSendBacks int
	logger       *logging.Logger
}

// NewScheduler creates a scheduler. maxSendBacks bounds the total
// send-back transitions a run may take; zero means unbounded.
func NewScheduler(store core.CheckpointStore, maxSendBacks int, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		store:        store,
		maxSendBacks: maxSendBacks,
		logger:       logger,
	}
}

// Advance inspects the run and returns the next action, creating the
// next stage execution when one is due. The run is re-read from the
// store: persisted state is authoritative, never an in-process copy.
func (s *Scheduler) Advance(ctx context.Context, runID core.RunID, stop *control.StopPlane) (*NextAction, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.IsTerminal() {
		return terminalAction(run), nil
	}

	latest, err := s.store.LatestStageExecution(ctx, runID)
	if err != nil {
		return nil, err
	}

	// A stop observed at this boundary is a deliberate request, not a
	// failure. In-flight work has already finished or was never started.
	if stop != nil && stop.IsStopped() {
		if err := s.store.CommitRunStopped(ctx, runID); err != nil {
			return nil, err
		}
		return &NextAction{Kind: ActionStopped}, nil
	}

	if latest != nil && latest.IsActive() {
		s.logger.WithRun(string(runID)).Info("resuming active stage execution",
			"stage", latest.Stage, "attempt", latest.Attempt)
		return &NextAction{Kind: ActionResumeStage, Execution: latest}, nil
	}

	next := &core.StageExecution{RunID: runID}
	kind := ActionEnterStage

	switch {
	case latest == nil:
		next.Stage = core.FirstStage()

	case latest.Status == core.ExecutionStatusCompleted:
		target := core.NextStage(latest.Stage)
		if target == "" {
			// The final stage committed with final=true, so the run
			// should already be terminal. Reaching here means the store
			// and the stage table disagree.
			return nil, core.ErrState(core.CodeStateCorrupted,
				fmt.Sprintf("run %s completed stage %s but is not terminal", runID, latest.Stage))
		}
		next.Stage = target

	case latest.Status == core.ExecutionStatusSentBack:
		if s.maxSendBacks > 0 && run.SendBackCount > s.maxSendBacks {
			reason := fmt.Sprintf("send-back limit exceeded: %d transitions (limit %d)",
				run.SendBackCount, s.maxSendBacks)
			if err := s.store.CommitRunFailed(ctx, runID, reason); err != nil {
				return nil, err
			}
			return &NextAction{Kind: ActionFail, Reason: reason}, nil
		}
		next.Stage = latest.SendBackTarget
		next.SentBackFrom = latest.Stage
		next.SendBackReason = latest.SendBackReason
		kind = ActionSendBack

	case latest.Status == core.ExecutionStatusFailed:
		// CommitFailure flips the run atomically, so a failed latest
		// execution on a non-terminal run is a store inconsistency.
		return nil, core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("run %s has failed execution but is not terminal", runID))

	default:
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("unexpected latest execution status %s for run %s", latest.Status, runID))
	}

	if err := s.store.CreateStageExecution(ctx, next); err != nil {
		return nil, err
	}

	log := s.logger.WithRun(string(runID)).WithStage(string(next.Stage))
	if kind == ActionSendBack {
		log.Info("re-entering stage after send-back",
			"attempt", next.Attempt,
			"sent_back_from", next.SentBackFrom,
			"reason", next.SendBackReason)
	} else {
		log.Info("entering stage", "attempt", next.Attempt)
	}

	return &NextAction{Kind: kind, Execution: next}, nil
}

func terminalAction(run *core.DiscoveryRun) *NextAction {
	switch run.Status {
	case core.RunStatusCompleted:
		return &NextAction{Kind: ActionComplete}
	case core.RunStatusStopped:
		return &NextAction{Kind: ActionStopped}
	default:
		reason := ""
		if n := len(run.Errors); n > 0 {
			reason = run.Errors[n-1].Message
		}
		return &NextAction{Kind: ActionFail, Reason: reason}
	}
}
