package core

import (
	"encoding/json"
	"time"
)

// ExecutionID uniquely identifies a stage execution.
type ExecutionID string

// ExecutionStatus represents the state of one stage attempt.
type ExecutionStatus string

const (
	ExecutionStatusPending           ExecutionStatus = "pending"
	ExecutionStatusInProgress        ExecutionStatus = "in_progress"
	ExecutionStatusCheckpointReached ExecutionStatus = "checkpoint_reached"
	ExecutionStatusCompleted         ExecutionStatus = "completed"
	ExecutionStatusFailed            ExecutionStatus = "failed"
	ExecutionStatusSentBack          ExecutionStatus = "sent_back"
)

// ValidExecutionStatus checks if an execution status value is known.
func ValidExecutionStatus(s ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusInProgress,
		ExecutionStatusCheckpointReached, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusSentBack:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal for the attempt.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed ||
		s == ExecutionStatusSentBack
}

// IsActive reports whether the status counts against the
// one-active-stage-per-run invariant.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusInProgress || s == ExecutionStatusCheckpointReached
}

// StageExecution is one attempt at one stage within a run.
//
// Attempts are identified by (run, stage, attempt): the attempt number
// increments on retry or send-back re-entry, so prior attempts are
// preserved as the run's audit trail and never overwritten.
type StageExecution struct {
	ID      ExecutionID
	RunID   RunID
	Stage   Stage
	Attempt int

	Status ExecutionStatus

	// ParticipatingAgents is the set of agents this attempt dispatched.
	ParticipatingAgents []string

	// Artifact is the committed checkpoint document. Only populated once
	// the candidate has passed validation.
	Artifact              json.RawMessage
	ArtifactSchemaVersion int

	// SentBackFrom and SendBackReason are populated only when this
	// attempt was created because a later stage rejected its input.
	SentBackFrom   Stage
	SendBackReason string

	// SendBackTarget records, on a sent_back attempt, which earlier
	// stage the run was routed to.
	SendBackTarget Stage

	FailureReason string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// IsTerminal returns true if the attempt reached a terminal status.
func (e *StageExecution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// IsActive returns true if the attempt holds the run's active-stage slot.
func (e *StageExecution) IsActive() bool {
	return e.Status.IsActive()
}

// Validate checks execution invariants.
func (e *StageExecution) Validate() error {
	if e.ID == "" {
		return ErrValidation("EXECUTION_ID_REQUIRED", "execution ID cannot be empty")
	}
	if e.RunID == "" {
		return ErrValidation("EXECUTION_RUN_REQUIRED", "execution run ID cannot be empty")
	}
	if !ValidStage(e.Stage) {
		return ErrValidation("INVALID_STAGE", "unknown stage: "+string(e.Stage))
	}
	if e.Attempt < 1 {
		return ErrValidation("INVALID_ATTEMPT", "attempt number must start at 1")
	}
	if !ValidExecutionStatus(e.Status) {
		return ErrValidation("INVALID_EXECUTION_STATUS", "unknown execution status: "+string(e.Status))
	}
	return nil
}
