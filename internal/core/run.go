package core

import (
	"encoding/json"
	"time"
)

// RunID uniquely identifies a discovery run.
type RunID string

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// ValidRunStatus checks if a run status value is known.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// RunMetadata records everything needed to reproduce a run: the exact
// versions of the agents and tools that participated, and a reference
// to the input snapshot the run consumed.
type RunMetadata struct {
	AgentVersions    map[string]string `json:"agent_versions,omitempty"`
	SuiteVersion     string            `json:"suite_version,omitempty"`
	InputSnapshotRef string            `json:"input_snapshot_ref,omitempty"`
	EngineVersion    string            `json:"engine_version,omitempty"`
}

// RunError is one structured entry in a run's append-only error list.
type RunError struct {
	Stage      Stage     `json:"stage,omitempty"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunWarning is one structured entry in a run's append-only warning list.
type RunWarning struct {
	Stage      Stage     `json:"stage,omitempty"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DiscoveryRun represents one end-to-end discovery cycle.
//
// A run is created once and mutated only through CheckpointStore commits.
// It is never deleted while stage executions or re-entry runs reference it.
type DiscoveryRun struct {
	ID RunID

	// LogicalKey identifies the unit of work the run covers. Starting a
	// second run with the same logical key while one is still active is
	// rejected rather than silently duplicated.
	LogicalKey string

	Status RunStatus

	// CurrentStage is the stage the run is presently in. Empty before
	// the first stage starts.
	CurrentStage Stage

	// Config is the immutable creation-time input: scope boundaries and
	// resource constraints. The orchestrator stores it verbatim; its
	// shape belongs to the stage suite.
	Config json.RawMessage

	Metadata RunMetadata

	Errors   []RunError
	Warnings []RunWarning

	// ParentRunID links a re-entry run back to the terminal run whose
	// output it revisits. Empty for original runs.
	ParentRunID RunID

	// SendBackCount is the total number of send-back transitions the
	// run has taken, used to bound revision loops.
	SendBackCount int

	// Token/cost totals are recorded for audit, never enforced here.
	TotalTokensIn  int
	TotalTokensOut int
	TotalCostUSD   float64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewRun creates a run in pending state.
func NewRun(id RunID, logicalKey string, config json.RawMessage, meta RunMetadata) *DiscoveryRun {
	return &DiscoveryRun{
		ID:         id,
		LogicalKey: logicalKey,
		Status:     RunStatusPending,
		Config:     config,
		Metadata:   meta,
		CreatedAt:  time.Now(),
	}
}

// IsTerminal returns true if the run is in a terminal state.
func (r *DiscoveryRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// IsReentry returns true if the run revisits a prior run's output.
func (r *DiscoveryRun) IsReentry() bool {
	return r.ParentRunID != ""
}

// Validate checks run invariants.
func (r *DiscoveryRun) Validate() error {
	if r.ID == "" {
		return ErrValidation("RUN_ID_REQUIRED", "run ID cannot be empty")
	}
	if r.LogicalKey == "" {
		return ErrValidation("LOGICAL_KEY_REQUIRED", "run logical key cannot be empty")
	}
	if !ValidRunStatus(r.Status) {
		return ErrValidation("INVALID_RUN_STATUS", "unknown run status: "+string(r.Status))
	}
	return nil
}

// Duration returns the run's execution duration so far.
func (r *DiscoveryRun) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}
