package core

import (
	"context"
	"encoding/json"
)

// CheckpointStore is the only component allowed to persist state
// transitions. Every mutation of a run, stage execution, or invocation
// flows through one of its operations; no caller may read-modify-write
// a run row around it. That discipline is what makes resume after a
// crash correct: the scheduler asks for the latest stage execution and
// continues, because every prior transition was committed atomically.
type CheckpointStore interface {
	// CreateRun persists a new run in pending state. Creating a run
	// whose logical key already has an active (pending or running) run
	// fails with a conflict error.
	CreateRun(ctx context.Context, run *DiscoveryRun) error

	// GetRun loads a run by ID.
	GetRun(ctx context.Context, id RunID) (*DiscoveryRun, error)

	// ListRuns returns all runs ordered by creation time descending.
	ListRuns(ctx context.Context) ([]*DiscoveryRun, error)

	// CreateStageExecution atomically creates a new attempt for the
	// given run and stage. In one transaction it assigns the next
	// attempt number, rejects the insert with a conflict error if
	// another execution for the run is still active, marks the run
	// running, and sets its current stage. The assigned ID and attempt
	// number are written back onto exec.
	CreateStageExecution(ctx context.Context, exec *StageExecution) error

	// LatestStageExecution returns the run's most recent execution,
	// or nil if no stage has been entered yet.
	LatestStageExecution(ctx context.Context, runID RunID) (*StageExecution, error)

	// ListStageExecutions returns all executions for a run ordered by
	// start time.
	ListStageExecutions(ctx context.Context, runID RunID) ([]*StageExecution, error)

	// CommitCompletion atomically marks the execution completed with
	// its validated artifact and schema version. When final is true the
	// parent run is committed completed in the same transaction.
	CommitCompletion(ctx context.Context, execID ExecutionID, artifact json.RawMessage, schemaVersion int, final bool) error

	// CommitSendBack atomically marks the execution sent_back with the
	// target stage and reason, and increments the run's send-back count.
	// The rejected attempt is preserved unchanged thereafter.
	CommitSendBack(ctx context.Context, execID ExecutionID, target Stage, reason string) error

	// CommitFailure atomically marks the execution failed with the
	// reason and flips the parent run to failed.
	CommitFailure(ctx context.Context, execID ExecutionID, reason string) error

	// CommitRunStopped marks a run stopped. Stopping is a deliberate
	// external request, recorded distinctly from failure.
	CommitRunStopped(ctx context.Context, runID RunID) error

	// CommitRunFailed marks a run failed with a reason appended to its
	// error list, for failures detected outside any active stage
	// execution (for example an exhausted send-back budget).
	CommitRunFailed(ctx context.Context, runID RunID, reason string) error

	// UpdateParticipants records the set of agents a stage attempt
	// dispatched.
	UpdateParticipants(ctx context.Context, execID ExecutionID, agents []string) error

	// CreateInvocation persists a new invocation in pending state
	// before any external call is made.
	CreateInvocation(ctx context.Context, inv *AgentInvocation) error

	// MarkInvocationRunning flips a pending invocation to running just
	// before the external call begins.
	MarkInvocationRunning(ctx context.Context, id InvocationID) error

	// FinalizeInvocation atomically records the terminal result of an
	// invocation: completed with output, or failed with an error.
	FinalizeInvocation(ctx context.Context, id InvocationID, output json.RawMessage, errMsg string, usage TokenUsage, retries int) error

	// ListInvocations returns all invocations for a stage execution.
	ListInvocations(ctx context.Context, execID ExecutionID) ([]*AgentInvocation, error)

	// ListRunInvocations returns all invocations for a run, for
	// run-scoped audit queries.
	ListRunInvocations(ctx context.Context, runID RunID) ([]*AgentInvocation, error)

	// AppendRunError appends a structured record to the run's
	// append-only error list.
	AppendRunError(ctx context.Context, runID RunID, e RunError) error

	// AppendRunWarning appends a structured record to the run's
	// append-only warning list.
	AppendRunWarning(ctx context.Context, runID RunID, w RunWarning) error

	// Close releases the underlying storage.
	Close() error
}

// AgentResult is the structured result of one successful agent call.
type AgentResult struct {
	Output json.RawMessage
	Usage  TokenUsage
}

// Agent is one external autonomous agent. The orchestrator treats
// "invoke an agent and await a structured result" as a black-box call;
// retrying is safe only while no terminal result has been observed.
type Agent interface {
	// Name returns the agent's registered name.
	Name() string

	// Version returns the agent's version string for run metadata.
	Version() string

	// Call dispatches one invocation and blocks until the agent
	// resolves. Errors should be DomainErrors so the invoker can
	// classify transient versus permanent failures.
	Call(ctx context.Context, input json.RawMessage) (*AgentResult, error)
}

// AgentRegistry resolves agents by name.
type AgentRegistry interface {
	// Get returns the agent registered under name.
	Get(name string) (Agent, error)

	// List returns the registered agent names.
	List() []string
}

// AgentSpec names one agent a stage dispatches.
type AgentSpec struct {
	Name string `yaml:"name" json:"name"`

	// Optional agents may fail without failing the stage; their
	// failure is recorded as a run warning.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// SendBackRequest routes the run back to an earlier stage with a reason.
type SendBackRequest struct {
	Target Stage  `json:"target"`
	Reason string `json:"reason"`
}

// StageOutcome is a stage policy's decision once all agents resolved:
// either a candidate checkpoint document, or a send-back.
type StageOutcome struct {
	Candidate json.RawMessage
	SendBack  *SendBackRequest
}

// StagePolicy is the boundary to the stage-suite business logic, which
// is owned by an external collaborator. The orchestrator asks it which
// agents a stage dispatches, which artifact schema version the stage
// declares, and how finished invocations aggregate into an outcome.
type StagePolicy interface {
	// Agents returns the agents participating in a stage.
	Agents(stage Stage) []AgentSpec

	// SchemaVersion returns the artifact schema version the stage
	// declares at validation time.
	SchemaVersion(stage Stage) int

	// Aggregate combines the stage's finished invocations into an
	// outcome. input is the upstream checkpoint artifact (or the run
	// config for the first stage).
	Aggregate(ctx context.Context, stage Stage, input json.RawMessage, invocations []*AgentInvocation) (*StageOutcome, error)
}

// ValidationResult is the verdict of artifact validation. Validation of
// the same candidate against the same schema version is deterministic.
type ValidationResult struct {
	Valid   bool
	Reasons []string
}

// ArtifactValidator validates a stage's proposed output against a
// versioned schema before it may become a checkpoint.
type ArtifactValidator interface {
	Validate(stage Stage, schemaVersion int, candidate json.RawMessage) (*ValidationResult, error)
}
