package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

// JSONStore implements core.CheckpointStore with a single JSON snapshot
// file. Every commit rewrites the snapshot atomically (write to a temp
// file, fsync, rename), so a crash mid-commit leaves the previous
// snapshot intact. A process-wide mutex serializes commits, which gives
// the same linearizable-per-run guarantee the SQLite backend gets from
// transactions.
//
// Commits mutate a clone of the in-memory snapshot and swap it in only
// after the file write succeeds, so a failed flush never leaves the
// store serving a transition that was not made durable.
//
// Intended for small single-process deployments and tests; SQLite is
// the default backend.
type JSONStore struct {
	path string

	mu   sync.Mutex
	data *jsonSnapshot
}

type jsonSnapshot struct {
	Version     int                     `json:"version"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Runs        []*core.DiscoveryRun    `json:"runs"`
	Executions  []*core.StageExecution  `json:"executions"`
	Invocations []*core.AgentInvocation `json:"invocations"`
}

// clone copies the snapshot deeply enough that mutating the copy never
// reaches records the current snapshot still serves.
func (snap *jsonSnapshot) clone() *jsonSnapshot {
	next := &jsonSnapshot{
		Version:     snap.Version,
		UpdatedAt:   snap.UpdatedAt,
		Runs:        make([]*core.DiscoveryRun, len(snap.Runs)),
		Executions:  make([]*core.StageExecution, len(snap.Executions)),
		Invocations: make([]*core.AgentInvocation, len(snap.Invocations)),
	}
	for i, r := range snap.Runs {
		c := *r
		c.Errors = append([]core.RunError(nil), r.Errors...)
		c.Warnings = append([]core.RunWarning(nil), r.Warnings...)
		next.Runs[i] = &c
	}
	for i, e := range snap.Executions {
		c := *e
		c.ParticipatingAgents = append([]string(nil), e.ParticipatingAgents...)
		next.Executions[i] = &c
	}
	for i, inv := range snap.Invocations {
		c := *inv
		next.Invocations[i] = &c
	}
	return next
}

func (snap *jsonSnapshot) findRun(id core.RunID) *core.DiscoveryRun {
	for _, r := range snap.Runs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (snap *jsonSnapshot) findExecution(id core.ExecutionID) *core.StageExecution {
	for _, e := range snap.Executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (snap *jsonSnapshot) findInvocation(id core.InvocationID) *core.AgentInvocation {
	for _, i := range snap.Invocations {
		if i.ID == id {
			return i
		}
	}
	return nil
}

func (snap *jsonSnapshot) activeExecution(runID core.RunID) *core.StageExecution {
	for _, e := range snap.Executions {
		if e.RunID == runID && e.IsActive() {
			return e
		}
	}
	return nil
}

// NewJSONStore opens (or creates) the snapshot file at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		data: &jsonSnapshot{Version: 1},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; every commit is already durable.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	var snap jsonSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "snapshot file is not valid JSON").WithCause(err)
	}
	s.data = &snap
	return nil
}

// commit writes next atomically and swaps it in on success. Must be
// called with mu held; on error the served snapshot is unchanged.
func (s *JSONStore) commit(next *jsonSnapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	next.UpdatedAt = time.Now()
	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := renameio.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	s.data = next
	return nil
}

// CreateRun persists a new run, rejecting a duplicate active logical key.
func (s *JSONStore) CreateRun(_ context.Context, run *core.DiscoveryRun) error {
	if err := run.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.data.Runs {
		if r.ID == run.ID {
			return core.ErrConflict(core.CodeRunActive,
				fmt.Sprintf("run %s already exists", run.ID))
		}
		if r.LogicalKey == run.LogicalKey && !r.IsTerminal() {
			return core.ErrConflict(core.CodeRunActive,
				fmt.Sprintf("an active run already exists for logical key %q", run.LogicalKey))
		}
	}

	next := s.data.clone()
	clone := *run
	next.Runs = append(next.Runs, &clone)
	return s.commit(next)
}

// GetRun loads a run by ID.
func (s *JSONStore) GetRun(_ context.Context, id core.RunID) (*core.DiscoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.data.findRun(id)
	if run == nil {
		return nil, core.ErrNotFound("run", string(id))
	}
	clone := *run
	return &clone, nil
}

// ListRuns returns all runs, newest first.
func (s *JSONStore) ListRuns(_ context.Context) ([]*core.DiscoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*core.DiscoveryRun, 0, len(s.data.Runs))
	for _, r := range s.data.Runs {
		clone := *r
		runs = append(runs, &clone)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// CreateStageExecution enters a stage, enforcing the single-active-stage
// invariant and assigning the next attempt number under the store mutex.
func (s *JSONStore) CreateStageExecution(_ context.Context, exec *core.StageExecution) error {
	if exec.RunID == "" {
		return core.ErrValidation("EXECUTION_RUN_REQUIRED", "execution run ID cannot be empty")
	}
	if !core.ValidStage(exec.Stage) {
		return core.ErrValidation("INVALID_STAGE", "unknown stage: "+string(exec.Stage))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()

	run := next.findRun(exec.RunID)
	if run == nil {
		return core.ErrNotFound("run", string(exec.RunID))
	}
	if run.IsTerminal() {
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("cannot enter stage on %s run %s", run.Status, run.ID))
	}
	if active := next.activeExecution(exec.RunID); active != nil {
		return core.ErrConflict(core.CodeStageConflict,
			fmt.Sprintf("run %s already has an active stage execution", exec.RunID))
	}

	attempt := 0
	for _, e := range next.Executions {
		if e.RunID == exec.RunID && e.Stage == exec.Stage && e.Attempt > attempt {
			attempt = e.Attempt
		}
	}

	if exec.ID == "" {
		exec.ID = core.ExecutionID(uuid.NewString())
	}
	exec.Attempt = attempt + 1
	exec.Status = core.ExecutionStatusInProgress
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}

	clone := *exec
	next.Executions = append(next.Executions, &clone)

	run.Status = core.RunStatusRunning
	run.CurrentStage = exec.Stage
	if run.StartedAt == nil {
		now := time.Now()
		run.StartedAt = &now
	}

	return s.commit(next)
}

// LatestStageExecution returns the run's most recent execution.
func (s *JSONStore) LatestStageExecution(_ context.Context, runID core.RunID) (*core.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *core.StageExecution
	for _, e := range s.data.Executions {
		if e.RunID == runID {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// ListStageExecutions returns a run's executions in creation order.
func (s *JSONStore) ListStageExecutions(_ context.Context, runID core.RunID) ([]*core.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var execs []*core.StageExecution
	for _, e := range s.data.Executions {
		if e.RunID == runID {
			clone := *e
			execs = append(execs, &clone)
		}
	}
	return execs, nil
}

func finalizeInSnapshot(snap *jsonSnapshot, execID core.ExecutionID) (*core.StageExecution, *core.DiscoveryRun, error) {
	exec := snap.findExecution(execID)
	if exec == nil {
		return nil, nil, core.ErrNotFound("stage execution", string(execID))
	}
	if !exec.IsActive() {
		return nil, nil, core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("stage execution %s is not active", execID))
	}
	run := snap.findRun(exec.RunID)
	if run == nil {
		return nil, nil, core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("execution %s references missing run %s", execID, exec.RunID))
	}
	return exec, run, nil
}

// CommitCompletion marks an active execution completed with its artifact.
func (s *JSONStore) CommitCompletion(_ context.Context, execID core.ExecutionID, artifact json.RawMessage, schemaVersion int, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	exec, run, err := finalizeInSnapshot(next, execID)
	if err != nil {
		return err
	}

	// A stop committed by another process must not be overwritten.
	if final && run.IsTerminal() {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", run.ID))
	}

	now := time.Now()
	exec.Status = core.ExecutionStatusCompleted
	exec.Artifact = artifact
	exec.ArtifactSchemaVersion = schemaVersion
	exec.CompletedAt = &now

	if final {
		run.Status = core.RunStatusCompleted
		run.CompletedAt = &now
	}

	return s.commit(next)
}

// CommitSendBack marks an active execution sent_back.
func (s *JSONStore) CommitSendBack(_ context.Context, execID core.ExecutionID, target core.Stage, reason string) error {
	if !core.ValidStage(target) {
		return core.ErrValidation("INVALID_STAGE", "unknown send-back target: "+string(target))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	exec, run, err := finalizeInSnapshot(next, execID)
	if err != nil {
		return err
	}

	now := time.Now()
	exec.Status = core.ExecutionStatusSentBack
	exec.SendBackTarget = target
	exec.SendBackReason = reason
	exec.CompletedAt = &now
	run.SendBackCount++

	return s.commit(next)
}

// CommitFailure marks an active execution failed and fails the run.
func (s *JSONStore) CommitFailure(_ context.Context, execID core.ExecutionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	exec, run, err := finalizeInSnapshot(next, execID)
	if err != nil {
		return err
	}

	// A stop committed by another process must not be overwritten by a
	// late failure.
	if run.IsTerminal() {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", run.ID))
	}

	now := time.Now()
	exec.Status = core.ExecutionStatusFailed
	exec.FailureReason = reason
	exec.CompletedAt = &now
	run.Status = core.RunStatusFailed
	run.CompletedAt = &now

	return s.commit(next)
}

// CommitRunStopped marks a non-terminal run stopped.
func (s *JSONStore) CommitRunStopped(_ context.Context, runID core.RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	run := next.findRun(runID)
	if run == nil {
		return core.ErrNotFound("run", string(runID))
	}
	if run.IsTerminal() {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", runID))
	}

	now := time.Now()
	run.Status = core.RunStatusStopped
	run.CompletedAt = &now

	return s.commit(next)
}

// CommitRunFailed marks a non-terminal run failed with the reason
// recorded in its error list.
func (s *JSONStore) CommitRunFailed(_ context.Context, runID core.RunID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	run := next.findRun(runID)
	if run == nil {
		return core.ErrNotFound("run", string(runID))
	}
	if run.IsTerminal() {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", runID))
	}

	now := time.Now()
	run.Status = core.RunStatusFailed
	run.CompletedAt = &now
	run.Errors = append(run.Errors, core.RunError{
		Code:       core.CodeInvalidState,
		Message:    reason,
		OccurredAt: now,
	})

	return s.commit(next)
}

// UpdateParticipants records the agents a stage attempt dispatched.
func (s *JSONStore) UpdateParticipants(_ context.Context, execID core.ExecutionID, agents []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	exec := next.findExecution(execID)
	if exec == nil {
		return core.ErrNotFound("stage execution", string(execID))
	}
	exec.ParticipatingAgents = append([]string(nil), agents...)
	return s.commit(next)
}

// CreateInvocation persists a pending invocation.
func (s *JSONStore) CreateInvocation(_ context.Context, inv *core.AgentInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == "" {
		inv.ID = core.InvocationID(uuid.NewString())
	}
	if inv.Status == "" {
		inv.Status = core.InvocationStatusPending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	next := s.data.clone()
	clone := *inv
	next.Invocations = append(next.Invocations, &clone)
	return s.commit(next)
}

// MarkInvocationRunning flips a pending invocation to running.
func (s *JSONStore) MarkInvocationRunning(_ context.Context, id core.InvocationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	inv := next.findInvocation(id)
	if inv == nil {
		return core.ErrNotFound("invocation", string(id))
	}
	if inv.Status != core.InvocationStatusPending {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("invocation %s is not pending", id))
	}

	now := time.Now()
	inv.Status = core.InvocationStatusRunning
	inv.StartedAt = &now
	return s.commit(next)
}

// FinalizeInvocation records an invocation's terminal result and adds
// its usage to the run totals.
func (s *JSONStore) FinalizeInvocation(_ context.Context, id core.InvocationID, output json.RawMessage, errMsg string, usage core.TokenUsage, retries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	inv := next.findInvocation(id)
	if inv == nil {
		return core.ErrNotFound("invocation", string(id))
	}
	if inv.IsTerminal() {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("invocation %s already terminal", id))
	}

	now := time.Now()
	if errMsg != "" {
		inv.Status = core.InvocationStatusFailed
		inv.Error = errMsg
		inv.Output = nil
	} else {
		inv.Status = core.InvocationStatusCompleted
		inv.Output = output
	}
	inv.RetryCount = retries
	inv.Usage = usage
	inv.CompletedAt = &now

	if run := next.findRun(inv.RunID); run != nil {
		run.TotalTokensIn += usage.TokensIn
		run.TotalTokensOut += usage.TokensOut
		run.TotalCostUSD += usage.CostUSD
	}

	return s.commit(next)
}

// ListInvocations returns a stage execution's invocations in dispatch order.
func (s *JSONStore) ListInvocations(_ context.Context, execID core.ExecutionID) ([]*core.AgentInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invs []*core.AgentInvocation
	for _, i := range s.data.Invocations {
		if i.ExecutionID == execID {
			clone := *i
			invs = append(invs, &clone)
		}
	}
	return invs, nil
}

// ListRunInvocations returns all invocations for a run in dispatch order.
func (s *JSONStore) ListRunInvocations(_ context.Context, runID core.RunID) ([]*core.AgentInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invs []*core.AgentInvocation
	for _, i := range s.data.Invocations {
		if i.RunID == runID {
			clone := *i
			invs = append(invs, &clone)
		}
	}
	return invs, nil
}

// AppendRunError appends to the run's append-only error list.
func (s *JSONStore) AppendRunError(_ context.Context, runID core.RunID, e core.RunError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	run := next.findRun(runID)
	if run == nil {
		return core.ErrNotFound("run", string(runID))
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	run.Errors = append(run.Errors, e)
	return s.commit(next)
}

// AppendRunWarning appends to the run's append-only warning list.
func (s *JSONStore) AppendRunWarning(_ context.Context, runID core.RunID, w core.RunWarning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	run := next.findRun(runID)
	if run == nil {
		return core.ErrNotFound("run", string(runID))
	}
	if w.OccurredAt.IsZero() {
		w.OccurredAt = time.Now()
	}
	run.Warnings = append(run.Warnings, w)
	return s.commit(next)
}
