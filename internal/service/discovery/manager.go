package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/control"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
)

// Manager is the engine's front door: it creates runs, drives them
// through the pipeline to a terminal state, and answers status and
// stop requests. All state transitions go through the checkpoint
// store; the manager never mutates a run in memory and writes it back.
type Manager struct {
	store     core.CheckpointStore
	scheduler *Scheduler
	invoker   *Invoker
	validator core.ArtifactValidator
	policy    core.StagePolicy
	agents    core.AgentRegistry
	active    *ActiveRegistry
	logger    *logging.Logger

	stageTimeout time.Duration

	suiteVersion  string
	engineVersion string
}

// ManagerConfig carries the manager's construction parameters.
type ManagerConfig struct {
	Store     core.CheckpointStore
	Scheduler *Scheduler
	Invoker   *Invoker
	Validator core.ArtifactValidator
	Policy    core.StagePolicy
	Agents    core.AgentRegistry
	Logger    *logging.Logger

	// StageTimeout bounds one stage execution's agent dispatch end to
	// end; zero disables the bound.
	StageTimeout time.Duration

	SuiteVersion  string
	EngineVersion string
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:         cfg.Store,
		scheduler:     cfg.Scheduler,
		invoker:       cfg.Invoker,
		validator:     cfg.Validator,
		policy:        cfg.Policy,
		agents:        cfg.Agents,
		active:        NewActiveRegistry(256, 24*time.Hour),
		logger:        logger,
		stageTimeout:  cfg.StageTimeout,
		suiteVersion:  cfg.SuiteVersion,
		engineVersion: cfg.EngineVersion,
	}
}

// StartOptions parameterize run creation.
type StartOptions struct {
	// LogicalKey identifies the unit of work. At most one non-terminal
	// run per logical key may exist.
	LogicalKey string

	// Config is the immutable creation-time input, stored verbatim.
	Config json.RawMessage

	// InputSnapshotRef references the frozen input snapshot the run
	// consumed, recorded for reproducibility.
	InputSnapshotRef string

	// ParentRunID, when set, marks this run as a re-entry revisiting a
	// terminal prior run's output.
	ParentRunID core.RunID
}

// Start creates a run in pending state. Creation captures the agent and
// suite versions in effect, so the run's provenance survives later
// upgrades. A duplicate start for an active logical key is rejected by
// the store.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*core.DiscoveryRun, error) {
	if opts.LogicalKey == "" {
		return nil, core.ErrValidation("LOGICAL_KEY_REQUIRED", "a logical key is required to start a run")
	}

	if opts.ParentRunID != "" {
		parent, err := m.store.GetRun(ctx, opts.ParentRunID)
		if err != nil {
			return nil, err
		}
		if !parent.IsTerminal() {
			return nil, core.ErrConflict(core.CodeRunActive,
				fmt.Sprintf("parent run %s has not reached a terminal state", opts.ParentRunID))
		}
	}

	meta := core.RunMetadata{
		AgentVersions:    m.agentVersions(),
		SuiteVersion:     m.suiteVersion,
		InputSnapshotRef: opts.InputSnapshotRef,
		EngineVersion:    m.engineVersion,
	}

	run := core.NewRun(core.RunID(uuid.NewString()), opts.LogicalKey, opts.Config, meta)
	run.ParentRunID = opts.ParentRunID
	if err := run.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	m.logger.WithRun(string(run.ID)).Info("run created",
		"logical_key", run.LogicalKey, "reentry", run.IsReentry())
	return run, nil
}

// Drive advances a run until it reaches a terminal state, resuming from
// whatever the store recorded. It is the only long-running loop in the
// engine; a second Drive for the same run is rejected by the store's
// active-stage invariant as soon as both try to enter a stage.
func (m *Manager) Drive(ctx context.Context, runID core.RunID) error {
	plane := control.New()
	m.active.Register(runID, plane)
	defer m.active.Deregister(runID)

	log := m.logger.WithRun(string(runID))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		action, err := m.scheduler.Advance(ctx, runID, plane)
		if err != nil {
			return err
		}

		switch action.Kind {
		case ActionEnterStage, ActionResumeStage, ActionSendBack:
			if err := m.runStage(ctx, action.Execution, plane); err != nil {
				return err
			}

		case ActionComplete:
			log.Info("run completed")
			return nil
		case ActionStopped:
			log.Info("run stopped")
			return nil
		case ActionFail:
			log.Warn("run failed", "reason", action.Reason)
			return nil

		default:
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("unknown scheduler action %q", action.Kind))
		}
	}
}

// runStage drives one stage execution to a commit: completion,
// send-back, failure, or a stop that leaves it for a later resume.
func (m *Manager) runStage(ctx context.Context, exec *core.StageExecution, plane *control.StopPlane) error {
	log := m.logger.WithRun(string(exec.RunID)).WithStage(string(exec.Stage))

	run, err := m.store.GetRun(ctx, exec.RunID)
	if err != nil {
		return err
	}

	specs := m.policy.Agents(exec.Stage)
	if len(specs) == 0 {
		return m.failStage(ctx, exec, core.CodeAgentUnavailable,
			fmt.Sprintf("no agents configured for stage %s", exec.Stage))
	}

	input, err := m.buildInput(ctx, run, exec)
	if err != nil {
		return err
	}

	invokeCtx := ctx
	if m.stageTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, m.stageTimeout)
		defer cancel()
	}

	result, err := m.invoker.InvokeAll(invokeCtx, exec, specs, input, plane)
	if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return m.failStage(ctx, exec, core.CodeStageTimeout,
			fmt.Sprintf("stage did not finish within %s", m.stageTimeout))
	}
	if err != nil {
		return err
	}

	for _, name := range result.OptionalFailed {
		warn := core.RunWarning{
			Stage:      exec.Stage,
			Code:       core.CodeAgentFailed,
			Message:    fmt.Sprintf("optional agent %s failed", name),
			OccurredAt: time.Now(),
		}
		if err := m.store.AppendRunWarning(ctx, exec.RunID, warn); err != nil {
			return err
		}
	}

	if result.Stopped {
		// The execution stays active; the scheduler observes the stop at
		// the next boundary and commits the run stopped.
		log.Info("stage interrupted by stop request")
		return nil
	}

	if len(result.RequiredFailed) > 0 {
		return m.failStage(ctx, exec, core.CodeAgentFailed,
			fmt.Sprintf("required agents failed: %s", strings.Join(result.RequiredFailed, ", ")))
	}

	outcome, err := m.policy.Aggregate(ctx, exec.Stage, input, result.Invocations)
	if err != nil {
		return m.failStage(ctx, exec, core.CodeAgentFailed,
			fmt.Sprintf("aggregation failed: %v", err))
	}

	if outcome.SendBack != nil {
		target := outcome.SendBack.Target
		if !core.CanSendBack(exec.Stage, target) {
			return m.failStage(ctx, exec, core.CodeSendBackRejected,
				fmt.Sprintf("stage %s cannot send back to %q", exec.Stage, target))
		}
		log.Info("stage requested send-back",
			"target", target, "reason", outcome.SendBack.Reason)
		return m.store.CommitSendBack(ctx, exec.ID, target, outcome.SendBack.Reason)
	}

	version := m.policy.SchemaVersion(exec.Stage)
	verdict, err := m.validator.Validate(exec.Stage, version, outcome.Candidate)
	if err != nil {
		return err
	}
	if !verdict.Valid {
		return m.failStage(ctx, exec, core.CodeArtifactInvalid,
			fmt.Sprintf("artifact rejected by schema v%d: %s", version, strings.Join(verdict.Reasons, "; ")))
	}

	final := exec.Stage == core.FinalStage()
	if err := m.store.CommitCompletion(ctx, exec.ID, outcome.Candidate, version, final); err != nil {
		return err
	}
	log.Info("stage checkpoint committed", "attempt", exec.Attempt, "final", final)
	return nil
}

// failStage records the failure on the run's error list and commits the
// execution (and run) failed.
func (m *Manager) failStage(ctx context.Context, exec *core.StageExecution, code, reason string) error {
	e := core.RunError{
		Stage:      exec.Stage,
		Code:       code,
		Message:    reason,
		OccurredAt: time.Now(),
	}
	if err := m.store.AppendRunError(ctx, exec.RunID, e); err != nil {
		return err
	}
	m.logger.WithRun(string(exec.RunID)).WithStage(string(exec.Stage)).
		Warn("stage failed", "code", code, "reason", reason)
	return m.store.CommitFailure(ctx, exec.ID, reason)
}

// stageInput is the envelope handed to every agent of a stage.
type stageInput struct {
	Stage   string          `json:"stage"`
	Attempt int             `json:"attempt"`
	Config  json.RawMessage `json:"config,omitempty"`

	// Upstream is the checkpoint artifact of the nearest earlier
	// completed stage. Absent on the first stage.
	Upstream json.RawMessage `json:"upstream,omitempty"`

	// Send-back context, present only on attempts created by a
	// send-back, so agents can address the rejection.
	SentBackFrom   string `json:"sent_back_from,omitempty"`
	SendBackReason string `json:"send_back_reason,omitempty"`

	// ParentRunID marks re-entry runs revisiting prior output.
	ParentRunID string `json:"parent_run_id,omitempty"`
}

// buildInput assembles the agent input envelope: the run config, the
// upstream checkpoint, and any send-back context on this attempt.
func (m *Manager) buildInput(ctx context.Context, run *core.DiscoveryRun, exec *core.StageExecution) (json.RawMessage, error) {
	in := stageInput{
		Stage:          string(exec.Stage),
		Attempt:        exec.Attempt,
		Config:         run.Config,
		SentBackFrom:   string(exec.SentBackFrom),
		SendBackReason: exec.SendBackReason,
		ParentRunID:    string(run.ParentRunID),
	}

	if exec.Stage != core.FirstStage() {
		upstream, err := m.latestUpstreamArtifact(ctx, run.ID, exec.Stage)
		if err != nil {
			return nil, err
		}
		in.Upstream = upstream
	}

	return json.Marshal(in)
}

// latestUpstreamArtifact returns the artifact of the most recent
// completed execution of the stage directly before the given one.
func (m *Manager) latestUpstreamArtifact(ctx context.Context, runID core.RunID, stage core.Stage) (json.RawMessage, error) {
	prev := core.PrevStage(stage)
	if prev == "" {
		return nil, nil
	}
	execs, err := m.store.ListStageExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(execs) - 1; i >= 0; i-- {
		e := execs[i]
		if e.Stage == prev && e.Status == core.ExecutionStatusCompleted {
			return e.Artifact, nil
		}
	}
	return nil, core.ErrState(core.CodeStateCorrupted,
		fmt.Sprintf("run %s entered %s without a completed %s checkpoint", runID, stage, prev))
}

// Stop requests a cooperative stop. A run driven by this process gets
// its stop plane flipped and finishes at the next safe boundary; a
// pending run not being driven is committed stopped directly.
func (m *Manager) Stop(ctx context.Context, runID core.RunID) error {
	if plane := m.active.Lookup(runID); plane != nil {
		plane.Stop()
		m.logger.WithRun(string(runID)).Info("stop requested")
		return nil
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already %s", runID, run.Status))
	}
	return m.store.CommitRunStopped(ctx, runID)
}

// RunSnapshot is a read-only view of a run and its history.
type RunSnapshot struct {
	Run         *core.DiscoveryRun      `json:"run"`
	Executions  []*core.StageExecution  `json:"executions"`
	Invocations []*core.AgentInvocation `json:"invocations,omitempty"`
}

// Status returns the run with its full execution history.
func (m *Manager) Status(ctx context.Context, runID core.RunID) (*RunSnapshot, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	execs, err := m.store.ListStageExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	invs, err := m.store.ListRunInvocations(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, Executions: execs, Invocations: invs}, nil
}

// List returns all runs, newest first.
func (m *Manager) List(ctx context.Context) ([]*core.DiscoveryRun, error) {
	return m.store.ListRuns(ctx)
}

func (m *Manager) agentVersions() map[string]string {
	versions := make(map[string]string)
	for _, name := range m.agents.List() {
		agent, err := m.agents.Get(name)
		if err != nil {
			continue
		}
		versions[name] = agent.Version()
	}
	return versions
}
