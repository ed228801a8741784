package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.CheckpointStore with SQLite storage.
//
// All invariants are enforced at the transactional boundary: partial
// unique indexes reject a second active stage execution per run and a
// duplicate active run per logical key, and attempt numbers are
// assigned inside the creating transaction.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL for concurrent readers during the scheduling loop's writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// isUniqueViolation detects constraint failures from the sqlite driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateRun persists a new run. A second active run with the same
// logical key fails the partial unique index and surfaces as a conflict.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *core.DiscoveryRun) error {
	if err := run.Validate(); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	errorsJSON, warningsJSON, err := marshalRunLists(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, logical_key, status, current_stage, config, metadata,
			errors, warnings, parent_run_id, send_back_count,
			total_tokens_in, total_tokens_out, total_cost_usd,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(run.ID), run.LogicalKey, string(run.Status),
		nullString(string(run.CurrentStage)), nullString(string(run.Config)),
		string(metaJSON), string(errorsJSON), string(warningsJSON),
		nullString(string(run.ParentRunID)), run.SendBackCount,
		run.TotalTokensIn, run.TotalTokensOut, run.TotalCostUSD,
		run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if isUniqueViolation(err) {
		return core.ErrConflict(core.CodeRunActive,
			fmt.Sprintf("an active run already exists for logical key %q", run.LogicalKey)).WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id core.RunID) (*core.DiscoveryRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", string(id))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("run", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*core.DiscoveryRun, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+" ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*core.DiscoveryRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateStageExecution atomically enters a stage for a run. The attempt
// number is assigned inside the transaction, and the partial unique
// index rejects the insert if another execution is still active.
func (s *SQLiteStore) CreateStageExecution(ctx context.Context, exec *core.StageExecution) error {
	if exec.RunID == "" {
		return core.ErrValidation("EXECUTION_RUN_REQUIRED", "execution run ID cannot be empty")
	}
	if !core.ValidStage(exec.Stage) {
		return core.ErrValidation("INVALID_STAGE", "unknown stage: "+string(exec.Stage))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runStatus string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", string(exec.RunID)).Scan(&runStatus)
	if err == sql.ErrNoRows {
		return core.ErrNotFound("run", string(exec.RunID))
	}
	if err != nil {
		return fmt.Errorf("loading run status: %w", err)
	}
	if core.RunStatus(runStatus).IsTerminal() {
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("cannot enter stage on %s run %s", runStatus, exec.RunID))
	}

	var attempt int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt), 0) + 1 FROM stage_executions
		WHERE run_id = ? AND stage = ?
	`, string(exec.RunID), string(exec.Stage)).Scan(&attempt)
	if err != nil {
		return fmt.Errorf("computing attempt number: %w", err)
	}

	if exec.ID == "" {
		exec.ID = core.ExecutionID(uuid.NewString())
	}
	exec.Attempt = attempt
	exec.Status = core.ExecutionStatusInProgress
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}

	agentsJSON, err := json.Marshal(exec.ParticipatingAgents)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_executions (
			id, run_id, stage, attempt, status, participating_agents,
			artifact, artifact_schema_version, sent_back_from,
			send_back_reason, send_back_target, failure_reason,
			started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(exec.ID), string(exec.RunID), string(exec.Stage), exec.Attempt,
		string(exec.Status), string(agentsJSON),
		nullString(string(exec.Artifact)), exec.ArtifactSchemaVersion,
		nullString(string(exec.SentBackFrom)), nullString(exec.SendBackReason),
		nullString(string(exec.SendBackTarget)), nullString(exec.FailureReason),
		exec.StartedAt, exec.CompletedAt,
	)
	if isUniqueViolation(err) {
		return core.ErrConflict(core.CodeStageConflict,
			fmt.Sprintf("run %s already has an active stage execution", exec.RunID)).WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("inserting stage execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			current_stage = ?,
			started_at = COALESCE(started_at, ?)
		WHERE id = ?
	`, string(core.RunStatusRunning), string(exec.Stage), time.Now(), string(exec.RunID))
	if err != nil {
		return fmt.Errorf("updating run stage: %w", err)
	}

	return tx.Commit()
}

// LatestStageExecution returns the run's most recent execution.
func (s *SQLiteStore) LatestStageExecution(ctx context.Context, runID core.RunID) (*core.StageExecution, error) {
	row := s.db.QueryRowContext(ctx,
		execSelect+" WHERE run_id = ? ORDER BY rowid DESC LIMIT 1", string(runID))
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest execution: %w", err)
	}
	return exec, nil
}

// ListStageExecutions returns a run's executions ordered by start time.
func (s *SQLiteStore) ListStageExecutions(ctx context.Context, runID core.RunID) ([]*core.StageExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		execSelect+" WHERE run_id = ? ORDER BY rowid ASC", string(runID))
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*core.StageExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CommitCompletion marks an active execution completed with its
// validated artifact. When final is true the run completes with it.
func (s *SQLiteStore) CommitCompletion(ctx context.Context, execID core.ExecutionID, artifact json.RawMessage, schemaVersion int, final bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	runID, err := s.finalizeExecution(ctx, tx, execID, `
		UPDATE stage_executions SET
			status = ?, artifact = ?, artifact_schema_version = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		string(core.ExecutionStatusCompleted), nullString(string(artifact)),
		schemaVersion, now, string(execID),
		string(core.ExecutionStatusInProgress), string(core.ExecutionStatusCheckpointReached),
	)
	if err != nil {
		return err
	}

	if final {
		// Guarded on the run still being active: a stop committed by
		// another process must not be overwritten.
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, completed_at = ?
			WHERE id = ? AND status IN (?, ?)
		`, string(core.RunStatusCompleted), now, runID,
			string(core.RunStatusPending), string(core.RunStatusRunning))
		if err != nil {
			return fmt.Errorf("completing run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking update: %w", err)
		}
		if affected == 0 {
			return core.ErrConflict(core.CodeInvalidState,
				fmt.Sprintf("run %s is already terminal", runID))
		}
	}

	return tx.Commit()
}

// CommitSendBack marks an active execution sent_back with the target
// stage and reason, and bumps the run's send-back count.
func (s *SQLiteStore) CommitSendBack(ctx context.Context, execID core.ExecutionID, target core.Stage, reason string) error {
	if !core.ValidStage(target) {
		return core.ErrValidation("INVALID_STAGE", "unknown send-back target: "+string(target))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runID, err := s.finalizeExecution(ctx, tx, execID, `
		UPDATE stage_executions SET
			status = ?, send_back_target = ?, send_back_reason = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		string(core.ExecutionStatusSentBack), string(target), reason, time.Now(),
		string(execID),
		string(core.ExecutionStatusInProgress), string(core.ExecutionStatusCheckpointReached),
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE runs SET send_back_count = send_back_count + 1 WHERE id = ?", runID)
	if err != nil {
		return fmt.Errorf("incrementing send-back count: %w", err)
	}

	return tx.Commit()
}

// CommitFailure marks an active execution failed and flips the run to
// failed in the same transaction.
func (s *SQLiteStore) CommitFailure(ctx context.Context, execID core.ExecutionID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	runID, err := s.finalizeExecution(ctx, tx, execID, `
		UPDATE stage_executions SET
			status = ?, failure_reason = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		string(core.ExecutionStatusFailed), reason, now, string(execID),
		string(core.ExecutionStatusInProgress), string(core.ExecutionStatusCheckpointReached),
	)
	if err != nil {
		return err
	}

	// Guarded on the run still being active: a stop committed by another
	// process must not be overwritten by a late failure.
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(core.RunStatusFailed), now, runID,
		string(core.RunStatusPending), string(core.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failing run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", runID))
	}

	return tx.Commit()
}

// finalizeExecution applies a terminal-status update guarded on the
// execution still being active, and returns the owning run ID.
func (s *SQLiteStore) finalizeExecution(ctx context.Context, tx *sql.Tx, execID core.ExecutionID, query string, args ...interface{}) (string, error) {
	var runID string
	err := tx.QueryRowContext(ctx,
		"SELECT run_id FROM stage_executions WHERE id = ?", string(execID)).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", core.ErrNotFound("stage execution", string(execID))
	}
	if err != nil {
		return "", fmt.Errorf("loading execution: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("updating execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return "", core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("stage execution %s is not active", execID))
	}
	return runID, nil
}

// CommitRunStopped marks a non-terminal run stopped.
func (s *SQLiteStore) CommitRunStopped(ctx context.Context, runID core.RunID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(core.RunStatusStopped), time.Now(), string(runID),
		string(core.RunStatusPending), string(core.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("stopping run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", runID))
	}
	return nil
}

// CommitRunFailed marks a non-terminal run failed with the reason
// appended to its error list in the same transaction.
func (s *SQLiteStore) CommitRunFailed(ctx context.Context, runID core.RunID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(core.RunStatusFailed), time.Now(), string(runID),
		string(core.RunStatusPending), string(core.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failing run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("run %s is already terminal", runID))
	}

	if err := appendListTx(ctx, tx, runID, "errors", core.RunError{
		Code:       core.CodeInvalidState,
		Message:    reason,
		OccurredAt: time.Now(),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateParticipants records the agents a stage attempt dispatched.
func (s *SQLiteStore) UpdateParticipants(ctx context.Context, execID core.ExecutionID, agents []string) error {
	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE stage_executions SET participating_agents = ? WHERE id = ?",
		string(agentsJSON), string(execID))
	if err != nil {
		return fmt.Errorf("updating participants: %w", err)
	}
	return nil
}

// CreateInvocation persists a pending invocation before the external
// call begins.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *core.AgentInvocation) error {
	if inv.ID == "" {
		inv.ID = core.InvocationID(uuid.NewString())
	}
	if inv.Status == "" {
		inv.Status = core.InvocationStatusPending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_invocations (
			id, run_id, execution_id, agent_name, optional, status,
			retry_count, output, error, tokens_in, tokens_out, cost_usd,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(inv.ID), string(inv.RunID), string(inv.ExecutionID),
		inv.AgentName, boolToInt(inv.Optional), string(inv.Status),
		inv.RetryCount, nullString(string(inv.Output)), nullString(inv.Error),
		inv.Usage.TokensIn, inv.Usage.TokensOut, inv.Usage.CostUSD,
		inv.CreatedAt, inv.StartedAt, inv.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

// MarkInvocationRunning flips a pending invocation to running.
func (s *SQLiteStore) MarkInvocationRunning(ctx context.Context, id core.InvocationID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_invocations SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, string(core.InvocationStatusRunning), time.Now(), string(id),
		string(core.InvocationStatusPending))
	if err != nil {
		return fmt.Errorf("marking invocation running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("invocation %s is not pending", id))
	}
	return nil
}

// FinalizeInvocation records the terminal result of an invocation and
// accumulates its token usage onto the run, atomically.
func (s *SQLiteStore) FinalizeInvocation(ctx context.Context, id core.InvocationID, output json.RawMessage, errMsg string, usage core.TokenUsage, retries int) error {
	status := core.InvocationStatusCompleted
	if errMsg != "" {
		status = core.InvocationStatusFailed
		output = nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID string
	err = tx.QueryRowContext(ctx,
		"SELECT run_id FROM agent_invocations WHERE id = ?", string(id)).Scan(&runID)
	if err == sql.ErrNoRows {
		return core.ErrNotFound("invocation", string(id))
	}
	if err != nil {
		return fmt.Errorf("loading invocation: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_invocations SET
			status = ?, output = ?, error = ?, retry_count = ?,
			tokens_in = ?, tokens_out = ?, cost_usd = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		string(status), nullString(string(output)), nullString(errMsg), retries,
		usage.TokensIn, usage.TokensOut, usage.CostUSD, time.Now(),
		string(id),
		string(core.InvocationStatusPending), string(core.InvocationStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finalizing invocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("invocation %s already terminal", id))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			total_tokens_in = total_tokens_in + ?,
			total_tokens_out = total_tokens_out + ?,
			total_cost_usd = total_cost_usd + ?
		WHERE id = ?
	`, usage.TokensIn, usage.TokensOut, usage.CostUSD, runID)
	if err != nil {
		return fmt.Errorf("accumulating run usage: %w", err)
	}

	return tx.Commit()
}

// ListInvocations returns a stage execution's invocations in dispatch order.
func (s *SQLiteStore) ListInvocations(ctx context.Context, execID core.ExecutionID) ([]*core.AgentInvocation, error) {
	return s.queryInvocations(ctx,
		invSelect+" WHERE execution_id = ? ORDER BY rowid ASC", string(execID))
}

// ListRunInvocations returns all invocations for a run in dispatch order.
func (s *SQLiteStore) ListRunInvocations(ctx context.Context, runID core.RunID) ([]*core.AgentInvocation, error) {
	return s.queryInvocations(ctx,
		invSelect+" WHERE run_id = ? ORDER BY rowid ASC", string(runID))
}

func (s *SQLiteStore) queryInvocations(ctx context.Context, query string, args ...interface{}) ([]*core.AgentInvocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invs []*core.AgentInvocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// AppendRunError appends to the run's append-only error list.
func (s *SQLiteStore) AppendRunError(ctx context.Context, runID core.RunID, e core.RunError) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	return s.appendRunRecord(ctx, runID, "errors", e)
}

// AppendRunWarning appends to the run's append-only warning list.
func (s *SQLiteStore) AppendRunWarning(ctx context.Context, runID core.RunID, w core.RunWarning) error {
	if w.OccurredAt.IsZero() {
		w.OccurredAt = time.Now()
	}
	return s.appendRunRecord(ctx, runID, "warnings", w)
}

func (s *SQLiteStore) appendRunRecord(ctx context.Context, runID core.RunID, column string, record interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendListTx(ctx, tx, runID, column, record); err != nil {
		return err
	}
	return tx.Commit()
}

// appendListTx appends a record to one of a run's JSON-list columns
// inside the caller's transaction. column is always one of the fixed
// identifiers "errors" or "warnings", never user input.
func appendListTx(ctx context.Context, tx *sql.Tx, runID core.RunID, column string, record interface{}) error {
	var listJSON string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM runs WHERE id = ?", column), string(runID)).Scan(&listJSON)
	if err == sql.ErrNoRows {
		return core.ErrNotFound("run", string(runID))
	}
	if err != nil {
		return fmt.Errorf("loading run %s: %w", column, err)
	}

	var list []json.RawMessage
	if listJSON != "" {
		if err := json.Unmarshal([]byte(listJSON), &list); err != nil {
			return core.ErrState(core.CodeStateCorrupted,
				fmt.Sprintf("run %s column is not a JSON list", column)).WithCause(err)
		}
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	list = append(list, recordJSON)
	updated, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshaling list: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE runs SET %s = ? WHERE id = ?", column),
		string(updated), string(runID))
	if err != nil {
		return fmt.Errorf("updating run %s: %w", column, err)
	}
	return nil
}

// --- row scanning ---

const runSelect = `
	SELECT id, logical_key, status, current_stage, config, metadata,
		errors, warnings, parent_run_id, send_back_count,
		total_tokens_in, total_tokens_out, total_cost_usd,
		created_at, started_at, completed_at
	FROM runs`

const execSelect = `
	SELECT id, run_id, stage, attempt, status, participating_agents,
		artifact, artifact_schema_version, sent_back_from,
		send_back_reason, send_back_target, failure_reason,
		started_at, completed_at
	FROM stage_executions`

const invSelect = `
	SELECT id, run_id, execution_id, agent_name, optional, status,
		retry_count, output, error, tokens_in, tokens_out, cost_usd,
		created_at, started_at, completed_at
	FROM agent_invocations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*core.DiscoveryRun, error) {
	var (
		run                                   core.DiscoveryRun
		id, status                            string
		currentStage, config, parentRunID    sql.NullString
		metaJSON, errorsJSON, warningsJSON   sql.NullString
		startedAt, completedAt               sql.NullTime
	)

	err := row.Scan(&id, &run.LogicalKey, &status, &currentStage, &config,
		&metaJSON, &errorsJSON, &warningsJSON, &parentRunID,
		&run.SendBackCount, &run.TotalTokensIn, &run.TotalTokensOut,
		&run.TotalCostUSD, &run.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.ID = core.RunID(id)
	run.Status = core.RunStatus(status)
	run.CurrentStage = core.Stage(currentStage.String)
	if config.Valid && config.String != "" {
		run.Config = json.RawMessage(config.String)
	}
	run.ParentRunID = core.RunID(parentRunID.String)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &run.Errors); err != nil {
			return nil, fmt.Errorf("unmarshaling errors: %w", err)
		}
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &run.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshaling warnings: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func scanExecution(row rowScanner) (*core.StageExecution, error) {
	var (
		exec                                       core.StageExecution
		id, runID, stage, status                   string
		agentsJSON                                 string
		artifact, sentBackFrom, sendBackReason     sql.NullString
		sendBackTarget, failureReason              sql.NullString
		completedAt                                sql.NullTime
	)

	err := row.Scan(&id, &runID, &stage, &exec.Attempt, &status, &agentsJSON,
		&artifact, &exec.ArtifactSchemaVersion, &sentBackFrom,
		&sendBackReason, &sendBackTarget, &failureReason,
		&exec.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	exec.ID = core.ExecutionID(id)
	exec.RunID = core.RunID(runID)
	exec.Stage = core.Stage(stage)
	exec.Status = core.ExecutionStatus(status)
	if agentsJSON != "" {
		if err := json.Unmarshal([]byte(agentsJSON), &exec.ParticipatingAgents); err != nil {
			return nil, fmt.Errorf("unmarshaling participants: %w", err)
		}
	}
	if artifact.Valid && artifact.String != "" {
		exec.Artifact = json.RawMessage(artifact.String)
	}
	exec.SentBackFrom = core.Stage(sentBackFrom.String)
	exec.SendBackReason = sendBackReason.String
	exec.SendBackTarget = core.Stage(sendBackTarget.String)
	exec.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}

func scanInvocation(row rowScanner) (*core.AgentInvocation, error) {
	var (
		inv                              core.AgentInvocation
		id, runID, execID, status        string
		optional                         int
		output, errMsg                   sql.NullString
		startedAt, completedAt           sql.NullTime
	)

	err := row.Scan(&id, &runID, &execID, &inv.AgentName, &optional, &status,
		&inv.RetryCount, &output, &errMsg, &inv.Usage.TokensIn,
		&inv.Usage.TokensOut, &inv.Usage.CostUSD, &inv.CreatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	inv.ID = core.InvocationID(id)
	inv.RunID = core.RunID(runID)
	inv.ExecutionID = core.ExecutionID(execID)
	inv.Optional = optional != 0
	inv.Status = core.InvocationStatus(status)
	if output.Valid && output.String != "" {
		inv.Output = json.RawMessage(output.String)
	}
	inv.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		inv.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		inv.CompletedAt = &t
	}
	return &inv, nil
}

func marshalRunLists(run *core.DiscoveryRun) (errorsJSON, warningsJSON []byte, err error) {
	errs := run.Errors
	if errs == nil {
		errs = []core.RunError{}
	}
	warns := run.Warnings
	if warns == nil {
		warns = []core.RunWarning{}
	}
	errorsJSON, err = json.Marshal(errs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling errors: %w", err)
	}
	warningsJSON, err = json.Marshal(warns)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling warnings: %w", err)
	}
	return errorsJSON, warningsJSON, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
