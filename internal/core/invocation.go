package core

import (
	"encoding/json"
	"time"
)

// InvocationID uniquely identifies an agent invocation.
type InvocationID string

// InvocationStatus represents the state of one external agent call.
type InvocationStatus string

const (
	InvocationStatusPending   InvocationStatus = "pending"
	InvocationStatusRunning   InvocationStatus = "running"
	InvocationStatusCompleted InvocationStatus = "completed"
	InvocationStatusFailed    InvocationStatus = "failed"
)

// IsTerminal reports whether the invocation resolved.
func (s InvocationStatus) IsTerminal() bool {
	return s == InvocationStatusCompleted || s == InvocationStatusFailed
}

// TokenUsage records token and cost consumption for audit.
// Usage is never enforced as a budget by the orchestrator.
type TokenUsage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Add accumulates usage from another sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.CostUSD += other.CostUSD
}

// AgentInvocation is one dispatched external agent call within a stage
// execution. The record is created before the external call begins, so
// a crash mid-call is visible as running on resume rather than silently
// lost. It is immutable once terminal.
type AgentInvocation struct {
	ID          InvocationID
	RunID       RunID
	ExecutionID ExecutionID

	AgentName string

	// Optional marks agents whose failure does not fail the stage.
	Optional bool

	Status     InvocationStatus
	RetryCount int

	// Output and Error are mutually exclusive result payloads.
	Output json.RawMessage
	Error  string

	Usage TokenUsage

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// IsTerminal returns true once the external call resolved.
func (i *AgentInvocation) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// Succeeded returns true if the call completed with output.
func (i *AgentInvocation) Succeeded() bool {
	return i.Status == InvocationStatusCompleted
}
