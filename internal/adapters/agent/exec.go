// Package agent adapts external agent processes to the engine's Agent
// port. Agents are subprocesses speaking JSON over stdin/stdout: the
// stage input envelope goes in, a single result document comes out.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
)

// Config holds one exec agent's launch parameters.
type Config struct {
	Name    string            `yaml:"name" mapstructure:"name"`
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Version string            `yaml:"version" mapstructure:"version"`
	Timeout time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	WorkDir string            `yaml:"work_dir" mapstructure:"work_dir"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
}

// DefaultTimeout bounds a single agent call when the config does not.
const DefaultTimeout = 30 * time.Minute

// ExecAgent invokes one external agent binary per call.
type ExecAgent struct {
	cfg    Config
	logger *logging.Logger
}

// NewExecAgent creates an exec-backed agent.
func NewExecAgent(cfg Config, logger *logging.Logger) (*ExecAgent, error) {
	if cfg.Name == "" {
		return nil, core.ErrValidation("AGENT_NAME_REQUIRED", "agent name cannot be empty")
	}
	if cfg.Command == "" {
		return nil, core.ErrValidation("AGENT_COMMAND_REQUIRED",
			fmt.Sprintf("agent %s has no command configured", cfg.Name))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ExecAgent{cfg: cfg, logger: logger}, nil
}

// Name returns the agent's registered name.
func (a *ExecAgent) Name() string { return a.cfg.Name }

// Version returns the configured agent version for run metadata.
func (a *ExecAgent) Version() string {
	if a.cfg.Version == "" {
		return "unknown"
	}
	return a.cfg.Version
}

// resultEnvelope is the wire format agents write to stdout.
type resultEnvelope struct {
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error,omitempty"`
	TokensIn  int             `json:"tokens_in,omitempty"`
	TokensOut int             `json:"tokens_out,omitempty"`
	CostUSD   float64         `json:"cost_usd,omitempty"`
}

// Call runs the agent binary once: input envelope on stdin, result
// envelope on stdout. Failures surface as domain errors so the invoker
// can classify them for retry.
func (a *ExecAgent) Call(ctx context.Context, input json.RawMessage) (*core.AgentResult, error) {
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Multi-word commands ("python3 agent.py") are split so the first
	// word is the binary.
	parts := strings.Fields(a.cfg.Command)
	args := append(parts[1:], a.cfg.Args...)

	// #nosec G204 -- command path and args come from validated config
	cmd := exec.CommandContext(ctx, parts[0], args...)
	if a.cfg.WorkDir != "" {
		cmd.Dir = a.cfg.WorkDir
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "DISCOVERY_MANAGED=true", "DISCOVERY_AGENT="+a.cfg.Name)
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	a.logger.WithAgent(a.cfg.Name).Debug("invoking agent process",
		"command", a.cfg.Command, "timeout", timeout, "input_bytes", len(input))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, core.ErrTimeout(
			fmt.Sprintf("agent %s exceeded %s timeout", a.cfg.Name, timeout))
	}
	// Everything past this point is a terminal result the process already
	// produced; retrying would re-run a call whose outcome was observed,
	// so these errors are marked permanent. Only the timeout above and a
	// process that never started stay retryable.
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, core.ErrExecution(core.CodeAgentFailed,
				fmt.Sprintf("agent %s exited with code %d after %s: %s",
					a.cfg.Name, exitErr.ExitCode(), elapsed.Round(time.Millisecond),
					truncate(stderr.String(), 500))).Permanent()
		}
		return nil, core.ErrExecution(core.CodeAgentUnavailable,
			fmt.Sprintf("agent %s could not be started: %v", a.cfg.Name, err))
	}

	var env resultEnvelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return nil, core.ErrExecution(core.CodeAgentFailed,
			fmt.Sprintf("agent %s wrote malformed result: %v", a.cfg.Name, err)).Permanent()
	}
	usage := core.TokenUsage{
		TokensIn:  env.TokensIn,
		TokensOut: env.TokensOut,
		CostUSD:   env.CostUSD,
	}
	if env.Error != "" {
		return &core.AgentResult{Usage: usage}, core.ErrExecution(core.CodeAgentFailed,
			fmt.Sprintf("agent %s reported: %s", a.cfg.Name, env.Error)).Permanent()
	}
	if len(env.Output) == 0 {
		return nil, core.ErrExecution(core.CodeAgentFailed,
			fmt.Sprintf("agent %s returned no output", a.cfg.Name)).Permanent()
	}

	return &core.AgentResult{Output: env.Output, Usage: usage}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}
