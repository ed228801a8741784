package config

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/adapters/state"
)

// ValidationError aggregates all configuration problems found.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Issues, "; "))
}

// Validate checks the configuration for consistency. All problems are
// reported at once rather than one per invocation.
func Validate(cfg *Config) error {
	var issues []string

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log.level: unknown level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "auto", "text", "json":
	default:
		issues = append(issues, fmt.Sprintf("log.format: unknown format %q", cfg.Log.Format))
	}

	switch cfg.State.Backend {
	case state.BackendSQLite, state.BackendJSON:
	default:
		issues = append(issues, fmt.Sprintf("state.backend: unknown backend %q", cfg.State.Backend))
	}
	if cfg.State.Path == "" {
		issues = append(issues, "state.path: cannot be empty")
	}

	if cfg.Pipeline.ConcurrencyLimit < 1 {
		issues = append(issues, "pipeline.concurrency_limit: must be at least 1")
	}
	if cfg.Pipeline.MaxRetries < 1 {
		issues = append(issues, "pipeline.max_retries: must be at least 1")
	}
	if cfg.Pipeline.MaxSendBacks < 0 {
		issues = append(issues, "pipeline.max_send_backs: cannot be negative")
	}
	if cfg.Pipeline.StageTimeout < 0 {
		issues = append(issues, "pipeline.stage_timeout: cannot be negative")
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Name == "" {
			issues = append(issues, fmt.Sprintf("agents[%d].name: cannot be empty", i))
			continue
		}
		if seen[a.Name] {
			issues = append(issues, fmt.Sprintf("agents[%d].name: duplicate agent %q", i, a.Name))
		}
		seen[a.Name] = true
		if a.Command == "" {
			issues = append(issues, fmt.Sprintf("agents[%d].command: cannot be empty", i))
		}
		if a.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("agents[%d].timeout: cannot be negative", i))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
