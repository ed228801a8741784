// Package config defines the engine configuration and its loader.
package config

import (
	"time"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/adapters/agent"
)

// Config is the root configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	State    StateConfig    `mapstructure:"state"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Web      WebConfig      `mapstructure:"web"`

	// SuiteFile points to the stage-suite YAML definition. Empty means
	// the built-in default suite.
	SuiteFile string `mapstructure:"suite_file"`

	// Agents configures the external agent processes available to the
	// stage suite.
	Agents []agent.Config `mapstructure:"agents"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // auto, text, json
}

// StateConfig selects and locates the checkpoint store backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // sqlite, json
	Path    string `mapstructure:"path"`
}

// PipelineConfig tunes the orchestration engine.
type PipelineConfig struct {
	// ConcurrencyLimit bounds parallel agent calls within a stage.
	ConcurrencyLimit int `mapstructure:"concurrency_limit"`

	// MaxRetries bounds retry attempts per agent call.
	MaxRetries int `mapstructure:"max_retries"`

	// MaxSendBacks bounds send-back transitions per run; zero disables
	// the bound.
	MaxSendBacks int `mapstructure:"max_send_backs"`

	// StageTimeout bounds one stage execution end to end.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// WebConfig configures the read-only status API server.
type WebConfig struct {
	Addr string `mapstructure:"addr"`
}
