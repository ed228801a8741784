package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

// StageConfig declares one stage's participants and the artifact schema
// version its output validates against.
type StageConfig struct {
	SchemaVersion int              `yaml:"schema_version"`
	Agents        []core.AgentSpec `yaml:"agents"`
}

// SuiteConfig is the externally-owned stage suite definition: which
// agents each stage dispatches and which schema version it declares.
type SuiteConfig struct {
	Version string                 `yaml:"version"`
	Stages  map[string]StageConfig `yaml:"stages"`
}

// LoadSuite reads a suite definition from a YAML file.
func LoadSuite(path string) (*SuiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite file: %w", err)
	}
	var suite SuiteConfig
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("parsing suite file: %w", err)
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	return &suite, nil
}

// Validate checks that every configured stage is a known stage and
// declares at least one agent and a positive schema version.
func (s *SuiteConfig) Validate() error {
	for name, sc := range s.Stages {
		if !core.ValidStage(core.Stage(name)) {
			return core.ErrValidation(core.CodeInvalidState,
				fmt.Sprintf("unknown stage %q in suite", name))
		}
		if len(sc.Agents) == 0 {
			return core.ErrValidation(core.CodeInvalidState,
				fmt.Sprintf("stage %q declares no agents", name))
		}
		if sc.SchemaVersion < 1 {
			return core.ErrValidation(core.CodeInvalidState,
				fmt.Sprintf("stage %q declares schema version %d", name, sc.SchemaVersion))
		}
	}
	return nil
}

// DefaultSuite returns the built-in suite: one required agent per stage
// under version 1 schemas.
func DefaultSuite() *SuiteConfig {
	stages := make(map[string]StageConfig, len(core.AllStages()))
	for _, stage := range core.AllStages() {
		stages[string(stage)] = StageConfig{
			SchemaVersion: 1,
			Agents:        []core.AgentSpec{{Name: string(stage) + "-agent"}},
		}
	}
	return &SuiteConfig{Version: "1", Stages: stages}
}

// collectionKey names the artifact field each stage's agents contribute
// items into. The review stage produces a single decision document
// rather than a merged collection.
func collectionKey(stage core.Stage) string {
	switch stage {
	case core.StageExploration:
		return "observations"
	case core.StageOpportunity:
		return "opportunities"
	case core.StageValidation:
		return "validated"
	case core.StageFeasibility:
		return "assessments"
	case core.StagePrioritization:
		return "ranked"
	default:
		return ""
	}
}

// SuitePolicy aggregates agent outputs per the suite definition. It is
// the default StagePolicy implementation.
type SuitePolicy struct {
	suite *SuiteConfig
}

// NewSuitePolicy wraps a suite config as a stage policy.
func NewSuitePolicy(suite *SuiteConfig) *SuitePolicy {
	if suite == nil {
		suite = DefaultSuite()
	}
	return &SuitePolicy{suite: suite}
}

// Agents returns the stage's configured participants.
func (p *SuitePolicy) Agents(stage core.Stage) []core.AgentSpec {
	return p.suite.Stages[string(stage)].Agents
}

// SchemaVersion returns the stage's declared artifact schema version.
func (p *SuitePolicy) SchemaVersion(stage core.Stage) int {
	if v := p.suite.Stages[string(stage)].SchemaVersion; v > 0 {
		return v
	}
	return 1
}

// agentEnvelope is the shape every agent output shares: an optional
// send-back directive plus arbitrary artifact fields.
type agentEnvelope struct {
	SendBack *core.SendBackRequest `json:"send_back,omitempty"`
}

// Aggregate merges the completed invocations into a candidate artifact.
// A send-back directive in any agent output short-circuits the merge;
// when several agents request one, the first in dispatch order wins so
// the outcome does not depend on completion timing.
func (p *SuitePolicy) Aggregate(ctx context.Context, stage core.Stage, input json.RawMessage, invocations []*core.AgentInvocation) (*core.StageOutcome, error) {
	completed := make([]*core.AgentInvocation, 0, len(invocations))
	for _, inv := range invocations {
		if inv.Succeeded() && len(inv.Output) > 0 {
			completed = append(completed, inv)
		}
	}
	if len(completed) == 0 {
		return nil, core.ErrExecution(core.CodeAgentFailed,
			fmt.Sprintf("stage %s has no agent output to aggregate", stage))
	}

	for _, inv := range completed {
		var env agentEnvelope
		if err := json.Unmarshal(inv.Output, &env); err != nil {
			return nil, core.ErrExecution(core.CodeAgentFailed,
				fmt.Sprintf("agent %s produced malformed output: %v", inv.AgentName, err))
		}
		if env.SendBack != nil {
			return &core.StageOutcome{SendBack: env.SendBack}, nil
		}
	}

	key := collectionKey(stage)
	if key == "" {
		// Single-document stage: the first completed output is the
		// candidate as-is.
		return &core.StageOutcome{Candidate: completed[0].Output}, nil
	}

	candidate := make(map[string]json.RawMessage)
	tally := NewTally()

	for _, inv := range completed {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(inv.Output, &fields); err != nil {
			return nil, core.ErrExecution(core.CodeAgentFailed,
				fmt.Sprintf("agent %s produced malformed output: %v", inv.AgentName, err))
		}

		for name, value := range fields {
			if name == key || name == "send_back" {
				continue
			}
			if _, exists := candidate[name]; !exists {
				candidate[name] = value
			}
		}

		items, ok := fields[key]
		if !ok {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(items, &list); err != nil {
			return nil, core.ErrExecution(core.CodeAgentFailed,
				fmt.Sprintf("agent %s produced non-array %q field: %v", inv.AgentName, key, err))
		}
		for _, item := range list {
			tally.Admit(inv.AgentName, dedupKey(item), item)
		}
	}

	merged, err := json.Marshal(tally.Findings())
	if err != nil {
		return nil, err
	}
	candidate[key] = merged

	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	return &core.StageOutcome{Candidate: raw}, nil
}

// dedupKey derives the deduplication key for a collection item: its
// "id" field when present, otherwise the item's raw bytes.
func dedupKey(item json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(item, &probe); err == nil && probe.ID != "" {
		return probe.ID
	}
	return string(item)
}
