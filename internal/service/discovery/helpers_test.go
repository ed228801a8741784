package discovery

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/schemas"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service"
)

// fakeAgent scripts one agent's behavior for a test.
type fakeAgent struct {
	name    string
	version string
	call    func(ctx context.Context, input json.RawMessage) (*core.AgentResult, error)
}

func (f *fakeAgent) Name() string { return f.name }

func (f *fakeAgent) Version() string {
	if f.version == "" {
		return "test"
	}
	return f.version
}

func (f *fakeAgent) Call(ctx context.Context, input json.RawMessage) (*core.AgentResult, error) {
	return f.call(ctx, input)
}

// staticAgent always returns the same output.
func staticAgent(name, output string) *fakeAgent {
	return &fakeAgent{
		name: name,
		call: func(context.Context, json.RawMessage) (*core.AgentResult, error) {
			return &core.AgentResult{
				Output: json.RawMessage(output),
				Usage:  core.TokenUsage{TokensIn: 100, TokensOut: 50, CostUSD: 0.001},
			}, nil
		},
	}
}

// fakeRegistry resolves the scripted agents.
type fakeRegistry map[string]core.Agent

func (r fakeRegistry) Get(name string) (core.Agent, error) {
	a, ok := r[name]
	if !ok {
		return nil, core.ErrNotFound("agent", name)
	}
	return a, nil
}

func (r fakeRegistry) List() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

func newTestStore(t *testing.T) core.CheckpointStore {
	t.Helper()
	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store core.CheckpointStore, id, key string) {
	t.Helper()
	run := core.NewRun(core.RunID(id), key, json.RawMessage(`{"scope":"repo"}`), core.RunMetadata{})
	require.NoError(t, store.CreateRun(context.Background(), run))
}

func testRetryPolicy() *service.RetryPolicy {
	return service.NewRetryPolicy(
		service.WithMaxAttempts(3),
		service.WithBaseDelay(time.Millisecond),
		service.WithMaxDelay(5*time.Millisecond),
		service.WithJitter(0),
	)
}

// pipelineOutputs maps each stage to a schema-valid agent output.
var pipelineOutputs = map[core.Stage]string{
	core.StageExploration:    `{"observations":[{"id":"o1","summary":"unused parser module"}]}`,
	core.StageOpportunity:    `{"opportunities":[{"id":"op1","title":"remove parser","problem_statement":"dead code"}]}`,
	core.StageValidation:     `{"validated":[{"opportunity_id":"op1","verdict":"supported"}]}`,
	core.StageFeasibility:    `{"assessments":[{"opportunity_id":"op1","feasibility":"high","risk":"low"}]}`,
	core.StagePrioritization: `{"ranked":[{"opportunity_id":"op1","rank":1}]}`,
	core.StageReview:         `{"decision":"approved","approved_items":["op1"]}`,
}

// newPipelineManager wires a manager whose agents complete the whole
// pipeline with valid artifacts. overrides replaces individual agents.
func newPipelineManager(t *testing.T, store core.CheckpointStore, maxSendBacks int, overrides map[string]core.Agent) *Manager {
	t.Helper()

	registry := fakeRegistry{}
	for stage, output := range pipelineOutputs {
		name := string(stage) + "-agent"
		registry[name] = staticAgent(name, output)
	}
	for name, a := range overrides {
		registry[name] = a
	}

	suite := DefaultSuite()
	return NewManager(ManagerConfig{
		Store:         store,
		Scheduler:     NewScheduler(store, maxSendBacks, nil),
		Invoker:       NewInvoker(store, registry, testRetryPolicy(), 2, nil),
		Validator:     schemas.NewValidator(),
		Policy:        NewSuitePolicy(suite),
		Agents:        registry,
		SuiteVersion:  suite.Version,
		EngineVersion: "test",
	})
}
