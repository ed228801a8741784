package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/schemas"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service/discovery"
)

type scriptedAgent struct {
	name   string
	output string
}

func (a *scriptedAgent) Name() string    { return a.name }
func (a *scriptedAgent) Version() string { return "test" }

func (a *scriptedAgent) Call(context.Context, json.RawMessage) (*core.AgentResult, error) {
	return &core.AgentResult{Output: json.RawMessage(a.output)}, nil
}

type scriptedRegistry map[string]core.Agent

func (r scriptedRegistry) Get(name string) (core.Agent, error) {
	a, ok := r[name]
	if !ok {
		return nil, core.ErrNotFound("agent", name)
	}
	return a, nil
}

func (r scriptedRegistry) List() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

// newTestServer wires a server over a manager that has already driven
// one run through the full pipeline.
func newTestServer(t *testing.T) (*Server, core.RunID) {
	t.Helper()

	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	outputs := map[core.Stage]string{
		core.StageExploration:    `{"observations":[{"id":"o1","summary":"x"}]}`,
		core.StageOpportunity:    `{"opportunities":[{"id":"op1","title":"t","problem_statement":"p"}]}`,
		core.StageValidation:     `{"validated":[{"opportunity_id":"op1","verdict":"supported"}]}`,
		core.StageFeasibility:    `{"assessments":[{"opportunity_id":"op1","feasibility":"high","risk":"low"}]}`,
		core.StagePrioritization: `{"ranked":[{"opportunity_id":"op1","rank":1}]}`,
		core.StageReview:         `{"decision":"approved"}`,
	}
	registry := scriptedRegistry{}
	for stage, output := range outputs {
		name := string(stage) + "-agent"
		registry[name] = &scriptedAgent{name: name, output: output}
	}

	retry := service.NewRetryPolicy(
		service.WithMaxAttempts(2),
		service.WithBaseDelay(time.Millisecond),
		service.WithMaxDelay(5*time.Millisecond),
	)
	suite := discovery.DefaultSuite()
	manager := discovery.NewManager(discovery.ManagerConfig{
		Store:         store,
		Scheduler:     discovery.NewScheduler(store, 0, nil),
		Invoker:       discovery.NewInvoker(store, registry, retry, 2, nil),
		Validator:     schemas.NewValidator(),
		Policy:        discovery.NewSuitePolicy(suite),
		Agents:        registry,
		SuiteVersion:  suite.Version,
		EngineVersion: "test",
	})

	ctx := context.Background()
	run, err := manager.Start(ctx, discovery.StartOptions{
		LogicalKey: "repo-a",
		Config:     json.RawMessage(`{"scope":"repo"}`),
	})
	require.NoError(t, err)
	require.NoError(t, manager.Drive(ctx, run.ID))

	return New(DefaultConfig(), manager, nil), run.ID
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ListRuns(t *testing.T) {
	s, runID := newTestServer(t)

	rec := get(t, s, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []struct {
			ID     string `json:"ID"`
			Status string `json:"Status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, string(runID), body.Runs[0].ID)
	assert.Equal(t, "completed", body.Runs[0].Status)
}

func TestServer_GetRun(t *testing.T) {
	s, runID := newTestServer(t)

	rec := get(t, s, "/api/runs/"+string(runID))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot struct {
		Run struct {
			ID string `json:"ID"`
		} `json:"run"`
		Executions []json.RawMessage `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, string(runID), snapshot.Run.ID)
	assert.Len(t, snapshot.Executions, 6)
}

func TestServer_RunHistory(t *testing.T) {
	s, runID := newTestServer(t)

	rec := get(t, s, "/api/runs/"+string(runID)+"/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID       string            `json:"run_id"`
		Executions  []json.RawMessage `json:"executions"`
		Invocations []json.RawMessage `json:"invocations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(runID), body.RunID)
	assert.Len(t, body.Executions, 6)
	assert.Len(t, body.Invocations, 6)
}

func TestServer_UnknownRunIs404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/runs/no-such-run")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["code"])
}
