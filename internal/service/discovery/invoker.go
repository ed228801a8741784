package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/control"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service"
)

// Invoker dispatches a stage's agent calls with a bounded degree of
// parallelism. Every invocation record is persisted before its external
// call begins, so a crash mid-call is visible as running on resume.
type Invoker struct {
	store       core.CheckpointStore
	agents      core.AgentRegistry
	retry       *service.RetryPolicy
	concurrency int
	logger      *logging.Logger
}

// NewInvoker creates an invoker with the given concurrency bound.
func NewInvoker(store core.CheckpointStore, agents core.AgentRegistry, retry *service.RetryPolicy, concurrency int, logger *logging.Logger) *Invoker {
	if retry == nil {
		retry = service.DefaultRetryPolicy()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Invoker{
		store:       store,
		agents:      agents,
		retry:       retry,
		concurrency: concurrency,
		logger:      logger,
	}
}

// InvokeResult is the aggregate outcome of a stage's agent dispatch.
type InvokeResult struct {
	// Invocations holds the final records for every spec, including
	// ones left pending because a stop arrived before their dispatch.
	Invocations []*core.AgentInvocation

	// RequiredFailed names the non-optional agents whose invocation
	// did not complete.
	RequiredFailed []string

	// OptionalFailed names the optional agents whose invocation failed.
	OptionalFailed []string

	// Stopped is true when a stop signal was observed during dispatch.
	Stopped bool
}

// InvokeAll runs the stage's agents. On a resumed execution, agents
// with an already-completed invocation are not re-dispatched, and
// invocations left running by a crash are finalized as interrupted
// before their agents run again.
func (iv *Invoker) InvokeAll(ctx context.Context, exec *core.StageExecution, specs []core.AgentSpec, input json.RawMessage, stop *control.StopPlane) (*InvokeResult, error) {
	log := iv.logger.WithRun(string(exec.RunID)).WithStage(string(exec.Stage))

	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	if err := iv.store.UpdateParticipants(ctx, exec.ID, names); err != nil {
		return nil, err
	}

	pending, err := iv.reconcile(ctx, exec, specs)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(iv.concurrency)

	for _, inv := range pending {
		inv := inv
		spec := specFor(specs, inv.AgentName)
		// The stop check belongs inside the goroutine: a queued call
		// only acquires a slot after earlier calls finish, and a stop
		// arriving in between must leave it pending.
		g.Go(func() error {
			if stop != nil && stop.IsStopped() {
				return nil
			}
			return iv.dispatch(gctx, inv, spec, input, log)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	final, err := iv.store.ListInvocations(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	res := &InvokeResult{
		Invocations: final,
		Stopped:     stop != nil && stop.IsStopped(),
	}
	byName := latestByAgent(final)
	for _, spec := range specs {
		inv := byName[spec.Name]
		if inv != nil && inv.Succeeded() {
			continue
		}
		if inv != nil && inv.Status == core.InvocationStatusPending {
			// Never dispatched: a stop intervened. Not a failure.
			continue
		}
		if spec.Optional {
			res.OptionalFailed = append(res.OptionalFailed, spec.Name)
		} else {
			res.RequiredFailed = append(res.RequiredFailed, spec.Name)
		}
	}
	return res, nil
}

// reconcile prepares the invocation records to dispatch: it finalizes
// crash-interrupted ones, skips completed ones, and creates pending
// records for everything that still needs to run.
func (iv *Invoker) reconcile(ctx context.Context, exec *core.StageExecution, specs []core.AgentSpec) ([]*core.AgentInvocation, error) {
	existing, err := iv.store.ListInvocations(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	byName := latestByAgent(existing)
	for _, inv := range existing {
		if inv.Status == core.InvocationStatusRunning {
			// Left behind by a crash mid-call. The external result is
			// unknown, so the record is closed out and the agent
			// re-dispatched under a fresh invocation.
			err := iv.store.FinalizeInvocation(ctx, inv.ID, nil,
				"interrupted by restart before the agent resolved", inv.Usage, inv.RetryCount)
			if err != nil {
				return nil, err
			}
			if byName[inv.AgentName] == inv {
				byName[inv.AgentName] = nil
			}
		}
	}

	var pending []*core.AgentInvocation
	for _, spec := range specs {
		cur := byName[spec.Name]
		if cur != nil && cur.Succeeded() {
			continue
		}
		if cur != nil && cur.Status == core.InvocationStatusPending {
			pending = append(pending, cur)
			continue
		}
		inv := &core.AgentInvocation{
			RunID:       exec.RunID,
			ExecutionID: exec.ID,
			AgentName:   spec.Name,
			Optional:    spec.Optional,
		}
		if err := iv.store.CreateInvocation(ctx, inv); err != nil {
			return nil, err
		}
		pending = append(pending, inv)
	}
	return pending, nil
}

// dispatch runs one invocation to a terminal state. Agent failures are
// captured on the record; only store failures propagate as errors.
func (iv *Invoker) dispatch(ctx context.Context, inv *core.AgentInvocation, spec core.AgentSpec, input json.RawMessage, log *logging.Logger) error {
	agent, err := iv.agents.Get(inv.AgentName)
	if err != nil {
		return iv.store.FinalizeInvocation(ctx, inv.ID, nil,
			fmt.Sprintf("agent unavailable: %v", err), core.TokenUsage{}, 0)
	}

	if err := iv.store.MarkInvocationRunning(ctx, inv.ID); err != nil {
		return err
	}

	var (
		result   *core.AgentResult
		attempts int
		usage    core.TokenUsage
	)
	callErr := iv.retry.ExecuteWithNotify(ctx, func(ctx context.Context) error {
		attempts++
		res, err := agent.Call(ctx, input)
		if res != nil {
			usage.Add(res.Usage)
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		log.WithAgent(inv.AgentName).Warn("agent call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
	})

	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}

	if callErr != nil {
		log.WithAgent(inv.AgentName).Warn("agent invocation failed",
			"retries", retries, "error", callErr)
		return iv.store.FinalizeInvocation(ctx, inv.ID, nil, callErr.Error(), usage, retries)
	}

	log.WithAgent(inv.AgentName).Info("agent invocation completed",
		"retries", retries,
		"tokens_in", result.Usage.TokensIn,
		"tokens_out", result.Usage.TokensOut)
	return iv.store.FinalizeInvocation(ctx, inv.ID, result.Output, "", usage, retries)
}

func specFor(specs []core.AgentSpec, name string) core.AgentSpec {
	for _, s := range specs {
		if s.Name == name {
			return s
		}
	}
	return core.AgentSpec{Name: name}
}

// latestByAgent maps agent name to its most recent invocation.
func latestByAgent(invs []*core.AgentInvocation) map[string]*core.AgentInvocation {
	byName := make(map[string]*core.AgentInvocation)
	for _, inv := range invs {
		byName[inv.AgentName] = inv
	}
	return byName
}
