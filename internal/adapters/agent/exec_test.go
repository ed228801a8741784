package agent

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

func shAgent(t *testing.T, name, script string, timeout time.Duration) *ExecAgent {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec agent tests use sh")
	}
	a, err := NewExecAgent(Config{
		Name:    name,
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: timeout,
	}, nil)
	require.NoError(t, err)
	return a
}

func TestExecAgent_SuccessfulCall(t *testing.T) {
	a := shAgent(t, "echoer",
		`cat > /dev/null; printf '{"output":{"observations":[]},"tokens_in":12,"tokens_out":7,"cost_usd":0.002}'`, 0)

	res, err := a.Call(context.Background(), json.RawMessage(`{"stage":"exploration"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"observations":[]}`, string(res.Output))
	assert.Equal(t, 12, res.Usage.TokensIn)
	assert.Equal(t, 7, res.Usage.TokensOut)
	assert.InDelta(t, 0.002, res.Usage.CostUSD, 1e-9)
}

func TestExecAgent_ReceivesInputOnStdin(t *testing.T) {
	// The agent echoes its stdin back as the output document.
	a := shAgent(t, "mirror", `printf '{"output":%s}' "$(cat)"`, 0)

	res, err := a.Call(context.Background(), json.RawMessage(`{"stage":"exploration","attempt":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"exploration","attempt":1}`, string(res.Output))
}

func TestExecAgent_ReportedErrorKeepsUsage(t *testing.T) {
	a := shAgent(t, "apologist",
		`cat > /dev/null; printf '{"error":"rate limited upstream","tokens_in":3}'`, 0)

	res, err := a.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatExecution))
	assert.Contains(t, err.Error(), "rate limited upstream")
	// The agent resolved the call; re-dispatching it would duplicate a
	// result that was already observed.
	assert.False(t, core.IsRetryable(err))
	// Usage is still accounted even when the agent fails.
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Usage.TokensIn)
}

func TestExecAgent_NonZeroExitIncludesStderr(t *testing.T) {
	a := shAgent(t, "crasher", `cat > /dev/null; echo "boom: missing credentials" >&2; exit 3`, 0)

	_, err := a.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatExecution))
	assert.False(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "missing credentials")
}

func TestExecAgent_MalformedOutputIsFailure(t *testing.T) {
	a := shAgent(t, "mumbler", `cat > /dev/null; printf 'not json at all'`, 0)

	_, err := a.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "malformed result")
}

func TestExecAgent_EmptyOutputIsFailure(t *testing.T) {
	a := shAgent(t, "silent", `cat > /dev/null; printf '{}'`, 0)

	_, err := a.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "no output")
}

func TestExecAgent_TimeoutIsRetryable(t *testing.T) {
	a := shAgent(t, "sleeper", `sleep 10`, 100*time.Millisecond)

	_, err := a.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "timeout")
}

func TestExecAgent_MissingBinaryIsUnavailable(t *testing.T) {
	a, err := NewExecAgent(Config{Name: "ghost", Command: "/no/such/binary"}, nil)
	require.NoError(t, err)

	_, err = a.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	// The process never ran, so a retry cannot duplicate anything.
	assert.True(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "could not be started")
}

func TestNewExecAgent_RequiresNameAndCommand(t *testing.T) {
	_, err := NewExecAgent(Config{Command: "sh"}, nil)
	assert.Error(t, err)

	_, err = NewExecAgent(Config{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestExecAgent_VersionFallsBackToUnknown(t *testing.T) {
	a, err := NewExecAgent(Config{Name: "x", Command: "sh"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", a.Version())

	b, err := NewExecAgent(Config{Name: "y", Command: "sh", Version: "1.4.0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", b.Version())
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()

	a, err := NewExecAgent(Config{Name: "beta", Command: "sh"}, nil)
	require.NoError(t, err)
	b, err := NewExecAgent(Config{Name: "alpha", Command: "sh"}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	got, err := r.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Name())

	_, err = r.Get("missing")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	assert.Equal(t, []string{"alpha", "beta"}, r.List())
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	a, err := NewExecAgent(Config{Name: "dup", Command: "sh"}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(a))
	err = r.Register(a)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConflict))
}

func TestNewRegistryFromConfigs(t *testing.T) {
	r, err := NewRegistryFromConfigs([]Config{
		{Name: "one", Command: "sh"},
		{Name: "two", Command: "sh"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, r.List())

	_, err = NewRegistryFromConfigs([]Config{{Name: "", Command: "sh"}}, nil)
	assert.Error(t, err)
}
