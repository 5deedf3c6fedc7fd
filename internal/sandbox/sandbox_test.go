package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/collaborators"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestExecuteReturnsSuccessAndSamplesMemory(t *testing.T) {
	r := New(testLog())
	result, err := r.Execute(context.Background(), "acme", "agent-1", "summarize report",
		map[string]interface{}{"topic": "q3 numbers"},
		collaborators.ResourceLimits{Timeout: time.Second},
	)
	require.NoError(t, err)
	assert.Equal(t, collaborators.ExecutionSuccess, result.Outcome)
	assert.GreaterOrEqual(t, result.MemoryPeakMB, 0)
	assert.Equal(t, "summarize report", result.Output["goal"])
}

func TestExecuteUsesDefaultTimeoutWhenUnset(t *testing.T) {
	r := New(testLog())
	result, err := r.Execute(context.Background(), "acme", "agent-1", "noop",
		map[string]interface{}{}, collaborators.ResourceLimits{})
	require.NoError(t, err)
	assert.Equal(t, collaborators.ExecutionSuccess, result.Outcome)
}

func TestExecuteTimesOutWhenContextAlreadyExpired(t *testing.T) {
	r := New(testLog())
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	result, err := r.Execute(ctx, "acme", "agent-1", "noop",
		map[string]interface{}{}, collaborators.ResourceLimits{Timeout: time.Nanosecond})
	require.NoError(t, err)
	assert.Equal(t, collaborators.ExecutionTimeout, result.Outcome)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestExecuteBlocksNetworkOperation(t *testing.T) {
	r := New(testLog())
	result, err := r.Execute(context.Background(), "acme", "agent-1", "call external api",
		map[string]interface{}{"operations": []interface{}{"network"}},
		collaborators.ResourceLimits{Timeout: time.Second},
	)
	require.NoError(t, err)
	assert.Equal(t, collaborators.ExecutionBlocked, result.Outcome)
	assert.Contains(t, result.ErrorMessage, "network")
}

func TestExecuteBlocksFilesystemOperation(t *testing.T) {
	r := New(testLog())
	result, err := r.Execute(context.Background(), "acme", "agent-1", "write file",
		map[string]interface{}{"operations": []interface{}{"filesystem"}},
		collaborators.ResourceLimits{Timeout: time.Second},
	)
	require.NoError(t, err)
	assert.Equal(t, collaborators.ExecutionBlocked, result.Outcome)
}

func TestExecuteIgnoresUnrecognizedOperations(t *testing.T) {
	r := New(testLog())
	result, err := r.Execute(context.Background(), "acme", "agent-1", "do thing",
		map[string]interface{}{"operations": []interface{}{"compute"}},
		collaborators.ResourceLimits{Timeout: time.Second},
	)
	require.NoError(t, err)
	assert.Equal(t, collaborators.ExecutionSuccess, result.Outcome)
}

func TestSampleMemoryMBReturnsPositiveForCurrentProcess(t *testing.T) {
	r := New(testLog())
	assert.Greater(t, r.sampleMemoryMB(), 0)
}
