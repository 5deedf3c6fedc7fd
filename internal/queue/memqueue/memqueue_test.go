package memqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
)

func TestDequeueReturnsErrEmptyWhenNothingReady(t *testing.T) {
	q := New()
	_, err := q.Dequeue(context.Background(), intent.StageIntake, time.Second)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestEnqueueThenDequeueRoundTrips(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(context.Background(), intent.StageJob{Stage: intent.StageIntake, IntentID: "i1", Tenant: "acme"}))

	lease, err := q.Dequeue(context.Background(), intent.StageIntake, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "i1", lease.Job.IntentID)

	_, active := mustDepth(t, q, intent.StageIntake)
	assert.Equal(t, 1, active)

	require.NoError(t, q.Ack(context.Background(), lease))
	waiting, activeAfter := mustDepth(t, q, intent.StageIntake)
	assert.Equal(t, 0, waiting)
	assert.Equal(t, 0, activeAfter)
}

func TestEnqueueAfterHidesJobUntilAvailable(t *testing.T) {
	q := New()
	future := time.Now().Add(time.Hour)
	require.NoError(t, q.EnqueueAfter(context.Background(), intent.StageJob{Stage: intent.StageIntake}, future))

	_, err := q.Dequeue(context.Background(), intent.StageIntake, time.Second)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestReleaseIncrementsAttemptsAndRequeues(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(context.Background(), intent.StageJob{Stage: intent.StageEvaluate}))
	lease, err := q.Dequeue(context.Background(), intent.StageEvaluate, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Release(context.Background(), lease))

	requeued, err := q.Dequeue(context.Background(), intent.StageEvaluate, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Job.AttemptsMade)
}

func TestStalledLeaseIsReclaimedOnNextDequeue(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(context.Background(), intent.StageJob{Stage: intent.StageDecision}))

	_, err := q.Dequeue(context.Background(), intent.StageDecision, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	reclaimed, err := q.Dequeue(context.Background(), intent.StageDecision, time.Second)
	require.NoError(t, err)
	assert.Equal(t, intent.StageDecision, reclaimed.Job.Stage)
}

func mustDepth(t *testing.T, q *Queue, stage intent.StageName) (int, int) {
	t.Helper()
	waiting, active, err := q.Depth(context.Background(), stage)
	require.NoError(t, err)
	return waiting, active
}
