package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/queue/memqueue"
	"github.com/vorion/intentengine/internal/storage"
	"github.com/vorion/intentengine/internal/storage/memstore"
)

// fakeBreaker executes fn directly when closed; when open it rejects every
// call without running fn.
type fakeBreaker struct{ open bool }

func (b fakeBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b.open {
		return errors.New("circuit open")
	}
	return fn(ctx)
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// pathTo walks the legal status graph from pending to target, since
// memstore enforces intent.CanTransition server-side just like the real
// postgres backend.
var pathTo = map[intent.Status][]intent.Status{
	intent.StatusPending:    {},
	intent.StatusEvaluating: {intent.StatusEvaluating},
	intent.StatusApproved:   {intent.StatusEvaluating, intent.StatusApproved},
	intent.StatusDenied:     {intent.StatusEvaluating, intent.StatusDenied},
	intent.StatusEscalated:  {intent.StatusEvaluating, intent.StatusEscalated},
	intent.StatusCancelled:  {intent.StatusCancelled},
	intent.StatusExecuting:  {intent.StatusEvaluating, intent.StatusApproved, intent.StatusExecuting},
	intent.StatusCompleted:  {intent.StatusEvaluating, intent.StatusApproved, intent.StatusExecuting, intent.StatusCompleted},
	intent.StatusFailed:     {intent.StatusFailed},
}

func newTestIntent(s *memstore.IntentStore, status intent.Status) intent.Intent {
	in := intent.Intent{
		ID:      "i-" + string(status),
		Tenant:  "acme",
		Entity:  "user-1",
		Goal:    "do a thing",
		Type:    "standard",
		Status:  intent.StatusPending,
		Context: map[string]interface{}{},
	}
	in, _, err := s.InsertWithInitialEvent(context.Background(), in, intent.Event{
		Type: "intent.created",
	})
	if err != nil {
		panic(err)
	}
	for _, step := range pathTo[status] {
		in, err = s.TransitionStatus(context.Background(), in.ID, in.Tenant, step, intent.Event{Type: "test.transition"}, nil)
		if err != nil {
			panic(err)
		}
	}
	return in
}

func TestRunnerProcessesAJobSuccessfully(t *testing.T) {
	q := memqueue.New()
	require.NoError(t, q.Enqueue(context.Background(), intent.StageJob{Stage: intent.StageIntake, IntentID: "x", Tenant: "acme"}))

	handled := make(chan struct{}, 1)
	r := &Runner{
		Stage:        intent.StageIntake,
		Queue:        q,
		PollInterval: 5 * time.Millisecond,
		Log:          testLog(),
		Handle: func(ctx context.Context, job intent.StageJob) error {
			handled <- struct{}{}
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("job was never handled")
	}
}

func TestCoordinatorRetriesBeforeExhaustingAttempts(t *testing.T) {
	q := memqueue.New()
	require.NoError(t, q.Enqueue(context.Background(), intent.StageJob{Stage: intent.StageIntake, IntentID: "x", Tenant: "acme"}))
	lease, err := q.Dequeue(context.Background(), intent.StageIntake, time.Minute)
	require.NoError(t, err)

	c := &Coordinator{Policy: RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, Log: testLog()}
	outcome, err := c.HandleFailure(context.Background(), intent.StageIntake, q, lease, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, "retry", outcome)

	waiting, active, err := q.Depth(context.Background(), intent.StageIntake)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
	assert.Equal(t, 0, active)
}

// TestCoordinatorDeadLettersOnExhaustion mirrors the spec's worked example:
// maxRetries=3 means the 3rd failed attempt (attemptsMade incrementing
// 0→1→2→3) dead-letters with attemptsMade recorded as 3.
func TestCoordinatorDeadLettersOnExhaustion(t *testing.T) {
	store := memstore.NewIntentStore()
	dlq := memstore.NewDeadLetterStore()
	in := newTestIntent(store, intent.StatusEvaluating)

	q := memqueue.New()
	job := intent.StageJob{Stage: intent.StageIntake, IntentID: in.ID, Tenant: in.Tenant, AttemptsMade: 2}
	require.NoError(t, q.Enqueue(context.Background(), job))
	lease, err := q.Dequeue(context.Background(), intent.StageIntake, time.Minute)
	require.NoError(t, err)

	c := &Coordinator{
		Policy:      RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond},
		Intents:     store,
		DeadLetters: dlq,
		Log:         testLog(),
	}
	outcome, err := c.HandleFailure(context.Background(), intent.StageIntake, q, lease, errors.New("persistent failure"))
	require.NoError(t, err)
	assert.Equal(t, "dead_letter", outcome)

	records, err := dlq.List(context.Background(), storage.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].AttemptsMade)

	got, found, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, intent.StatusFailed, got.Status)
}

func TestIntakeWorkerRecordsSnapshotAndEnqueuesEvaluate(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusPending)

	trust := collaborators.NewStaticTrustProvider(collaborators.TrustScore{})
	trust.Set(in.Tenant, in.Entity, collaborators.TrustScore{Score: 72, Level: 3})

	evalQ := memqueue.New()
	w := &IntakeWorker{
		Intents:    store,
		Trust:      trust,
		TrustGuard: fakeBreaker{},
		EvaluateQ:  evalQ,
		Log:        testLog(),
	}

	require.NoError(t, w.Handle(context.Background(), intent.StageJob{IntentID: in.ID, Tenant: in.Tenant}))

	got, found, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, intent.StatusEvaluating, got.Status)
	assert.Equal(t, 72, got.TrustSnapshotScore)
	assert.Equal(t, 3, got.TrustSnapshotLevel)

	waiting, _, err := evalQ.Depth(context.Background(), intent.StageEvaluate)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestIntakeWorkerFallsBackToCachedTrustWhenBreakerOpen(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusPending)
	require.NoError(t, store.UpdateTrustSnapshot(context.Background(), in.ID, in.Tenant, 40, 2))

	w := &IntakeWorker{
		Intents:    store,
		Trust:      &collaborators.StaticTrustProvider{},
		TrustGuard: fakeBreaker{open: true},
		EvaluateQ:  memqueue.New(),
		Log:        testLog(),
	}

	require.NoError(t, w.Handle(context.Background(), intent.StageJob{IntentID: in.ID, Tenant: in.Tenant}))

	got, _, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	assert.Equal(t, 40, got.TrustSnapshotScore)
	assert.Equal(t, 2, got.TrustSnapshotLevel)
}

func TestEvaluateWorkerDegradesToRulesOnlyWhenPolicyBreakerOpen(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusEvaluating)

	decisionQ := memqueue.New()
	w := &EvaluateWorker{
		Intents:     store,
		Rules:       collaborators.AllowAllRuleEngine{},
		Policies:    collaborators.AllowAllPolicyEngine{},
		PolicyGuard: fakeBreaker{open: true},
		DecisionQ:   decisionQ,
		Log:         testLog(),
	}

	require.NoError(t, w.Handle(context.Background(), intent.StageJob{IntentID: in.ID, Tenant: in.Tenant}))

	_, _, evals, err := store.GetWithEvents(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	var basis *intent.Evaluation
	for i := range evals {
		if evals[i].Kind == intent.EvaluationBasis {
			basis = &evals[i]
		}
	}
	require.NotNil(t, basis)
	assert.Equal(t, true, basis.Data["policy_degraded"])

	waiting, _, err := decisionQ.Depth(context.Background(), intent.StageDecision)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestDecisionWorkerApprovesAndEnqueuesExecution(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusEvaluating)

	executeQ := memqueue.New()
	w := &DecisionWorker{
		Intents:    store,
		Trust:      &collaborators.StaticTrustProvider{},
		TrustGuard: fakeBreaker{},
		Webhooks:   NoopWebhookEmitter{},
		ExecuteQ:   executeQ,
		Log:        testLog(),
	}

	job := intent.StageJob{
		IntentID: in.ID, Tenant: in.Tenant,
		Payload: map[string]interface{}{"rule_action": "allow", "policy_action": "allow"},
	}
	require.NoError(t, w.Handle(context.Background(), job))

	got, _, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusApproved, got.Status)

	waiting, _, err := executeQ.Depth(context.Background(), intent.StageExecute)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestDecisionWorkerDeniesOnTrustGateFailure(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusEvaluating)
	require.NoError(t, store.UpdateTrustSnapshot(context.Background(), in.ID, in.Tenant, 10, 0))

	w := &DecisionWorker{
		Intents:    store,
		Trust:      &collaborators.StaticTrustProvider{},
		TrustGuard: fakeBreaker{},
		Gates:      staticGate{level: 3},
		Webhooks:   NoopWebhookEmitter{},
		ExecuteQ:   memqueue.New(),
		Log:        testLog(),
	}

	job := intent.StageJob{
		IntentID: in.ID, Tenant: in.Tenant,
		Payload: map[string]interface{}{"rule_action": "allow", "policy_action": "allow"},
	}
	require.NoError(t, w.Handle(context.Background(), job))

	got, _, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusDenied, got.Status)
}

type staticGate struct{ level int }

func (g staticGate) MinTrustLevelFor(string) int { return g.level }

func TestExecuteWorkerCompletesSuccessfulRun(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusApproved)

	w := &ExecuteWorker{
		Intents:  store,
		Sandbox:  fakeSandbox{outcome: collaborators.ExecutionSuccess},
		Webhooks: NoopWebhookEmitter{},
		Log:      testLog(),
	}

	require.NoError(t, w.Handle(context.Background(), intent.StageJob{IntentID: in.ID, Tenant: in.Tenant}))

	got, _, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusCompleted, got.Status)
}

func TestExecuteWorkerFailsOnSandboxFailureOutcome(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusApproved)

	w := &ExecuteWorker{
		Intents: store,
		Sandbox: fakeSandbox{outcome: collaborators.ExecutionFailure},
		Log:     testLog(),
	}

	require.NoError(t, w.Handle(context.Background(), intent.StageJob{IntentID: in.ID, Tenant: in.Tenant}))

	got, _, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusFailed, got.Status)
}

func TestExecuteWorkerSkipsWhenNoLongerApproved(t *testing.T) {
	store := memstore.NewIntentStore()
	in := newTestIntent(store, intent.StatusCancelled)

	w := &ExecuteWorker{Intents: store, Sandbox: fakeSandbox{outcome: collaborators.ExecutionSuccess}, Log: testLog()}
	require.NoError(t, w.Handle(context.Background(), intent.StageJob{IntentID: in.ID, Tenant: in.Tenant}))

	got, _, err := store.Get(context.Background(), in.ID, in.Tenant)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusCancelled, got.Status)
}

type fakeSandbox struct{ outcome collaborators.ExecutionOutcome }

func (f fakeSandbox) Execute(ctx context.Context, tenant, entity, goal string, payload map[string]interface{}, limits collaborators.ResourceLimits) (collaborators.ExecutionResult, error) {
	return collaborators.ExecutionResult{Outcome: f.outcome, MemoryPeakMB: 12}, nil
}

var _ queue.Queue = memqueue.New()
