package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/storage"
)

// EvaluateWorker is the C7 evaluate-stage handler (spec §4.7.3): run rule
// evaluation (always, synchronous, no fallback) and policy evaluation
// (through the policyEngine breaker, degrading to rules-only) concurrently,
// merge into a basis evaluation, and enqueue the decision job.
type EvaluateWorker struct {
	Intents     storage.IntentStore
	Rules       collaborators.RuleEngine
	Policies    collaborators.PolicyEngine
	PolicyGuard BreakerExecutor
	DecisionQ   queue.Queue
	Log         *logrus.Entry
}

// Handle implements Handler for the evaluate queue.
func (w *EvaluateWorker) Handle(ctx context.Context, job intent.StageJob) error {
	in, found, err := w.Intents.Get(ctx, job.IntentID, job.Tenant)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "fetch intent at evaluate", err)
	}
	if !found {
		return apierrors.NotFound("intent", job.IntentID)
	}
	if in.Status == intent.StatusCancelled {
		return nil
	}

	ruleResult, policyResult, degraded, err := w.evaluateBoth(ctx, in)
	if err != nil {
		return err
	}

	basis := intent.Evaluation{
		IntentID: in.ID,
		Kind:     intent.EvaluationBasis,
		Data: map[string]interface{}{
			"rule_action":     string(ruleResult.Action),
			"rule_reasons":    ruleResult.Reasons,
			"policy_action":   string(policyResult.Action),
			"policy_matches":  policyResult.MatchCounts,
			"policy_degraded": degraded,
		},
		RecordedAt: time.Now().UTC(),
	}
	if err := w.Intents.RecordEvaluation(ctx, basis); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "record basis evaluation", err)
	}

	return w.DecisionQ.Enqueue(ctx, intent.StageJob{
		Stage:    intent.StageDecision,
		IntentID: in.ID,
		Tenant:   in.Tenant,
		TraceID:  job.TraceID,
		Payload: map[string]interface{}{
			"rule_action":     string(ruleResult.Action),
			"policy_action":   string(policyResult.Action),
			"policy_degraded": degraded,
		},
	})
}

// evaluateBoth runs rule and policy evaluation concurrently (spec §4.7.3:
// "in parallel"). Rule evaluation has no fallback — its error propagates
// and fails the job. Policy evaluation is wrapped in the policyEngine
// breaker and degrades to an allow-weighted empty result (rules-only) on
// circuit-open or failure, since MostRestrictive(rule, allow) == rule.
func (w *EvaluateWorker) evaluateBoth(ctx context.Context, in intent.Intent) (collaborators.RuleResult, collaborators.PolicyResult, bool, error) {
	var (
		wg           sync.WaitGroup
		ruleResult   collaborators.RuleResult
		ruleErr      error
		policyResult collaborators.PolicyResult
		degraded     bool
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		ruleResult, ruleErr = w.Rules.Evaluate(ctx, in.Tenant, in.Entity, in.Type, in.Context)
	}()
	go func() {
		defer wg.Done()
		execErr := w.PolicyGuard.Execute(ctx, func(ctx context.Context) error {
			r, err := w.Policies.Evaluate(ctx, in.Tenant, in.Entity, in.Type, in.Context)
			if err != nil {
				return err
			}
			policyResult = r
			return nil
		})
		if execErr != nil {
			degraded = true
			policyResult = collaborators.PolicyResult{Action: collaborators.ActionAllow}
			if w.Log != nil {
				w.Log.WithField("intent_id", in.ID).WithError(execErr).Warn("policy evaluation degraded to rules-only")
			}
		}
	}()
	wg.Wait()

	if ruleErr != nil {
		return collaborators.RuleResult{}, collaborators.PolicyResult{}, false, apierrors.Wrap(apierrors.CodeInternal, "rule evaluation", ruleErr)
	}
	return ruleResult, policyResult, degraded, nil
}
