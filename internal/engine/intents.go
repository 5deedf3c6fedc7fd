package engine

import (
	"context"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/eventlog"
	"github.com/vorion/intentengine/internal/intake"
	"github.com/vorion/intentengine/internal/storage"
)

// Submit admits one intent submission (spec §6 submit()).
func (e *Engine) Submit(ctx context.Context, sub intake.Submission) (intent.Intent, error) {
	return e.Intake.Submit(ctx, sub)
}

// BulkResult is one submission's outcome within a SubmitBulk call.
type BulkResult struct {
	Index int
	Input intake.Submission
	Error error
}

// BulkStats summarizes a SubmitBulk call.
type BulkStats struct {
	Total      int
	Successful int
	Failed     int
}

// SubmitBulk runs each submission through Submit in order, continuing past
// individual failures unless stopOnError is set (spec §6 submit_bulk:
// "sequential, continues on error by default").
func (e *Engine) SubmitBulk(ctx context.Context, subs []intake.Submission, stopOnError bool) ([]intent.Intent, []BulkResult, BulkStats) {
	stats := BulkStats{Total: len(subs)}
	successful := make([]intent.Intent, 0, len(subs))
	var failed []BulkResult

	for i, sub := range subs {
		in, err := e.Intake.Submit(ctx, sub)
		if err != nil {
			stats.Failed++
			failed = append(failed, BulkResult{Index: i, Input: sub, Error: err})
			if stopOnError {
				break
			}
			continue
		}
		stats.Successful++
		successful = append(successful, in)
	}
	return successful, failed, stats
}

// Get returns one intent, unsealing its context/metadata if the engine
// encrypts them (spec §6 get()).
func (e *Engine) Get(ctx context.Context, id, tenant string) (intent.Intent, bool, error) {
	in, found, err := e.Intents.Get(ctx, id, tenant)
	if err != nil || !found {
		return in, found, err
	}
	return e.unseal(in)
}

// GetWithEvents returns an intent plus its full event and evaluation
// history (spec §6 get_with_events()).
func (e *Engine) GetWithEvents(ctx context.Context, id, tenant string) (intent.Intent, []intent.Event, []intent.Evaluation, error) {
	in, events, evals, err := e.Intents.GetWithEvents(ctx, id, tenant)
	if err != nil {
		return in, events, evals, err
	}
	in, err = e.unsealIntent(in)
	return in, events, evals, err
}

// List returns a filtered, paginated page of intents (spec §6 list()).
func (e *Engine) List(ctx context.Context, filter storage.ListFilter) (storage.Page, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return e.Intents.List(ctx, filter)
}

// Cancel moves a pending/evaluating/escalated intent to cancelled (spec §6
// cancel()).
func (e *Engine) Cancel(ctx context.Context, id, tenant, reason, cancelledBy string) (intent.Intent, error) {
	return e.Intents.Cancel(ctx, id, tenant, reason, cancelledBy)
}

// Delete soft-deletes an intent, clearing context/metadata but keeping its
// event chain (spec §6 delete()).
func (e *Engine) Delete(ctx context.Context, id, tenant string) (intent.Intent, error) {
	return e.Intents.SoftDelete(ctx, id, tenant)
}

// UpdateStatusOptions carries update_status's optional escape hatches
// (spec §6: "[skip_validation, has_reason, has_permission]").
type UpdateStatusOptions struct {
	SkipValidation bool
	Reason         string
	HasReason      bool
	HasPermission  bool
}

// UpdateStatus forces an intent to a new status (spec §6 update_status()),
// bypassing intent.CanTransition only when SkipValidation, HasPermission and
// HasReason are all set — SkipValidation without permission or without a
// reason is rejected with a validation error.
func (e *Engine) UpdateStatus(ctx context.Context, id, tenant string, to intent.Status, opts UpdateStatusOptions) (intent.Intent, error) {
	if opts.SkipValidation && !opts.HasPermission {
		return intent.Intent{}, apierrors.New(apierrors.CodeValidation, "update_status: skip_validation requires has_permission")
	}
	if opts.SkipValidation && !opts.HasReason {
		return intent.Intent{}, apierrors.New(apierrors.CodeValidation, "update_status: skip_validation requires a reason")
	}

	in, found, err := e.Intents.Get(ctx, id, tenant)
	if err != nil {
		return intent.Intent{}, err
	}
	if !found {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}

	if !opts.SkipValidation && !intent.CanTransition(in.Status, to) {
		return intent.Intent{}, apierrors.InvalidTransition(string(in.Status), string(to))
	}

	event := intent.Event{
		Type:    "intent.status.forced",
		Payload: map[string]interface{}{"to": string(to), "reason": opts.Reason, "skip_validation": opts.SkipValidation},
	}
	return e.Intents.TransitionStatus(ctx, id, tenant, to, event, nil)
}

// VerifyEventChain replays an intent's hash chain end to end (spec §6
// verify_event_chain()).
func (e *Engine) VerifyEventChain(ctx context.Context, intentID string) (eventlog.VerifyResult, error) {
	return e.EventLog.Verify(ctx, intentID, 0, 0)
}

func (e *Engine) unseal(in intent.Intent) (intent.Intent, bool, error) {
	sealed, err := e.unsealIntent(in)
	return sealed, true, err
}

func (e *Engine) unsealIntent(in intent.Intent) (intent.Intent, error) {
	if e.Cipher == nil {
		return in, nil
	}
	ctxData, err := intake.Unseal(e.Cipher, in.Context)
	if err != nil {
		return in, apierrors.Wrap(apierrors.CodeInternal, "unseal intent context", err)
	}
	metaData, err := intake.Unseal(e.Cipher, in.Metadata)
	if err != nil {
		return in, apierrors.Wrap(apierrors.CodeInternal, "unseal intent metadata", err)
	}
	in.Context, in.Metadata = ctxData, metaData
	return in, nil
}
