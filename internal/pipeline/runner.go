// Package pipeline implements the four stage workers (C7, spec §4.7) and
// the shared retry/DLQ machinery (C8, spec §4.7.6) that drive an intent
// from pending to a terminal status. Each worker owns one queue.Queue and
// runs N concurrent handlers, the same shape as the teacher's
// services/automation/automation_service.go scheduler loops generalized
// from a single ticker-driven poller to a pool of queue-backed pollers.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/metrics"
	"github.com/vorion/intentengine/internal/queue"
)

// Handler processes one dequeued stage job. A non-nil error sends the job
// through the retry/DLQ coordinator rather than acknowledging it.
type Handler func(ctx context.Context, job intent.StageJob) error

// Runner drives Concurrency goroutines against one stage's queue, each
// polling on PollInterval (grounded on automation_service.go's
// time.NewTicker + select idiom) since internal/queue has no blocking
// wait primitive.
type Runner struct {
	Stage        intent.StageName
	Queue        queue.Queue
	Concurrency  int
	PollInterval time.Duration
	Visibility   time.Duration
	Handle       Handler
	Failures     *Coordinator
	Metrics      *metrics.Metrics
	Log          *logrus.Entry

	// ShuttingDown is polled once per tick; when it reports true the
	// runner stops dequeuing new work but lets any handler already running
	// finish (spec §4.9: "workers check it at each dequeue and return
	// without consuming").
	ShuttingDown func() bool
}

func (r *Runner) withDefaults() *Runner {
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 250 * time.Millisecond
	}
	if r.Visibility <= 0 {
		r.Visibility = 30 * time.Second
	}
	return r
}

// Start launches Concurrency poller goroutines. It returns immediately;
// callers stop the pollers by cancelling ctx.
func (r *Runner) Start(ctx context.Context) {
	r = r.withDefaults()
	for i := 0; i < r.Concurrency; i++ {
		go r.loop(ctx)
	}
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.ShuttingDown != nil && r.ShuttingDown() {
				return
			}
			r.tryOne(ctx)
		}
	}
}

func (r *Runner) tryOne(ctx context.Context) {
	lease, err := r.Queue.Dequeue(ctx, r.Stage, r.Visibility)
	if err == queue.ErrEmpty {
		return
	}
	if err != nil {
		r.logf("dequeue failed: %v", err)
		return
	}

	start := time.Now()
	handleErr := r.Handle(ctx, lease.Job)
	if r.Metrics != nil {
		r.Metrics.QueueDuration.WithLabelValues(string(r.Stage)).Observe(time.Since(start).Seconds())
	}

	if handleErr == nil {
		if ackErr := r.Queue.Ack(ctx, lease); ackErr != nil {
			r.logf("ack failed: %v", ackErr)
		}
		r.observe("success")
		return
	}

	r.logf("stage %s job %s failed: %v", r.Stage, lease.Job.IntentID, handleErr)
	if r.Failures != nil {
		outcome, err := r.Failures.HandleFailure(ctx, r.Stage, r.Queue, lease, handleErr)
		if err != nil {
			r.logf("failure handling itself failed: %v", err)
		}
		r.observe(outcome)
		return
	}
	// No coordinator configured: fall back to an immediate Release so the
	// job is not silently lost.
	if relErr := r.Queue.Release(ctx, lease); relErr != nil {
		r.logf("release failed: %v", relErr)
	}
	r.observe("retry")
}

func (r *Runner) observe(outcome string) {
	if r.Metrics != nil {
		r.Metrics.QueueProcessed.WithLabelValues(string(r.Stage), outcome).Inc()
	}
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.Log == nil {
		return
	}
	r.Log.WithField("stage", r.Stage).Errorf(format, args...)
}
