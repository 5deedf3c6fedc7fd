// Package shutdown implements the graceful shutdown coordinator (C10,
// spec §4.9): a process-wide "shutting_down" boolean that gates new work,
// plus an in-flight-operation tracker so the coordinator can wait for
// handlers already running to finish before forcing a close. Grounded
// directly on the teacher's
// system/framework/lifecycle/graceful.go (GracefulShutdown /
// OperationGuard), generalized with the worker-cancellation and
// listener-closing steps spec §4.9 names.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDeadline is spec §4.9's "races against a deadline (default 30s)".
const DefaultDeadline = 30 * time.Second

// Coordinator tracks in-flight operations and worker lifetimes, and
// drives the four-step shutdown procedure of spec §4.9.
type Coordinator struct {
	mu         sync.Mutex
	inFlight   int64
	shutdownCh chan struct{}
	closed     int32

	cancelWorkers []context.CancelFunc
	closers       []func() error

	log *logrus.Entry
}

// New builds a Coordinator. log may be nil.
func New(log *logrus.Entry) *Coordinator {
	return &Coordinator{
		shutdownCh: make(chan struct{}),
		log:        log,
	}
}

// Add increments the in-flight counter, reporting false (and not
// incrementing) if shutdown has already been initiated — the intake
// hook's "reject new requests with 503 once set" (spec §4.9).
func (c *Coordinator) Add() bool {
	if atomic.LoadInt32(&c.closed) != 0 {
		return false
	}
	atomic.AddInt64(&c.inFlight, 1)
	return true
}

// Done decrements the in-flight counter.
func (c *Coordinator) Done() {
	atomic.AddInt64(&c.inFlight, -1)
}

// InFlight returns the current number of in-flight operations.
func (c *Coordinator) InFlight() int64 {
	return atomic.LoadInt64(&c.inFlight)
}

// IsShuttingDown reports whether shutdown has been initiated. Passed as
// internal/pipeline.Runner's ShuttingDown hook and consulted by the
// intake hook before admitting a new submission.
func (c *Coordinator) IsShuttingDown() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// RegisterWorker records a worker's cancel func so Shutdown can stop it
// (spec §4.9 step 2: "closes each worker"). Workers are expected to let
// any handler already running finish once cancelled — internal/pipeline's
// Runner does this by stopping new dequeues at the next tick while
// in-flight Handle calls run to completion.
func (c *Coordinator) RegisterWorker(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelWorkers = append(c.cancelWorkers, cancel)
}

// RegisterCloser records a queue-event listener (or any other resource)
// to close during step 3 of shutdown.
func (c *Coordinator) RegisterCloser(closeFn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closeFn)
}

// ShutdownCh is closed the moment shutdown is initiated, for callers that
// want a select case rather than polling IsShuttingDown.
func (c *Coordinator) ShutdownCh() <-chan struct{} {
	return c.shutdownCh
}

// Shutdown runs the spec §4.9 procedure: flip shutting_down, cancel every
// registered worker context, close every registered listener, then race the
// remaining in-flight operations against deadline. On deadline it logs the
// in-flight count still outstanding and returns the context's error; it
// returns nil once nothing is in flight.
func (c *Coordinator) Shutdown(ctx context.Context, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	c.mu.Lock()
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.shutdownCh)
	}
	workers := append([]context.CancelFunc(nil), c.cancelWorkers...)
	closers := append([]func() error(nil), c.closers...)
	c.mu.Unlock()

	for _, cancel := range workers {
		cancel()
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil && c.log != nil {
			c.log.WithError(err).Warn("shutdown: listener close failed")
		}
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	err := c.wait(deadlineCtx)
	if err != nil && c.log != nil {
		c.log.WithField("in_flight", c.InFlight()).Warn("shutdown: deadline exceeded, forcing close")
	}
	return err
}

func (c *Coordinator) wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&c.inFlight) <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Guard is RAII-style in-flight tracking for one operation.
type Guard struct {
	c     *Coordinator
	added bool
}

// NewGuard increments the in-flight counter and returns a Guard whose
// Close decrements it. Returns nil (and increments nothing) if shutdown
// has already been initiated — callers must check for nil and reject the
// operation.
func NewGuard(c *Coordinator) *Guard {
	if c == nil {
		return &Guard{}
	}
	if !c.Add() {
		return nil
	}
	return &Guard{c: c, added: true}
}

// Close releases the guard. Safe to call on a nil *Guard.
func (g *Guard) Close() {
	if g != nil && g.added {
		g.c.Done()
		g.added = false
	}
}
