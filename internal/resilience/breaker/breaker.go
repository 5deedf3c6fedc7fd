// Package breaker implements the circuit breaker (C3, spec §4.3): a named
// closed/open/half-open state machine shared across a process fleet via the
// ephemeral store.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/metrics"
)

// State is one of the three breaker states (spec §4.3).
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one named breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // time in open before probing half-open
	HalfOpenMax      int           // concurrent probes allowed in half-open
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 5 * time.Minute
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// persistedState is the JSON shape of a breaker's ephemeral-store record at
// circuit:<name>. For a webhook subscription that key is
// circuit:webhook:<subscription id>; the tenant is not part of it.
type persistedState struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at"`
	HalfOpenProbes      int       `json:"half_open_probes"`
}

// Breaker is one named circuit, backed by the ephemeral store so its state
// is visible fleet-wide.
type Breaker struct {
	name    string
	key     string
	cfg     Config
	store   ephemeral.Store
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu sync.Mutex // serializes this process's own probe admission
}

// New builds a Breaker named name (used both as the ephemeral-store key
// suffix and the metrics label).
func New(name string, store ephemeral.Store, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Breaker {
	return &Breaker{
		name:    name,
		key:     "circuit:" + name,
		cfg:     cfg.withDefaults(),
		store:   store,
		metrics: m,
		log:     log,
	}
}

func (b *Breaker) load(ctx context.Context) (persistedState, error) {
	raw, ok, err := b.store.Get(ctx, b.key)
	if err != nil {
		return persistedState{}, err
	}
	if !ok {
		return persistedState{State: StateClosed}, nil
	}
	var s persistedState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return persistedState{State: StateClosed}, nil
	}
	return s, nil
}

func (b *Breaker) save(ctx context.Context, s persistedState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, b.key, string(raw), 24*time.Hour)
}

// beforeRequest resolves the current state, advancing open→half_open when
// the reset timeout has elapsed, and reports whether the call may proceed.
func (b *Breaker) beforeRequest(ctx context.Context) (persistedState, bool, error) {
	s, err := b.load(ctx)
	if err != nil {
		return s, false, err
	}

	switch s.State {
	case StateClosed:
		return s, true, nil
	case StateOpen:
		if time.Since(s.OpenedAt) >= b.cfg.ResetTimeout {
			b.transition(ctx, &s, StateHalfOpen)
			s.HalfOpenProbes = 0
			if err := b.save(ctx, s); err != nil {
				return s, false, err
			}
			return s, true, nil
		}
		return s, false, nil
	case StateHalfOpen:
		if s.HalfOpenProbes >= b.cfg.HalfOpenMax {
			return s, false, nil
		}
		s.HalfOpenProbes++
		if err := b.save(ctx, s); err != nil {
			return s, false, err
		}
		return s, true, nil
	default:
		return s, true, nil
	}
}

func (b *Breaker) afterRequest(ctx context.Context, s persistedState, success bool) {
	if success {
		switch s.State {
		case StateHalfOpen:
			b.transition(ctx, &s, StateClosed)
			s.ConsecutiveFailures = 0
			s.HalfOpenProbes = 0
		case StateClosed:
			s.ConsecutiveFailures = 0
		}
	} else {
		switch s.State {
		case StateHalfOpen:
			b.transition(ctx, &s, StateOpen)
			s.OpenedAt = time.Now()
			s.HalfOpenProbes = 0
		case StateClosed:
			s.ConsecutiveFailures++
			if s.ConsecutiveFailures >= b.cfg.FailureThreshold {
				b.transition(ctx, &s, StateOpen)
				s.OpenedAt = time.Now()
				if b.metrics != nil {
					b.metrics.BreakerTrips.WithLabelValues(b.name).Inc()
				}
			}
		}
	}
	_ = b.save(ctx, s)
	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(b.name).Set(metrics.BreakerStateValue(string(s.State)))
		outcome := "failure"
		if success {
			outcome = "success"
		}
		b.metrics.BreakerExecutions.WithLabelValues(b.name, outcome).Inc()
	}
}

func (b *Breaker) transition(ctx context.Context, s *persistedState, to State) {
	from := s.State
	if from == "" {
		from = StateClosed
	}
	s.State = to
	if from == to {
		return
	}
	if b.log != nil {
		b.log.WithFields(logrus.Fields{"breaker": b.name, "from": from, "to": to}).Info("circuit breaker state change")
	}
	if b.metrics != nil {
		b.metrics.BreakerStateChanges.WithLabelValues(b.name, string(from), string(to)).Inc()
	}
}

// Execute wraps fn with the breaker: if the circuit is open, fn is never
// called and apierrors.CircuitOpen is returned (spec §7: "internal marker,
// never surfaced raw" — callers are responsible for degrading or wrapping
// it before it reaches an external boundary).
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	s, proceed, err := b.beforeRequest(ctx)
	b.mu.Unlock()
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "circuit breaker store error", err)
	}
	if !proceed {
		return apierrors.CircuitOpen(b.name)
	}

	callErr := fn(ctx)
	b.afterRequest(ctx, s, callErr == nil)
	return callErr
}

// Status reports the breaker's current state for admin surfaces.
func (b *Breaker) Status(ctx context.Context) (State, int, error) {
	s, err := b.load(ctx)
	if err != nil {
		return StateClosed, 0, err
	}
	return s.State, s.ConsecutiveFailures, nil
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	state, _, err := b.Status(ctx)
	return state == StateOpen, err
}

// ForceOpen manually opens the breaker (admin surface).
func (b *Breaker) ForceOpen(ctx context.Context) error {
	s, err := b.load(ctx)
	if err != nil {
		return err
	}
	b.transition(ctx, &s, StateOpen)
	s.OpenedAt = time.Now()
	return b.save(ctx, s)
}

// ForceClose manually closes the breaker (admin surface).
func (b *Breaker) ForceClose(ctx context.Context) error {
	s, err := b.load(ctx)
	if err != nil {
		return err
	}
	b.transition(ctx, &s, StateClosed)
	s.ConsecutiveFailures = 0
	return b.save(ctx, s)
}

// Reset clears all counters and returns the breaker to closed (admin
// surface).
func (b *Breaker) Reset(ctx context.Context) error {
	return b.save(ctx, persistedState{State: StateClosed})
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }
