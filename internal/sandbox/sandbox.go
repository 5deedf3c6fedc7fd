// Package sandbox provides the default, non-production SandboxRunner
// (spec §1 Non-goals: "implementing the sandbox" — the real execution
// runtime is a collaborator named but never built here). This adapter
// runs the submitted payload's "operations" in-process under a
// context.WithTimeout bound (grounded on the teacher's
// infrastructure/chain/invoke.go wait-timeout pattern), and samples the
// engine process's own RSS via gopsutil to give the execute stage's
// "memory peak" metric (spec §6) a real number in tests and demos
// without a real sandbox collaborator wired.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/collaborators"
)

// DefaultTimeout is used when ResourceLimits.Timeout is unset (spec
// §4.7.5 names wall-time as one of the resource limits carried through;
// this is the runner's fallback when a caller omits it).
const DefaultTimeout = 30 * time.Second

// blockedOps names payload operations this default adapter refuses to
// simulate, regardless of limits — it never performs real network or
// filesystem access, so any intent that declares it needs either is
// blocked rather than silently "succeeding" without doing the work.
var blockedOps = map[string]bool{
	"network": true,
	"filesystem": true,
}

// Runner is the in-process default SandboxRunner. It does not isolate
// anything — no namespace, cgroup, or process boundary — it exists so
// the pipeline has something to call before a tenant wires a real
// sandbox collaborator (spec §1: "the sandbox runtime that actually
// executes approved intents" is deliberately out of scope here).
type Runner struct {
	Log *logrus.Entry

	// pid is the process whose RSS is sampled as the execution's
	// "memory peak". Defaults to the current process.
	pid int32
}

// New builds a Runner that samples the current process's memory.
func New(log *logrus.Entry) *Runner {
	return &Runner{Log: log, pid: int32(os.Getpid())}
}

var _ collaborators.SandboxRunner = (*Runner)(nil)

// Execute runs the intent's declared operations in-process, bounded by
// limits.Timeout, and reports the engine's own RSS as MemoryPeakMB
// (spec §4.7.5 / §6's "execution... memory peak" metric). It never
// performs real network or filesystem I/O: any payload declaring an
// "operations" entry naming one of those is classified `blocked`.
func (r *Runner) Execute(ctx context.Context, tenant, entity, goal string, payload map[string]interface{}, limits collaborators.ResourceLimits) (collaborators.ExecutionResult, error) {
	if op, blocked := blockedOperation(payload); blocked {
		return collaborators.ExecutionResult{
			Outcome:      collaborators.ExecutionBlocked,
			MemoryPeakMB: r.sampleMemoryMB(),
			ErrorMessage: fmt.Sprintf("operation %q requires a real sandbox collaborator", op),
		}, nil
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan collaborators.ExecutionResult, 1)
	go func() {
		done <- r.run(goal, payload)
	}()

	select {
	case <-runCtx.Done():
		return collaborators.ExecutionResult{
			Outcome:      collaborators.ExecutionTimeout,
			MemoryPeakMB: r.sampleMemoryMB(),
			ErrorMessage: runCtx.Err().Error(),
		}, nil
	case result := <-done:
		result.MemoryPeakMB = r.sampleMemoryMB()
		return result, nil
	}
}

// run performs the "execution": this default adapter has no workload of
// its own to run, so it reports success immediately, echoing the goal
// back in Output so callers can see something concrete came out of the
// stage in demos and tests.
func (r *Runner) run(goal string, payload map[string]interface{}) collaborators.ExecutionResult {
	return collaborators.ExecutionResult{
		Outcome: collaborators.ExecutionSuccess,
		Output: map[string]interface{}{
			"goal":      goal,
			"simulated": true,
		},
	}
}

// blockedOperation inspects payload["operations"] (a []interface{} of
// strings, as produced by json.Unmarshal) for any entry this adapter
// refuses to simulate.
func blockedOperation(payload map[string]interface{}) (string, bool) {
	raw, ok := payload["operations"]
	if !ok {
		return "", false
	}
	ops, ok := raw.([]interface{})
	if !ok {
		return "", false
	}
	for _, o := range ops {
		name, ok := o.(string)
		if !ok {
			continue
		}
		if blockedOps[name] {
			return name, true
		}
	}
	return "", false
}

// sampleMemoryMB reads the sandboxed process's current RSS via gopsutil.
// Failures are logged and reported as zero rather than propagated — a
// missing memory sample is not a reason to fail an otherwise-successful
// execution.
func (r *Runner) sampleMemoryMB() int {
	proc, err := process.NewProcess(r.pid)
	if err != nil {
		r.warn(err)
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		r.warn(err)
		return 0
	}
	return int(info.RSS / (1024 * 1024))
}

func (r *Runner) warn(err error) {
	if r.Log == nil {
		return
	}
	r.Log.WithError(err).Warn("sandbox: memory sample failed")
}
