// Package intent defines the core data model the engine persists and moves
// through the four-stage pipeline: intents, their hash-chained events,
// structured evaluations, stage jobs, and dead-letter records.
package intent

import "time"

// Status is one state in the intent lifecycle state machine (spec §4.7.1).
type Status string

const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusApproved   Status = "approved"
	StatusDenied     Status = "denied"
	StatusEscalated  Status = "escalated"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal is the set of terminal statuses. Approved is a member but, unlike
// the others, still has outgoing edges (see CanTransition).
var terminal = map[Status]bool{
	StatusApproved:  true,
	StatusDenied:    true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether s is a terminal status. Approved counts as
// terminal, yet CanTransition still lets it advance.
func (s Status) IsTerminal() bool { return terminal[s] }

// transitions enumerates the legal status graph (spec §4.7.1). Approved is
// both a resting state (reachable from evaluating/escalated) and terminal
// with respect to further pipeline-driven transitions; executing is reached
// out-of-band by the execute worker re-validating and advancing it.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusEvaluating: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusEvaluating: {
		StatusApproved:  true,
		StatusDenied:    true,
		StatusEscalated: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusEscalated: {
		StatusApproved:  true,
		StatusDenied:    true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusApproved: {
		StatusExecuting: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusExecuting: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from → to is a legal edge in the state
// machine. Terminal statuses (spec §3: completed/failed/denied/cancelled)
// never accept a further transition.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() && from != StatusApproved {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Intent is the unit of work moved through the pipeline (spec §3).
type Intent struct {
	ID       string
	Tenant   string
	Entity   string
	Goal     string
	Type     string // intent-type tag; drives routing and trust thresholds
	Priority int

	Context  map[string]interface{}
	Metadata map[string]interface{}

	Status Status

	TrustSnapshotScore int
	TrustSnapshotLevel int
	TrustCurrentScore  int
	TrustCurrentLevel  int

	DedupeFingerprint string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	SoftDeletedAt   *time.Time
	CancelledAt     *time.Time
	CancelReason    string
}

// Event is one hash-chained, append-only record in an intent's audit trail
// (spec §3, §4.5).
type Event struct {
	ID           string
	IntentID     string
	Type         string
	Payload      map[string]interface{}
	OccurredAt   time.Time
	Hash         string
	PreviousHash string
}

// GenesisHash is the previous_hash value for the first event of an intent
// (spec §4.5: "64 zeros for the first").
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EvaluationKind discriminates the shapes recorded in Evaluation (spec
// §9: "tagged variant with a discriminator field; forbid extra shapes").
type EvaluationKind string

const (
	EvaluationTrustSnapshot EvaluationKind = "trust-snapshot"
	EvaluationBasis         EvaluationKind = "basis"
	EvaluationTrustGate     EvaluationKind = "trust-gate"
	EvaluationDecision      EvaluationKind = "decision"
	EvaluationError         EvaluationKind = "error"
	EvaluationCancelled     EvaluationKind = "cancelled"
)

// Evaluation is one structured result blob recorded at a well-defined stage
// (spec §3). Data holds the kind-specific payload; callers switch on Kind to
// decode it rather than relying on ad hoc optional fields.
type Evaluation struct {
	ID         string
	IntentID   string
	Kind       EvaluationKind
	Data       map[string]interface{}
	RecordedAt time.Time
}

// StageName identifies one of the four pipeline queues.
type StageName string

const (
	StageIntake   StageName = "intake"
	StageEvaluate StageName = "evaluate"
	StageDecision StageName = "decision"
	StageExecute  StageName = "execute"
)

// Stages lists the pipeline order, intake first.
var Stages = []StageName{StageIntake, StageEvaluate, StageDecision, StageExecute}

// StageJob is the ephemeral unit of work consumed by one stage worker (spec
// §3). Payload carries stage-specific data (evaluation outputs, decision
// data, resource limits) as a loosely typed map so each stage can attach
// only what it produced without a shared mega-struct.
type StageJob struct {
	ID           string
	Stage        StageName
	IntentID     string
	Tenant       string
	Namespace    string
	Payload      map[string]interface{}
	AttemptsMade int
	TraceID      string
	EnqueuedAt   time.Time
}

// DeadLetterRecord is the failure envelope stored when a stage job exhausts
// its retry budget (spec §3, §4.7.6).
type DeadLetterRecord struct {
	ID             string
	OriginQueue    StageName
	OriginalJob    StageJob
	ErrorMessage   string
	ErrorKind      string
	ErrorStack     string
	AttemptsMade   int
	IntentID       string
	Tenant         string
	TraceID        string
	CreatedAt      time.Time
	FirstFailedAt  time.Time
	MovedAt        time.Time
}
