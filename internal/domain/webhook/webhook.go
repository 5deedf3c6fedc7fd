// Package webhook defines the outbound notification subsystem's data model:
// tenant subscriptions and the persistent per-delivery record (spec §3).
package webhook

import "time"

// EventKind is one of the catalogued webhook event kinds a subscription can
// subscribe to. intent.failed is deliberately absent (spec §4.7.5: "not in
// the webhook catalogue").
type EventKind string

const (
	EventIntentApproved EventKind = "intent.approved"
	EventIntentDenied   EventKind = "intent.denied"
	EventIntentEscalated EventKind = "intent.escalated"
	EventIntentCompleted EventKind = "intent.completed"
)

// Catalogue lists every recognized event kind a subscription may request.
var Catalogue = []EventKind{EventIntentApproved, EventIntentDenied, EventIntentEscalated, EventIntentCompleted}

// Subscription is a tenant's registered webhook endpoint (spec §3).
// EncryptedSecret is always an AEAD envelope at rest; plaintext only ever
// exists transiently in memory during signing.
type Subscription struct {
	ID              string
	Tenant          string
	URL             string
	EncryptedSecret string
	Enabled         bool
	Events          map[EventKind]bool
	RetryAttempts   int // 0 means "use config default"
	RetryDelayMs    int
	PinnedIP        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscribes reports whether the subscription wants deliveries of kind.
func (s *Subscription) Subscribes(kind EventKind) bool {
	if !s.Enabled {
		return false
	}
	return s.Events[kind]
}

// DeliveryStatus is one state of a Delivery record (spec §3).
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed   DeliveryStatus = "failed"
)

// deliveryTransitions enumerates the legal edges from spec §3:
// "pending→retrying→delivered, pending→retrying→failed, retrying↔retrying,
// failed→retrying (replay)". pending may also resolve directly (a
// single-attempt success/failure collapses the intermediate state) so
// pending→delivered and pending→failed are permitted too.
var deliveryTransitions = map[DeliveryStatus]map[DeliveryStatus]bool{
	DeliveryPending: {
		DeliveryRetrying:  true,
		DeliveryDelivered: true,
		DeliveryFailed:    true,
	},
	DeliveryRetrying: {
		DeliveryRetrying:  true,
		DeliveryDelivered: true,
		DeliveryFailed:    true,
	},
	DeliveryFailed: {
		DeliveryRetrying: true, // replay
	},
}

// CanTransitionDelivery reports whether from → to is legal. Delivered is
// terminal: "once delivered no further attempts occur".
func CanTransitionDelivery(from, to DeliveryStatus) bool {
	if from == DeliveryDelivered {
		return false
	}
	edges, ok := deliveryTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Delivery is one persistent delivery attempt record (spec §3).
type Delivery struct {
	ID             string
	SubscriptionID string
	Tenant         string
	Event          EventKind
	Payload        map[string]interface{}
	Status         DeliveryStatus
	Attempts       int
	LastAttemptAt  *time.Time
	LastError      string
	NextRetryAt    *time.Time
	DeliveredAt    *time.Time
	ResponseStatus int
	ResponseBody   string // truncated

	SkippedByCircuitBreaker bool
}
