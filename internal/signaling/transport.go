// Package signaling provides the publish/subscribe channel call participants
// exchange offers, answers, candidates and status changes through. The channel
// is keyed by call id and backed by an external shared-document store; three
// providers are available: firestore, redis and memory.
package signaling

import (
	"context"

	"chatwave-callkit/internal/domain"
)

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

// CallUpdate is a partial update to a call record. Only non-nil fields are
// written, which keeps the per-field writer ownership explicit: the acceptor
// writes Answer and the active status, either side writes the ended status,
// end time and duration.
type CallUpdate struct {
	Answer   *string
	Status   *domain.CallStatus
	EndTime  *int64
	Duration *int
}

// Empty reports whether the update writes no fields.
func (u *CallUpdate) Empty() bool {
	return u.Answer == nil && u.Status == nil && u.EndTime == nil && u.Duration == nil
}

// Transport is the signaling channel between the two participants of a call.
//
// Delivery contract: SubscribeToCall delivers the current record state and
// every subsequent mutation in write order. SubscribeToCandidates delivers
// each candidate authored by fromParticipantID exactly once, in append order,
// including candidates appended before the subscription was established.
// Callbacks for one subscription are invoked sequentially, never concurrently.
type Transport interface {
	// PublishCall creates the call record at its call-id keyed path.
	// Last-write-wins; only the two participants ever write.
	PublishCall(ctx context.Context, record *domain.CallRecord) error

	// GetCall fetches the call record, or errors.CallNotFoundError if absent.
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)

	// UpdateCall applies a partial update to an existing call record.
	UpdateCall(ctx context.Context, callID string, update CallUpdate) error

	// SubscribeToCall delivers every state of the call record to onChange
	// until unsubscribed.
	SubscribeToCall(ctx context.Context, callID string, onChange func(*domain.CallRecord)) (Unsubscribe, error)

	// PublishCandidate appends a candidate to the call's candidate collection.
	PublishCandidate(ctx context.Context, cand *domain.CandidateRecord) error

	// SubscribeToCandidates delivers each candidate authored by
	// fromParticipantID to onAdded, exactly once, in append order.
	SubscribeToCandidates(ctx context.Context, callID, fromParticipantID string, onAdded func(*domain.CandidateRecord)) (Unsubscribe, error)

	// SubscribeIncoming delivers pending call records addressed to
	// participantID as they are published.
	SubscribeIncoming(ctx context.Context, participantID string, onIncoming func(*domain.CallRecord)) (Unsubscribe, error)

	// Close releases the transport's connections. Outstanding subscriptions
	// stop delivering after Close.
	Close() error
}
