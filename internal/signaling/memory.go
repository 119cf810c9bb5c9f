package signaling

import (
	"context"
	"sync"

	"chatwave-callkit/internal/domain"
	"chatwave-callkit/pkg/constants"
	apperrors "chatwave-callkit/pkg/errors"
)

// MemoryTransport is an in-process transport for development and tests. It
// mirrors the delivery contract of the hosted providers: call subscribers see
// the current state plus every mutation, candidate subscribers see the full
// append-ordered sequence exactly once.
type MemoryTransport struct {
	mu         sync.Mutex
	calls      map[string]*domain.CallRecord
	candidates map[string][]*domain.CandidateRecord

	callSubs      map[string][]*memorySub[*domain.CallRecord]
	candidateSubs map[string][]*memorySub[*domain.CandidateRecord]
	incomingSubs  map[string][]*memorySub[*domain.CallRecord]

	closed bool
}

// memorySub delivers events to one subscriber sequentially via a buffered
// queue, so a callback can safely call back into the transport.
type memorySub[T any] struct {
	ch     chan T
	done   chan struct{}
	filter func(T) bool
	once   sync.Once
}

func newMemorySub[T any](handler func(T), filter func(T) bool) *memorySub[T] {
	s := &memorySub[T]{
		ch:     make(chan T, constants.CandidateBuffer),
		done:   make(chan struct{}),
		filter: filter,
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case v, ok := <-s.ch:
				if !ok {
					return
				}
				handler(v)
			}
		}
	}()
	return s
}

func (s *memorySub[T]) deliver(v T) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	select {
	case <-s.done:
	case s.ch <- v:
	}
}

func (s *memorySub[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		calls:         make(map[string]*domain.CallRecord),
		candidates:    make(map[string][]*domain.CandidateRecord),
		callSubs:      make(map[string][]*memorySub[*domain.CallRecord]),
		candidateSubs: make(map[string][]*memorySub[*domain.CandidateRecord]),
		incomingSubs:  make(map[string][]*memorySub[*domain.CallRecord]),
	}
}

// PublishCall stores the record and notifies call and incoming subscribers.
func (t *MemoryTransport) PublishCall(_ context.Context, record *domain.CallRecord) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.SignalingError("transport closed", nil)
	}
	stored := *record
	t.calls[record.CallID] = &stored
	callSubs := append([]*memorySub[*domain.CallRecord](nil), t.callSubs[record.CallID]...)
	var incoming []*memorySub[*domain.CallRecord]
	if record.Status == domain.CallStatusPending {
		incoming = append(incoming, t.incomingSubs[record.RecipientID]...)
	}
	t.mu.Unlock()

	for _, sub := range callSubs {
		snapshot := stored
		sub.deliver(&snapshot)
	}
	for _, sub := range incoming {
		snapshot := stored
		sub.deliver(&snapshot)
	}
	return nil
}

// GetCall returns a copy of the stored record.
func (t *MemoryTransport) GetCall(_ context.Context, callID string) (*domain.CallRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	snapshot := *record
	return &snapshot, nil
}

// UpdateCall applies the non-nil fields of update and notifies subscribers.
func (t *MemoryTransport) UpdateCall(_ context.Context, callID string, update CallUpdate) error {
	t.mu.Lock()
	record, ok := t.calls[callID]
	if !ok {
		t.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	if update.Answer != nil {
		record.Answer = *update.Answer
	}
	if update.Status != nil {
		record.Status = *update.Status
	}
	if update.EndTime != nil {
		record.EndTime = *update.EndTime
	}
	if update.Duration != nil {
		record.Duration = *update.Duration
	}
	snapshot := *record
	subs := append([]*memorySub[*domain.CallRecord](nil), t.callSubs[callID]...)
	t.mu.Unlock()

	for _, sub := range subs {
		state := snapshot
		sub.deliver(&state)
	}
	return nil
}

// SubscribeToCall delivers the current state (if the record exists) and every
// subsequent mutation.
func (t *MemoryTransport) SubscribeToCall(_ context.Context, callID string, onChange func(*domain.CallRecord)) (Unsubscribe, error) {
	sub := newMemorySub(onChange, nil)

	// The initial snapshot is enqueued before the lock is released, so a
	// racing publish queues behind it instead of overtaking it.
	t.mu.Lock()
	t.callSubs[callID] = append(t.callSubs[callID], sub)
	if record, ok := t.calls[callID]; ok {
		snapshot := *record
		sub.deliver(&snapshot)
	}
	t.mu.Unlock()

	return t.unsubCall(callID, sub), nil
}

// PublishCandidate appends the candidate and notifies candidate subscribers.
func (t *MemoryTransport) PublishCandidate(_ context.Context, cand *domain.CandidateRecord) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.SignalingError("transport closed", nil)
	}
	stored := *cand
	t.candidates[cand.CallID] = append(t.candidates[cand.CallID], &stored)
	subs := append([]*memorySub[*domain.CandidateRecord](nil), t.candidateSubs[cand.CallID]...)
	t.mu.Unlock()

	for _, sub := range subs {
		snapshot := stored
		sub.deliver(&snapshot)
	}
	return nil
}

// SubscribeToCandidates replays stored candidates authored by
// fromParticipantID, then delivers new ones as they are appended.
func (t *MemoryTransport) SubscribeToCandidates(_ context.Context, callID, fromParticipantID string, onAdded func(*domain.CandidateRecord)) (Unsubscribe, error) {
	sub := newMemorySub(onAdded, func(c *domain.CandidateRecord) bool {
		return c.From == fromParticipantID
	})

	// Replay is enqueued before the lock is released, so a racing append
	// queues behind the stored sequence instead of overtaking it.
	t.mu.Lock()
	t.candidateSubs[callID] = append(t.candidateSubs[callID], sub)
	for _, cand := range t.candidates[callID] {
		snapshot := *cand
		sub.deliver(&snapshot)
	}
	t.mu.Unlock()

	return t.unsubCandidate(callID, sub), nil
}

// SubscribeIncoming delivers pending call records addressed to participantID.
func (t *MemoryTransport) SubscribeIncoming(_ context.Context, participantID string, onIncoming func(*domain.CallRecord)) (Unsubscribe, error) {
	sub := newMemorySub(onIncoming, nil)

	t.mu.Lock()
	t.incomingSubs[participantID] = append(t.incomingSubs[participantID], sub)
	t.mu.Unlock()

	return t.unsubIncoming(participantID, sub), nil
}

// Close stops all subscriptions and rejects further publishes.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, subs := range t.callSubs {
		for _, s := range subs {
			s.stop()
		}
	}
	for _, subs := range t.candidateSubs {
		for _, s := range subs {
			s.stop()
		}
	}
	for _, subs := range t.incomingSubs {
		for _, s := range subs {
			s.stop()
		}
	}
	return nil
}

func (t *MemoryTransport) unsubCall(callID string, sub *memorySub[*domain.CallRecord]) Unsubscribe {
	return func() {
		sub.stop()
		t.mu.Lock()
		t.callSubs[callID] = removeSub(t.callSubs[callID], sub)
		t.mu.Unlock()
	}
}

func (t *MemoryTransport) unsubCandidate(callID string, sub *memorySub[*domain.CandidateRecord]) Unsubscribe {
	return func() {
		sub.stop()
		t.mu.Lock()
		t.candidateSubs[callID] = removeSub(t.candidateSubs[callID], sub)
		t.mu.Unlock()
	}
}

func (t *MemoryTransport) unsubIncoming(participantID string, sub *memorySub[*domain.CallRecord]) Unsubscribe {
	return func() {
		sub.stop()
		t.mu.Lock()
		t.incomingSubs[participantID] = removeSub(t.incomingSubs[participantID], sub)
		t.mu.Unlock()
	}
}

func removeSub[T any](subs []*memorySub[T], target *memorySub[T]) []*memorySub[T] {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
