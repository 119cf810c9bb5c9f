package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwave-callkit/internal/domain"
	apperrors "chatwave-callkit/pkg/errors"
)

func pendingCall(callID string) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:      callID,
		InitiatorID: "alice",
		RecipientID: "bob",
		Type:        domain.CallTypeVideo,
		Status:      domain.CallStatusPending,
		Offer:       "v=0 offer",
		StartTime:   time.Now().UnixMilli(),
	}
}

// TestMemoryTransportPublishAndGet tests storing and reading a call record
func TestMemoryTransportPublishAndGet(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	require.NoError(t, transport.PublishCall(ctx, pendingCall("alice_bob_1")))

	record, err := transport.GetCall(ctx, "alice_bob_1")
	require.NoError(t, err)
	assert.Equal(t, "alice", record.InitiatorID)
	assert.Equal(t, domain.CallStatusPending, record.Status)
	assert.Equal(t, "v=0 offer", record.Offer)
}

// TestMemoryTransportGetMissing tests the missing-record error
func TestMemoryTransportGetMissing(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	_, err := transport.GetCall(context.Background(), "nope_nope_1")

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}

// TestMemoryTransportUpdateNotifiesSubscribers tests that call subscribers see
// the initial state and every mutation
func TestMemoryTransportUpdateNotifiesSubscribers(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	require.NoError(t, transport.PublishCall(ctx, pendingCall("alice_bob_1")))

	changes := make(chan *domain.CallRecord, 8)
	unsub, err := transport.SubscribeToCall(ctx, "alice_bob_1", func(r *domain.CallRecord) {
		changes <- r
	})
	require.NoError(t, err)
	defer unsub()

	// Initial snapshot
	first := waitRecord(t, changes)
	assert.Equal(t, domain.CallStatusPending, first.Status)

	answer := "v=0 answer"
	active := domain.CallStatusActive
	require.NoError(t, transport.UpdateCall(ctx, "alice_bob_1", CallUpdate{
		Answer: &answer,
		Status: &active,
	}))

	second := waitRecord(t, changes)
	assert.Equal(t, domain.CallStatusActive, second.Status)
	assert.Equal(t, "v=0 answer", second.Answer)
}

// TestMemoryTransportUpdatePartial tests that unset update fields are untouched
func TestMemoryTransportUpdatePartial(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	require.NoError(t, transport.PublishCall(ctx, pendingCall("alice_bob_1")))

	ended := domain.CallStatusEnded
	endTime := time.Now().UnixMilli()
	require.NoError(t, transport.UpdateCall(ctx, "alice_bob_1", CallUpdate{
		Status:  &ended,
		EndTime: &endTime,
	}))

	record, err := transport.GetCall(ctx, "alice_bob_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, record.Status)
	assert.Equal(t, endTime, record.EndTime)
	// Fields not named by the update keep their values
	assert.Equal(t, "v=0 offer", record.Offer)
	assert.Equal(t, "alice", record.InitiatorID)
}

// TestMemoryTransportCandidateFilter tests that a subscriber only sees
// candidates authored by the other participant, in append order, exactly once
func TestMemoryTransportCandidateFilter(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	publish := func(from, payload string) {
		require.NoError(t, transport.PublishCandidate(ctx, &domain.CandidateRecord{
			CallID:    "alice_bob_1",
			Candidate: payload,
			From:      from,
		}))
	}

	// Stored before the subscription: must be replayed
	publish("alice", "candidate:a1")
	publish("bob", "candidate:b1")

	received := make(chan *domain.CandidateRecord, 8)
	unsub, err := transport.SubscribeToCandidates(ctx, "alice_bob_1", "alice", func(c *domain.CandidateRecord) {
		received <- c
	})
	require.NoError(t, err)
	defer unsub()

	// Published after the subscription: must be delivered live
	publish("alice", "candidate:a2")
	publish("bob", "candidate:b2")

	first := waitCandidate(t, received)
	second := waitCandidate(t, received)
	assert.Equal(t, "candidate:a1", first.Candidate)
	assert.Equal(t, "candidate:a2", second.Candidate)

	// Nothing from bob, and no duplicates
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra candidate %q from %q", extra.Candidate, extra.From)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMemoryTransportReplayOrderUnderConcurrentPublish tests that a publish
// racing a subscription cannot be delivered ahead of the stored sequence
func TestMemoryTransportReplayOrderUnderConcurrentPublish(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		transport := NewMemoryTransport()

		publish := func(payload string) {
			require.NoError(t, transport.PublishCandidate(ctx, &domain.CandidateRecord{
				CallID:    "alice_bob_1",
				Candidate: payload,
				From:      "alice",
			}))
		}
		publish("candidate:a1")
		publish("candidate:a2")
		publish("candidate:a3")

		received := make(chan *domain.CandidateRecord, 8)
		racing := make(chan struct{})
		go func() {
			defer close(racing)
			assert.NoError(t, transport.PublishCandidate(ctx, &domain.CandidateRecord{
				CallID:    "alice_bob_1",
				Candidate: "candidate:a4",
				From:      "alice",
			}))
		}()

		unsub, err := transport.SubscribeToCandidates(ctx, "alice_bob_1", "alice", func(c *domain.CandidateRecord) {
			received <- c
		})
		require.NoError(t, err)

		var order []string
		for len(order) < 4 {
			order = append(order, waitCandidate(t, received).Candidate)
		}
		assert.Equal(t, []string{"candidate:a1", "candidate:a2", "candidate:a3", "candidate:a4"}, order,
			"iteration %d", i)

		<-racing
		unsub()
		require.NoError(t, transport.Close())
	}
}

// TestMemoryTransportSnapshotOrderUnderConcurrentUpdate tests that the initial
// call snapshot is never delivered after a racing mutation
func TestMemoryTransportSnapshotOrderUnderConcurrentUpdate(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		transport := NewMemoryTransport()
		require.NoError(t, transport.PublishCall(ctx, pendingCall("alice_bob_1")))

		statuses := make(chan domain.CallStatus, 8)
		active := domain.CallStatusActive
		racing := make(chan struct{})
		go func() {
			defer close(racing)
			assert.NoError(t, transport.UpdateCall(ctx, "alice_bob_1", CallUpdate{Status: &active}))
		}()

		unsub, err := transport.SubscribeToCall(ctx, "alice_bob_1", func(r *domain.CallRecord) {
			statuses <- r.Status
		})
		require.NoError(t, err)

		first := waitStatus(t, statuses)
		if first == domain.CallStatusPending {
			assert.Equal(t, domain.CallStatusActive, waitStatus(t, statuses), "iteration %d", i)
		} else {
			require.Equal(t, domain.CallStatusActive, first, "iteration %d", i)
			// Nothing older may trail the newer state
			select {
			case s := <-statuses:
				assert.NotEqual(t, domain.CallStatusPending, s, "iteration %d", i)
			case <-time.After(25 * time.Millisecond):
			}
		}

		<-racing
		unsub()
		require.NoError(t, transport.Close())
	}
}

// TestMemoryTransportIncoming tests discovery of pending calls by recipient
func TestMemoryTransportIncoming(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	incoming := make(chan *domain.CallRecord, 4)
	unsub, err := transport.SubscribeIncoming(ctx, "bob", func(r *domain.CallRecord) {
		incoming <- r
	})
	require.NoError(t, err)
	defer unsub()

	// Addressed to bob: delivered
	require.NoError(t, transport.PublishCall(ctx, pendingCall("alice_bob_1")))

	// Addressed to someone else: not delivered
	other := pendingCall("alice_carol_2")
	other.RecipientID = "carol"
	require.NoError(t, transport.PublishCall(ctx, other))

	record := waitRecord(t, incoming)
	assert.Equal(t, "alice_bob_1", record.CallID)

	select {
	case extra := <-incoming:
		t.Fatalf("unexpected incoming call %q", extra.CallID)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMemoryTransportUnsubscribeStopsDelivery tests that cancelled
// subscriptions stop receiving
func TestMemoryTransportUnsubscribeStopsDelivery(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	require.NoError(t, transport.PublishCall(ctx, pendingCall("alice_bob_1")))

	changes := make(chan *domain.CallRecord, 8)
	unsub, err := transport.SubscribeToCall(ctx, "alice_bob_1", func(r *domain.CallRecord) {
		changes <- r
	})
	require.NoError(t, err)
	waitRecord(t, changes) // initial snapshot

	unsub()

	ended := domain.CallStatusEnded
	require.NoError(t, transport.UpdateCall(ctx, "alice_bob_1", CallUpdate{Status: &ended}))

	select {
	case <-changes:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMemoryTransportClosedRejectsPublish tests publish after Close
func TestMemoryTransportClosedRejectsPublish(t *testing.T) {
	transport := NewMemoryTransport()
	require.NoError(t, transport.Close())

	err := transport.PublishCall(context.Background(), pendingCall("alice_bob_1"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSignaling))

	err = transport.PublishCandidate(context.Background(), &domain.CandidateRecord{CallID: "alice_bob_1", Candidate: "c", From: "alice"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSignaling))
}

func waitRecord(t *testing.T, ch <-chan *domain.CallRecord) *domain.CallRecord {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call record")
		return nil
	}
}

func waitStatus(t *testing.T, ch <-chan domain.CallStatus) domain.CallStatus {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
		return ""
	}
}

func waitCandidate(t *testing.T, ch <-chan *domain.CandidateRecord) *domain.CandidateRecord {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for candidate")
		return nil
	}
}
