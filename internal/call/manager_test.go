package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwave-callkit/internal/domain"
	"chatwave-callkit/internal/signaling"
	apperrors "chatwave-callkit/pkg/errors"
)

func newTestManager(transport signaling.Transport, participantID string) *Manager {
	return NewManager(newFakeEngine(participantID), transport, ManagerConfig{
		ParticipantID: participantID,
	}, nil)
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// TestManagerInitiateBusy tests that one call at a time is enforced
func TestManagerInitiateBusy(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	manager := newTestManager(transport, "alice")
	defer manager.Close()

	_, err := manager.Initiate(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	_, err = manager.Initiate(ctx, "carol", domain.CallTypeAudio)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallBusy))

	// Ending frees the slot
	require.NoError(t, manager.End(ctx))
	_, err = manager.Initiate(ctx, "carol", domain.CallTypeAudio)
	assert.NoError(t, err)
}

// TestManagerIncomingEvent tests that a pending call addressed to this
// participant surfaces as an event
func TestManagerIncomingEvent(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	bob := newTestManager(transport, "bob")
	defer bob.Close()
	require.NoError(t, bob.Watch(ctx))

	events, cancel := bob.Subscribe()
	defer cancel()

	alice := NewCoordinator(newFakeEngine("alice"), transport, Options{
		LocalID:  "alice",
		RemoteID: "bob",
		Type:     domain.CallTypeVideo,
	})
	callID, err := alice.InitiateCall(ctx)
	require.NoError(t, err)

	event := waitEvent(t, events)
	assert.Equal(t, EventIncoming, event.Type)
	assert.Equal(t, callID, event.CallID)
	assert.Equal(t, "alice", event.From)
	assert.Equal(t, domain.CallTypeVideo, event.CallType)
}

// TestManagerBusyAutoReject tests that a second incoming call is rejected
// while one is in progress
func TestManagerBusyAutoReject(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	bob := newTestManager(transport, "bob")
	defer bob.Close()
	require.NoError(t, bob.Watch(ctx))

	// Bob is on a call with carol
	_, err := bob.Initiate(ctx, "carol", domain.CallTypeAudio)
	require.NoError(t, err)

	alice := NewCoordinator(newFakeEngine("alice"), transport, Options{
		LocalID:  "alice",
		RemoteID: "bob",
		Type:     domain.CallTypeAudio,
	})
	callID, err := alice.InitiateCall(ctx)
	require.NoError(t, err)

	// Alice's call is ended for her without bob picking up
	assert.Eventually(t, func() bool {
		record, err := transport.GetCall(ctx, callID)
		return err == nil && record.Status == domain.CallStatusEnded
	}, 2*time.Second, 5*time.Millisecond)
	waitForState(t, alice, StateEnded)
}

// TestManagerAcceptFlow tests answering through the manager
func TestManagerAcceptFlow(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := NewCoordinator(newFakeEngine("alice"), transport, Options{
		LocalID:  "alice",
		RemoteID: "bob",
		Type:     domain.CallTypeVideo,
	})
	callID, err := alice.InitiateCall(ctx)
	require.NoError(t, err)

	bob := newTestManager(transport, "bob")
	defer bob.Close()

	require.NoError(t, bob.Accept(ctx, callID))

	status := bob.Status()
	assert.Equal(t, StateConnecting, status.State)
	assert.Equal(t, callID, status.CallID)
	assert.Equal(t, RoleAcceptor, status.Role)
	assert.Equal(t, domain.CallTypeVideo, status.CallType)
	assert.Equal(t, "alice", status.RemoteID)

	require.NoError(t, bob.End(ctx))
	assert.Equal(t, StateIdle, bob.Status().State)
}

// TestManagerStatusDuringAccept tests that polling status while an accept is
// in flight is safe and settles on the accepted call
func TestManagerStatusDuringAccept(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := NewCoordinator(newFakeEngine("alice"), transport, Options{
		LocalID:  "alice",
		RemoteID: "bob",
		Type:     domain.CallTypeVideo,
	})
	callID, err := alice.InitiateCall(ctx)
	require.NoError(t, err)

	bob := newTestManager(transport, "bob")
	defer bob.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = bob.Status()
		}
	}()

	require.NoError(t, bob.Accept(ctx, callID))
	<-done

	status := bob.Status()
	assert.Equal(t, domain.CallTypeVideo, status.CallType)
	assert.Equal(t, "alice", status.RemoteID)
}

// TestManagerAcceptMalformedID tests call id validation before any transport
// traffic
func TestManagerAcceptMalformedID(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()

	manager := newTestManager(transport, "bob")
	defer manager.Close()

	err := manager.Accept(context.Background(), "not-a-call-id")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

// TestManagerStateEvents tests the state event stream across a call lifecycle
func TestManagerStateEvents(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	manager := newTestManager(transport, "alice")
	defer manager.Close()

	events, cancel := manager.Subscribe()
	defer cancel()

	_, err := manager.Initiate(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, manager.End(ctx))

	var states []State
	for len(states) == 0 || states[len(states)-1] != StateEnded {
		event := waitEvent(t, events)
		require.Equal(t, EventState, event.Type)
		states = append(states, event.State)
	}
	assert.Contains(t, states, StateOffering)
	assert.Equal(t, StateEnded, states[len(states)-1])
}

// TestManagerRejectThroughManager tests declining an incoming call without a
// session
func TestManagerRejectThroughManager(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	defer transport.Close()
	ctx := context.Background()

	alice := NewCoordinator(newFakeEngine("alice"), transport, Options{
		LocalID:  "alice",
		RemoteID: "bob",
		Type:     domain.CallTypeAudio,
	})
	callID, err := alice.InitiateCall(ctx)
	require.NoError(t, err)

	bob := newTestManager(transport, "bob")
	defer bob.Close()

	require.NoError(t, bob.Reject(ctx, callID))
	assert.Equal(t, StateIdle, bob.Status().State)

	record, err := transport.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, record.Status)
}
