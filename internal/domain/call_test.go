package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestComposeCallID tests the call id wire format
func TestComposeCallID(t *testing.T) {
	createdAt := time.UnixMilli(1700000000000)

	callID := ComposeCallID("alice", "bob", createdAt)

	assert.Equal(t, "alice_bob_1700000000000", callID)
}

// TestParseCallID tests round-tripping a composed call id
func TestParseCallID(t *testing.T) {
	createdAt := time.Now()
	callID := ComposeCallID("alice", "bob", createdAt)

	initiatorID, recipientID, millis, err := ParseCallID(callID)

	assert.NoError(t, err)
	assert.Equal(t, "alice", initiatorID)
	assert.Equal(t, "bob", recipientID)
	assert.Equal(t, createdAt.UnixMilli(), millis)
}

// TestParseCallIDMalformed tests rejection of malformed call ids
func TestParseCallIDMalformed(t *testing.T) {
	cases := []string{
		"",
		"alice",
		"alice_bob",
		"alice_bob_notanumber",
		"_bob_1700000000000",
		"alice__1700000000000",
		"alice_bob_123_456",
	}

	for _, callID := range cases {
		_, _, _, err := ParseCallID(callID)
		assert.Error(t, err, "expected error for %q", callID)
	}
}

// TestCallStatusTransitions tests the monotonic status lifecycle
func TestCallStatusTransitions(t *testing.T) {
	assert.True(t, CallStatusPending.CanTransition(CallStatusActive))
	assert.True(t, CallStatusPending.CanTransition(CallStatusEnded))
	assert.True(t, CallStatusActive.CanTransition(CallStatusEnded))

	// No going backwards, no leaving ended
	assert.False(t, CallStatusActive.CanTransition(CallStatusPending))
	assert.False(t, CallStatusEnded.CanTransition(CallStatusPending))
	assert.False(t, CallStatusEnded.CanTransition(CallStatusActive))
	assert.False(t, CallStatusEnded.CanTransition(CallStatusEnded))
}

// TestCallTypeValid tests call type validation
func TestCallTypeValid(t *testing.T) {
	assert.True(t, CallTypeAudio.Valid())
	assert.True(t, CallTypeVideo.Valid())
	assert.False(t, CallType("screen").Valid())
	assert.False(t, CallType("").Valid())
}

// TestSignalValidate tests that each signal kind requires its payload
func TestSignalValidate(t *testing.T) {
	valid := []Signal{
		{Kind: SignalOffer, CallID: "a_b_1", SDP: "v=0"},
		{Kind: SignalAnswer, CallID: "a_b_1", SDP: "v=0"},
		{Kind: SignalCandidate, CallID: "a_b_1", Candidate: &CandidateRecord{Candidate: "candidate:1"}},
		{Kind: SignalStatusChange, CallID: "a_b_1", Status: CallStatusEnded},
	}
	for _, s := range valid {
		assert.NoError(t, s.Validate(), "kind %s", s.Kind)
	}

	invalid := []Signal{
		{Kind: SignalOffer, CallID: "a_b_1"},
		{Kind: SignalAnswer, CallID: "a_b_1"},
		{Kind: SignalCandidate, CallID: "a_b_1"},
		{Kind: SignalCandidate, CallID: "a_b_1", Candidate: &CandidateRecord{}},
		{Kind: SignalStatusChange, CallID: "a_b_1", Status: "ringing"},
		{Kind: "unknown", CallID: "a_b_1"},
		{Kind: SignalOffer, SDP: "v=0"}, // missing call id
	}
	for _, s := range invalid {
		assert.Error(t, s.Validate(), "kind %s", s.Kind)
	}
}
