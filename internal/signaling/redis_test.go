package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwave-callkit/internal/domain"
)

// TestOfferSignalRoundTrip tests that a published call record travels the
// Pub/Sub wire as a validated offer signal
func TestOfferSignalRoundTrip(t *testing.T) {
	record := pendingCall("alice_bob_1")

	payload, err := encodeSignal(offerSignal(record))
	require.NoError(t, err)

	sig, err := decodeSignal(payload)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalOffer, sig.Kind)
	assert.Equal(t, "alice_bob_1", sig.CallID)
	assert.Equal(t, "alice", sig.From)
	assert.Equal(t, "v=0 offer", sig.SDP)
}

// TestUpdateSignalKinds tests the signal emitted for each record mutation
func TestUpdateSignalKinds(t *testing.T) {
	record := pendingCall("alice_bob_1")
	record.Answer = "v=0 answer"
	record.Status = domain.CallStatusActive

	answer := "v=0 answer"
	sig := updateSignal(record, CallUpdate{Answer: &answer})
	assert.Equal(t, domain.SignalAnswer, sig.Kind)
	assert.Equal(t, "bob", sig.From)
	assert.Equal(t, "v=0 answer", sig.SDP)
	assert.NoError(t, sig.Validate())

	ended := domain.CallStatusEnded
	record.Status = ended
	sig = updateSignal(record, CallUpdate{Status: &ended})
	assert.Equal(t, domain.SignalStatusChange, sig.Kind)
	assert.Equal(t, domain.CallStatusEnded, sig.Status)
	assert.NoError(t, sig.Validate())
}

// TestCandidateSignalValid tests the candidate announcement envelope
func TestCandidateSignalValid(t *testing.T) {
	sig := candidateSignal(&domain.CandidateRecord{
		CallID:    "alice_bob_1",
		Candidate: "candidate:a1",
		From:      "alice",
	})
	require.NoError(t, sig.Validate())
	assert.Equal(t, domain.SignalCandidate, sig.Kind)
	assert.Equal(t, "candidate:a1", sig.Candidate.Candidate)
}

// TestEncodeSignalRejectsInvalid tests that malformed signals never reach
// the wire
func TestEncodeSignalRejectsInvalid(t *testing.T) {
	noOffer := pendingCall("alice_bob_1")
	noOffer.Offer = ""
	_, err := encodeSignal(offerSignal(noOffer))
	assert.Error(t, err)

	_, err = encodeSignal(candidateSignal(&domain.CandidateRecord{
		CallID: "alice_bob_1",
		From:   "alice",
	}))
	assert.Error(t, err)
}

// TestDecodeSignalRejectsInvalid tests that untyped or garbage payloads are
// dropped at the subscription boundary
func TestDecodeSignalRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"garbage", "not json"},
		{"empty object", "{}"},
		{"missing kind", `{"call_id":"a_b_1","status":""}`},
		{"unknown kind", `{"kind":"ring","call_id":"a_b_1"}`},
		{"offer without sdp", `{"kind":"offer","call_id":"a_b_1"}`},
		{"answer without sdp", `{"kind":"answer","call_id":"a_b_1"}`},
		{"candidate without payload", `{"kind":"candidate","call_id":"a_b_1"}`},
		{"status change with unknown status", `{"kind":"status_change","call_id":"a_b_1","status":"ringing"}`},
		{"missing call id", `{"kind":"offer","sdp":"v=0"}`},
	}
	for _, tc := range cases {
		_, err := decodeSignal([]byte(tc.payload))
		assert.Error(t, err, tc.name)
	}
}
