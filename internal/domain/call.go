package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CallType represents the media profile of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus represents the lifecycle status of a call record.
// Transitions are monotonic: pending -> active -> ended, or pending -> ended.
type CallStatus string

const (
	CallStatusPending CallStatus = "pending"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// CanTransition reports whether moving from s to next is a forward transition.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case CallStatusPending:
		return next == CallStatusActive || next == CallStatusEnded
	case CallStatusActive:
		return next == CallStatusEnded
	default:
		return false
	}
}

// CallRecord is the persisted description of one call attempt. The initiator
// writes the offer and initial fields, the acceptor writes the answer and
// active status, either side writes the ended status and end time.
type CallRecord struct {
	CallID      string     `json:"call_id" firestore:"-"`
	InitiatorID string     `json:"initiator_id" firestore:"initiatorId"`
	RecipientID string     `json:"recipient_id" firestore:"recipientId"`
	Type        CallType   `json:"type" firestore:"type"`
	Status      CallStatus `json:"status" firestore:"status"`
	Offer       string     `json:"offer" firestore:"offer"`
	Answer      string     `json:"answer,omitempty" firestore:"answer,omitempty"`
	StartTime   int64      `json:"start_time" firestore:"startTime"` // epoch millis
	EndTime     int64      `json:"end_time,omitempty" firestore:"endTime,omitempty"`
	Duration    int        `json:"duration,omitempty" firestore:"duration,omitempty"` // seconds
}

// CandidateRecord is one connectivity candidate generated by one peer during
// negotiation. Candidates are append-only; a receiver only applies candidates
// authored by the other participant.
type CandidateRecord struct {
	CallID        string `json:"call_id" firestore:"-"`
	Candidate     string `json:"candidate" firestore:"candidate"`
	SDPMLineIndex int    `json:"sdp_mline_index" firestore:"sdpMLineIndex"`
	SDPMid        string `json:"sdp_mid" firestore:"sdpMid"`
	From          string `json:"from" firestore:"from"`
}

// ComposeCallID builds the call identifier from the two participants and the
// creation time: {initiatorId}_{recipientId}_{creationEpochMillis}.
func ComposeCallID(initiatorID, recipientID string, createdAt time.Time) string {
	return fmt.Sprintf("%s_%s_%d", initiatorID, recipientID, createdAt.UnixMilli())
}

// ParseCallID splits a call identifier back into its parts.
// Participant ids themselves must not contain underscores.
func ParseCallID(callID string) (initiatorID, recipientID string, createdMillis int64, err error) {
	parts := strings.Split(callID, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, fmt.Errorf("malformed call id %q", callID)
	}
	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed call id %q: %w", callID, err)
	}
	return parts[0], parts[1], millis, nil
}

// SignalKind tags the explicit signaling message kinds exchanged through the
// transport. Replaces the untyped payloads of the original wire format.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalCandidate    SignalKind = "candidate"
	SignalStatusChange SignalKind = "status_change"
)

// Signal is the tagged union carried over pub/sub transports. Exactly one of
// the optional fields is set, matching Kind.
type Signal struct {
	Kind      SignalKind       `json:"kind"`
	CallID    string           `json:"call_id"`
	From      string           `json:"from,omitempty"`
	SDP       string           `json:"sdp,omitempty"`       // offer / answer
	Candidate *CandidateRecord `json:"candidate,omitempty"` // candidate
	Status    CallStatus       `json:"status,omitempty"`    // status_change
	Timestamp time.Time        `json:"timestamp"`
}

// Validate checks that the signal carries the payload its kind requires.
func (s *Signal) Validate() error {
	if s.CallID == "" {
		return fmt.Errorf("signal missing call id")
	}
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%s signal missing sdp", s.Kind)
		}
	case SignalCandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return fmt.Errorf("candidate signal missing payload")
		}
	case SignalStatusChange:
		if s.Status != CallStatusPending && s.Status != CallStatusActive && s.Status != CallStatusEnded {
			return fmt.Errorf("status_change signal has unknown status %q", s.Status)
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return nil
}
