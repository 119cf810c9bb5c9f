// Package call drives one peer call through its full lifecycle for one local
// participant: media acquisition, connection negotiation, candidate exchange,
// status transitions and recovery. Signaling delivery is the transport's job;
// the media/connection primitive is supplied by an Engine.
package call

import (
	"context"
	"sync"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// ConnectionState mirrors the peer connection state surface the coordinator
// reacts to.
type ConnectionState string

const (
	ConnStateNew          ConnectionState = "new"
	ConnStateConnecting   ConnectionState = "connecting"
	ConnStateConnected    ConnectionState = "connected"
	ConnStateDisconnected ConnectionState = "disconnected"
	ConnStateFailed       ConnectionState = "failed"
	ConnStateClosed       ConnectionState = "closed"
)

// SDPKind tags a session description as one half of the offer/answer exchange.
type SDPKind string

const (
	SDPOffer  SDPKind = "offer"
	SDPAnswer SDPKind = "answer"
)

// ICECandidate is one discovered network path descriptor, without call
// routing metadata. The coordinator wraps it into a CandidateRecord before
// publishing.
type ICECandidate struct {
	Candidate     string
	SDPMLineIndex int
	SDPMid        string
}

// MediaTrack is one local or remote media track.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	// SetEnabled mutes (false) or unmutes (true) the track. Local operation,
	// no signaling.
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// MediaStream is a set of media tracks captured together.
type MediaStream interface {
	Tracks() []MediaTrack
}

// PeerCallbacks are the three callbacks the coordinator registers on every
// connection handle it creates.
type PeerCallbacks struct {
	OnICECandidate          func(ICECandidate)
	OnTrack                 func(MediaTrack)
	OnConnectionStateChange func(ConnectionState)
}

// PeerConfig configures a new peer connection.
type PeerConfig struct {
	// STUNServers are the connectivity-assist server URLs, passed in
	// explicitly rather than read from ambient globals.
	STUNServers []string
}

// PeerConnection is the connection establishment primitive.
type PeerConnection interface {
	// AddStream attaches every track of stream for sending.
	AddStream(stream MediaStream) error

	// CreateOffer generates an offer description, applies it as the local
	// description and returns its SDP.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer generates an answer to the applied remote offer, applies
	// it as the local description and returns its SDP.
	CreateAnswer(ctx context.Context) (string, error)

	// SetRemoteDescription applies the peer's description.
	SetRemoteDescription(kind SDPKind, sdp string) error

	// AddICECandidate applies one remote candidate.
	AddICECandidate(cand ICECandidate) error

	Close() error
}

// Engine supplies the runtime environment capabilities: capture devices and
// the connection establishment primitive.
type Engine interface {
	// CaptureMedia acquires local capture streams. Audio is always requested;
	// video only for video calls.
	CaptureMedia(audio, video bool) (MediaStream, error)

	// NewPeerConnection constructs a connection handle with the three
	// callbacks registered.
	NewPeerConnection(cfg PeerConfig, cbs PeerCallbacks) (PeerConnection, error)
}

// RemoteStream aggregates remote tracks as they arrive during negotiation.
// Starts empty and is populated incrementally.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []MediaTrack
}

// NewRemoteStream returns an empty remote stream.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// AddTrack appends a newly received remote track.
func (s *RemoteStream) AddTrack(t MediaTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns the tracks received so far.
func (s *RemoteStream) Tracks() []MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MediaTrack(nil), s.tracks...)
}
