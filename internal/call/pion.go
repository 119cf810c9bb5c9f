package call

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"chatwave-callkit/pkg/logger"
)

// PionEngine implements Engine on top of Pion WebRTC and pion/mediadevices.
type PionEngine struct{}

// NewPionEngine returns the production engine.
func NewPionEngine() *PionEngine {
	return &PionEngine{}
}

// CaptureMedia acquires local capture streams via pion/mediadevices.
// Platform-specific; see capture_linux.go.
func (e *PionEngine) CaptureMedia(audio, video bool) (MediaStream, error) {
	return captureMedia(audio, video)
}

// NewPeerConnection constructs a Pion peer connection configured with the
// given connectivity-assist servers and wires the three callbacks.
func (e *PionEngine) NewPeerConnection(cfg PeerConfig, cbs PeerCallbacks) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := populateMediaEngine(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	var iceServers []webrtc.ICEServer
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// End-of-gathering marker, nothing to publish.
			return
		}
		if cbs.OnICECandidate == nil {
			return
		}
		init := candidate.ToJSON()
		ic := ICECandidate{Candidate: init.Candidate}
		if init.SDPMLineIndex != nil {
			ic.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		if init.SDPMid != nil {
			ic.SDPMid = *init.SDPMid
		}
		cbs.OnICECandidate(ic)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		track := newRemoteTrack(remote)
		// Drain the track so the transport does not stall; consumers observe
		// the track through the remote stream handle.
		go track.drain()
		if cbs.OnTrack != nil {
			cbs.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cbs.OnConnectionStateChange != nil {
			cbs.OnConnectionStateChange(mapConnectionState(state))
		}
	})

	return &pionPeerConnection{pc: pc}, nil
}

func mapConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	default:
		return ConnStateClosed
	}
}

// pionPeerConnection adapts *webrtc.PeerConnection to the PeerConnection
// surface the coordinator drives.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) AddStream(stream MediaStream) error {
	ps, ok := stream.(*pionStream)
	if !ok {
		return errors.New("stream was not captured by the pion engine")
	}
	for _, track := range ps.localTracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeerConnection) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeerConnection) CreateAnswer(_ context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeerConnection) SetRemoteDescription(kind SDPKind, sdp string) error {
	sdpType := webrtc.SDPTypeOffer
	if kind == SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp})
}

func (p *pionPeerConnection) AddICECandidate(cand ICECandidate) error {
	mLine := uint16(cand.SDPMLineIndex)
	mid := cand.SDPMid
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: &mLine,
		SDPMid:        &mid,
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

// remoteTrack wraps an inbound Pion track.
type remoteTrack struct {
	remote  *webrtc.TrackRemote
	enabled atomic.Bool
	stopped atomic.Bool
}

func newRemoteTrack(remote *webrtc.TrackRemote) *remoteTrack {
	t := &remoteTrack{remote: remote}
	t.enabled.Store(true)
	return t
}

func (t *remoteTrack) ID() string { return t.remote.ID() }

func (t *remoteTrack) Kind() TrackKind {
	if t.remote.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *remoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *remoteTrack) Stop()                   { t.stopped.Store(true) }

func (t *remoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if t.stopped.Load() {
			return
		}
		if _, _, err := t.remote.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("Remote track read ended", zap.Error(err))
			}
			return
		}
	}
}
