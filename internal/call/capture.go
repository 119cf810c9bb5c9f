package call

import (
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// pionStream wraps a captured mediadevices stream.
type pionStream struct {
	stream mediadevices.MediaStream
	tracks []*localTrack
}

func newPionStream(stream mediadevices.MediaStream) *pionStream {
	ps := &pionStream{stream: stream}
	for _, t := range stream.GetTracks() {
		ps.tracks = append(ps.tracks, newLocalTrack(t))
	}
	return ps
}

func (s *pionStream) Tracks() []MediaTrack {
	out := make([]MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *pionStream) localTracks() []mediadevices.Track {
	out := make([]mediadevices.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.track
	}
	return out
}

// localTrack wraps a captured mediadevices track.
type localTrack struct {
	track   mediadevices.Track
	enabled atomic.Bool
}

func newLocalTrack(track mediadevices.Track) *localTrack {
	t := &localTrack{track: track}
	t.enabled.Store(true)
	return t
}

func (t *localTrack) ID() string { return t.track.ID() }

func (t *localTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

func (t *localTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *localTrack) Enabled() bool           { return t.enabled.Load() }

func (t *localTrack) Stop() {
	_ = t.track.Close()
}
