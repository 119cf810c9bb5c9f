//go:build !linux || !cgo

package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

func populateMediaEngine(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}

func captureMedia(_, _ bool) (MediaStream, error) {
	return nil, errors.New("media capture is only supported on linux")
}
