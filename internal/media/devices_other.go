//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// newPlatformAPI builds a receive-only WebRTC API. Capture via
// pion/mediadevices needs the Linux drivers; elsewhere no local media is sent.
func newPlatformAPI() (*webrtc.API, Devices, bool, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, false, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, false, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	log.Info().Msg("MEDIA: no capture drivers on this platform, calls are receive-only")
	return api, noCapture{}, false, nil
}

type noCapture struct{}

func (noCapture) Acquire(context.Context, TrackKind) (Track, error) { return nil, nil }
