//go:build linux && cgo

package media

import (
	"context"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/callerr"
)

// newPlatformAPI builds a WebRTC API whose codecs match the local VP8/Opus
// encoders, plus V4L2/malgo capture devices.
func newPlatformAPI() (*webrtc.API, Devices, bool, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, false, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, false, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, false, err
	}

	// Relay paths can stall for a few seconds during failover; keep ICE
	// from declaring the peer gone too early.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return api, &captureDevices{selector: selector}, true, nil
}

// captureDevices opens one track per call to Acquire.
type captureDevices struct {
	selector *mediadevices.CodecSelector
}

func (d *captureDevices) Acquire(_ context.Context, kind TrackKind) (Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if kind == Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit malformed frames that break
			// the VP8 encoder; raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	} else {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, callerr.Wrap(callerr.PermissionDenied, "acquire "+kind.String(), err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, callerr.New(callerr.PermissionDenied, "acquire "+kind.String(), "no track returned")
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	t := tracks[0]
	t.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Str("kind", kind.String()).Err(err).Msg("MEDIA: local track ended")
		}
	})
	log.Info().Str("kind", kind.String()).Str("id", t.ID()).Msg("MEDIA: local track captured")
	return &deviceTrack{t: t, kind: kind}, nil
}

// deviceTrack adapts a mediadevices track. Stop closes the underlying
// device once.
type deviceTrack struct {
	t    mediadevices.Track
	kind TrackKind
	once sync.Once
}

func (d *deviceTrack) Kind() TrackKind          { return d.kind }
func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }
func (d *deviceTrack) Stop() {
	d.once.Do(func() {
		if err := d.t.Close(); err != nil {
			log.Debug().Err(err).Msg("MEDIA: track close")
		}
	})
}
