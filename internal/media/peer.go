package media

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/transport"
)

// Signaling verbs for the peer handshake, scoped by room id.
const (
	VerbOffer  = "webrtc:offer"
	VerbAnswer = "webrtc:answer"
	VerbICE    = "webrtc:ice"
)

// Signaler is the slice of the transport the Pion negotiator talks through.
type Signaler interface {
	SendCommand(ctx context.Context, verb string, payload any) (transport.Result, error)
	OnEvent(name string, h transport.Handler) transport.Unsubscribe
}

type sdpMessage struct {
	RoomID string                    `json:"roomId"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type iceMessage struct {
	RoomID    string                  `json:"roomId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// localTrack is implemented by tracks that Pion can send.
type localTrack interface {
	Track
	Local() webrtc.TrackLocal
}

// PionOptions configure the Pion negotiator.
type PionOptions struct {
	STUNServers []string
}

// PionNegotiator negotiates real peer connections with pion/webrtc,
// exchanging offer, answer and ICE candidates over the signaling socket.
type PionNegotiator struct {
	sig        Signaler
	api        *webrtc.API
	config     webrtc.Configuration
	canCapture bool
}

// NewPion builds the negotiator and the capture devices of this platform.
func NewPion(sig Signaler, o PionOptions) (*PionNegotiator, Devices, error) {
	api, dev, canCapture, err := newPlatformAPI()
	if err != nil {
		return nil, nil, err
	}
	cfg := webrtc.Configuration{}
	if len(o.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.STUNServers}}
	}
	return &PionNegotiator{sig: sig, api: api, config: cfg, canCapture: canCapture}, dev, nil
}

// Negotiate runs one offer/answer exchange for roomID and waits until the
// peer connection reports connected.
func (n *PionNegotiator) Negotiate(ctx context.Context, roomID string, o NegotiateOptions) (Peer, error) {
	const op = "negotiate"
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, callerr.Wrap(callerr.TransportError, op, err)
	}
	p := &pionPeer{roomID: roomID, pc: pc, stats: newInboundStats()}
	fail := func(kind callerr.Kind, err error) (Peer, error) {
		p.Close()
		return nil, callerr.Wrap(kind, op, err)
	}

	if p.audio, err = n.addTransceiver(pc, webrtc.RTPCodecTypeAudio, o.Audio); err != nil {
		return fail(callerr.TransportError, err)
	}
	if p.video, err = n.addTransceiver(pc, webrtc.RTPCodecTypeVideo, o.Video); err != nil {
		return fail(callerr.TransportError, err)
	}

	connected := make(chan struct{})
	failed := make(chan struct{})
	var connOnce, failOnce sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("room_id", roomID).Str("state", s.String()).Msg("MEDIA: peer connection state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			connOnce.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			failOnce.Do(func() { close(failed) })
		}
	})
	pc.OnTrack(p.onTrack)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if _, err := n.sig.SendCommand(ctx, VerbICE, iceMessage{RoomID: roomID, Candidate: c.ToJSON()}); err != nil {
			log.Debug().Str("room_id", roomID).Err(err).Msg("MEDIA: ICE candidate not sent")
		}
	})

	remote := make(chan webrtc.SessionDescription, 1)
	waitFor := VerbOffer
	if o.Offerer {
		waitFor = VerbAnswer
	}
	p.unsubs = append(p.unsubs, n.sig.OnEvent(waitFor, func(m transport.Message) {
		var msg sdpMessage
		if json.Unmarshal(m.Data, &msg) != nil || msg.RoomID != roomID {
			return
		}
		select {
		case remote <- msg.SDP:
		default:
		}
	}))
	p.unsubs = append(p.unsubs, n.sig.OnEvent(VerbICE, func(m transport.Message) {
		var msg iceMessage
		if json.Unmarshal(m.Data, &msg) != nil || msg.RoomID != roomID {
			return
		}
		p.addCandidate(msg.Candidate)
	}))

	awaitRemote := func() (webrtc.SessionDescription, error) {
		select {
		case sd := <-remote:
			return sd, nil
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}

	if o.Offerer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fail(callerr.TransportError, err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fail(callerr.TransportError, err)
		}
		if _, err := n.sig.SendCommand(ctx, VerbOffer, sdpMessage{RoomID: roomID, SDP: *pc.LocalDescription()}); err != nil {
			return fail(callerr.KindOf(err), err)
		}
		answer, err := awaitRemote()
		if err != nil {
			return fail(callerr.Timeout, err)
		}
		if err := p.setRemote(answer); err != nil {
			return fail(callerr.TransportError, err)
		}
	} else {
		offer, err := awaitRemote()
		if err != nil {
			return fail(callerr.Timeout, err)
		}
		if err := p.setRemote(offer); err != nil {
			return fail(callerr.TransportError, err)
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fail(callerr.TransportError, err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fail(callerr.TransportError, err)
		}
		if _, err := n.sig.SendCommand(ctx, VerbAnswer, sdpMessage{RoomID: roomID, SDP: *pc.LocalDescription()}); err != nil {
			return fail(callerr.KindOf(err), err)
		}
	}

	select {
	case <-connected:
		log.Info().Str("room_id", roomID).Msgf("MEDIA [%s]: peer connected", roomID)
		return p, nil
	case <-failed:
		return fail(callerr.TransportError, errors.New("peer connection failed"))
	case <-ctx.Done():
		return fail(callerr.Timeout, ctx.Err())
	}
}

// addTransceiver sends t when given. Without a track the transceiver is
// still sendrecv on platforms that can capture, so video can be turned on
// later; elsewhere it is receive-only.
func (n *PionNegotiator) addTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, t Track) (*webrtc.RTPSender, error) {
	if lt, ok := t.(localTrack); ok {
		tr, err := pc.AddTransceiverFromTrack(lt.Local(), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return nil, err
		}
		return tr.Sender(), nil
	}
	dir := webrtc.RTPTransceiverDirectionRecvonly
	if n.canCapture {
		dir = webrtc.RTPTransceiverDirectionSendrecv
	}
	tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: dir})
	if err != nil {
		return nil, err
	}
	return tr.Sender(), nil
}

type pionPeer struct {
	roomID string
	pc     *webrtc.PeerConnection
	audio  *webrtc.RTPSender
	video  *webrtc.RTPSender
	stats  *inboundStats
	unsubs []transport.Unsubscribe

	mu          sync.Mutex
	haveRemote  bool
	pending     []webrtc.ICECandidateInit
	remoteVideo []webrtc.SSRC

	closeOnce sync.Once
}

func (p *pionPeer) setRemote(sd webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	p.mu.Lock()
	p.haveRemote = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Debug().Str("room_id", p.roomID).Err(err).Msg("MEDIA: buffered ICE candidate rejected")
		}
	}
	return nil
}

// addCandidate buffers candidates that arrive before the remote description.
func (p *pionPeer) addCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.haveRemote {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		log.Debug().Str("room_id", p.roomID).Err(err).Msg("MEDIA: ICE candidate rejected")
	}
}

func (p *pionPeer) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	video := tr.Kind() == webrtc.RTPCodecTypeVideo
	log.Info().Str("room_id", p.roomID).Str("kind", tr.Kind().String()).Str("codec", tr.Codec().MimeType).
		Msgf("MEDIA [%s]: remote track", p.roomID)
	if video {
		p.mu.Lock()
		p.remoteVideo = append(p.remoteVideo, tr.SSRC())
		p.mu.Unlock()
		if err := p.RequestKeyFrame(); err != nil {
			log.Debug().Err(err).Msg("MEDIA: initial PLI")
		}
	}
	go func() {
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				return
			}
			p.stats.observe(video, pkt, time.Now())
		}
	}()
}

func (p *pionPeer) SetTrack(kind TrackKind, t Track) error {
	sender := p.audio
	if kind == Video {
		sender = p.video
	}
	if sender == nil {
		return errors.New("no " + kind.String() + " sender on this connection")
	}
	if t == nil {
		return sender.ReplaceTrack(nil)
	}
	lt, ok := t.(localTrack)
	if !ok {
		return errors.New("track cannot be sent")
	}
	return sender.ReplaceTrack(lt.Local())
}

func (p *pionPeer) RequestKeyFrame() error {
	p.mu.Lock()
	ssrcs := append([]webrtc.SSRC(nil), p.remoteVideo...)
	p.mu.Unlock()
	if len(ssrcs) == 0 {
		return nil
	}
	return p.pc.WriteRTCP(pliPackets(ssrcs))
}

func (p *pionPeer) Stats() Stats { return p.stats.snapshot() }

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		for _, u := range p.unsubs {
			u()
		}
		err = p.pc.Close()
	})
	return err
}
