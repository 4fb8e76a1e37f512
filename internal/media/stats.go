package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Stats are inbound counters for the remote tracks of a peer.
type Stats struct {
	AudioPackets uint64    `json:"audioPackets"`
	VideoPackets uint64    `json:"videoPackets"`
	Bytes        uint64    `json:"bytes"`
	Lost         uint64    `json:"lost"`
	LastPacketAt time.Time `json:"lastPacketAt,omitempty"`
}

type inboundStats struct {
	mu      sync.Mutex
	s       Stats
	lastSeq map[uint32]uint16
}

func newInboundStats() *inboundStats {
	return &inboundStats{lastSeq: make(map[uint32]uint16)}
}

// observe counts pkt. Gaps in the sequence number of one SSRC are counted
// as lost; late or repeated packets are not.
func (st *inboundStats) observe(video bool, pkt *rtp.Packet, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if video {
		st.s.VideoPackets++
	} else {
		st.s.AudioPackets++
	}
	st.s.Bytes += uint64(len(pkt.Payload))
	st.s.LastPacketAt = at

	seq := pkt.SequenceNumber
	last, ok := st.lastSeq[pkt.SSRC]
	if !ok {
		st.lastSeq[pkt.SSRC] = seq
		return
	}
	delta := seq - last
	if delta == 0 || delta >= 0x8000 {
		return
	}
	st.s.Lost += uint64(delta - 1)
	st.lastSeq[pkt.SSRC] = seq
}

func (st *inboundStats) snapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// pliPackets builds one PictureLossIndication per remote video SSRC.
func pliPackets(ssrcs []webrtc.SSRC) []rtcp.Packet {
	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, s := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(s)})
	}
	return pkts
}
