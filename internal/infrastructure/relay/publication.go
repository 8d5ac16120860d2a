package relay

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	"teleconsulta/internal/infrastructure/media"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	rtpMTU         = 1200
	videoClockRate = 90000
	audioClockRate = 48000
	videoPayload   = 96
	audioPayload   = 111
)

type publication struct {
	sid    string
	source domain.TrackSource
	track  ports.MediaTrack
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	muted atomic.Bool
	once  sync.Once
	done  chan struct{}
}

var _ ports.Publication = (*publication)(nil)

func (p *publication) SID() string                { return p.sid }
func (p *publication) Source() domain.TrackSource { return p.source }
func (p *publication) Track() ports.MediaTrack    { return p.track }
func (p *publication) Muted() bool                { return p.muted.Load() }

// stop ends forwarding. The media track itself belongs to the caller.
func (p *publication) stop() {
	p.once.Do(func() { close(p.done) })
}

// framePacketizer splits frames into RTP packets stamped from the frame
// timestamps.
type framePacketizer struct {
	packetizer rtp.Packetizer
	clockRate  uint32
	base       uint32
}

func newFramePacketizer(kind ports.TrackKind) *framePacketizer {
	if kind == ports.KindAudio {
		return &framePacketizer{
			packetizer: rtp.NewPacketizer(rtpMTU, audioPayload, rand.Uint32(),
				&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), audioClockRate),
			clockRate: audioClockRate,
			base:      rand.Uint32(),
		}
	}
	return &framePacketizer{
		packetizer: rtp.NewPacketizer(rtpMTU, videoPayload, rand.Uint32(),
			&codecs.VP8Payloader{}, rtp.NewRandomSequencer(), videoClockRate),
		clockRate: videoClockRate,
		base:      rand.Uint32(),
	}
}

func (f *framePacketizer) packets(frame media.Frame) []*rtp.Packet {
	ts := f.base + uint32(frame.Timestamp.Seconds()*float64(f.clockRate))
	pkts := f.packetizer.Packetize(frame.Data, 0)
	for _, p := range pkts {
		p.Timestamp = ts
	}
	return pkts
}

// forward writes the publication's frames to its RTP track until the
// publication or the track ends. Muted frames are dropped.
func (p *publication) forward(frames <-chan media.Frame, logger *zap.SugaredLogger) {
	pk := newFramePacketizer(p.track.Kind())
	var sent uint64

	for {
		select {
		case <-p.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if p.muted.Load() {
				continue
			}
			for _, pkt := range pk.packets(frame) {
				if err := p.local.WriteRTP(pkt); err != nil {
					logger.Debugw("rtp write failed", "sid", p.sid, "error", err)
					break
				}
			}
			sent++
			if sent%300 == 0 {
				logger.Debugw("forwarding publication", "sid", p.sid, "frames_sent", sent)
			}
		}
	}
}

// readRTCP drains the sender's RTCP and reports the connection quality the
// receiver sees.
func (p *publication) readRTCP(report func(domain.ConnectionQuality)) {
	last := domain.QualityUnknown
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		q, ok := qualityFromRTCP(pkts)
		if ok && q != last {
			last = q
			report(q)
		}
	}
}

// qualityFromRTCP averages receiver report loss. Reports without receiver
// blocks leave the quality unchanged.
func qualityFromRTCP(pkts []rtcp.Packet) (domain.ConnectionQuality, bool) {
	var lost, n int
	for _, pkt := range pkts {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, r := range rr.Reports {
			lost += int(r.FractionLost)
			n++
		}
	}
	if n == 0 {
		return domain.QualityUnknown, false
	}
	return qualityForLoss(float64(lost) / float64(n) / 256), true
}

func qualityForLoss(loss float64) domain.ConnectionQuality {
	switch {
	case loss < 0.02:
		return domain.QualityExcellent
	case loss < 0.10:
		return domain.QualityGood
	default:
		return domain.QualityPoor
	}
}
