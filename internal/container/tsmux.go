package container

import (
	"context"
	"fmt"
	"io"

	"github.com/asticode/go-astits"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// tsMuxer writes an MPEG-TS elementary stream multiplex. It is the
// intermediate the bridge muxer pipes into ffmpeg; packets must already be
// rescaled to the 90 kHz transport timebase.
type tsMuxer struct {
	mux       *astits.Muxer
	w         io.Writer
	pids      map[int]uint16 // stream index → PID
	streamIDs map[int]uint8  // stream index → PES stream_id
}

const tsBasePID = 256

func newTSMuxer(ctx context.Context, w io.Writer) *tsMuxer {
	return &tsMuxer{
		mux:       astits.NewMuxer(ctx, w),
		w:         w,
		pids:      make(map[int]uint16),
		streamIDs: make(map[int]uint8),
	}
}

// tsStreamType maps codec IDs to MPEG-TS stream_type values (ISO 13818-1
// Table 2-34 plus ATSC AC-3).
func tsStreamType(codecID string) (astits.StreamType, bool) {
	switch codecID {
	case "h264":
		return astits.StreamTypeH264Video, true
	case "hevc", "h265":
		return astits.StreamTypeH265Video, true
	case "mpeg2video":
		return astits.StreamType(0x02), true
	case "aac":
		return astits.StreamTypeAACAudio, true
	case "mp2", "mp3":
		return astits.StreamTypeMPEG1Audio, true
	case "ac3":
		return astits.StreamType(0x81), true
	case "dvb_subtitle", "dvbsub":
		return astits.StreamType(0x06), true
	}
	return 0, false
}

// AddStreams registers every representable stream. Streams whose codec has
// no TS mapping are silently absent; callers must not route their packets
// here.
func (m *tsMuxer) AddStreams(streams []media.StreamDescriptor) error {
	for _, s := range streams {
		st, ok := tsStreamType(s.CodecID)
		if !ok {
			continue
		}
		pid := uint16(tsBasePID + len(m.pids))
		if err := m.mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: pid,
			StreamType:    st,
		}); err != nil {
			return fmt.Errorf("%w: add TS stream: %v", ErrOutputWrite, err)
		}
		if len(m.pids) == 0 {
			m.mux.SetPCRPID(pid)
		}
		m.pids[s.Index] = pid
		// PES stream_id ranges per ISO 13818-1: 0xE0+ video, 0xC0+ audio,
		// 0xBD private (subtitles).
		switch s.Kind {
		case media.StreamVideo:
			m.streamIDs[s.Index] = 0xE0
		case media.StreamAudio:
			m.streamIDs[s.Index] = 0xC0
		default:
			m.streamIDs[s.Index] = 0xBD
		}
	}
	return nil
}

// Carries reports whether packets of the given stream index can be written.
func (m *tsMuxer) Carries(streamIndex int) bool {
	_, ok := m.pids[streamIndex]
	return ok
}

func (m *tsMuxer) WritePacket(pkt *media.Packet) error {
	pid, ok := m.pids[pkt.StreamIndex]
	if !ok {
		return nil
	}

	oh := &astits.PESOptionalHeader{
		MarkerBits: 2,
	}
	if pkt.DTS == pkt.PTS {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorOnlyPTS
		oh.PTS = &astits.ClockReference{Base: pkt.PTS}
	} else {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		oh.PTS = &astits.ClockReference{Base: pkt.PTS}
		oh.DTS = &astits.ClockReference{Base: pkt.DTS}
	}

	_, err := m.mux.WriteData(&astits.MuxerData{
		PID: pid,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: pkt.Keyframe(),
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: oh,
				StreamID:       m.streamIDs[pkt.StreamIndex],
			},
			Data: pkt.Payload,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return nil
}

func (m *tsMuxer) WriteAttachment(string, string, []byte) error { return nil }

func (m *tsMuxer) Finalize() error { return nil }
