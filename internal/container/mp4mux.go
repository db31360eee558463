package container

import (
	"bufio"
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
)

// mp4Muxer writes fragmented MP4: an init segment followed by one
// moof/mdat pair per track flush. Fragmented output keeps memory flat and
// avoids rewriting sample tables at finalize. H.265 tracks are tagged
// hev1 for broader playback compatibility.
type mp4Muxer struct {
	f    *os.File
	w    *bufio.Writer
	init *mp4.InitSegment
	opts Options

	tracks map[int]*mp4Track // stream index → track state
	seqNr  uint32
	inited bool
}

type mp4Track struct {
	trackID   uint32
	timescale uint32
	timeBase  media.Rational
	baseDTS   int64
	haveBase  bool
	pending   []mp4.FullSample
	lastDur   uint32
}

const mp4FlushSamples = 128

func newMP4Muxer(path string, opts Options) (Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return &mp4Muxer{
		f:      f,
		w:      bufio.NewWriterSize(f, 1<<20),
		init:   mp4.CreateEmptyInit(),
		opts:   opts,
		tracks: make(map[int]*mp4Track),
	}, nil
}

func (m *mp4Muxer) AddStreams(streams []media.StreamDescriptor) error {
	for _, s := range streams {
		switch s.Kind {
		case media.StreamVideo:
			if s.CodecID != "h264" && s.CodecID != "hevc" && s.CodecID != "h265" {
				m.opts.logger().Warn("mp4 output skips video codec", "codec", s.CodecID, "stream", s.Index)
				continue
			}
		case media.StreamAudio:
			if s.CodecID != "aac" {
				m.opts.logger().Warn("mp4 output skips audio codec", "codec", s.CodecID, "stream", s.Index)
				continue
			}
		default:
			// Subtitle and data tracks are not representable here; the
			// Matroska or bridge outputs carry them.
			m.opts.logger().Warn("mp4 output skips stream", "kind", s.Kind.String(), "stream", s.Index)
			continue
		}

		timescale := uint32(90000)
		if s.TimeBase.Valid() && s.TimeBase.Num == 1 {
			timescale = uint32(s.TimeBase.Den)
		}
		mediaType := "video"
		if s.Kind == media.StreamAudio {
			mediaType = "audio"
		}
		lang := s.Language
		if lang == "" {
			lang = "und"
		}
		m.init.AddEmptyTrack(timescale, mediaType, lang)
		trak := m.init.Moov.Traks[len(m.init.Moov.Traks)-1]

		switch s.CodecID {
		case "h264":
			sps, pps := splitParamSets(s.Extradata, "h264")
			if err := trak.SetAVCDescriptor("avc1", sps, pps, true); err != nil {
				return fmt.Errorf("%w: avc descriptor: %v", ErrOutputWrite, err)
			}
		case "hevc", "h265":
			vps, sps, pps := splitHEVCParamSets(s.Extradata)
			if err := trak.SetHEVCDescriptor("hev1", vps, sps, pps, nil, true); err != nil {
				return fmt.Errorf("%w: hevc descriptor: %v", ErrOutputWrite, err)
			}
		case "aac":
			if err := trak.SetAACDescriptor(aac.AAClc, s.SampleRate); err != nil {
				return fmt.Errorf("%w: aac descriptor: %v", ErrOutputWrite, err)
			}
		}

		m.tracks[s.Index] = &mp4Track{
			trackID:   trak.Tkhd.TrackID,
			timescale: timescale,
			timeBase:  s.TimeBase,
			lastDur:   1,
		}
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("%w: no representable streams for mp4 output", ErrOutputWrite)
	}
	return nil
}

// splitParamSets decodes Annex B extradata into SPS and PPS lists.
func splitParamSets(extradata []byte, codecID string) (sps, pps [][]byte) {
	c := nal.ForCodecID(codecID, nil)
	units, err := c.ParseNALs(extradata)
	if err != nil {
		return nil, nil
	}
	for _, u := range units {
		switch u.Type {
		case nal.H264NALSPS:
			sps = append(sps, u.Data)
		case nal.H264NALPPS:
			pps = append(pps, u.Data)
		}
	}
	return sps, pps
}

func splitHEVCParamSets(extradata []byte) (vps, sps, pps [][]byte) {
	c := nal.ForCodecID("hevc", nil)
	units, err := c.ParseNALs(extradata)
	if err != nil {
		return nil, nil, nil
	}
	for _, u := range units {
		switch u.Type {
		case nal.HEVCNALVPS:
			vps = append(vps, u.Data)
		case nal.HEVCNALSPS:
			sps = append(sps, u.Data)
		case nal.HEVCNALPPS:
			pps = append(pps, u.Data)
		}
	}
	return vps, sps, pps
}

func (m *mp4Muxer) ensureInit() error {
	if m.inited {
		return nil
	}
	if err := m.init.Encode(m.w); err != nil {
		return fmt.Errorf("%w: init segment: %v", ErrOutputWrite, err)
	}
	m.inited = true
	return nil
}

func (m *mp4Muxer) WritePacket(pkt *media.Packet) error {
	tr, ok := m.tracks[pkt.StreamIndex]
	if !ok {
		return nil
	}
	if err := m.ensureInit(); err != nil {
		return err
	}

	// Track decode times are unsigned: rebase on the first packet.
	dts := media.Rescale(pkt.DTS, tr.timeBase, media.Rational{Num: 1, Den: int64(tr.timescale)})
	pts := media.Rescale(pkt.PTS, tr.timeBase, media.Rational{Num: 1, Den: int64(tr.timescale)})
	if !tr.haveBase {
		tr.baseDTS = dts
		tr.haveBase = true
	}
	dts -= tr.baseDTS
	pts -= tr.baseDTS
	if dts < 0 {
		dts = 0
	}

	dur := uint32(media.Rescale(pkt.Duration, tr.timeBase, media.Rational{Num: 1, Den: int64(tr.timescale)}))
	if dur == 0 {
		dur = tr.lastDur
	}
	tr.lastDur = dur

	// Sample payloads must be length-prefixed inside MP4.
	payload := pkt.Payload
	if nal.DetectFormat(payload) == nal.FormatAnnexB {
		c := nal.ForCodecID(codecForTrack(tr, m), nil)
		if units, err := c.ParseNALs(payload); err == nil && len(units) > 0 {
			payload = nal.EncodeLengthPrefixed(units)
		}
	}

	flags := mp4.NonSyncSampleFlags
	if pkt.Keyframe() {
		flags = mp4.SyncSampleFlags
	}
	tr.pending = append(tr.pending, mp4.FullSample{
		Sample: mp4.Sample{
			Flags:                 flags,
			Dur:                   dur,
			Size:                  uint32(len(payload)),
			CompositionTimeOffset: int32(pts - dts),
		},
		DecodeTime: uint64(dts),
		Data:       payload,
	})

	if len(tr.pending) >= mp4FlushSamples {
		return m.flushTrack(tr)
	}
	return nil
}

// codecForTrack recovers the codec ID for Annex B conversion. Only video
// tracks arrive in Annex B (from the re-encode TS intermediate).
func codecForTrack(tr *mp4Track, m *mp4Muxer) string {
	for _, trak := range m.init.Moov.Traks {
		if trak.Tkhd.TrackID != tr.trackID {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd.HvcX != nil {
			return "hevc"
		}
	}
	return "h264"
}

func (m *mp4Muxer) flushTrack(tr *mp4Track) error {
	if len(tr.pending) == 0 {
		return nil
	}
	m.seqNr++
	frag, err := mp4.CreateFragment(m.seqNr, tr.trackID)
	if err != nil {
		return fmt.Errorf("%w: create fragment: %v", ErrOutputWrite, err)
	}
	for _, fs := range tr.pending {
		frag.AddFullSample(fs)
	}
	if err := frag.Encode(m.w); err != nil {
		return fmt.Errorf("%w: fragment: %v", ErrOutputWrite, err)
	}
	tr.pending = tr.pending[:0]
	return nil
}

func (m *mp4Muxer) WriteAttachment(string, string, []byte) error {
	// MP4 has no attachment concept; the Matroska path carries them.
	return nil
}

func (m *mp4Muxer) Finalize() error {
	if err := m.ensureInit(); err != nil {
		return err
	}
	for _, tr := range m.tracks {
		if err := m.flushTrack(tr); err != nil {
			return err
		}
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	if err := m.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return nil
}
