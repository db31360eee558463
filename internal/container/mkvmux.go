package container

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
)

// matroskaMuxer writes MKV output with the same built-in EBML layer the
// reader uses: EBML header, Info, Tracks (CodecPrivate rebuilt from the
// stream extradata), Attachments ahead of the first cluster (any registered
// after the header is out go to the segment tail at finalize), and clusters
// of SimpleBlocks.
// The segment and cluster sizes are written as unknown-size elements so the
// file streams out in one pass; Info duration is patched at finalize.
type matroskaMuxer struct {
	f    *os.File
	w    *bufio.Writer
	opts Options

	streams     map[int]*mkvOutTrack
	attachments []Attachment

	headerDone   bool
	durationOff  int64 // file offset of the Duration float body
	written      int64
	clusterTS    int64
	clusterOpen  bool
	maxTS        int64
	clusterSpan  int64 // ms per cluster
}

type mkvOutTrack struct {
	desc     media.StreamDescriptor
	number   uint64
	timeBase media.Rational
}

func newMatroskaMuxer(path string, opts Options) (Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return &matroskaMuxer{
		f:           f,
		w:           bufio.NewWriterSize(f, 1<<20),
		opts:        opts,
		streams:     make(map[int]*mkvOutTrack),
		clusterSpan: 5000,
	}, nil
}

// mkvCodecIDFor maps internal codec IDs back to Matroska CodecID strings.
func mkvCodecIDFor(codecID string) (string, bool) {
	for mkvID, internal := range mkvCodecIDs {
		if internal == codecID {
			return mkvID, true
		}
	}
	return "", false
}

func (m *matroskaMuxer) AddStreams(streams []media.StreamDescriptor) error {
	num := uint64(1)
	for _, s := range streams {
		if s.Kind == media.StreamAttachment || s.Kind == media.StreamData {
			continue
		}
		if _, ok := mkvCodecIDFor(s.CodecID); !ok {
			m.opts.logger().Warn("mkv output skips codec", "codec", s.CodecID, "stream", s.Index)
			continue
		}
		m.streams[s.Index] = &mkvOutTrack{desc: s, number: num, timeBase: s.TimeBase}
		num++
	}
	if len(m.streams) == 0 {
		return fmt.Errorf("%w: no representable streams for mkv output", ErrOutputWrite)
	}
	return nil
}

func (m *matroskaMuxer) WriteAttachment(name, mime string, data []byte) error {
	m.attachments = append(m.attachments, Attachment{Name: name, Mime: mime, Data: data})
	return nil
}

// --- EBML writing helpers (minimal-length size vints; only the unknown-size
// marker is 8 bytes) ---

func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | v>>8), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | v>>16), byte(v >> 8), byte(v)}
	case v < 0x0FFFFFFF:
		return []byte{byte(0x10 | v>>24), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		out := make([]byte, 8)
		out[0] = 0x01
		for i := 1; i < 8; i++ {
			out[i] = byte(v >> uint(8*(7-i)))
		}
		return out
	}
}

// ebmlUnknownSize is the 8-byte all-ones size marker.
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlID(id uint32) []byte {
	switch {
	case id > 0xFFFFFF:
		return []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFFFF:
		return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
	case id > 0xFF:
		return []byte{byte(id >> 8), byte(id)}
	default:
		return []byte{byte(id)}
	}
}

func ebmlElement(id uint32, body []byte) []byte {
	out := ebmlID(id)
	out = append(out, ebmlVint(uint64(len(body)))...)
	return append(out, body...)
}

func ebmlUintBody(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}

func ebmlFloatBody(v float64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	return tmp[:]
}

// --- header, clusters, finalize ---

func (m *matroskaMuxer) write(p []byte) error {
	n, err := m.w.Write(p)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return nil
}

func (m *matroskaMuxer) writeHeader() error {
	if m.headerDone {
		return nil
	}

	var hdr bytes.Buffer
	hdr.Write(ebmlElement(0x4286, ebmlUintBody(1)))          // EBMLVersion
	hdr.Write(ebmlElement(0x42F7, ebmlUintBody(1)))          // EBMLReadVersion
	hdr.Write(ebmlElement(0x42F2, ebmlUintBody(4)))          // EBMLMaxIDLength
	hdr.Write(ebmlElement(0x42F3, ebmlUintBody(8)))          // EBMLMaxSizeLength
	hdr.Write(ebmlElement(0x4282, []byte("matroska")))       // DocType
	hdr.Write(ebmlElement(0x4287, ebmlUintBody(4)))          // DocTypeVersion
	hdr.Write(ebmlElement(0x4285, ebmlUintBody(2)))          // DocTypeReadVersion
	if err := m.write(ebmlElement(ebmlIDHeader, hdr.Bytes())); err != nil {
		return err
	}

	// Segment with unknown size: clusters stream out as they form.
	if err := m.write(ebmlID(ebmlIDSegment)); err != nil {
		return err
	}
	if err := m.write(ebmlUnknownSize); err != nil {
		return err
	}

	// Info: 1 ms timestamp scale; duration patched at finalize.
	var info bytes.Buffer
	info.Write(ebmlElement(ebmlIDTimestampScale, ebmlUintBody(1_000_000)))
	info.Write(ebmlElement(ebmlIDMuxingApp, []byte(ProgramName)))
	info.Write(ebmlElement(ebmlIDWritingApp, []byte(ProgramName)))
	durationAt := info.Len() + 2 + 1 // relative: element ID (2) + size (1)
	info.Write(ebmlElement(ebmlIDDuration, ebmlFloatBody(0)))
	infoEl := ebmlElement(ebmlIDInfo, info.Bytes())
	m.durationOff = m.written + int64(len(infoEl)-len(info.Bytes())) + int64(durationAt)
	if err := m.write(infoEl); err != nil {
		return err
	}

	// Tracks, ordered by output track number.
	idxs := make([]int, 0, len(m.streams))
	for idx := range m.streams {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(a, b int) bool { return m.streams[idxs[a]].number < m.streams[idxs[b]].number })

	var tracks bytes.Buffer
	for _, idx := range idxs {
		tracks.Write(ebmlElement(ebmlIDTrackEntry, m.trackEntry(m.streams[idx])))
	}
	if err := m.write(ebmlElement(ebmlIDTracks, tracks.Bytes())); err != nil {
		return err
	}

	// Attachments sit between Tracks and the first cluster, where players
	// and the reader both find them without a SeekHead. The job registers
	// them before the first packet.
	if err := m.writeAttachments(); err != nil {
		return err
	}

	m.headerDone = true
	return nil
}

func (m *matroskaMuxer) writeAttachments() error {
	if len(m.attachments) == 0 {
		return nil
	}
	var atts bytes.Buffer
	for i, att := range m.attachments {
		var a bytes.Buffer
		a.Write(ebmlElement(ebmlIDFileName, []byte(att.Name)))
		a.Write(ebmlElement(ebmlIDFileMimeType, []byte(att.Mime)))
		a.Write(ebmlElement(ebmlIDFileUID, ebmlUintBody(uint64(i+1))))
		a.Write(ebmlElement(ebmlIDFileData, att.Data))
		atts.Write(ebmlElement(ebmlIDAttachedFile, a.Bytes()))
	}
	m.attachments = nil
	return m.write(ebmlElement(ebmlIDAttachments, atts.Bytes()))
}

func (m *matroskaMuxer) trackEntry(tr *mkvOutTrack) []byte {
	s := tr.desc
	var e bytes.Buffer
	e.Write(ebmlElement(ebmlIDTrackNumber, ebmlUintBody(tr.number)))
	e.Write(ebmlElement(ebmlIDTrackUID, ebmlUintBody(tr.number)))

	trackType := uint64(mkvTrackVideo)
	switch s.Kind {
	case media.StreamAudio:
		trackType = mkvTrackAudio
	case media.StreamSubtitle:
		trackType = mkvTrackSubtitle
	}
	e.Write(ebmlElement(ebmlIDTrackType, ebmlUintBody(trackType)))

	mkvID, _ := mkvCodecIDFor(s.CodecID)
	e.Write(ebmlElement(ebmlIDCodecID, []byte(mkvID)))

	if s.Language != "" {
		e.Write(ebmlElement(ebmlIDLanguage, []byte(s.Language)))
	}
	if s.Disposition.Default {
		e.Write(ebmlElement(ebmlIDFlagDefault, ebmlUintBody(1)))
	} else {
		e.Write(ebmlElement(ebmlIDFlagDefault, ebmlUintBody(0)))
	}
	if s.Disposition.Forced {
		e.Write(ebmlElement(ebmlIDFlagForced, ebmlUintBody(1)))
	}

	if private := m.codecPrivateFor(s); len(private) > 0 {
		e.Write(ebmlElement(ebmlIDCodecPrivate, private))
	}

	switch s.Kind {
	case media.StreamVideo:
		var v bytes.Buffer
		v.Write(ebmlElement(ebmlIDPixelWidth, ebmlUintBody(uint64(s.Width))))
		v.Write(ebmlElement(ebmlIDPixelHeight, ebmlUintBody(uint64(s.Height))))
		e.Write(ebmlElement(ebmlIDVideo, v.Bytes()))
		if s.FrameRate.Valid() {
			frameNs := uint64(1_000_000_000 * s.FrameRate.Den / s.FrameRate.Num)
			e.Write(ebmlElement(ebmlIDDefaultDuration, ebmlUintBody(frameNs)))
		}
	case media.StreamAudio:
		var a bytes.Buffer
		a.Write(ebmlElement(ebmlIDSamplingFreq, ebmlFloatBody(float64(s.SampleRate))))
		a.Write(ebmlElement(ebmlIDChannels, ebmlUintBody(uint64(s.Channels))))
		e.Write(ebmlElement(ebmlIDAudio, a.Bytes()))
	}

	return e.Bytes()
}

// codecPrivateFor rebuilds CodecPrivate from the stream extradata: avcC/hvcC
// for the NAL codecs (re-emitted so re-encoded boundary parameter sets land
// in the header, matching what decoders expect of MKV), raw bytes otherwise.
func (m *matroskaMuxer) codecPrivateFor(s media.StreamDescriptor) []byte {
	switch s.CodecID {
	case "h264":
		sps, pps := splitParamSets(s.Extradata, "h264")
		if len(sps) == 0 || len(pps) == 0 {
			return s.Extradata
		}
		return buildAVCC(sps, pps)
	case "hevc":
		vps, sps, pps := splitHEVCParamSets(s.Extradata)
		if len(sps) == 0 || len(pps) == 0 {
			return s.Extradata
		}
		return buildHVCC(vps, sps, pps)
	}
	return s.Extradata
}

// buildAVCC assembles an AVCDecoderConfigurationRecord.
func buildAVCC(sps, pps [][]byte) []byte {
	first := sps[0]
	out := []byte{1, first[1], first[2], first[3], 0xFF, 0xE0 | byte(len(sps))}
	for _, s := range sps {
		out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
		out = append(out, s...)
	}
	out = append(out, byte(len(pps)))
	for _, p := range pps {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

// buildHVCC assembles an HEVCDecoderConfigurationRecord. The general
// profile/tier/level fields come from the SPS profile_tier_level.
func buildHVCC(vps, sps, pps [][]byte) []byte {
	info, err := nal.ParseHEVCSPS(sps[0])
	if err != nil {
		return nil
	}
	out := []byte{1}
	out = append(out, (0<<6)|(info.TierFlag<<5)|info.ProfileIDC)
	out = binary.BigEndian.AppendUint32(out, info.ProfileCompatibilityFlags)
	for i := 5; i >= 0; i-- {
		out = append(out, byte(info.ConstraintIndicatorFlags>>uint(8*i)))
	}
	out = append(out, info.LevelIDC)
	out = append(out, 0xF0, 0x00) // min_spatial_segmentation_idc
	out = append(out, 0xFC)      // parallelismType
	out = append(out, 0xFC|info.ChromaFormatIdc)
	out = append(out, 0xF8|info.BitDepthLumaMinus8)
	out = append(out, 0xF8|info.BitDepthChromaMinus8)
	out = append(out, 0, 0)    // avgFrameRate
	out = append(out, 0x03)    // constantFrameRate=0, numTemporalLayers=0, lengthSizeMinusOne=3
	arrays := []struct {
		typ   byte
		nalus [][]byte
	}{
		{nal.HEVCNALVPS, vps},
		{nal.HEVCNALSPS, sps},
		{nal.HEVCNALPPS, pps},
	}
	count := 0
	for _, a := range arrays {
		if len(a.nalus) > 0 {
			count++
		}
	}
	out = append(out, byte(count))
	for _, a := range arrays {
		if len(a.nalus) == 0 {
			continue
		}
		out = append(out, 0x80|a.typ) // array_completeness=1
		out = binary.BigEndian.AppendUint16(out, uint16(len(a.nalus)))
		for _, n := range a.nalus {
			out = binary.BigEndian.AppendUint16(out, uint16(len(n)))
			out = append(out, n...)
		}
	}
	return out
}

func (m *matroskaMuxer) WritePacket(pkt *media.Packet) error {
	tr, ok := m.streams[pkt.StreamIndex]
	if !ok {
		return nil
	}
	if err := m.writeHeader(); err != nil {
		return err
	}

	// Matroska blocks carry presentation time in 1 ms units.
	msTB := media.Rational{Num: 1, Den: 1000}
	pts := media.Rescale(pkt.PTS, tr.timeBase, msTB)
	if pts > m.maxTS {
		m.maxTS = pts
	}

	// Start a new cluster on keyframes past the span, on timestamp
	// regression (interval boundary), or at the very beginning.
	if !m.clusterOpen || pts < m.clusterTS ||
		(pkt.Keyframe() && pts-m.clusterTS >= m.clusterSpan) ||
		pts-m.clusterTS > math.MaxInt16 {
		if err := m.startCluster(pts); err != nil {
			return err
		}
	}

	payload := pkt.Payload
	// NAL codecs store length-prefixed samples in Matroska.
	if (tr.desc.CodecID == "h264" || tr.desc.CodecID == "hevc") &&
		nal.DetectFormat(payload) == nal.FormatAnnexB {
		c := nal.ForCodecID(tr.desc.CodecID, nil)
		if units, err := c.ParseNALs(payload); err == nil && len(units) > 0 {
			payload = nal.EncodeLengthPrefixed(units)
		}
	}

	rel := pts - m.clusterTS
	var blk bytes.Buffer
	blk.Write(ebmlVint(tr.number))
	var ts [2]byte
	binary.BigEndian.PutUint16(ts[:], uint16(int16(rel)))
	blk.Write(ts[:])
	flags := byte(0)
	if pkt.Keyframe() {
		flags |= 0x80
	}
	if pkt.Flags&media.FlagDiscard != 0 {
		flags |= 0x08 // invisible: decode but do not display
	}
	blk.WriteByte(flags)
	blk.Write(payload)

	return m.write(ebmlElement(ebmlIDSimpleBlock, blk.Bytes()))
}

func (m *matroskaMuxer) startCluster(ts int64) error {
	if ts < 0 {
		ts = 0
	}
	var cl bytes.Buffer
	cl.Write(ebmlID(ebmlIDCluster))
	cl.Write(ebmlUnknownSize)
	cl.Write(ebmlElement(ebmlIDTimestamp, ebmlUintBody(uint64(ts))))
	m.clusterTS = ts
	m.clusterOpen = true
	return m.write(cl.Bytes())
}

func (m *matroskaMuxer) Finalize() error {
	if err := m.writeHeader(); err != nil {
		return err
	}
	// Attachments registered after the header was forced out still land at
	// the segment tail; players locate them by scanning.
	if err := m.writeAttachments(); err != nil {
		return err
	}

	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}

	// Patch the Info duration in place.
	if m.durationOff > 0 {
		if _, err := m.f.WriteAt(ebmlFloatBody(float64(m.maxTS)), m.durationOff); err != nil {
			return fmt.Errorf("%w: patch duration: %v", ErrOutputWrite, err)
		}
	}

	if err := m.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return nil
}
