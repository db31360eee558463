package container

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	mch265 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
	"github.com/MIkeCall1986/smartcut/internal/probe"
)

// Matroska/EBML element IDs used by the reader and writer.
const (
	ebmlIDHeader          = 0x1A45DFA3
	ebmlIDSegment         = 0x18538067
	ebmlIDInfo            = 0x1549A966
	ebmlIDTimestampScale  = 0x2AD7B1
	ebmlIDDuration        = 0x4489
	ebmlIDMuxingApp       = 0x4D80
	ebmlIDWritingApp      = 0x5741
	ebmlIDTracks          = 0x1654AE6B
	ebmlIDTrackEntry      = 0xAE
	ebmlIDTrackNumber     = 0xD7
	ebmlIDTrackUID        = 0x73C5
	ebmlIDTrackType       = 0x83
	ebmlIDFlagDefault     = 0x88
	ebmlIDFlagForced      = 0x55AA
	ebmlIDDefaultDuration = 0x23E383
	ebmlIDLanguage        = 0x22B59C
	ebmlIDCodecID         = 0x86
	ebmlIDCodecPrivate    = 0x63A2
	ebmlIDVideo           = 0xE0
	ebmlIDPixelWidth      = 0xB0
	ebmlIDPixelHeight     = 0xBA
	ebmlIDAudio           = 0xE1
	ebmlIDSamplingFreq    = 0xB5
	ebmlIDChannels        = 0x9F
	ebmlIDCluster         = 0x1F43B675
	ebmlIDTimestamp       = 0xE7
	ebmlIDSimpleBlock     = 0xA3
	ebmlIDBlockGroup      = 0xA0
	ebmlIDBlock           = 0xA1
	ebmlIDBlockDuration   = 0x9B
	ebmlIDReferenceBlock  = 0xFB
	ebmlIDAttachments     = 0x1941A469
	ebmlIDAttachedFile    = 0x61A7
	ebmlIDFileName        = 0x466E
	ebmlIDFileMimeType    = 0x4660
	ebmlIDFileData        = 0x465C
	ebmlIDFileUID         = 0x46AE
	ebmlIDVoid            = 0xEC
	ebmlIDCRC32           = 0xBF
)

// Matroska track types.
const (
	mkvTrackVideo    = 1
	mkvTrackAudio    = 2
	mkvTrackSubtitle = 17
)

// mkvCodecIDs maps Matroska CodecID strings to internal codec IDs.
var mkvCodecIDs = map[string]string{
	"V_MPEG4/ISO/AVC":  "h264",
	"V_MPEGH/ISO/HEVC": "hevc",
	"V_MPEG2":          "mpeg2video",
	"V_VP9":            "vp9",
	"V_AV1":            "av1",
	"A_AAC":            "aac",
	"A_AC3":            "ac3",
	"A_MPEG/L3":        "mp3",
	"A_MPEG/L2":        "mp2",
	"A_OPUS":           "opus",
	"A_FLAC":           "flac",
	"S_TEXT/UTF8":      "subrip",
	"S_TEXT/ASS":       "ass",
	"S_HDMV/PGS":       "hdmv_pgs_subtitle",
}

func internalCodecID(mkvID string) string {
	if id, ok := mkvCodecIDs[mkvID]; ok {
		return id
	}
	return mkvID
}

// Attachment is a file carried in the Attachments element.
type Attachment struct {
	Name string
	Mime string
	Data []byte
}

// mkvTrackInfo is the per-track state the reader needs beyond the
// descriptor: the EBML track number and B-frame DTS derivation.
type mkvTrackInfo struct {
	number   uint64
	stream   int
	codecID  string
	h264DTS  *mch264.DTSExtractor
	h265DTS  *mch265.DTSExtractor
	dtsReady bool
}

// matroskaInput reads MKV/WebM files with a built-in EBML parser.
type matroskaInput struct {
	path        string
	streams     []media.StreamDescriptor
	tracks      map[uint64]*mkvTrackInfo
	scale       uint64 // TimestampScale in ns, default 1e6 (ms precision)
	attachments []Attachment
}

func openMatroskaInput(path string, pr *probe.Result) (Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	defer f.Close()

	in := &matroskaInput{
		path:    path,
		streams: append([]media.StreamDescriptor(nil), pr.Streams...),
		tracks:  make(map[uint64]*mkvTrackInfo),
		scale:   1_000_000,
	}
	if err := in.parseHeaders(bufio.NewReaderSize(f, 1<<16)); err != nil {
		return nil, err
	}
	return in, nil
}

// parseHeaders walks the segment up to the first cluster, collecting Info,
// Tracks, and Attachments.
func (in *matroskaInput) parseHeaders(r *bufio.Reader) error {
	id, size, err := readEBMLElement(r)
	if err != nil || id != ebmlIDHeader {
		return fmt.Errorf("%w: not an EBML file", ErrInputUnreadable)
	}
	if err := discard(r, size); err != nil {
		return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}

	id, _, err = readEBMLElement(r)
	if err != nil || id != ebmlIDSegment {
		return fmt.Errorf("%w: no segment element", ErrInputUnreadable)
	}

	trackOrder := 0
	for {
		id, size, err := readEBMLElement(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
		}
		switch id {
		case ebmlIDInfo:
			body, err := readBody(r, size)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
			in.parseInfo(body)
		case ebmlIDTracks:
			body, err := readBody(r, size)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
			if err := in.parseTracks(body, &trackOrder); err != nil {
				return err
			}
		case ebmlIDAttachments:
			body, err := readBody(r, size)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
			in.parseAttachments(body)
		case ebmlIDCluster:
			// Headers done; clusters are streamed by the reader.
			return nil
		default:
			if err := discard(r, size); err != nil {
				return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
		}
	}
}

func (in *matroskaInput) parseInfo(body []byte) {
	walkEBML(body, func(id uint32, data []byte) {
		if id == ebmlIDTimestampScale {
			in.scale = ebmlUint(data)
		}
	})
}

func (in *matroskaInput) parseTracks(body []byte, order *int) error {
	var outerErr error
	walkEBML(body, func(id uint32, data []byte) {
		if id != ebmlIDTrackEntry || outerErr != nil {
			return
		}
		ti := &mkvTrackInfo{stream: *order}
		var codecPrivate []byte
		walkEBML(data, func(fid uint32, fdata []byte) {
			switch fid {
			case ebmlIDTrackNumber:
				ti.number = ebmlUint(fdata)
			case ebmlIDCodecID:
				ti.codecID = internalCodecID(string(fdata))
			case ebmlIDCodecPrivate:
				codecPrivate = append([]byte(nil), fdata...)
			}
		})
		if ti.number == 0 {
			outerErr = fmt.Errorf("%w: track entry without number", ErrInputUnreadable)
			return
		}
		if *order < len(in.streams) {
			desc := &in.streams[*order]
			// Matroska timestamps tick at the timestamp scale; with the
			// default 1 ms scale this matches ffprobe's 1/1000.
			desc.TimeBase = media.Rational{Num: int64(in.scale), Den: 1_000_000_000}
			if len(codecPrivate) > 0 {
				desc.Extradata = codecPrivateToAnnexB(ti.codecID, codecPrivate)
				if len(desc.Extradata) == 0 {
					desc.Extradata = codecPrivate
				}
			}
			switch ti.codecID {
			case "h264":
				ti.h264DTS = &mch264.DTSExtractor{}
				ti.h264DTS.Initialize()
			case "hevc":
				ti.h265DTS = &mch265.DTSExtractor{}
				ti.h265DTS.Initialize()
			}
		}
		in.tracks[ti.number] = ti
		*order++
	})
	return outerErr
}

// codecPrivateToAnnexB converts avcC/hvcC CodecPrivate to Annex B parameter
// sets; other codecs keep CodecPrivate as-is.
func codecPrivateToAnnexB(codecID string, private []byte) []byte {
	switch codecID {
	case "h264":
		sps, pps, err := nal.ParseAVCC(private)
		if err != nil {
			return nil
		}
		var units []nal.Unit
		for _, s := range sps {
			units = append(units, nal.Unit{Data: s})
		}
		for _, p := range pps {
			units = append(units, nal.Unit{Data: p})
		}
		return nal.EncodeAnnexB(units)
	case "hevc":
		vps, sps, pps, err := nal.ParseHVCC(private)
		if err != nil {
			return nil
		}
		var units []nal.Unit
		for _, g := range [][][]byte{vps, sps, pps} {
			for _, u := range g {
				units = append(units, nal.Unit{Data: u})
			}
		}
		return nal.EncodeAnnexB(units)
	}
	return nil
}

func (in *matroskaInput) parseAttachments(body []byte) {
	walkEBML(body, func(id uint32, data []byte) {
		if id != ebmlIDAttachedFile {
			return
		}
		var att Attachment
		walkEBML(data, func(fid uint32, fdata []byte) {
			switch fid {
			case ebmlIDFileName:
				att.Name = string(fdata)
			case ebmlIDFileMimeType:
				att.Mime = string(fdata)
			case ebmlIDFileData:
				att.Data = append([]byte(nil), fdata...)
			}
		})
		if att.Name != "" {
			in.attachments = append(in.attachments, att)
		}
	})
}

func (in *matroskaInput) Streams() []media.StreamDescriptor { return in.streams }
func (in *matroskaInput) Close() error                      { return nil }

// Attachments exposes embedded files for copy-through at finalize.
func (in *matroskaInput) Attachments() []Attachment { return in.attachments }

func (in *matroskaInput) OpenReader(context.Context) (PacketReader, error) {
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	mr := &matroskaReader{
		in: in,
		f:  f,
		r:  bufio.NewReaderSize(f, 1<<16),
	}
	// Fresh DTS extractors per scan: state must not leak between passes.
	for _, ti := range in.tracks {
		switch ti.codecID {
		case "h264":
			ti.h264DTS = &mch264.DTSExtractor{}
			ti.h264DTS.Initialize()
		case "hevc":
			ti.h265DTS = &mch265.DTSExtractor{}
			ti.h265DTS.Initialize()
		}
	}
	if err := mr.seekFirstCluster(); err != nil {
		f.Close()
		return nil, err
	}
	return mr, nil
}

type matroskaReader struct {
	in        *matroskaInput
	f         *os.File
	r         *bufio.Reader
	clusterTS uint64
	queue     []*media.Packet
}

func (mr *matroskaReader) Close() error { return mr.f.Close() }

// seekFirstCluster re-walks the segment header to the first cluster.
func (mr *matroskaReader) seekFirstCluster() error {
	id, size, err := readEBMLElement(mr.r)
	if err != nil || id != ebmlIDHeader {
		return fmt.Errorf("%w: not an EBML file", ErrInputUnreadable)
	}
	if err := discard(mr.r, size); err != nil {
		return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	if id, _, err = readEBMLElement(mr.r); err != nil || id != ebmlIDSegment {
		return fmt.Errorf("%w: no segment element", ErrInputUnreadable)
	}
	for {
		id, size, err := readEBMLElement(mr.r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
		}
		if id == ebmlIDCluster {
			return nil
		}
		if err := discard(mr.r, size); err != nil {
			return fmt.Errorf("%w: %v", ErrInputUnreadable, err)
		}
	}
}

func (mr *matroskaReader) ReadPacket() (*media.Packet, error) {
	for {
		if len(mr.queue) > 0 {
			pkt := mr.queue[0]
			mr.queue = mr.queue[1:]
			return pkt, nil
		}

		id, size, err := readEBMLElement(mr.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
		}

		switch id {
		case ebmlIDTimestamp:
			body, err := readBody(mr.r, size)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
			mr.clusterTS = ebmlUint(body)

		case ebmlIDSimpleBlock:
			body, err := readBody(mr.r, size)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
			if err := mr.handleBlock(body, true, 0, false); err != nil {
				return nil, err
			}

		case ebmlIDBlockGroup:
			body, err := readBody(mr.r, size)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
			var block []byte
			var dur uint64
			hasRef := false
			walkEBML(body, func(fid uint32, fdata []byte) {
				switch fid {
				case ebmlIDBlock:
					block = fdata
				case ebmlIDBlockDuration:
					dur = ebmlUint(fdata)
				case ebmlIDReferenceBlock:
					hasRef = true
				}
			})
			if block != nil {
				if err := mr.handleBlock(block, false, int64(dur), !hasRef); err != nil {
					return nil, err
				}
			}

		case ebmlIDCluster:
			// Unknown-size clusters just continue; sized clusters nest.
			continue

		default:
			if err := discard(mr.r, size); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
			}
		}
	}
}

// handleBlock parses a (Simple)Block: track vint, relative timestamp,
// flags, optional lacing, then one or more frames.
func (mr *matroskaReader) handleBlock(body []byte, simple bool, duration int64, refKeyframe bool) error {
	trackNum, n := readVint(body)
	if n == 0 || len(body) < n+3 {
		return fmt.Errorf("%w: short block", ErrInputUnreadable)
	}
	rel := int16(binary.BigEndian.Uint16(body[n : n+2]))
	flags := body[n+2]
	rest := body[n+3:]

	ti, ok := mr.in.tracks[trackNum]
	if !ok {
		return nil
	}

	keyframe := refKeyframe
	if simple {
		keyframe = flags&0x80 != 0
	}

	frames, err := deLace(rest, flags)
	if err != nil {
		return err
	}

	pts := int64(mr.clusterTS) + int64(rel)
	for _, frame := range frames {
		pkt := &media.Packet{
			StreamIndex: ti.stream,
			PTS:         pts,
			DTS:         pts,
			Duration:    duration,
			Payload:     append([]byte(nil), frame...),
		}
		if keyframe {
			pkt.Flags |= media.FlagKeyframe
		}
		if err := mr.deriveDTS(ti, pkt); err != nil {
			return err
		}
		mr.queue = append(mr.queue, pkt)
	}
	return nil
}

// deriveDTS reconstructs decode timestamps for B-frame codecs; Matroska
// blocks carry only presentation times.
func (mr *matroskaReader) deriveDTS(ti *mkvTrackInfo, pkt *media.Packet) error {
	switch {
	case ti.h264DTS != nil:
		units, err := nal.ForCodecID("h264", nil).ParseNALs(pkt.Payload)
		if err != nil {
			return err
		}
		nalus := make([][]byte, len(units))
		for i, u := range units {
			nalus[i] = u.Data
		}
		if !ti.dtsReady {
			if !mch264.IsRandomAccess(nalus) {
				return nil
			}
			ti.dtsReady = true
		}
		dts, err := ti.h264DTS.Extract(nalus, pkt.PTS)
		if err != nil {
			// Degrade to PTS ordering rather than abort the scan.
			return nil
		}
		pkt.DTS = dts
	case ti.h265DTS != nil:
		units, err := nal.ForCodecID("hevc", nil).ParseNALs(pkt.Payload)
		if err != nil {
			return err
		}
		nalus := make([][]byte, len(units))
		for i, u := range units {
			nalus[i] = u.Data
		}
		if !ti.dtsReady {
			if !mch265.IsRandomAccess(nalus) {
				return nil
			}
			ti.dtsReady = true
		}
		dts, err := ti.h265DTS.Extract(nalus, pkt.PTS)
		if err != nil {
			return nil
		}
		pkt.DTS = dts
	}
	return nil
}

// deLace splits a block payload into frames per its lacing mode.
func deLace(data []byte, flags byte) ([][]byte, error) {
	switch (flags >> 1) & 0x3 {
	case 0: // no lacing
		return [][]byte{data}, nil
	case 1: // Xiph
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: empty laced block", ErrInputUnreadable)
		}
		count := int(data[0]) + 1
		data = data[1:]
		sizes := make([]int, count-1)
		for i := 0; i < count-1; i++ {
			sz := 0
			for {
				if len(data) == 0 {
					return nil, fmt.Errorf("%w: truncated Xiph lacing", ErrInputUnreadable)
				}
				b := data[0]
				data = data[1:]
				sz += int(b)
				if b != 255 {
					break
				}
			}
			sizes[i] = sz
		}
		return splitSizes(data, sizes)
	case 2: // fixed
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: empty laced block", ErrInputUnreadable)
		}
		count := int(data[0]) + 1
		data = data[1:]
		if count == 0 || len(data)%count != 0 {
			return nil, fmt.Errorf("%w: bad fixed lacing", ErrInputUnreadable)
		}
		sz := len(data) / count
		frames := make([][]byte, count)
		for i := range frames {
			frames[i] = data[i*sz : (i+1)*sz]
		}
		return frames, nil
	default: // EBML
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: empty laced block", ErrInputUnreadable)
		}
		count := int(data[0]) + 1
		data = data[1:]
		sizes := make([]int, count-1)
		var prev int64
		for i := 0; i < count-1; i++ {
			v, n := readVint(data)
			if n == 0 {
				return nil, fmt.Errorf("%w: truncated EBML lacing", ErrInputUnreadable)
			}
			if i == 0 {
				prev = int64(v)
			} else {
				// Subsequent sizes are signed deltas.
				prev += int64(v) - (int64(1)<<(7*uint(n)-1) - 1)
			}
			sizes[i] = int(prev)
			data = data[n:]
		}
		return splitSizes(data, sizes)
	}
}

func splitSizes(data []byte, sizes []int) ([][]byte, error) {
	frames := make([][]byte, 0, len(sizes)+1)
	for _, sz := range sizes {
		if sz < 0 || sz > len(data) {
			return nil, fmt.Errorf("%w: lace size %d exceeds block", ErrInputUnreadable, sz)
		}
		frames = append(frames, data[:sz])
		data = data[sz:]
	}
	return append(frames, data), nil
}

// --- low-level EBML reading ---

// readVint reads an EBML variable-length integer with the marker bit
// stripped, returning the value and encoded length (0 on failure).
func readVint(data []byte) (uint64, int) {
	if len(data) == 0 {
		return 0, 0
	}
	first := data[0]
	if first == 0 {
		return 0, 0
	}
	length := 1
	for mask := byte(0x80); first&mask == 0; mask >>= 1 {
		length++
	}
	if length > 8 || len(data) < length {
		return 0, 0
	}
	val := uint64(first & (0xFF >> length))
	for i := 1; i < length; i++ {
		val = val<<8 | uint64(data[i])
	}
	return val, length
}

// readEBMLElement reads an element ID and size from r. Unknown-size
// elements (all size bits set) report size -1.
func readEBMLElement(r *bufio.Reader) (uint32, int64, error) {
	id, err := readElementID(r)
	if err != nil {
		return 0, 0, err
	}
	size, unknown, err := readElementSize(r)
	if err != nil {
		return 0, 0, err
	}
	if unknown {
		return id, -1, nil
	}
	return id, size, nil
}

func readElementID(r *bufio.Reader) (uint32, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if first == 0 {
		return 0, fmt.Errorf("invalid element ID")
	}
	length := 1
	for mask := byte(0x80); first&mask == 0; mask >>= 1 {
		length++
	}
	if length > 4 {
		return 0, fmt.Errorf("element ID too long")
	}
	id := uint32(first)
	for i := 1; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		id = id<<8 | uint32(b)
	}
	return id, nil
}

func readElementSize(r *bufio.Reader) (int64, bool, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	if first == 0 {
		return 0, false, fmt.Errorf("invalid element size")
	}
	length := 1
	for mask := byte(0x80); first&mask == 0; mask >>= 1 {
		length++
	}
	if length > 8 {
		return 0, false, fmt.Errorf("element size too long")
	}
	val := uint64(first & (0xFF >> length))
	allOnes := val == uint64(0xFF>>length)
	for i := 1; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		if b != 0xFF {
			allOnes = false
		}
		val = val<<8 | uint64(b)
	}
	return int64(val), allOnes, nil
}

// skipEBMLBody discards the body of the element whose size follows.
func skipEBMLBody(r *bufio.Reader) error {
	size, unknown, err := readElementSize(r)
	if err != nil {
		return err
	}
	if unknown {
		return fmt.Errorf("unexpected unknown-size element")
	}
	return discard(r, size)
}

func discard(r *bufio.Reader, size int64) error {
	if size < 0 {
		return nil // unknown-size master: children follow inline
	}
	_, err := io.CopyN(io.Discard, r, size)
	return err
}

func readBody(r *bufio.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("unknown-size element where body expected")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ebmlUint decodes a big-endian unsigned integer body.
func ebmlUint(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

// walkEBML iterates the child elements of a fully-buffered master element.
// Malformed tails are ignored rather than aborting the walk.
func walkEBML(body []byte, fn func(id uint32, data []byte)) {
	for len(body) > 0 {
		id, idLen := readElementIDBytes(body)
		if idLen == 0 {
			return
		}
		size, szLen := readVint(body[idLen:])
		if szLen == 0 {
			return
		}
		start := idLen + szLen
		end := start + int(size)
		if end > len(body) || end < start {
			return
		}
		fn(id, body[start:end])
		body = body[end:]
	}
}

func readElementIDBytes(data []byte) (uint32, int) {
	if len(data) == 0 || data[0] == 0 {
		return 0, 0
	}
	length := 1
	for mask := byte(0x80); data[0]&mask == 0; mask >>= 1 {
		length++
	}
	if length > 4 || len(data) < length {
		return 0, 0
	}
	id := uint32(data[0])
	for i := 1; i < length; i++ {
		id = id<<8 | uint32(data[i])
	}
	return id, length
}
