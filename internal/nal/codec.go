package nal

import (
	"bytes"
	"fmt"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// Codec is the per-codec capability surface the cut planner and muxer call.
// Adding a codec means adding a variant, not branching in the planner.
type Codec interface {
	// ID returns the codec identifier ("h264", "hevc", "generic").
	ID() string

	// ParseNALs splits a packet payload into NAL units, accepting both
	// Annex B and length-prefixed framing. Codecs without NAL structure
	// return nil.
	ParseNALs(payload []byte) ([]Unit, error)

	// ClassifyPicType inspects a payload and returns its picture class.
	// keyframe is the container-level flag, used as the only signal for
	// codecs without NAL structure.
	ClassifyPicType(payload []byte, keyframe bool) (media.PicType, error)

	// RewriteSpliceStart fixes up the payloads of the first copied packets
	// after a splice boundary: H.265 rewrites CRA→BLA and drops RASL
	// pictures; H.264 and generic codecs pass through. precededByPrefix
	// reports whether a re-encoded prefix lands immediately before the
	// copied run. Packets are modified in place; dropped packets are
	// removed from the returned slice.
	RewriteSpliceStart(packets []*media.Packet, precededByPrefix bool) ([]*media.Packet, error)

	// SmartCuttable reports whether the codec supports partial-GOP
	// re-encoding. Non-cuttable codecs fall back to keyframe-only cuts.
	SmartCuttable() bool

	// SpliceAtOpenGOP reports whether a copied range may begin at an
	// open-GOP keyframe, with RewriteSpliceStart repairing the boundary
	// (H.265 CRA→BLA). Codecs answering false re-encode through open GOPs.
	SpliceAtOpenGOP() bool
}

// ForCodecID returns the capability variant for a container codec ID.
// extradata is the stream's codec-private data, used to prime parameter-set
// state for codecs that need it.
func ForCodecID(codecID string, extradata []byte) Codec {
	switch codecID {
	case "h264", "avc1", "avc":
		c := &h264Codec{}
		c.primeFromExtradata(extradata)
		return c
	case "hevc", "h265", "hev1", "hvc1":
		return &h265Codec{}
	case "vp9", "av1", "mpeg2video":
		return &genericCodec{id: codecID, cuttable: true}
	default:
		return &genericCodec{id: codecID, cuttable: false}
	}
}

// --- H.264 ---

type h264Codec struct {
	sps    H264SPSInfo
	hasSPS bool
}

func (c *h264Codec) ID() string            { return "h264" }
func (c *h264Codec) SmartCuttable() bool   { return true }
func (c *h264Codec) SpliceAtOpenGOP() bool { return false }

func (c *h264Codec) primeFromExtradata(extradata []byte) {
	if len(extradata) == 0 {
		return
	}
	var spsList [][]byte
	if extradata[0] == 1 {
		if s, _, err := ParseAVCC(extradata); err == nil {
			spsList = s
		}
	} else {
		for _, u := range splitAnnexB(extradata, 1, func(d []byte) byte { return H264NALType(d[0]) }) {
			if u.Type == H264NALSPS {
				spsList = append(spsList, u.Data)
			}
		}
	}
	for _, sps := range spsList {
		if info, err := ParseH264SPS(sps); err == nil {
			c.sps = info
			c.hasSPS = true
			return
		}
	}
}

func (c *h264Codec) ParseNALs(payload []byte) ([]Unit, error) {
	if DetectFormat(payload) == FormatAnnexB {
		return splitAnnexB(payload, 1, func(d []byte) byte { return H264NALType(d[0]) }), nil
	}
	return splitLengthPrefixed(payload, 1, func(d []byte) byte { return H264NALType(d[0]) })
}

func (c *h264Codec) ClassifyPicType(payload []byte, keyframe bool) (media.PicType, error) {
	units, err := c.ParseNALs(payload)
	if err != nil {
		return media.PicUnknown, err
	}
	for _, u := range units {
		switch u.Type {
		case H264NALSPS:
			if info, err := ParseH264SPS(u.Data); err == nil {
				c.sps = info
				c.hasSPS = true
			}
		case H264NALSlice, H264NALIDR:
			if !c.hasSPS {
				if u.Type == H264NALIDR {
					return media.PicIDR, nil
				}
				return media.PicUnknown, fmt.Errorf("%w: slice before SPS", ErrBitstreamMalformed)
			}
			hdr, err := ParseH264SliceHeader(u.Data, c.sps)
			if err != nil {
				return media.PicUnknown, err
			}
			return hdr.PicType(), nil
		}
	}
	if keyframe {
		return media.PicI, nil
	}
	return media.PicUnknown, nil
}

func (c *h264Codec) RewriteSpliceStart(packets []*media.Packet, _ bool) ([]*media.Packet, error) {
	// H.264 splices land on IDR (closed GOP) or re-encode through the open
	// prefix; nothing to rewrite in the copied run.
	return packets, nil
}

// --- H.265 ---

type h265Codec struct{}

func (c *h265Codec) ID() string            { return "hevc" }
func (c *h265Codec) SmartCuttable() bool   { return true }
func (c *h265Codec) SpliceAtOpenGOP() bool { return true }

func (c *h265Codec) ParseNALs(payload []byte) ([]Unit, error) {
	if DetectFormat(payload) == FormatAnnexB {
		return splitAnnexB(payload, 2, func(d []byte) byte { return HEVCNALType(d[0]) }), nil
	}
	return splitLengthPrefixed(payload, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

func (c *h265Codec) ClassifyPicType(payload []byte, keyframe bool) (media.PicType, error) {
	units, err := c.ParseNALs(payload)
	if err != nil {
		return media.PicUnknown, err
	}
	for _, u := range units {
		if IsHEVCSlice(u.Type) {
			return HEVCPicType(u.Type), nil
		}
	}
	if keyframe {
		return media.PicI, nil
	}
	return media.PicUnknown, nil
}

func (c *h265Codec) RewriteSpliceStart(packets []*media.Packet, precededByPrefix bool) ([]*media.Packet, error) {
	if len(packets) == 0 {
		return packets, nil
	}

	first := packets[0]
	if first.PicType != media.PicCRA {
		return packets, nil
	}
	if !precededByPrefix {
		// The CRA starts the output stream: CRA at stream start is a legal
		// random access point, but its RASL pictures are undecodable.
		return c.dropRASL(packets)
	}

	// Mid-stream splice: CRA semantics require stream start or an IDR-like
	// discontinuity, so the picture becomes a broken-link access point.
	kept, err := c.dropRASL(packets)
	if err != nil {
		return nil, err
	}
	hasLeading := false
	for _, p := range kept[1:] {
		if p.PicType == media.PicRADL {
			hasLeading = true
			break
		}
		if p.PicType != media.PicRASL {
			break
		}
	}

	units, err := c.ParseNALs(first.Payload)
	if err != nil {
		return nil, err
	}
	wasAnnexB := DetectFormat(first.Payload) == FormatAnnexB
	for i := range units {
		if units[i].Type == HEVCNALCraNut {
			if _, err := RewriteCRAToBLA(units[i].Data, hasLeading); err != nil {
				return nil, err
			}
			units[i].Type = HEVCNALType(units[i].Data[0])
		}
	}
	if wasAnnexB {
		first.Payload = EncodeAnnexB(units)
	} else {
		first.Payload = EncodeLengthPrefixed(units)
	}
	first.PicType = media.PicBLA
	return kept, nil
}

// dropRASL removes RASL pictures from the leading-picture run of the
// splice-starting keyframe; they reference frames before the splice and
// cannot decode. The run ends at the first trailing picture.
func (c *h265Codec) dropRASL(packets []*media.Packet) ([]*media.Packet, error) {
	out := make([]*media.Packet, 0, len(packets))
	out = append(out, packets[0])
	inLeadingRun := true
	for _, p := range packets[1:] {
		if inLeadingRun && p.PicType == media.PicRASL {
			continue
		}
		if p.PicType != media.PicRASL && p.PicType != media.PicRADL {
			inLeadingRun = false
		}
		out = append(out, p)
	}
	return out, nil
}

// --- Generic (VP9, AV1, MPEG-2, and unsupported codecs) ---

type genericCodec struct {
	id       string
	cuttable bool
}

func (c *genericCodec) ID() string            { return c.id }
func (c *genericCodec) SmartCuttable() bool   { return c.cuttable }
func (c *genericCodec) SpliceAtOpenGOP() bool { return false }

func (c *genericCodec) ParseNALs([]byte) ([]Unit, error) { return nil, nil }

func (c *genericCodec) ClassifyPicType(_ []byte, keyframe bool) (media.PicType, error) {
	if keyframe {
		return media.PicI, nil
	}
	return media.PicP, nil
}

func (c *genericCodec) RewriteSpliceStart(packets []*media.Packet, _ bool) ([]*media.Packet, error) {
	return packets, nil
}

// ExtractParameterSets pulls SPS/PPS (and VPS for HEVC) NAL units out of a
// payload in either framing, returning them in Annex B order. Used to detect
// parameter-set epoch changes in-band.
func ExtractParameterSets(c Codec, payload []byte) ([][]byte, error) {
	units, err := c.ParseNALs(payload)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, u := range units {
		switch c.ID() {
		case "h264":
			if u.Type == H264NALSPS || u.Type == H264NALPPS {
				out = append(out, u.Data)
			}
		case "hevc":
			if u.Type == HEVCNALVPS || u.Type == HEVCNALSPS || u.Type == HEVCNALPPS {
				out = append(out, u.Data)
			}
		}
	}
	return out, nil
}

// ParameterSetsEqual compares two parameter-set groups byte for byte.
func ParameterSetsEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
