package nal

import (
	"fmt"
)

// EpochTracker assigns parameter-set epochs to video packets. The epoch is a
// monotonically increasing integer that changes whenever the in-band
// SPS/PPS/VPS content differs from the previous access unit's; packets in
// the same epoch share extradata. Epoch 0 is the stream's initial extradata.
type EpochTracker struct {
	codec   Codec
	current int
	sets    [][]byte   // parameter sets of the current epoch
	perEra  [][][]byte // parameter sets per epoch, indexed by epoch number
}

// NewEpochTracker creates a tracker primed with the stream's out-of-band
// extradata as epoch 0.
func NewEpochTracker(c Codec, extradata []byte) *EpochTracker {
	t := &EpochTracker{codec: c}
	initial := extradataParameterSets(c, extradata)
	t.sets = initial
	t.perEra = [][][]byte{initial}
	return t
}

// extradataParameterSets decodes avcC/hvcC or Annex B extradata into the
// ordered parameter-set NAL list.
func extradataParameterSets(c Codec, extradata []byte) [][]byte {
	if len(extradata) == 0 {
		return nil
	}
	if extradata[0] == 1 {
		switch c.ID() {
		case "h264":
			sps, pps, err := ParseAVCC(extradata)
			if err != nil {
				return nil
			}
			return append(sps, pps...)
		case "hevc":
			vps, sps, pps, err := ParseHVCC(extradata)
			if err != nil {
				return nil
			}
			out := append([][]byte{}, vps...)
			out = append(out, sps...)
			return append(out, pps...)
		}
	}
	sets, err := ExtractParameterSets(c, extradata)
	if err != nil {
		return nil
	}
	return sets
}

// Observe inspects one video packet's payload and returns the epoch it
// belongs to, advancing the epoch when the in-band parameter sets changed.
func (t *EpochTracker) Observe(payload []byte) (int, error) {
	inBand, err := ExtractParameterSets(t.codec, payload)
	if err != nil {
		return t.current, err
	}
	if len(inBand) == 0 {
		return t.current, nil
	}
	if len(t.sets) == 0 {
		// First sets seen anywhere: they define epoch 0.
		t.sets = inBand
		t.perEra[t.current] = inBand
		return t.current, nil
	}
	if !ParameterSetsEqual(inBand, t.sets) {
		t.current++
		t.perEra = append(t.perEra, inBand)
		t.sets = inBand
	}
	return t.current, nil
}

// Current returns the active epoch number.
func (t *EpochTracker) Current() int { return t.current }

// ExtradataForEpoch returns the parameter sets of epoch n joined in Annex B
// form, or nil when the epoch never materialized.
func (t *EpochTracker) ExtradataForEpoch(n int) []byte {
	if n < 0 || n >= len(t.perEra) || len(t.perEra[n]) == 0 {
		return nil
	}
	units := make([]Unit, len(t.perEra[n]))
	for i, ps := range t.perEra[n] {
		units[i] = Unit{Data: ps}
	}
	return EncodeAnnexB(units)
}

// InjectParameterSets prepends parameter-set NAL units to a packet payload,
// respecting the payload's framing. A payload that already carries any
// parameter set is returned unchanged; its sets are not compared with
// paramSets. paramSets is Annex B encoded (as produced by ExtradataForEpoch or
// an encoder's extradata).
func InjectParameterSets(c Codec, payload, paramSets []byte) ([]byte, error) {
	if len(paramSets) == 0 {
		return payload, nil
	}
	existing, err := ExtractParameterSets(c, payload)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return payload, nil
	}

	psUnits, err := c.ParseNALs(paramSets)
	if err != nil {
		return nil, err
	}
	units, err := c.ParseNALs(payload)
	if err != nil {
		return nil, err
	}
	merged := append(psUnits, units...)
	if DetectFormat(payload) == FormatAnnexB {
		return EncodeAnnexB(merged), nil
	}
	return EncodeLengthPrefixed(merged), nil
}

// nalOrderRank maps a NAL type to its required position class within an
// access unit: parameter sets, then AUD/SEI, then slices. Lower ranks must
// not follow higher ranks.
func nalOrderRank(codecID string, nalType byte) int {
	switch codecID {
	case "h264":
		switch nalType {
		case H264NALSPS:
			return 0
		case H264NALPPS:
			return 1
		case H264NALAUD:
			return 2
		case H264NALSEI:
			return 3
		case H264NALSlice, H264NALIDR:
			return 4
		}
	case "hevc":
		switch nalType {
		case HEVCNALVPS:
			return 0
		case HEVCNALSPS:
			return 1
		case HEVCNALPPS:
			return 2
		case HEVCNALAUD:
			return 3
		case HEVCNALSEIPrefix:
			return 4
		default:
			if IsHEVCSlice(nalType) {
				return 5
			}
			if nalType == HEVCNALSEISuffix {
				return 6
			}
		}
	}
	return -1
}

// ValidateSequencing verifies NAL ordering within a rewritten access unit:
// VPS→SPS→PPS→AUD→SEI→slice for HEVC, SPS→PPS→AUD→SEI→slice for H.264.
// Types outside the ordered set (filler, end-of-seq) are ignored. An AUD,
// when present, must be the very first unit per the container specs; we
// accept it after parameter sets since that is what injection produces and
// decoders accept.
func ValidateSequencing(c Codec, payload []byte) error {
	units, err := c.ParseNALs(payload)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("%w: empty access unit", ErrBitstreamMalformed)
	}
	prev := -1
	sawSlice := false
	for _, u := range units {
		rank := nalOrderRank(c.ID(), u.Type)
		if rank < 0 {
			continue
		}
		isSlice := (c.ID() == "h264" && (u.Type == H264NALSlice || u.Type == H264NALIDR)) ||
			(c.ID() == "hevc" && IsHEVCSlice(u.Type))
		if isSlice {
			sawSlice = true
		} else if rank < prev {
			return fmt.Errorf("%w: NAL type %d out of order", ErrBitstreamMalformed, u.Type)
		}
		if rank > prev {
			prev = rank
		}
	}
	if !sawSlice {
		return fmt.Errorf("%w: access unit has no slice", ErrBitstreamMalformed)
	}
	return nil
}
