package nal

import (
	"fmt"
	"math/bits"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALTrailN     = 0
	HEVCNALTrailR     = 1
	HEVCNALTsaN      = 2
	HEVCNALTsaR      = 3
	HEVCNALStsaN     = 4
	HEVCNALStsaR     = 5
	HEVCNALRadlN     = 6
	HEVCNALRadlR     = 7
	HEVCNALRaslN     = 8
	HEVCNALRaslR     = 9
	HEVCNALBlaWLP    = 16
	HEVCNALBlaWRadl  = 17
	HEVCNALBlaNLP    = 18
	HEVCNALIDRWRadl  = 19
	HEVCNALIDRNlp    = 20
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALEOS       = 36
	HEVCNALEOB       = 37
	HEVCNALFiller    = 38
	HEVCNALSEIPrefix = 39
	HEVCNALSEISuffix = 40
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCRandomAccess returns true if the NAL type is an intra random access
// point (BLA, IDR, or CRA).
func IsHEVCRandomAccess(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// IsHEVCSlice returns true if the NAL type carries a coded slice.
func IsHEVCSlice(nalType byte) bool {
	return nalType <= HEVCNALRaslR || IsHEVCRandomAccess(nalType)
}

// HEVCPicType maps a slice NAL type to its picture class.
func HEVCPicType(nalType byte) media.PicType {
	switch nalType {
	case HEVCNALIDRWRadl, HEVCNALIDRNlp:
		return media.PicIDR
	case HEVCNALCraNut:
		return media.PicCRA
	case HEVCNALBlaWLP, HEVCNALBlaWRadl, HEVCNALBlaNLP:
		return media.PicBLA
	case HEVCNALRaslN, HEVCNALRaslR:
		return media.PicRASL
	case HEVCNALRadlN, HEVCNALRadlR:
		return media.PicRADL
	case HEVCNALTrailN, HEVCNALTrailR, HEVCNALTsaN, HEVCNALTsaR, HEVCNALStsaN, HEVCNALStsaR:
		return media.PicTRAIL
	}
	return media.PicUnknown
}

// SetHEVCNALType rewrites the NAL unit type bits in place, preserving the
// forbidden bit and layer/temporal ID fields. The payload is returned for
// chaining; no emulation-prevention re-coding is needed because only header
// bits change and the header cannot form a start-code pattern for slice types.
func SetHEVCNALType(nalu []byte, nalType byte) []byte {
	nalu[0] = (nalu[0] & 0x81) | (nalType << 1)
	return nalu
}

// RewriteCRAToBLA converts a CRA slice NAL to the matching BLA type for use
// at a mid-stream splice point: BLA_W_LP when leading pictures follow the
// CRA in the output, BLA_N_LP when they were all dropped.
func RewriteCRAToBLA(nalu []byte, hasLeading bool) ([]byte, error) {
	if len(nalu) < 2 {
		return nil, fmt.Errorf("%w: NAL too short for header rewrite", ErrBitstreamMalformed)
	}
	if HEVCNALType(nalu[0]) != HEVCNALCraNut {
		return nil, fmt.Errorf("%w: rewrite target is %d, not CRA", ErrBitstreamMalformed, HEVCNALType(nalu[0]))
	}
	target := byte(HEVCNALBlaNLP)
	if hasLeading {
		target = HEVCNALBlaWLP
	}
	return SetHEVCNALType(nalu, target), nil
}

// HEVCSPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0").
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}

	reversed := bits.Reverse32(s.ProfileCompatibilityFlags)

	// Build constraint bytes (6 bytes from the 48-bit field), trim trailing zeros
	var constraintBytes [6]byte
	for i := 0; i < 6; i++ {
		constraintBytes[i] = byte((s.ConstraintIndicatorFlags >> uint((5-i)*8)) & 0xFF)
	}
	lastNonZero := -1
	for i := 5; i >= 0; i-- {
		if constraintBytes[i] != 0 {
			lastNonZero = i
			break
		}
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, reversed, tier, s.LevelIDC)
	if lastNonZero >= 0 {
		for i := 0; i <= lastNonZero; i++ {
			codec += fmt.Sprintf(".%X", constraintBytes[i])
		}
	}
	return codec
}

// ParseHEVCSPS parses an HEVC SPS NAL unit to extract resolution and
// profile/tier/level. The input is the raw NAL data including the 2-byte
// NAL header.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, fmt.Errorf("%w: SPS too short", ErrBitstreamMalformed)
	}

	// Skip 2-byte NAL header
	rbsp := RemoveEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	// sps_video_parameter_set_id (4 bits)
	if _, err := br.readBits(4); err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}

	// sps_max_sub_layers_minus1 (3 bits)
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}

	// sps_temporal_id_nesting_flag (1 bit)
	if _, err := br.readBits(1); err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}

	info := HEVCSPSInfo{}
	if err := parseHEVCProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}

	// sps_seq_parameter_set_id
	if _, err := br.readUE(); err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}

	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}
	info.ChromaFormatIdc = byte(chromaFormatIdc)

	if chromaFormatIdc == 3 {
		// separate_colour_plane_flag
		if _, err := br.readBits(1); err != nil {
			return HEVCSPSInfo{}, wrapSPS(err)
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, wrapSPS(err)
	}
	info.Width = int(width)
	info.Height = int(height)

	confWindowFlag, err := br.readBits(1)
	if err != nil {
		return info, nil
	}

	if confWindowFlag == 1 {
		left, err := br.readUE()
		if err != nil {
			return info, nil
		}
		right, err := br.readUE()
		if err != nil {
			return info, nil
		}
		top, err := br.readUE()
		if err != nil {
			return info, nil
		}
		bottom, err := br.readUE()
		if err != nil {
			return info, nil
		}

		var subWidthC, subHeightC uint
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}

		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	bdl, err := br.readUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthLumaMinus8 = byte(bdl)

	bdc, err := br.readUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthChromaMinus8 = byte(bdc)

	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) error {
	// general_profile_space (2 bits)
	if _, err := br.readBits(2); err != nil {
		return err
	}

	tierFlag, err := br.readBits(1)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tierFlag)

	profileIDC, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profileIDC)

	// general_profile_compatibility_flags (32 bits)
	hi, err := br.readBits(16)
	if err != nil {
		return err
	}
	lo, err := br.readBits(16)
	if err != nil {
		return err
	}
	info.ProfileCompatibilityFlags = uint32(hi)<<16 | uint32(lo)

	// general_constraint_indicator_flags (48 bits = 6 bytes)
	var cif uint64
	for i := 0; i < 6; i++ {
		b, err := br.readBits(8)
		if err != nil {
			return err
		}
		cif = (cif << 8) | uint64(b)
	}
	info.ConstraintIndicatorFlags = cif

	levelIDC, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(levelIDC)

	// Skip sub-layer profile/level data
	if maxSubLayersMinus1 > 0 {
		var subLayerProfilePresent [8]bool
		var subLayerLevelPresent [8]bool
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			pp, err := br.readBits(1)
			if err != nil {
				return err
			}
			subLayerProfilePresent[i] = pp == 1
			lp, err := br.readBits(1)
			if err != nil {
				return err
			}
			subLayerLevelPresent[i] = lp == 1
		}
		// reserved bits for alignment when maxSubLayersMinus1 < 8
		if maxSubLayersMinus1 < 8 {
			for i := maxSubLayersMinus1; i < 8; i++ {
				if _, err := br.readBits(2); err != nil {
					return err
				}
			}
		}
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			if subLayerProfilePresent[i] {
				// sub_layer profile: 2+1+5+32+48 = 88 bits
				if _, err := br.readBits(32); err != nil {
					return err
				}
				if _, err := br.readBits(32); err != nil {
					return err
				}
				if _, err := br.readBits(24); err != nil {
					return err
				}
			}
			if subLayerLevelPresent[i] {
				if _, err := br.readBits(8); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
