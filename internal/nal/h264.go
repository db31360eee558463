package nal

import (
	"fmt"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	H264NALSlice      = 1
	H264NALSliceDPA   = 2
	H264NALSliceDPB   = 3
	H264NALSliceDPC   = 4
	H264NALIDR        = 5
	H264NALSEI        = 6
	H264NALSPS        = 7
	H264NALPPS        = 8
	H264NALAUD        = 9
	H264NALEndSeq     = 10
	H264NALEndStream  = 11
	H264NALFillerData = 12
)

// H264NALType extracts the NAL unit type from the H.264 NAL header byte.
func H264NALType(firstByte byte) byte {
	return firstByte & 0x1F
}

// H264SPSInfo holds the SPS fields the splice planner and re-encoder need:
// resolution and profile/level for encoder matching, frame_num and POC
// parameters for slice-header parsing, and VUI timing when present.
type H264SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	SeparateColourPlane  bool
	Log2MaxFrameNum      int // log2_max_frame_num_minus4 + 4
	PicOrderCntType      uint
	Log2MaxPicOrderCnt   int // log2_max_pic_order_cnt_lsb_minus4 + 4, POC type 0 only
	MaxNumRefFrames      uint
	GapsInFrameNumFlag   bool
	FrameMbsOnly         bool
	DeltaPicOrderAlways  bool
	NumUnitsInTick       uint32
	TimeScale            uint32
	FixedFrameRate       bool
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s H264SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate derives the frame rate from VUI timing info. Returns a zero
// rational when the SPS carries no timing.
func (s H264SPSInfo) FrameRate() media.Rational {
	if s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return media.Rational{}
	}
	// Field-based tick: two ticks per frame.
	return media.Rational{Num: int64(s.TimeScale), Den: int64(s.NumUnitsInTick) * 2}
}

// ParseH264SPS parses an H.264 SPS NAL unit. The input is the raw NAL data
// including the NAL header byte, without start code.
func ParseH264SPS(nalu []byte) (H264SPSInfo, error) {
	if len(nalu) < 4 {
		return H264SPSInfo{}, fmt.Errorf("%w: SPS too short", ErrBitstreamMalformed)
	}

	rbsp := RemoveEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)
	info := H264SPSInfo{}

	profileIdc, err := br.readBits(8)
	if err != nil {
		return info, wrapSPS(err)
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return info, wrapSPS(err)
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return info, wrapSPS(err)
	}
	info.ProfileIDC = byte(profileIdc)
	info.ConstraintFlags = byte(constraintFlags)
	info.LevelIDC = byte(levelIdc)

	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return info, wrapSPS(err)
	}

	chromaFormatIdc := uint(1)

	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return info, wrapSPS(err)
		}
		if chromaFormatIdc == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return info, wrapSPS(err)
			}
			info.SeparateColourPlane = val == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return info, wrapSPS(err)
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return info, wrapSPS(err)
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return info, wrapSPS(err)
		}
		scalingMatrix, err := br.readBits(1)
		if err != nil {
			return info, wrapSPS(err)
		}
		if scalingMatrix == 1 {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return info, wrapSPS(err)
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return info, wrapSPS(err)
					}
				}
			}
		}
	}

	log2MaxFrameNum, err := br.readUE()
	if err != nil {
		return info, wrapSPS(err)
	}
	info.Log2MaxFrameNum = int(log2MaxFrameNum) + 4

	pocType, err := br.readUE()
	if err != nil {
		return info, wrapSPS(err)
	}
	info.PicOrderCntType = pocType

	switch pocType {
	case 0:
		log2MaxPoc, err := br.readUE()
		if err != nil {
			return info, wrapSPS(err)
		}
		info.Log2MaxPicOrderCnt = int(log2MaxPoc) + 4
	case 1:
		always, err := br.readBits(1)
		if err != nil {
			return info, wrapSPS(err)
		}
		info.DeltaPicOrderAlways = always == 1
		if _, err := br.readSE(); err != nil {
			return info, wrapSPS(err)
		}
		if _, err := br.readSE(); err != nil {
			return info, wrapSPS(err)
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return info, wrapSPS(err)
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return info, wrapSPS(err)
			}
		}
	}

	maxNumRef, err := br.readUE()
	if err != nil {
		return info, wrapSPS(err)
	}
	info.MaxNumRefFrames = maxNumRef

	gaps, err := br.readBits(1)
	if err != nil {
		return info, wrapSPS(err)
	}
	info.GapsInFrameNumFlag = gaps == 1

	picWidthMbs, err := br.readUE()
	if err != nil {
		return info, wrapSPS(err)
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return info, wrapSPS(err)
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return info, wrapSPS(err)
	}
	info.FrameMbsOnly = frameMbsOnly == 1
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field
			return info, wrapSPS(err)
		}
	}

	if _, err := br.readBits(1); err != nil { // direct_8x8_inference
		return info, wrapSPS(err)
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	cropping, err := br.readBits(1)
	if err != nil {
		return info, wrapSPS(err)
	}
	if cropping == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return info, wrapSPS(err)
		}
		if cropRight, err = br.readUE(); err != nil {
			return info, wrapSPS(err)
		}
		if cropTop, err = br.readUE(); err != nil {
			return info, wrapSPS(err)
		}
		if cropBottom, err = br.readUE(); err != nil {
			return info, wrapSPS(err)
		}
	}

	chromaArrayType := chromaFormatIdc
	if info.SeparateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 1, 1
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info.Width = int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	heightMul := 2 - frameMbsOnly
	info.Height = int((picHeightMapUnits+1)*16*heightMul - cropUnitY*(cropTop+cropBottom))

	// VUI: only the timing fields matter here; everything before them is
	// skipped structurally.
	vuiPresent, err := br.readBits(1)
	if err != nil || vuiPresent == 0 {
		return info, nil
	}

	arPresent, _ := br.readBits(1)
	if arPresent == 1 {
		arIdc, _ := br.readBits(8)
		if arIdc == 255 {
			br.readBits(32)
		}
	}

	overscan, _ := br.readBits(1)
	if overscan == 1 {
		br.readBits(1)
	}

	videoSignal, _ := br.readBits(1)
	if videoSignal == 1 {
		br.readBits(4)
		colourDesc, _ := br.readBits(1)
		if colourDesc == 1 {
			br.readBits(24)
		}
	}

	chromaLoc, _ := br.readBits(1)
	if chromaLoc == 1 {
		br.readUE()
		br.readUE()
	}

	timingPresent, _ := br.readBits(1)
	if timingPresent == 1 {
		nuit, _ := br.readBits(32)
		ts, _ := br.readBits(32)
		fixed, _ := br.readBits(1)
		info.NumUnitsInTick = uint32(nuit)
		info.TimeScale = uint32(ts)
		info.FixedFrameRate = fixed == 1
	}

	return info, nil
}

func wrapSPS(err error) error {
	return fmt.Errorf("%w: %v", ErrBitstreamMalformed, err)
}

// H264SliceHeader holds the leading slice-header fields needed for picture
// classification and open-GOP detection.
type H264SliceHeader struct {
	SliceType      uint
	FrameNum       uint
	PicOrderCntLsb uint
	IdrPicID       uint
	NalRefIdc      byte
	IsIDR          bool
}

// PicType maps the slice type to a picture class. Slice types 5-9 are the
// "all slices of this picture share this type" variants of 0-4.
func (h H264SliceHeader) PicType() media.PicType {
	if h.IsIDR {
		return media.PicIDR
	}
	switch h.SliceType % 5 {
	case 0, 3:
		return media.PicP
	case 1:
		return media.PicB
	case 2, 4:
		return media.PicI
	}
	return media.PicUnknown
}

// ParseH264SliceHeader parses the start of a slice NAL unit (types 1 and 5)
// up through pic_order_cnt_lsb. The SPS that the slice references must be
// supplied for the fixed-width frame_num and POC fields.
func ParseH264SliceHeader(nalu []byte, sps H264SPSInfo) (H264SliceHeader, error) {
	if len(nalu) < 2 {
		return H264SliceHeader{}, fmt.Errorf("%w: slice too short", ErrBitstreamMalformed)
	}

	hdr := H264SliceHeader{
		NalRefIdc: (nalu[0] >> 5) & 0x3,
		IsIDR:     H264NALType(nalu[0]) == H264NALIDR,
	}

	rbsp := RemoveEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	if _, err := br.readUE(); err != nil { // first_mb_in_slice
		return hdr, wrapSPS(err)
	}
	sliceType, err := br.readUE()
	if err != nil {
		return hdr, wrapSPS(err)
	}
	hdr.SliceType = sliceType

	if _, err := br.readUE(); err != nil { // pic_parameter_set_id
		return hdr, wrapSPS(err)
	}
	if sps.SeparateColourPlane {
		if _, err := br.readBits(2); err != nil { // colour_plane_id
			return hdr, wrapSPS(err)
		}
	}

	frameNum, err := br.readBits(sps.Log2MaxFrameNum)
	if err != nil {
		return hdr, wrapSPS(err)
	}
	hdr.FrameNum = frameNum

	if !sps.FrameMbsOnly {
		fieldPic, err := br.readBits(1)
		if err != nil {
			return hdr, wrapSPS(err)
		}
		if fieldPic == 1 {
			if _, err := br.readBits(1); err != nil { // bottom_field_flag
				return hdr, wrapSPS(err)
			}
		}
	}

	if hdr.IsIDR {
		idrPicID, err := br.readUE()
		if err != nil {
			return hdr, wrapSPS(err)
		}
		hdr.IdrPicID = idrPicID
	}

	if sps.PicOrderCntType == 0 {
		poc, err := br.readBits(sps.Log2MaxPicOrderCnt)
		if err != nil {
			return hdr, wrapSPS(err)
		}
		hdr.PicOrderCntLsb = poc
	}

	return hdr, nil
}
