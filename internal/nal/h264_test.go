package nal

import (
	"testing"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// bitWriter builds bitstreams for test fixtures, MSB first.
type bitWriter struct {
	data []byte
	bit  int
}

func (bw *bitWriter) writeBit(b uint) {
	if bw.bit == 0 {
		bw.data = append(bw.data, 0)
	}
	if b != 0 {
		bw.data[len(bw.data)-1] |= 1 << (7 - bw.bit)
	}
	bw.bit = (bw.bit + 1) % 8
}

func (bw *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit((v >> i) & 1)
	}
}

// writeUE writes an Exp-Golomb coded unsigned value.
func (bw *bitWriter) writeUE(v uint) {
	val := v + 1
	n := 0
	for tmp := val; tmp > 1; tmp >>= 1 {
		n++
	}
	for i := 0; i < n; i++ {
		bw.writeBit(0)
	}
	bw.writeBits(val, n+1)
}

// stopBit terminates the RBSP with the trailing one bit.
func (bw *bitWriter) stopBit() {
	bw.writeBit(1)
	for bw.bit != 0 {
		bw.writeBit(0)
	}
}

// buildSPS constructs a baseline-profile 1920x1080 SPS NAL unit:
// poc type 0, log2_max_frame_num 4, log2_max_poc_lsb 6, no VUI.
func buildSPS(t *testing.T) []byte {
	t.Helper()
	bw := &bitWriter{}
	bw.writeBits(66, 8) // profile_idc baseline
	bw.writeBits(0, 8)  // constraint flags
	bw.writeBits(30, 8) // level_idc
	bw.writeUE(0)       // seq_parameter_set_id
	bw.writeUE(0)       // log2_max_frame_num_minus4
	bw.writeUE(0)       // pic_order_cnt_type
	bw.writeUE(2)       // log2_max_pic_order_cnt_lsb_minus4
	bw.writeUE(1)       // max_num_ref_frames
	bw.writeBit(0)      // gaps_in_frame_num_value_allowed_flag
	bw.writeUE(119)     // pic_width_in_mbs_minus1 (1920)
	bw.writeUE(67)      // pic_height_in_map_units_minus1 (1088)
	bw.writeBit(1)      // frame_mbs_only_flag
	bw.writeBit(1)      // direct_8x8_inference_flag
	bw.writeBit(1)      // frame_cropping_flag
	bw.writeUE(0)       // crop left
	bw.writeUE(0)       // crop right
	bw.writeUE(0)       // crop top
	bw.writeUE(4)       // crop bottom (1088 → 1080)
	bw.writeBit(0)      // vui_parameters_present_flag
	bw.stopBit()

	nal := append([]byte{0x67}, InsertEmulationPrevention(bw.data)...)
	return nal
}

// buildSlice constructs a minimal slice NAL header for the buildSPS stream.
func buildSlice(t *testing.T, nalType byte, refIdc byte, sliceType uint, frameNum uint) []byte {
	t.Helper()
	bw := &bitWriter{}
	bw.writeUE(0)         // first_mb_in_slice
	bw.writeUE(sliceType) // slice_type
	bw.writeUE(0)         // pic_parameter_set_id
	bw.writeBits(frameNum, 4)
	if nalType == H264NALIDR {
		bw.writeUE(0) // idr_pic_id
	}
	bw.writeBits(0, 6) // pic_order_cnt_lsb
	bw.stopBit()

	hdr := (refIdc << 5) | nalType
	return append([]byte{hdr}, InsertEmulationPrevention(bw.data)...)
}

func TestParseH264SPS(t *testing.T) {
	t.Parallel()
	info, err := ParseH264SPS(buildSPS(t))
	if err != nil {
		t.Fatalf("ParseH264SPS: %v", err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("resolution = %dx%d, want 1920x1080", info.Width, info.Height)
	}
	if info.ProfileIDC != 66 || info.LevelIDC != 30 {
		t.Errorf("profile/level = %d/%d, want 66/30", info.ProfileIDC, info.LevelIDC)
	}
	if info.Log2MaxFrameNum != 4 {
		t.Errorf("Log2MaxFrameNum = %d, want 4", info.Log2MaxFrameNum)
	}
	if info.Log2MaxPicOrderCnt != 6 {
		t.Errorf("Log2MaxPicOrderCnt = %d, want 6", info.Log2MaxPicOrderCnt)
	}
	if info.GapsInFrameNumFlag {
		t.Error("GapsInFrameNumFlag set, want clear")
	}
	if got := info.CodecString(); got != "avc1.42001E" {
		t.Errorf("CodecString = %q", got)
	}
}

func TestParseH264SPS_TooShort(t *testing.T) {
	t.Parallel()
	if _, err := ParseH264SPS([]byte{0x67, 0x42}); err == nil {
		t.Fatal("expected error for truncated SPS")
	}
}

func TestParseH264SliceHeader(t *testing.T) {
	t.Parallel()
	sps, err := ParseH264SPS(buildSPS(t))
	if err != nil {
		t.Fatalf("ParseH264SPS: %v", err)
	}

	cases := []struct {
		name      string
		nalType   byte
		refIdc    byte
		sliceType uint
		want      media.PicType
	}{
		{"IDR", H264NALIDR, 3, 7, media.PicIDR},
		{"P", H264NALSlice, 2, 0, media.PicP},
		{"B", H264NALSlice, 0, 1, media.PicB},
		{"I", H264NALSlice, 2, 2, media.PicI},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			nalu := buildSlice(t, c.nalType, c.refIdc, c.sliceType, 3)
			hdr, err := ParseH264SliceHeader(nalu, sps)
			if err != nil {
				t.Fatalf("ParseH264SliceHeader: %v", err)
			}
			if got := hdr.PicType(); got != c.want {
				t.Errorf("PicType = %v, want %v", got, c.want)
			}
			if hdr.FrameNum != 3 {
				t.Errorf("FrameNum = %d, want 3", hdr.FrameNum)
			}
			if hdr.NalRefIdc != c.refIdc {
				t.Errorf("NalRefIdc = %d, want %d", hdr.NalRefIdc, c.refIdc)
			}
		})
	}
}

func TestH264Codec_ClassifyPicType(t *testing.T) {
	t.Parallel()
	c := ForCodecID("h264", nil)

	sps := buildSPS(t)
	idr := buildSlice(t, H264NALIDR, 3, 7, 0)
	payload := EncodeAnnexB([]Unit{{Data: sps}, {Data: idr}})

	pt, err := c.ClassifyPicType(payload, true)
	if err != nil {
		t.Fatalf("ClassifyPicType: %v", err)
	}
	if pt != media.PicIDR {
		t.Errorf("PicType = %v, want IDR", pt)
	}

	// The SPS observed above now classifies bare B slices.
	b := buildSlice(t, H264NALSlice, 0, 1, 1)
	pt, err = c.ClassifyPicType(EncodeAnnexB([]Unit{{Data: b}}), false)
	if err != nil {
		t.Fatalf("ClassifyPicType: %v", err)
	}
	if pt != media.PicB {
		t.Errorf("PicType = %v, want B", pt)
	}
}

func TestH264Codec_LengthPrefixedFraming(t *testing.T) {
	t.Parallel()
	c := ForCodecID("h264", nil)

	sps := buildSPS(t)
	idr := buildSlice(t, H264NALIDR, 3, 7, 0)
	payload := EncodeLengthPrefixed([]Unit{{Data: sps}, {Data: idr}})

	units, err := c.ParseNALs(payload)
	if err != nil {
		t.Fatalf("ParseNALs: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].Type != H264NALSPS || units[1].Type != H264NALIDR {
		t.Errorf("types = %d,%d want %d,%d", units[0].Type, units[1].Type, H264NALSPS, H264NALIDR)
	}
}

func FuzzParseH264SPS(f *testing.F) {
	f.Add(buildSPSFuzzSeed())
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on arbitrary input.
		ParseH264SPS(data)
	})
}

func buildSPSFuzzSeed() []byte {
	bw := &bitWriter{}
	bw.writeBits(66, 8)
	bw.writeBits(0, 8)
	bw.writeBits(30, 8)
	bw.writeUE(0)
	bw.stopBit()
	return append([]byte{0x67}, bw.data...)
}
