package nal

import (
	"bytes"
	"testing"
)

func TestEmulationPreventionRoundTrip(t *testing.T) {
	t.Parallel()
	cases := [][]byte{
		{0x00, 0x00, 0x00},
		{0x00, 0x00, 0x01, 0x02},
		{0x00, 0x00, 0x02, 0x00, 0x00, 0x03},
		{0xFF, 0x00, 0x00, 0x00, 0x00, 0x01},
		{},
	}
	for _, rbsp := range cases {
		enc := InsertEmulationPrevention(rbsp)
		// Encoded form must not contain a start-code prefix.
		if bytes.Contains(enc, []byte{0, 0, 0}) || bytes.Contains(enc, []byte{0, 0, 1}) ||
			bytes.Contains(enc, []byte{0, 0, 2}) {
			t.Errorf("encoded %x still contains start-code pattern: %x", rbsp, enc)
		}
		dec := RemoveEmulationPrevention(enc)
		if !bytes.Equal(dec, rbsp) {
			t.Errorf("roundtrip %x → %x → %x", rbsp, enc, dec)
		}
	}
}

func FuzzEmulationPrevention(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x01})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, rbsp []byte) {
		enc := InsertEmulationPrevention(rbsp)
		if !bytes.Equal(RemoveEmulationPrevention(enc), rbsp) {
			t.Errorf("roundtrip failed for %x", rbsp)
		}
	})
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	if DetectFormat([]byte{0, 0, 0, 1, 0x65}) != FormatAnnexB {
		t.Error("4-byte start code not detected as Annex B")
	}
	if DetectFormat([]byte{0, 0, 1, 0x65}) != FormatAnnexB {
		t.Error("3-byte start code not detected as Annex B")
	}
	if DetectFormat([]byte{0, 0, 0, 5, 0x65, 1, 2, 3, 4}) != FormatLengthPrefixed {
		t.Error("length prefix misdetected as Annex B")
	}
}

func TestFramingRoundTrip(t *testing.T) {
	t.Parallel()
	units := []Unit{
		{Type: H264NALSPS, Data: []byte{0x67, 0x42, 0x00, 0x1E}},
		{Type: H264NALPPS, Data: []byte{0x68, 0xCE, 0x38, 0x80}},
		{Type: H264NALIDR, Data: []byte{0x65, 0x88, 0x84, 0x00}},
	}

	annexb := EncodeAnnexB(units)
	got := splitAnnexB(annexb, 1, func(d []byte) byte { return H264NALType(d[0]) })
	if len(got) != 3 {
		t.Fatalf("annexb split: got %d units, want 3", len(got))
	}
	for i := range units {
		if got[i].Type != units[i].Type || !bytes.Equal(got[i].Data, units[i].Data) {
			t.Errorf("annexb unit %d mismatch", i)
		}
	}

	lp := EncodeLengthPrefixed(units)
	got2, err := splitLengthPrefixed(lp, 1, func(d []byte) byte { return H264NALType(d[0]) })
	if err != nil {
		t.Fatalf("splitLengthPrefixed: %v", err)
	}
	if len(got2) != 3 {
		t.Fatalf("length-prefixed split: got %d units, want 3", len(got2))
	}
	for i := range units {
		if !bytes.Equal(got2[i].Data, units[i].Data) {
			t.Errorf("length-prefixed unit %d mismatch", i)
		}
	}
}

func TestSplitLengthPrefixed_Truncated(t *testing.T) {
	t.Parallel()
	if _, err := splitLengthPrefixed([]byte{0, 0, 0, 9, 0x65}, 1, func(d []byte) byte { return H264NALType(d[0]) }); err == nil {
		t.Fatal("expected error for oversized NAL length")
	}
	if _, err := splitLengthPrefixed([]byte{0, 0}, 1, func(d []byte) byte { return H264NALType(d[0]) }); err == nil {
		t.Fatal("expected error for truncated prefix")
	}
}

func TestParseAVCC(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	avcc := []byte{
		1, 0x42, 0x00, 0x1E, 0xFF,
		0xE1, // 1 SPS
		0x00, byte(len(sps)),
	}
	avcc = append(avcc, sps...)
	avcc = append(avcc, 1, 0x00, byte(len(pps)))
	avcc = append(avcc, pps...)

	gotSPS, gotPPS, err := ParseAVCC(avcc)
	if err != nil {
		t.Fatalf("ParseAVCC: %v", err)
	}
	if len(gotSPS) != 1 || !bytes.Equal(gotSPS[0], sps) {
		t.Errorf("SPS mismatch: %x", gotSPS)
	}
	if len(gotPPS) != 1 || !bytes.Equal(gotPPS[0], pps) {
		t.Errorf("PPS mismatch: %x", gotPPS)
	}

	if _, _, err := ParseAVCC([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for bad avcC")
	}
}

func TestEpochTracker(t *testing.T) {
	t.Parallel()
	c := ForCodecID("h264", nil)

	spsA := []byte{0x67, 0x42, 0x00, 0x1E, 0xAA}
	spsB := []byte{0x67, 0x42, 0x00, 0x28, 0xBB}
	pps := []byte{0x68, 0xCE, 0x38}
	slice := []byte{0x41, 0x9A, 0x00}

	tr := NewEpochTracker(c, nil)

	auA := EncodeAnnexB([]Unit{{Data: spsA}, {Data: pps}, {Data: slice}})
	epoch, err := tr.Observe(auA)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if epoch != 0 {
		t.Errorf("first epoch = %d, want 0", epoch)
	}

	// Same sets again: same epoch.
	if epoch, _ = tr.Observe(auA); epoch != 0 {
		t.Errorf("repeat epoch = %d, want 0", epoch)
	}

	// No in-band sets: epoch unchanged.
	if epoch, _ = tr.Observe(EncodeAnnexB([]Unit{{Data: slice}})); epoch != 0 {
		t.Errorf("bare slice epoch = %d, want 0", epoch)
	}

	// Changed SPS: epoch increments.
	auB := EncodeAnnexB([]Unit{{Data: spsB}, {Data: pps}, {Data: slice}})
	if epoch, _ = tr.Observe(auB); epoch != 1 {
		t.Errorf("changed-SPS epoch = %d, want 1", epoch)
	}

	if got := tr.ExtradataForEpoch(0); !bytes.Contains(got, spsA) {
		t.Errorf("epoch 0 extradata missing original SPS: %x", got)
	}
	if got := tr.ExtradataForEpoch(1); !bytes.Contains(got, spsB) {
		t.Errorf("epoch 1 extradata missing new SPS: %x", got)
	}
	if got := tr.ExtradataForEpoch(7); got != nil {
		t.Errorf("unknown epoch extradata = %x, want nil", got)
	}
}

func TestInjectParameterSets(t *testing.T) {
	t.Parallel()
	c := ForCodecID("h264", nil)

	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE, 0x38}
	idr := []byte{0x65, 0x88, 0x80}
	params := EncodeAnnexB([]Unit{{Data: sps}, {Data: pps}})

	// Bare IDR gains the parameter sets in front.
	out, err := InjectParameterSets(c, EncodeAnnexB([]Unit{{Data: idr}}), params)
	if err != nil {
		t.Fatalf("InjectParameterSets: %v", err)
	}
	units, _ := c.ParseNALs(out)
	if len(units) != 3 || units[0].Type != H264NALSPS || units[1].Type != H264NALPPS || units[2].Type != H264NALIDR {
		t.Fatalf("unexpected unit sequence: %+v", units)
	}

	// Payload that already carries sets is left alone.
	withSets := EncodeAnnexB([]Unit{{Data: sps}, {Data: pps}, {Data: idr}})
	out, err = InjectParameterSets(c, withSets, params)
	if err != nil {
		t.Fatalf("InjectParameterSets: %v", err)
	}
	if !bytes.Equal(out, withSets) {
		t.Error("payload with existing sets was modified")
	}

	// Length-prefixed payloads stay length-prefixed.
	out, err = InjectParameterSets(c, EncodeLengthPrefixed([]Unit{{Data: idr}}), params)
	if err != nil {
		t.Fatalf("InjectParameterSets: %v", err)
	}
	if DetectFormat(out) != FormatLengthPrefixed {
		t.Error("injection changed payload framing")
	}
}

func TestValidateSequencing(t *testing.T) {
	t.Parallel()
	c := ForCodecID("h264", nil)

	sps := Unit{Data: []byte{0x67, 0x42}}
	pps := Unit{Data: []byte{0x68, 0xCE}}
	sei := Unit{Data: []byte{0x06, 0x01}}
	idr := Unit{Data: []byte{0x65, 0x88}}

	if err := ValidateSequencing(c, EncodeAnnexB([]Unit{sps, pps, sei, idr})); err != nil {
		t.Errorf("valid sequence rejected: %v", err)
	}
	// PPS before SPS is out of order.
	if err := ValidateSequencing(c, EncodeAnnexB([]Unit{pps, sps, idr})); err == nil {
		t.Error("PPS-before-SPS accepted")
	}
	// An access unit with no slice is malformed.
	if err := ValidateSequencing(c, EncodeAnnexB([]Unit{sps, pps})); err == nil {
		t.Error("sliceless access unit accepted")
	}

	hc := ForCodecID("hevc", nil)
	vps := Unit{Data: hevcNAL(HEVCNALVPS)}
	hsps := Unit{Data: hevcNAL(HEVCNALSPS)}
	hpps := Unit{Data: hevcNAL(HEVCNALPPS)}
	slice := Unit{Data: hevcNAL(HEVCNALIDRWRadl)}
	if err := ValidateSequencing(hc, EncodeAnnexB([]Unit{vps, hsps, hpps, slice})); err != nil {
		t.Errorf("valid HEVC sequence rejected: %v", err)
	}
	if err := ValidateSequencing(hc, EncodeAnnexB([]Unit{hsps, vps, slice})); err == nil {
		t.Error("SPS-before-VPS accepted")
	}
}
