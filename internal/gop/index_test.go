package gop

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
)

// slicePackets is a PacketSource over a fixed packet list.
type slicePackets struct {
	packets []*media.Packet
	pos     int
}

func (s *slicePackets) ReadPacket() (*media.Packet, error) {
	if s.pos >= len(s.packets) {
		return nil, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return p, nil
}

func pkt(pts, dts int64, pic media.PicType, keyframe bool) *media.Packet {
	flags := 0
	if keyframe {
		flags = media.FlagKeyframe
	}
	return &media.Packet{PTS: pts, DTS: dts, Duration: 1000, Flags: flags, PicType: pic}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// closedGOPStream builds two closed GOPs of 4 frames each: IDR P B B with
// one frame of B-reorder delay.
func closedGOPStream() []*media.Packet {
	return []*media.Packet{
		// GOP 1 (decode order), PTS in display units of 1000.
		pkt(0, -1000, media.PicIDR, true),
		pkt(3000, 0, media.PicP, false),
		pkt(1000, 1000, media.PicB, false),
		pkt(2000, 2000, media.PicB, false),
		// GOP 2
		pkt(4000, 3000, media.PicIDR, true),
		pkt(7000, 4000, media.PicP, false),
		pkt(5000, 5000, media.PicB, false),
		pkt(6000, 6000, media.PicB, false),
	}
}

func TestScan_ClosedGOPs(t *testing.T) {
	t.Parallel()
	codec := nal.ForCodecID("h264", nil)
	idx, err := Scan(&slicePackets{packets: closedGOPStream()}, 0, codec, nil, testLogger())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	entries := idx.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].KeyframePTS != 0 || entries[1].KeyframePTS != 4000 {
		t.Errorf("keyframe PTS = %d, %d", entries[0].KeyframePTS, entries[1].KeyframePTS)
	}
	if entries[0].NextKeyframePTS != 4000 {
		t.Errorf("NextKeyframePTS = %d, want 4000", entries[0].NextKeyframePTS)
	}
	if entries[1].NextKeyframePTS != media.NoTimestamp {
		t.Errorf("final NextKeyframePTS = %d, want NoTimestamp", entries[1].NextKeyframePTS)
	}
	if entries[0].Open || entries[1].Open {
		t.Error("closed GOPs flagged open")
	}

	kf, ok := idx.KeyframeAtOrAfter(1)
	if !ok || kf.KeyframePTS != 4000 {
		t.Errorf("KeyframeAtOrAfter(1) = %+v, %v", kf, ok)
	}
	kf, ok = idx.KeyframeAtOrAfter(0)
	if !ok || kf.KeyframePTS != 0 {
		t.Errorf("KeyframeAtOrAfter(0) = %+v, %v", kf, ok)
	}
	if _, ok := idx.KeyframeAtOrAfter(99999); ok {
		t.Error("KeyframeAtOrAfter past EOF reported a keyframe")
	}

	prev, ok := idx.KeyframeBefore(4000)
	if !ok || prev.KeyframePTS != 0 {
		t.Errorf("KeyframeBefore(4000) = %+v, %v", prev, ok)
	}

	if got := idx.Classify(3000); got != media.PicP {
		t.Errorf("Classify(3000) = %v, want P", got)
	}

	frames := idx.FramesInDisplayRange(1000, 4000)
	if len(frames) != 3 {
		t.Fatalf("FramesInDisplayRange: got %d frames, want 3", len(frames))
	}
	for i, want := range []int64{1000, 2000, 3000} {
		if frames[i].PTS != want {
			t.Errorf("frame %d PTS = %d, want %d", i, frames[i].PTS, want)
		}
	}

	if got := idx.LastPTS(); got != 7000 {
		t.Errorf("LastPTS = %d, want 7000", got)
	}
}

func TestScan_OpenGOPH264LeadingPictures(t *testing.T) {
	t.Parallel()
	packets := []*media.Packet{
		pkt(0, 0, media.PicIDR, true),
		pkt(1000, 1000, media.PicP, false),
		// Non-IDR recovery point with a leading B that displays before it.
		pkt(3000, 2000, media.PicI, true),
		pkt(2000, 3000, media.PicB, false),
		pkt(4000, 4000, media.PicP, false),
	}
	codec := nal.ForCodecID("h264", nil)
	idx, err := Scan(&slicePackets{packets: packets}, 0, codec, nil, testLogger())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	entries := idx.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Open {
		t.Error("IDR GOP flagged open")
	}
	if !entries[1].Open {
		t.Error("GOP with leading pictures not flagged open")
	}
}

func TestScan_CRAOpensGOP(t *testing.T) {
	t.Parallel()
	packets := []*media.Packet{
		pkt(0, 0, media.PicIDR, true),
		pkt(1000, 1000, media.PicTRAIL, false),
		pkt(2000, 2000, media.PicCRA, true),
		pkt(3000, 3000, media.PicTRAIL, false),
	}
	codec := nal.ForCodecID("hevc", nil)
	idx, err := Scan(&slicePackets{packets: packets}, 0, codec, nil, testLogger())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	entries := idx.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Open {
		t.Error("IDR GOP flagged open")
	}
	if !entries[1].Open {
		t.Error("CRA GOP not flagged open")
	}
}

func TestScan_MidGOPParameterSetChange(t *testing.T) {
	t.Parallel()
	spsA := []byte{0x67, 0x42, 0x00, 0x1E, 0xAA}
	spsB := []byte{0x67, 0x42, 0x00, 0x28, 0xBB}
	pps := []byte{0x68, 0xCE, 0x38}
	idr := []byte{0x65, 0x88}
	p := []byte{0x41, 0x9A}

	withPayload := func(pk *media.Packet, units ...[]byte) *media.Packet {
		us := make([]nal.Unit, len(units))
		for i, u := range units {
			us[i] = nal.Unit{Data: u}
		}
		pk.Payload = nal.EncodeAnnexB(us)
		return pk
	}

	packets := []*media.Packet{
		withPayload(pkt(0, 0, media.PicIDR, true), spsA, pps, idr),
		withPayload(pkt(1000, 1000, media.PicP, false), p),
		// SPS content changes on a non-keyframe: malformed.
		withPayload(pkt(2000, 2000, media.PicP, false), spsB, pps, p),
	}
	codec := nal.ForCodecID("h264", nil)
	_, err := Scan(&slicePackets{packets: packets}, 0, codec, nil, testLogger())
	if !errors.Is(err, nal.ErrBitstreamMalformed) {
		t.Fatalf("err = %v, want ErrBitstreamMalformed", err)
	}
}

func TestScan_EpochChangeAtKeyframe(t *testing.T) {
	t.Parallel()
	spsA := []byte{0x67, 0x42, 0x00, 0x1E, 0xAA}
	spsB := []byte{0x67, 0x42, 0x00, 0x28, 0xBB}
	pps := []byte{0x68, 0xCE, 0x38}
	idr := []byte{0x65, 0x88}

	withPayload := func(pk *media.Packet, units ...[]byte) *media.Packet {
		us := make([]nal.Unit, len(units))
		for i, u := range units {
			us[i] = nal.Unit{Data: u}
		}
		pk.Payload = nal.EncodeAnnexB(us)
		return pk
	}

	packets := []*media.Packet{
		withPayload(pkt(0, 0, media.PicIDR, true), spsA, pps, idr),
		withPayload(pkt(1000, 1000, media.PicIDR, true), spsB, pps, idr),
	}
	codec := nal.ForCodecID("h264", nil)
	idx, err := Scan(&slicePackets{packets: packets}, 0, codec, nil, testLogger())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	entries := idx.Entries()
	if entries[0].Epoch != 0 || entries[1].Epoch != 1 {
		t.Errorf("epochs = %d, %d, want 0, 1", entries[0].Epoch, entries[1].Epoch)
	}
	if idx.ExtradataForEpoch(1) == nil {
		t.Error("epoch 1 extradata missing")
	}
}

func TestScan_NoKeyframes(t *testing.T) {
	t.Parallel()
	packets := []*media.Packet{pkt(0, 0, media.PicP, false)}
	codec := nal.ForCodecID("h264", nil)
	if _, err := Scan(&slicePackets{packets: packets}, 0, codec, nil, testLogger()); !errors.Is(err, nal.ErrBitstreamMalformed) {
		t.Fatalf("err = %v, want ErrBitstreamMalformed", err)
	}
}

func TestScan_IgnoresOtherStreams(t *testing.T) {
	t.Parallel()
	packets := []*media.Packet{
		pkt(0, 0, media.PicIDR, true),
		{StreamIndex: 1, PTS: 500, DTS: 500, Payload: []byte{0xFF}},
		pkt(1000, 1000, media.PicP, false),
	}
	codec := nal.ForCodecID("h264", nil)
	idx, err := Scan(&slicePackets{packets: packets}, 0, codec, nil, testLogger())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(idx.Frames()) != 2 {
		t.Errorf("got %d frames, want 2", len(idx.Frames()))
	}
}
