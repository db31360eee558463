package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
	"github.com/MIkeCall1986/smartcut/internal/probe"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path, probed, want string
	}{
		{"in.ts", "", "mpegts"},
		{"in.m2ts", "", "m2ts"},
		{"in.MTS", "", "m2ts"},
		{"out.mp4", "", "mp4"},
		{"out.MOV", "", "mp4"},
		{"out.mkv", "", "matroska"},
		{"clip.avi", "", "other"},
		{"noext", "mpegts", "mpegts"},
		{"noext", "mov,mp4,m4a,3gp,3g2,mj2", "mp4"},
		{"noext", "matroska,webm", "matroska"},
		{"noext", "avi", "other"},
	}
	for _, c := range cases {
		if got := detectFormat(c.path, c.probed); got != c.want {
			t.Errorf("detectFormat(%q, %q) = %q, want %q", c.path, c.probed, got, c.want)
		}
	}
}

func TestM2TSStripper(t *testing.T) {
	t.Parallel()
	// Two 192-byte packets: 4-byte copy-permission header + 188 payload.
	var src bytes.Buffer
	for i := 0; i < 2; i++ {
		src.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
		pkt := bytes.Repeat([]byte{byte(0x47), byte(i)}, 94)
		src.Write(pkt)
	}
	out, err := io.ReadAll(newM2TSStripper(&src))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != 376 {
		t.Fatalf("got %d bytes, want 376", len(out))
	}
	if out[0] != 0x47 || out[188] != 0x47 {
		t.Error("packets not aligned on sync byte after stripping")
	}
}

func TestEBMLVintRoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []uint64{0, 1, 0x7E, 0x80, 0x3FFE, 0x4000, 0x1FFFF0, 0x0FFFFFF0, 1 << 40} {
		enc := ebmlVint(v)
		got, n := readVint(enc)
		if n != len(enc) || got != v {
			t.Errorf("vint roundtrip %d → %x → %d (n=%d)", v, enc, got, n)
		}
	}
}

func TestBuildAVCCRoundTrip(t *testing.T) {
	t.Parallel()
	sps := [][]byte{{0x67, 0x64, 0x00, 0x28, 0xAA}}
	pps := [][]byte{{0x68, 0xEE, 0x3C, 0x80}}
	avcc := buildAVCC(sps, pps)

	gotSPS, gotPPS, err := nal.ParseAVCC(avcc)
	if err != nil {
		t.Fatalf("ParseAVCC: %v", err)
	}
	if len(gotSPS) != 1 || !bytes.Equal(gotSPS[0], sps[0]) {
		t.Errorf("SPS roundtrip failed: %x", gotSPS)
	}
	if len(gotPPS) != 1 || !bytes.Equal(gotPPS[0], pps[0]) {
		t.Errorf("PPS roundtrip failed: %x", gotPPS)
	}
}

// mkvProbe fabricates the probe result matching the muxer's test streams.
func mkvProbe() *probe.Result {
	return &probe.Result{
		FormatName: "matroska,webm",
		Streams: []media.StreamDescriptor{
			{
				Index:    0,
				Kind:     media.StreamVideo,
				CodecID:  "mpeg2video",
				TimeBase: media.Rational{Num: 1, Den: 1000},
				Width:    320, Height: 240,
				FrameRate: media.Rational{Num: 25, Den: 1},
			},
			{
				Index:    1,
				Kind:     media.StreamSubtitle,
				CodecID:  "subrip",
				TimeBase: media.Rational{Num: 1, Den: 1000},
				Language: "ger",
				Disposition: media.Disposition{
					Forced:  true,
					Default: true,
				},
			},
		},
	}
}

func TestMatroskaRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mkv")

	mux, err := newMatroskaMuxer(path, Options{})
	if err != nil {
		t.Fatalf("newMatroskaMuxer: %v", err)
	}
	pr := mkvProbe()
	if err := mux.AddStreams(pr.Streams); err != nil {
		t.Fatalf("AddStreams: %v", err)
	}

	video := []*media.Packet{
		{StreamIndex: 0, PTS: 0, DTS: 0, Flags: media.FlagKeyframe, Payload: []byte{1, 2, 3, 4}},
		{StreamIndex: 0, PTS: 40, DTS: 40, Payload: []byte{5, 6}},
		{StreamIndex: 0, PTS: 80, DTS: 80, Payload: []byte{7, 8, 9}},
	}
	sub := &media.Packet{StreamIndex: 1, PTS: 40, DTS: 40, Duration: 30, Payload: []byte("Hallo")}

	// Attachments register before the first packet so they land ahead of
	// the clusters.
	if err := mux.WriteAttachment("font.ttf", "font/ttf", []byte{0xF0, 0x0D}); err != nil {
		t.Fatalf("WriteAttachment: %v", err)
	}
	for _, p := range video[:2] {
		if err := mux.WritePacket(p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := mux.WritePacket(sub); err != nil {
		t.Fatalf("WritePacket(sub): %v", err)
	}
	if err := mux.WritePacket(video[2]); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := mux.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Read the file back with the Matroska input adapter.
	in, err := openMatroskaInput(path, pr)
	if err != nil {
		t.Fatalf("openMatroskaInput: %v", err)
	}
	defer in.Close()

	mi := in.(*matroskaInput)
	if len(mi.Attachments()) != 1 || mi.Attachments()[0].Name != "font.ttf" {
		t.Errorf("attachments = %+v", mi.Attachments())
	}

	r, err := in.OpenReader(context.Background())
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var got []*media.Packet
	for {
		pkt, err := r.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		got = append(got, pkt)
	}
	if len(got) != 4 {
		t.Fatalf("got %d packets, want 4", len(got))
	}

	if !got[0].Keyframe() {
		t.Error("first video packet lost keyframe flag")
	}
	if got[0].PTS != 0 || got[1].PTS != 40 {
		t.Errorf("video PTS = %d, %d", got[0].PTS, got[1].PTS)
	}
	if !bytes.Equal(got[0].Payload, []byte{1, 2, 3, 4}) {
		t.Errorf("payload roundtrip failed: %x", got[0].Payload)
	}

	// The subtitle packet keeps its stream assignment.
	subGot := got[2]
	if subGot.StreamIndex != 1 {
		t.Errorf("subtitle stream index = %d, want 1", subGot.StreamIndex)
	}
	if !bytes.Equal(subGot.Payload, []byte("Hallo")) {
		t.Errorf("subtitle payload = %q", subGot.Payload)
	}
}

func TestMatroskaMuxer_NoStreams(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.mkv")
	mux, err := newMatroskaMuxer(path, Options{})
	if err != nil {
		t.Fatalf("newMatroskaMuxer: %v", err)
	}
	err = mux.AddStreams([]media.StreamDescriptor{
		{Index: 0, Kind: media.StreamData, CodecID: "bin_data"},
	})
	if !errors.Is(err, ErrOutputWrite) {
		t.Fatalf("err = %v, want ErrOutputWrite", err)
	}
	os.Remove(path)
}
