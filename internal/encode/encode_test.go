package encode

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/MIkeCall1986/smartcut/internal/gop"
	"github.com/MIkeCall1986/smartcut/internal/media"
)

func testEngine() *Engine {
	return New("", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func h264Stream() media.StreamDescriptor {
	return media.StreamDescriptor{
		Index:    0,
		Kind:     media.StreamVideo,
		CodecID:  "h264",
		TimeBase: media.Rational{Num: 1, Den: 90000},
		Profile:  "High",
		Level:    40,
		PixFmt:   "yuv420p",
		SAR:      media.Rational{Num: 1, Den: 1},
	}
}

func segFrames(ptsList ...int64) []gop.Frame {
	frames := make([]gop.Frame, len(ptsList))
	for i, pts := range ptsList {
		frames[i] = gop.Frame{PTS: pts, DTS: pts}
	}
	return frames
}

func TestBuildArgs_AccurateSeek(t *testing.T) {
	t.Parallel()
	e := testEngine()
	seg := Segment{
		InputPath: "in.mp4",
		Stream:    h264Stream(),
		Frames:    segFrames(900000, 903000, 906000), // 10 s at 30 fps
	}
	args, err := e.buildArgs(seg, false, false)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-ss 10.000000 -i in.mp4",
		"-frames:v 3",
		"-copyts",
		"-c:v libx264",
		"-profile:v high",
		"-level:v 4.0",
		"-pix_fmt yuv420p",
		"open-gop=0",
		"min-keyint=4",
		"-f mpegts pipe:1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildArgs_WidenedSeeksFromWindow(t *testing.T) {
	t.Parallel()
	e := testEngine()
	seg := Segment{
		InputPath: "in.ts",
		Stream:    h264Stream(),
		Frames:    segFrames(900000),
		WindowPTS: 720000, // keyframe 2 s earlier
	}
	args, err := e.buildArgs(seg, true, false)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-ss 8.000000 -i in.ts -ss 2.000000") {
		t.Errorf("widened seek args wrong:\n%s", joined)
	}
}

func TestBuildArgs_RelaxedDropsProfile(t *testing.T) {
	t.Parallel()
	e := testEngine()
	seg := Segment{
		InputPath: "in.mp4",
		Stream:    h264Stream(),
		Frames:    segFrames(0),
	}
	args, err := e.buildArgs(seg, false, true)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	for _, banned := range []string{"-profile:v", "-level:v", "-pix_fmt"} {
		if strings.Contains(joined, banned) {
			t.Errorf("relaxed args still contain %q:\n%s", banned, joined)
		}
	}
}

func TestVideoCodecArgs_PerCodec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		codec string
		want  string
	}{
		{"h264", "libx264"},
		{"hevc", "libx265"},
		{"mpeg2video", "mpeg2video"},
		{"vp9", "libvpx-vp9"},
		{"av1", "libaom-av1"},
	}
	for _, c := range cases {
		s := media.StreamDescriptor{CodecID: c.codec}
		args, err := videoCodecArgs(s, 5, false)
		if err != nil {
			t.Fatalf("videoCodecArgs(%s): %v", c.codec, err)
		}
		if !strings.Contains(strings.Join(args, " "), c.want) {
			t.Errorf("codec %s: args %v missing %q", c.codec, args, c.want)
		}
	}

	if _, err := videoCodecArgs(media.StreamDescriptor{CodecID: "prores"}, 5, false); !errors.Is(err, ErrEncoderParamMismatch) {
		t.Errorf("unknown codec err = %v, want ErrEncoderParamMismatch", err)
	}
}

func TestClassifyFFmpegError(t *testing.T) {
	t.Parallel()
	if err := classifyFFmpegError("Error setting profile high10.", errors.New("exit 1")); !errors.Is(err, ErrEncoderParamMismatch) {
		t.Errorf("profile error → %v", err)
	}
	if err := classifyFFmpegError("reference picture missing during reorder", errors.New("exit 1")); !errors.Is(err, ErrDecoderRefMissing) {
		t.Errorf("reference error → %v", err)
	}
	if err := classifyFFmpegError("something exploded", errors.New("exit 1")); !errors.Is(err, ErrEncoderExhausted) {
		t.Errorf("generic error → %v", err)
	}
}

func TestFormatLevel(t *testing.T) {
	t.Parallel()
	if got := formatLevel(40); got != "4.0" {
		t.Errorf("formatLevel(40) = %q", got)
	}
	if got := formatLevel(31); got != "3.1" {
		t.Errorf("formatLevel(31) = %q", got)
	}
}

func TestEncode_EmptySegment(t *testing.T) {
	t.Parallel()
	res, err := testEngine().Encode(t.Context(), Segment{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(res.Packets) != 0 {
		t.Errorf("packets = %d, want 0", len(res.Packets))
	}
}
