// Package encode re-encodes the short splice segments the planner cannot
// copy. It drives an ffmpeg decode→encode pass configured to match the
// copied stream's codec parameters and to emit a closed GOP, then parses
// the resulting MPEG-TS back into packets in the input timebase.
package encode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MIkeCall1986/smartcut/internal/container"
	"github.com/MIkeCall1986/smartcut/internal/gop"
	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
)

// Engine failure kinds, per the recovery policy: missing references widen
// the decode window once, parameter mismatches fall back with a warning,
// exhaustion is fatal (exit 5).
var (
	ErrDecoderRefMissing    = errors.New("decoder reference missing")
	ErrEncoderParamMismatch = errors.New("encoder cannot replicate stream parameters")
	ErrEncoderExhausted     = errors.New("encoder failed")
)

// Segment is one re-encode request: the display-order frames to produce
// and the decode window that guarantees their references.
type Segment struct {
	InputPath string
	Stream    media.StreamDescriptor
	Frames    []gop.Frame
	// WindowPTS is the presentation time of the decode-window keyframe,
	// used on the widened retry to seek by keyframe instead of trusting
	// ffmpeg's internal backward seek.
	WindowPTS int64
}

// Result carries the encoded packets (input timebase, decode order) and the
// encoder's parameter sets in Annex B form.
type Result struct {
	Packets   []*media.Packet
	Extradata []byte
}

// Engine shells out to ffmpeg for the decode/encode work.
type Engine struct {
	ffmpeg string
	log    *slog.Logger
}

func New(ffmpegPath string, log *slog.Logger) *Engine {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Engine{ffmpeg: ffmpegPath, log: log.With("component", "encoder")}
}

// Encode produces the segment. On a decode failure the window widens once
// (explicit keyframe seek); on a parameter mismatch the encoder retries at
// the nearest compatible configuration and the output is tagged with a
// warning. Anything after that is ErrEncoderExhausted.
func (e *Engine) Encode(ctx context.Context, seg Segment) (*Result, error) {
	if len(seg.Frames) == 0 {
		return &Result{}, nil
	}

	res, err := e.attempt(ctx, seg, false, false)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrDecoderRefMissing) {
		e.log.Warn("decoder missed references, widening decode window once", "error", err)
		res, err = e.attempt(ctx, seg, true, false)
		if err == nil {
			return res, nil
		}
	}
	if errors.Is(err, ErrEncoderParamMismatch) {
		e.log.Warn("encoder cannot replicate exact stream parameters, using nearest compatible profile")
		res, err = e.attempt(ctx, seg, false, true)
		if err == nil {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrEncoderExhausted, err)
}

// attempt runs one ffmpeg pass. widened seeks from the decode-window
// keyframe and discards up to the segment start; relaxed drops the strict
// profile/level replication.
func (e *Engine) attempt(ctx context.Context, seg Segment, widened, relaxed bool) (*Result, error) {
	args, err := e.buildArgs(seg, widened, relaxed)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	outDesc := []media.StreamDescriptor{{
		Index:    0,
		Kind:     media.StreamVideo,
		CodecID:  seg.Stream.CodecID,
		TimeBase: media.Rational{Num: 1, Den: 90000},
	}}
	reader := container.NewTSPacketReader(ctx, stdout, outDesc)

	var packets []*media.Packet
	for {
		pkt, rerr := reader.ReadPacket()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, rerr
		}
		packets = append(packets, pkt)
	}
	if err := cmd.Wait(); err != nil {
		return nil, classifyFFmpegError(stderr.String(), err)
	}
	if len(packets) == 0 {
		// The decoder produced nothing usable inside the window.
		return nil, fmt.Errorf("%w: no frames decoded (%s)", ErrDecoderRefMissing, firstLine(stderr.String()))
	}
	if len(packets) != len(seg.Frames) {
		e.log.Debug("encoder frame count differs from plan",
			"want", len(seg.Frames), "got", len(packets))
	}

	return e.finishResult(seg, packets)
}

// finishResult rescales encoder timestamps back into the stream timebase,
// aligns them to the planned display window, and extracts the parameter
// sets for boundary injection.
func (e *Engine) finishResult(seg Segment, packets []*media.Packet) (*Result, error) {
	tb90k := media.Rational{Num: 1, Den: 90000}

	// ffmpeg runs with -copyts, so timestamps are already on the input
	// clock; rescale into the stream's native timebase.
	minPTS := int64(1) << 62
	for _, p := range packets {
		p.PTS = media.Rescale(p.PTS, tb90k, seg.Stream.TimeBase)
		p.DTS = media.Rescale(p.DTS, tb90k, seg.Stream.TimeBase)
		if p.PTS < minPTS {
			minPTS = p.PTS
		}
	}
	// Residual shift (33-bit wrap, container start offsets) aligns the
	// first displayed frame with the plan.
	shift := seg.Frames[0].PTS - minPTS
	for _, p := range packets {
		p.PTS += shift
		p.DTS += shift
	}

	codec := nal.ForCodecID(seg.Stream.CodecID, nil)
	var extradata []byte
	for _, p := range packets {
		sets, err := nal.ExtractParameterSets(codec, p.Payload)
		if err == nil && len(sets) > 0 {
			units := make([]nal.Unit, len(sets))
			for i, s := range sets {
				units[i] = nal.Unit{Data: s}
			}
			extradata = nal.EncodeAnnexB(units)
			break
		}
	}

	// The first packet opens the closed GOP and must be a keyframe.
	packets[0].Flags |= media.FlagKeyframe
	return &Result{Packets: packets, Extradata: extradata}, nil
}

// buildArgs assembles the ffmpeg invocation: accurate seek, frame-exact
// trim, codec replication, closed GOP, MPEG-TS on stdout.
func (e *Engine) buildArgs(seg Segment, widened, relaxed bool) ([]string, error) {
	tb := seg.Stream.TimeBase
	startSec := ptsSeconds(seg.Frames[0].PTS, tb)
	n := len(seg.Frames)

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}

	if widened {
		windowSec := ptsSeconds(seg.WindowPTS, tb)
		args = append(args,
			"-ss", formatSec(windowSec),
			"-i", seg.InputPath,
			"-ss", formatSec(startSec-windowSec),
		)
	} else {
		args = append(args,
			"-ss", formatSec(startSec),
			"-i", seg.InputPath,
		)
	}

	args = append(args,
		"-map", "0:v:0",
		"-frames:v", strconv.Itoa(n),
		"-copyts", "-muxdelay", "0", "-muxpreload", "0",
	)

	codecArgs, err := videoCodecArgs(seg.Stream, n, relaxed)
	if err != nil {
		return nil, err
	}
	args = append(args, codecArgs...)

	return append(args, "-f", "mpegts", "pipe:1"), nil
}

// videoCodecArgs replicates the stream's codec configuration and forces a
// closed GOP spanning the whole segment so the next copied packet starts
// clean.
func videoCodecArgs(s media.StreamDescriptor, frames int, relaxed bool) ([]string, error) {
	g := strconv.Itoa(frames + 1)
	var args []string
	switch s.CodecID {
	case "h264":
		args = append(args,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "14",
			"-g", g,
			"-x264-params", "open-gop=0:scenecut=0:min-keyint="+g,
		)
		if !relaxed {
			if s.Profile != "" {
				args = append(args, "-profile:v", strings.ToLower(strings.ReplaceAll(s.Profile, " ", "")))
			}
			if s.Level > 0 {
				args = append(args, "-level:v", formatLevel(s.Level))
			}
		}
	case "hevc", "h265":
		args = append(args,
			"-c:v", "libx265",
			"-preset", "medium",
			"-crf", "16",
			"-g", g,
			"-x265-params", "log-level=error:open-gop=0:scenecut=0:min-keyint="+g,
		)
		if !relaxed && s.Profile != "" {
			args = append(args, "-profile:v", strings.ToLower(s.Profile))
		}
	case "mpeg2video":
		args = append(args, "-c:v", "mpeg2video", "-q:v", "2", "-g", g)
	case "vp9":
		args = append(args, "-c:v", "libvpx-vp9", "-crf", "14", "-b:v", "0", "-g", g)
	case "av1":
		args = append(args, "-c:v", "libaom-av1", "-crf", "16", "-b:v", "0", "-g", g)
	default:
		return nil, fmt.Errorf("%w: no encoder for %s", ErrEncoderParamMismatch, s.CodecID)
	}

	if !relaxed && s.PixFmt != "" {
		args = append(args, "-pix_fmt", s.PixFmt)
	}
	if s.SAR.Valid() {
		args = append(args, "-vf", fmt.Sprintf("setsar=%d/%d", s.SAR.Num, s.SAR.Den))
	}
	if s.ColorSpace != "" {
		args = append(args, "-colorspace", s.ColorSpace)
	}
	if s.ColorPrimaries != "" {
		args = append(args, "-color_primaries", s.ColorPrimaries)
	}
	if s.ColorTransfer != "" {
		args = append(args, "-color_trc", s.ColorTransfer)
	}
	return args, nil
}

// classifyFFmpegError maps an ffmpeg failure to the engine's error ladder
// using its stderr tail.
func classifyFFmpegError(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "profile") || strings.Contains(lower, "level") ||
		strings.Contains(lower, "pixel format") || strings.Contains(lower, "pix_fmt"):
		return fmt.Errorf("%w: %s", ErrEncoderParamMismatch, firstLine(stderr))
	case strings.Contains(lower, "reference") || strings.Contains(lower, "no frame"):
		return fmt.Errorf("%w: %s", ErrDecoderRefMissing, firstLine(stderr))
	default:
		return fmt.Errorf("%w: %s", ErrEncoderExhausted, firstLineOr(stderr, err))
	}
}

func ptsSeconds(pts int64, tb media.Rational) float64 {
	return float64(pts) * float64(tb.Num) / float64(tb.Den)
}

func formatSec(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// formatLevel renders ffprobe's integer level (e.g. 40) as the encoder
// option form ("4.0").
func formatLevel(level int) string {
	return fmt.Sprintf("%d.%d", level/10, level%10)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstLineOr(s string, err error) string {
	if l := firstLine(s); l != "" {
		return l
	}
	return err.Error()
}
