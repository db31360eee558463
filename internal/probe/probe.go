// Package probe inspects input files with a single ffprobe JSON call and
// exposes the stream layout the cut pipeline needs: codecs, timebases,
// durations, frame rates, and disposition bits.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// ErrInputUnreadable reports a file ffprobe could not open or parse. The
// CLI maps it to exit code 3.
var ErrInputUnreadable = errors.New("input unreadable")

// Result is the parsed probe outcome.
type Result struct {
	FormatName string
	Duration   float64 // seconds
	Streams    []media.StreamDescriptor
	ProgramID  string // container-level program/title metadata, if any
}

// VideoStream returns the first video stream, the cut reference. Attached
// pictures (cover art) are not reference candidates.
func (r *Result) VideoStream() (media.StreamDescriptor, bool) {
	for _, s := range r.Streams {
		if s.Kind == media.StreamVideo {
			return s, true
		}
	}
	return media.StreamDescriptor{}, false
}

// Run probes path with ffprobe. ffprobePath falls back to "ffprobe" on PATH.
func Run(ctx context.Context, ffprobePath, path string) (*Result, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %q: %v", ErrInputUnreadable, path, err)
	}
	return ParseJSON(out)
}

// ParseJSON converts raw ffprobe JSON output into a Result. Exported for
// testing without an ffprobe binary.
func ParseJSON(data []byte) (*Result, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe JSON: %v", ErrInputUnreadable, err)
	}
	if len(raw.Streams) == 0 {
		return nil, fmt.Errorf("%w: no streams found", ErrInputUnreadable)
	}

	res := &Result{
		FormatName: raw.Format.FormatName,
		Duration:   parseFloat(raw.Format.Duration),
		ProgramID:  raw.Format.Tags["title"],
	}

	for i := range raw.Streams {
		s := &raw.Streams[i]
		desc := media.StreamDescriptor{
			Index:      s.Index,
			CodecID:    s.CodecName,
			TimeBase:   parseRational(s.TimeBase),
			Width:      s.Width,
			Height:     s.Height,
			SampleRate: parseInt(s.SampleRate),
			Channels:   s.Channels,
			Language:   s.Tags["language"],
			Disposition: media.Disposition{
				Default:         s.Disposition["default"] == 1,
				Forced:          s.Disposition["forced"] == 1,
				HearingImpaired: s.Disposition["hearing_impaired"] == 1,
				VisualImpaired:  s.Disposition["visual_impaired"] == 1,
				Commentary:      s.Disposition["comment"] == 1,
			},
		}
		switch s.CodecType {
		case "video":
			if s.Disposition["attached_pic"] == 1 {
				desc.Kind = media.StreamAttachment
			} else {
				desc.Kind = media.StreamVideo
				desc.FrameRate = parseRational(s.AvgFrameRate)
				desc.Profile = s.Profile
				desc.Level = s.Level
				desc.PixFmt = s.PixFmt
				desc.SAR = parseRational(s.SampleAspectRatio)
				desc.ColorSpace = s.ColorSpace
				desc.ColorTransfer = s.ColorTransfer
				desc.ColorPrimaries = s.ColorPrimaries
			}
		case "audio":
			desc.Kind = media.StreamAudio
		case "subtitle":
			desc.Kind = media.StreamSubtitle
		case "attachment":
			desc.Kind = media.StreamAttachment
		default:
			desc.Kind = media.StreamData
		}
		res.Streams = append(res.Streams, desc)
	}
	return res, nil
}

// Describe formats a short stream summary for startup logging, e.g.
// "1920x1080 h264 · 2 audio tracks · subtitles".
func (r *Result) Describe() string {
	var parts []string
	if v, ok := r.VideoStream(); ok {
		parts = append(parts, fmt.Sprintf("%dx%d %s", v.Width, v.Height, v.CodecID))
	}
	audio := 0
	subs := 0
	for _, s := range r.Streams {
		switch s.Kind {
		case media.StreamAudio:
			audio++
		case media.StreamSubtitle:
			subs++
		}
	}
	if audio == 1 {
		parts = append(parts, "1 audio track")
	} else if audio > 1 {
		parts = append(parts, fmt.Sprintf("%d audio tracks", audio))
	}
	if subs > 0 {
		parts = append(parts, "subtitles")
	}
	return strings.Join(parts, " · ")
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Tags       map[string]string `json:"tags"`
}

type ffprobeStream struct {
	Index             int               `json:"index"`
	CodecName         string            `json:"codec_name"`
	CodecType         string            `json:"codec_type"`
	Profile           string            `json:"profile"`
	Level             int               `json:"level"`
	PixFmt            string            `json:"pix_fmt"`
	Width             int               `json:"width"`
	Height            int               `json:"height"`
	TimeBase          string            `json:"time_base"`
	AvgFrameRate      string            `json:"avg_frame_rate"`
	SampleAspectRatio string            `json:"sample_aspect_ratio"`
	ColorSpace        string            `json:"color_space"`
	ColorTransfer     string            `json:"color_transfer"`
	ColorPrimaries    string            `json:"color_primaries"`
	SampleRate        string            `json:"sample_rate"`
	Channels          int               `json:"channels"`
	Disposition       map[string]int    `json:"disposition"`
	Tags              map[string]string `json:"tags"`
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

// parseRational parses ffprobe's "num/den", "num:den" (aspect ratios), or
// bare "num" forms. Zero or missing denominators yield an invalid rational
// rather than an error.
func parseRational(s string) media.Rational {
	if s == "" {
		return media.Rational{}
	}
	num, den := s, "1"
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		num, den = s[:i], s[i+1:]
	}
	n, err1 := strconv.ParseInt(num, 10, 64)
	d, err2 := strconv.ParseInt(den, 10, 64)
	if err1 != nil || err2 != nil {
		return media.Rational{}
	}
	return media.Rational{Num: n, Den: d}
}
