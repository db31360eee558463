// Package timespec resolves user-supplied time tokens into sorted,
// non-overlapping presentation-time intervals in the reference video
// stream's timebase.
package timespec

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// Resolution failures. The CLI maps all three to exit code 2.
var (
	ErrInvalidTimeToken = errors.New("invalid time token")
	ErrIntervalOrder    = errors.New("interval end precedes start")
	ErrOutOfRange       = errors.New("time beyond input duration")
)

// Mode selects whether token pairs are kept or cut from the output.
type Mode int

const (
	// Keep emits exactly the intervals named by the tokens.
	Keep Mode = iota
	// Cut removes the named intervals and keeps their complement over
	// [0, duration].
	Cut
)

// Ref carries the reference video stream properties that token resolution
// needs: total duration in timebase units, the timebase itself, and the
// frame rate for frame-index tokens.
type Ref struct {
	Duration  int64
	TimeBase  media.Rational
	FrameRate media.Rational
}

// Resolve parses tokens, pairs them into intervals, applies mode, and
// returns a sorted, merged, non-overlapping interval list in the reference
// timebase. An empty or odd-length token list is an error.
func Resolve(tokens []string, mode Mode, ref Ref) ([]media.TimeInterval, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no intervals given", ErrInvalidTimeToken)
	}
	if len(tokens)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of time tokens (%d)", ErrInvalidTimeToken, len(tokens))
	}

	var intervals []media.TimeInterval
	for i := 0; i < len(tokens); i += 2 {
		start, err := ParseToken(tokens[i], ref)
		if err != nil {
			return nil, err
		}
		end, err := ParseToken(tokens[i+1], ref)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("%w: %q > %q", ErrIntervalOrder, tokens[i], tokens[i+1])
		}
		intervals = append(intervals, media.TimeInterval{Start: start, End: end})
	}

	intervals = merge(intervals)

	if mode == Cut {
		intervals = complement(intervals, ref.Duration)
	}

	// Empty production (all cut away, or every kept interval collapsed to
	// zero length) is an argument error, not an empty output file.
	var nonEmpty []media.TimeInterval
	for _, iv := range intervals {
		if iv.End > iv.Start {
			nonEmpty = append(nonEmpty, iv)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, fmt.Errorf("%w: resolved interval list is empty", ErrIntervalOrder)
	}
	return nonEmpty, nil
}

// ParseToken resolves a single time token to a PTS value in ref.TimeBase
// units. Accepted forms: "s"/"start", "e"/"end", integer or decimal seconds,
// MM:SS[.fff], HH:MM:SS[.fff], a frame index with an "f" suffix, and any
// numeric form prefixed with "-" meaning offset back from end of file
// (clamped at 0).
func ParseToken(tok string, ref Ref) (int64, error) {
	t := strings.TrimSpace(tok)
	switch strings.ToLower(t) {
	case "s", "start":
		return 0, nil
	case "e", "end":
		return ref.Duration, nil
	case "":
		return 0, fmt.Errorf("%w: empty token", ErrInvalidTimeToken)
	}

	neg := false
	if t[0] == '-' {
		neg = true
		t = t[1:]
		if t == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeToken, tok)
		}
	}

	var pts int64
	switch {
	case strings.HasSuffix(t, "f"):
		n, err := strconv.ParseInt(strings.TrimSuffix(t, "f"), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeToken, tok)
		}
		if !ref.FrameRate.Valid() {
			return 0, fmt.Errorf("%w: %q (frame rate unknown)", ErrInvalidTimeToken, tok)
		}
		// frame n → n / fps seconds → timebase units, rounded to nearest.
		pts = media.Rescale(n, media.Rational{Num: ref.FrameRate.Den, Den: ref.FrameRate.Num}, ref.TimeBase)

	case strings.Contains(t, ":"):
		secs, err := parseClock(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeToken, tok)
		}
		pts = secondsToPTS(secs, ref.TimeBase)

	default:
		secs, err := strconv.ParseFloat(t, 64)
		if err != nil || secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeToken, tok)
		}
		pts = secondsToPTS(secs, ref.TimeBase)
	}

	if neg {
		pts = ref.Duration - pts
		if pts < 0 {
			pts = 0
		}
		return pts, nil
	}

	// Allow up to one frame of slack past EOF before rejecting; clamp the
	// slack region to the duration so "end-ish" values just mean end.
	slack := int64(0)
	if ref.FrameRate.Valid() {
		slack = media.Rescale(1, media.Rational{Num: ref.FrameRate.Den, Den: ref.FrameRate.Num}, ref.TimeBase)
	}
	if pts > ref.Duration+slack {
		return 0, fmt.Errorf("%w: %q", ErrOutOfRange, tok)
	}
	if pts > ref.Duration {
		pts = ref.Duration
	}
	return pts, nil
}

// parseClock parses MM:SS[.fff] or HH:MM:SS[.fff] into seconds.
func parseClock(t string) (float64, error) {
	parts := strings.Split(t, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad clock form")
	}
	var hours, minutes int64
	var err error
	idx := 0
	if len(parts) == 3 {
		hours, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil || hours < 0 {
			return 0, fmt.Errorf("bad hours")
		}
		idx = 1
	}
	minutes, err = strconv.ParseInt(parts[idx], 10, 64)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("bad minutes")
	}
	seconds, err := strconv.ParseFloat(parts[idx+1], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("bad seconds")
	}
	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}

func secondsToPTS(secs float64, tb media.Rational) int64 {
	return int64(math.Round(secs * float64(tb.Den) / float64(tb.Num)))
}

// merge sorts intervals by start and coalesces overlapping or touching ones.
func merge(in []media.TimeInterval) []media.TimeInterval {
	if len(in) <= 1 {
		return in
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start < in[j].Start })
	out := in[:1]
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// complement inverts a merged interval list over [0, duration].
func complement(in []media.TimeInterval, duration int64) []media.TimeInterval {
	var out []media.TimeInterval
	cursor := int64(0)
	for _, iv := range in {
		if iv.Start > cursor {
			out = append(out, media.TimeInterval{Start: cursor, End: iv.Start})
		}
		if iv.End > cursor {
			cursor = iv.End
		}
	}
	if cursor < duration {
		out = append(out, media.TimeInterval{Start: cursor, End: duration})
	}
	return out
}
