package mux

import (
	"github.com/MIkeCall1986/smartcut/internal/media"
)

// Router maps one input stream's packets into the output for a single kept
// interval: trimming by the presentation window, rewriting timestamps so
// intervals concatenate seamlessly, and flagging pre-roll packets for
// decoder priming.
type Router struct {
	desc    media.StreamDescriptor
	start   int64 // interval start in stream timebase
	end     int64 // interval end (exclusive) in stream timebase
	offset  int64 // output offset in stream timebase
	preRoll int64
	// clamp drops packets outside the window; the video path disables it
	// because the planner already chose exact packet sets.
	clamp bool
}

// NewRouter builds a router for one stream and interval. interval and
// outStart are in the reference timebase refTB and are converted to the
// stream's own timebase here.
func NewRouter(desc media.StreamDescriptor, interval media.TimeInterval, outStart int64, refTB media.Rational, clamp bool) *Router {
	return &Router{
		desc:    desc,
		start:   media.Rescale(interval.Start, refTB, desc.TimeBase),
		end:     media.Rescale(interval.End, refTB, desc.TimeBase),
		offset:  media.Rescale(outStart, refTB, desc.TimeBase),
		preRoll: desc.PreRoll,
		clamp:   clamp,
	}
}

// Route rewrites one packet into output time. It returns false when the
// packet falls outside the interval window.
func (r *Router) Route(pkt *media.Packet) (*media.Packet, bool) {
	if r.clamp {
		if pkt.PTS < r.start-r.preRoll || pkt.PTS >= r.end {
			return nil, false
		}
	}

	out := pkt.Clone()
	out.PTS = pkt.PTS - r.start + r.offset
	out.DTS = pkt.DTS - r.start + r.offset

	// Packets inside the pre-roll window decode for priming but must not
	// display.
	if r.clamp && pkt.PTS < r.start {
		out.Flags |= media.FlagDiscard
	}
	return out, true
}

// PreRollFor returns the default decoder priming window for a stream in its
// own timebase: AAC needs roughly two frames of priming (2112 samples per
// the encoder delay convention), MP3 one frame (1152 samples); everything
// else starts clean.
func PreRollFor(desc media.StreamDescriptor) int64 {
	if desc.Kind != media.StreamAudio {
		return 0
	}
	switch desc.CodecID {
	case "aac":
		if desc.SampleRate > 0 {
			return media.Rescale(2112, media.Rational{Num: 1, Den: int64(desc.SampleRate)}, desc.TimeBase)
		}
	case "mp3":
		if desc.SampleRate > 0 {
			return media.Rescale(1152, media.Rational{Num: 1, Den: int64(desc.SampleRate)}, desc.TimeBase)
		}
	}
	return 0
}
