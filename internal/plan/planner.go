// Package plan computes per-interval splice plans: which input packets can
// be copied verbatim and which frames must be re-encoded so the output
// decodes identically to the input over each kept interval.
package plan

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MIkeCall1986/smartcut/internal/gop"
	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
)

// ErrGopTooLarge reports a re-encode decode window exceeding the configured
// frame cap. The CLI maps it to exit code 4.
var ErrGopTooLarge = errors.New("GOP exceeds max-gop-frames")

// SplicePlan describes how one output interval is assembled for the video
// stream: a passthrough packet range bracketed by optional re-encoded
// prefix and suffix segments.
type SplicePlan struct {
	Interval media.TimeInterval

	// CopyFromPTS is the keyframe starting the passthrough range, or
	// media.NoTimestamp when nothing can be copied and the whole interval
	// re-encodes.
	CopyFromPTS int64
	// CopyToPTS is the last copied frame in display order.
	CopyToPTS int64
	// CopyFromDTS is the decode-order start of the copied run (the
	// keyframe's DTS) and CopyCount the number of copied packets, used by
	// the job to stream the run without re-deriving the walk.
	CopyFromDTS int64
	CopyCount   int

	// ReencodePrefix holds the display-order frames in
	// [Interval.Start, CopyFromPTS) that must be re-encoded.
	ReencodePrefix []gop.Frame
	// ReencodeSuffix holds the display-order frames in (CopyToPTS,
	// Interval.End) whose references cross the cut.
	ReencodeSuffix []gop.Frame

	// PrefixWindowDTS is the decode-order window start (a keyframe DTS at
	// or before the prefix) the decoder must seek to for valid references.
	PrefixWindowDTS int64
	// SuffixWindowDTS is the analogous window start for the suffix.
	SuffixWindowDTS int64

	// Epoch is the parameter-set epoch of the copied range; its extradata
	// is the boundary parameter sets emitted before the spliced segment.
	Epoch int

	// KeyframeOnly marks the fallback mode for codecs outside the
	// smart-cut set: the boundary snaps to the keyframe, nothing re-encodes.
	KeyframeOnly bool
}

// PrefixFrames returns the number of frames re-encoded at the head.
func (p *SplicePlan) PrefixFrames() int { return len(p.ReencodePrefix) }

// SuffixFrames returns the number of frames re-encoded at the tail.
func (p *SplicePlan) SuffixFrames() int { return len(p.ReencodeSuffix) }

// Copies reports whether any passthrough range exists.
func (p *SplicePlan) Copies() bool { return p.CopyFromPTS != media.NoTimestamp }

// Planner computes splice plans against one video stream's GOP index.
type Planner struct {
	idx          *gop.Index
	codec        nal.Codec
	maxGOPFrames int
	log          *slog.Logger
}

// New creates a Planner. maxGOPFrames caps the re-encode decode window; 0
// means unlimited.
func New(idx *gop.Index, codec nal.Codec, maxGOPFrames int, log *slog.Logger) *Planner {
	return &Planner{idx: idx, codec: codec, maxGOPFrames: maxGOPFrames, log: log}
}

// spliceableAt reports whether a copied range may begin at this keyframe.
// Closed GOPs always qualify. Open GOPs qualify only when the codec can
// repair the boundary in the bitstream (H.265 CRA→BLA); H.264 open GOPs
// re-encode through to the next usable keyframe, which is conservative but
// correctness-preserving.
func (pl *Planner) spliceableAt(e gop.Entry) bool {
	if !e.Open {
		return true
	}
	return pl.codec.SpliceAtOpenGOP()
}

// Plan computes the splice plan for one interval.
func (pl *Planner) Plan(iv media.TimeInterval) (*SplicePlan, error) {
	if !pl.codec.SmartCuttable() {
		return pl.planKeyframeOnly(iv)
	}

	p := &SplicePlan{
		Interval:    iv,
		CopyFromPTS: media.NoTimestamp,
		CopyToPTS:   media.NoTimestamp,
	}

	// Find the first keyframe at or after the cut-in that can start a
	// passthrough range.
	copyFrom, found := pl.idx.KeyframeAtOrAfter(iv.Start)
	for found && !pl.spliceableAt(copyFrom) {
		if copyFrom.NextKeyframePTS == media.NoTimestamp {
			found = false
			break
		}
		copyFrom, found = pl.idx.KeyframeAtOrAfter(copyFrom.NextKeyframePTS)
	}
	if found && copyFrom.KeyframePTS >= iv.End {
		// No usable keyframe inside the interval: re-encode everything.
		found = false
	}

	if found {
		p.CopyFromPTS = copyFrom.KeyframePTS
		p.Epoch = copyFrom.Epoch
	}

	// Head: everything displayed in [start, copyFrom) re-encodes.
	prefixEnd := iv.End
	if found {
		prefixEnd = copyFrom.KeyframePTS
	}
	p.ReencodePrefix = pl.idx.FramesInDisplayRange(iv.Start, prefixEnd)

	if len(p.ReencodePrefix) > 0 {
		dts, err := pl.decodeWindowStart(iv.Start)
		if err != nil {
			return nil, err
		}
		p.PrefixWindowDTS = dts
		if err := pl.checkWindow(p.PrefixWindowDTS, p.ReencodePrefix); err != nil {
			return nil, err
		}
	}

	if !found {
		return p, nil
	}

	// Tail: walk decode order from the copy-in keyframe and stop at the
	// first frame that displays at or past the cut-out. Trailing frames
	// that display inside the interval but decode after the break lose
	// their references and join the re-encode suffix.
	copied := make(map[int64]bool)
	last := media.NoTimestamp
	for _, f := range pl.idx.FramesInDecodeWindow(copyFrom.KeyframeDTS, int64(1)<<62) {
		if f.PTS >= iv.End {
			break
		}
		copied[f.PTS] = true
		if f.PTS > last {
			last = f.PTS
		}
	}
	p.CopyToPTS = last
	p.CopyFromDTS = copyFrom.KeyframeDTS
	p.CopyCount = len(copied)

	for _, f := range pl.idx.FramesInDisplayRange(iv.Start, iv.End) {
		if f.PTS >= p.CopyFromPTS && !copied[f.PTS] {
			p.ReencodeSuffix = append(p.ReencodeSuffix, f)
		}
	}
	if len(p.ReencodeSuffix) > 0 {
		// The suffix decodes from the GOP holding its first frame.
		kf, ok := pl.idx.KeyframeBefore(p.ReencodeSuffix[0].PTS + 1)
		if !ok {
			return nil, fmt.Errorf("%w: no keyframe before suffix", nal.ErrBitstreamMalformed)
		}
		p.SuffixWindowDTS = kf.KeyframeDTS
		if err := pl.checkWindow(p.SuffixWindowDTS, p.ReencodeSuffix); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// planKeyframeOnly snaps the cut-in to the next keyframe and copies whole
// GOPs; used for codecs the smart-cut path does not support.
func (pl *Planner) planKeyframeOnly(iv media.TimeInterval) (*SplicePlan, error) {
	p := &SplicePlan{
		Interval:     iv,
		CopyFromPTS:  media.NoTimestamp,
		CopyToPTS:    media.NoTimestamp,
		KeyframeOnly: true,
	}
	kf, ok := pl.idx.KeyframeAtOrAfter(iv.Start)
	if !ok || kf.KeyframePTS >= iv.End {
		return nil, fmt.Errorf("no keyframe inside interval [%d,%d): cannot cut %s without re-encoding",
			iv.Start, iv.End, pl.codec.ID())
	}
	p.CopyFromPTS = kf.KeyframePTS
	p.Epoch = kf.Epoch
	p.CopyFromDTS = kf.KeyframeDTS
	last := media.NoTimestamp
	for _, f := range pl.idx.FramesInDisplayRange(kf.KeyframePTS, iv.End) {
		if f.PTS > last {
			last = f.PTS
		}
		p.CopyCount++
	}
	p.CopyToPTS = last
	if kf.KeyframePTS != iv.Start {
		pl.log.Warn("cut-in moved to next keyframe (codec not smart-cuttable)",
			"codec", pl.codec.ID(), "requested", iv.Start, "actual", kf.KeyframePTS)
	}
	return p, nil
}

// decodeWindowStart returns the DTS of the keyframe at or before pts, the
// point the decoder must seek to so the prefix has valid references.
func (pl *Planner) decodeWindowStart(pts int64) (int64, error) {
	kf, ok := pl.idx.KeyframeBefore(pts + 1)
	if !ok {
		// Interval starts before the first keyframe's PTS (leading
		// pictures of an open stream head): decode from the first frame.
		frames := pl.idx.Frames()
		if len(frames) == 0 {
			return 0, fmt.Errorf("%w: empty stream", nal.ErrBitstreamMalformed)
		}
		return frames[0].DTS, nil
	}
	return kf.KeyframeDTS, nil
}

// Widen moves a prefix decode window one keyframe further back. Used once
// when the decoder reports missing references; a second failure is fatal.
func (pl *Planner) Widen(p *SplicePlan) error {
	cur := p.PrefixWindowDTS
	entries := pl.idx.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].KeyframeDTS < cur {
			p.PrefixWindowDTS = entries[i].KeyframeDTS
			if err := pl.checkWindow(p.PrefixWindowDTS, p.ReencodePrefix); err != nil {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("cannot widen decode window before DTS %d", cur)
}

// checkWindow enforces the max-gop-frames cap over the decode window.
func (pl *Planner) checkWindow(windowDTS int64, frames []gop.Frame) error {
	if pl.maxGOPFrames <= 0 || len(frames) == 0 {
		return nil
	}
	lastDTS := frames[0].DTS
	for _, f := range frames {
		if f.DTS > lastDTS {
			lastDTS = f.DTS
		}
	}
	n := len(pl.idx.FramesInDecodeWindow(windowDTS, lastDTS))
	if n > pl.maxGOPFrames {
		return fmt.Errorf("%w: decode window needs %d frames, cap is %d (raise --max-gop-frames)",
			ErrGopTooLarge, n, pl.maxGOPFrames)
	}
	return nil
}
