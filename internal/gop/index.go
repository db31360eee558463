// Package gop builds a per-stream index of keyframes, picture classes, and
// parameter-set epochs from one forward scan of demuxed video packets. The
// index is the sole input the cut planner needs to decide what can be copied
// and what must be re-encoded.
package gop

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
)

// PacketSource yields packets in decode order. ReadPacket returns io.EOF
// after the last packet.
type PacketSource interface {
	ReadPacket() (*media.Packet, error)
}

// Frame is one coded picture's scan record.
type Frame struct {
	PTS      int64
	DTS      int64
	Duration int64
	PicType  media.PicType
	Keyframe bool
	Epoch    int
}

// Entry describes one GOP: the keyframe that opens it and whether pictures
// inside it may reference the preceding GOP.
type Entry struct {
	KeyframePTS     int64
	KeyframeDTS     int64
	NextKeyframePTS int64 // media.NoTimestamp on the final GOP
	Open            bool
	Epoch           int
}

// Index is the scan result for one video stream. Queries are O(log n) after
// the O(packets) cold scan.
type Index struct {
	entries []Entry
	frames  []Frame // decode order
	byPTS   []int   // frame indices sorted by PTS
	tracker *nal.EpochTracker
	codec   nal.Codec
}

// Scan consumes every packet of the target stream from src and builds the
// index. Packets of other streams are ignored, so src may be a full-file
// reader. A parameter-set change on a non-keyframe packet is treated as a
// malformed bitstream rather than silently re-encoding the whole GOP.
func Scan(src PacketSource, streamIndex int, codec nal.Codec, extradata []byte, log *slog.Logger) (*Index, error) {
	idx := &Index{
		codec:   codec,
		tracker: nal.NewEpochTracker(codec, extradata),
	}

	for {
		pkt, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gop scan: %w", err)
		}
		if pkt.StreamIndex != streamIndex {
			continue
		}
		if pkt.Flags&media.FlagCorrupt != 0 {
			log.Warn("skipping corrupt packet in GOP scan", "pts", pkt.PTS)
			continue
		}

		epoch, err := idx.tracker.Observe(pkt.Payload)
		if err != nil {
			return nil, err
		}

		picType := pkt.PicType
		if picType == media.PicUnknown {
			picType, err = codec.ClassifyPicType(pkt.Payload, pkt.Keyframe())
			if err != nil {
				return nil, fmt.Errorf("pts %d: %w", pkt.PTS, err)
			}
		}

		keyframe := pkt.Keyframe() || picType.RandomAccess()

		if !keyframe && len(idx.entries) > 0 && epoch != idx.entries[len(idx.entries)-1].Epoch {
			return nil, fmt.Errorf("%w: parameter sets changed mid-GOP at pts %d",
				nal.ErrBitstreamMalformed, pkt.PTS)
		}

		idx.frames = append(idx.frames, Frame{
			PTS:      pkt.PTS,
			DTS:      pkt.DTS,
			Duration: pkt.Duration,
			PicType:  picType,
			Keyframe: keyframe,
			Epoch:    epoch,
		})

		if keyframe {
			idx.entries = append(idx.entries, Entry{
				KeyframePTS:     pkt.PTS,
				KeyframeDTS:     pkt.DTS,
				NextKeyframePTS: media.NoTimestamp,
				Open:            picType == media.PicCRA,
				Epoch:           epoch,
			})
			if n := len(idx.entries); n > 1 {
				idx.entries[n-2].NextKeyframePTS = pkt.PTS
			}
		}
	}

	if len(idx.entries) == 0 {
		return nil, fmt.Errorf("%w: stream %d has no keyframes", nal.ErrBitstreamMalformed, streamIndex)
	}

	idx.finish()
	return idx, nil
}

// finish sorts the display-order view and completes open-GOP detection for
// every codec, H.264 included, where openness shows as leading pictures:
// frames that decode after a non-IDR keyframe but display before it.
func (x *Index) finish() {
	x.byPTS = make([]int, len(x.frames))
	for i := range x.frames {
		x.byPTS[i] = i
	}
	sort.Slice(x.byPTS, func(a, b int) bool {
		return x.frames[x.byPTS[a]].PTS < x.frames[x.byPTS[b]].PTS
	})

	entry := -1
	var entryPic media.PicType
	for _, f := range x.frames {
		if f.Keyframe {
			entry++
			entryPic = f.PicType
			continue
		}
		if entry < 0 {
			continue
		}
		// Leading picture: displays before the keyframe it follows in
		// decode order, so it references the previous GOP.
		if entryPic != media.PicIDR && f.PTS < x.entries[entry].KeyframePTS && f.DTS > x.entries[entry].KeyframeDTS {
			x.entries[entry].Open = true
		}
	}
}

// Entries returns all GOP entries in decode order.
func (x *Index) Entries() []Entry { return x.entries }

// Frames returns all frame records in decode order.
func (x *Index) Frames() []Frame { return x.frames }

// KeyframeAtOrAfter returns the first GOP whose keyframe PTS is ≥ pts.
func (x *Index) KeyframeAtOrAfter(pts int64) (Entry, bool) {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].KeyframePTS >= pts
	})
	if i == len(x.entries) {
		return Entry{}, false
	}
	return x.entries[i], true
}

// KeyframeBefore returns the last GOP whose keyframe PTS is < pts.
func (x *Index) KeyframeBefore(pts int64) (Entry, bool) {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].KeyframePTS >= pts
	})
	if i == 0 {
		return Entry{}, false
	}
	return x.entries[i-1], true
}

// Classify returns the picture class of the frame displayed at pts.
func (x *Index) Classify(pts int64) media.PicType {
	if f, ok := x.frameAtPTS(pts); ok {
		return f.PicType
	}
	return media.PicUnknown
}

// EpochAt returns the parameter-set epoch of the frame displayed at pts,
// or -1 when no frame matches.
func (x *Index) EpochAt(pts int64) int {
	if f, ok := x.frameAtPTS(pts); ok {
		return f.Epoch
	}
	return -1
}

// FrameAtOrAfter returns the first frame in display order with PTS ≥ pts.
func (x *Index) FrameAtOrAfter(pts int64) (Frame, bool) {
	i := sort.Search(len(x.byPTS), func(i int) bool {
		return x.frames[x.byPTS[i]].PTS >= pts
	})
	if i == len(x.byPTS) {
		return Frame{}, false
	}
	return x.frames[x.byPTS[i]], true
}

// FramesInDisplayRange returns frames with from ≤ PTS < to in display order.
func (x *Index) FramesInDisplayRange(from, to int64) []Frame {
	lo := sort.Search(len(x.byPTS), func(i int) bool {
		return x.frames[x.byPTS[i]].PTS >= from
	})
	var out []Frame
	for _, fi := range x.byPTS[lo:] {
		f := x.frames[fi]
		if f.PTS >= to {
			break
		}
		out = append(out, f)
	}
	return out
}

// FramesInDecodeWindow returns frames with fromDTS ≤ DTS ≤ toDTS in decode
// order.
func (x *Index) FramesInDecodeWindow(fromDTS, toDTS int64) []Frame {
	lo := sort.Search(len(x.frames), func(i int) bool {
		return x.frames[i].DTS >= fromDTS
	})
	var out []Frame
	for _, f := range x.frames[lo:] {
		if f.DTS > toDTS {
			break
		}
		out = append(out, f)
	}
	return out
}

// LastPTS returns the highest presentation timestamp in the stream.
func (x *Index) LastPTS() int64 {
	if len(x.byPTS) == 0 {
		return media.NoTimestamp
	}
	return x.frames[x.byPTS[len(x.byPTS)-1]].PTS
}

// ExtradataForEpoch returns the Annex B parameter sets for epoch n.
func (x *Index) ExtradataForEpoch(n int) []byte {
	return x.tracker.ExtradataForEpoch(n)
}

func (x *Index) frameAtPTS(pts int64) (Frame, bool) {
	i := sort.Search(len(x.byPTS), func(i int) bool {
		return x.frames[x.byPTS[i]].PTS >= pts
	})
	if i == len(x.byPTS) || x.frames[x.byPTS[i]].PTS != pts {
		return Frame{}, false
	}
	return x.frames[x.byPTS[i]], true
}
