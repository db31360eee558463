// Package mux orders the cut pipeline's output: the Scheduler merges
// re-encoded and copied packets across streams in DTS order with strict
// per-stream monotonicity, and the Router trims passthrough streams to the
// kept intervals with timestamp rewriting.
package mux

import (
	"container/heap"
	"log/slog"

	"github.com/MIkeCall1986/smartcut/internal/container"
	"github.com/MIkeCall1986/smartcut/internal/media"
)

// Scheduler buffers up to media.PacketQueueSize packets per stream (one
// shared reorder buffer of PacketQueueSize × stream count) and releases them to the muxer in cross-stream DTS order. A per-stream
// running DTS counter enforces strict monotonicity; packets that would
// regress (duplicate encoder output, boundary overlap) are rebased just
// past the previous DTS.
type Scheduler struct {
	mux      container.Muxer
	streams  map[int]media.StreamDescriptor
	lastDTS  map[int]int64
	firstDTS map[int]bool
	buf      packetHeap
	capacity int
	log      *slog.Logger
}

func NewScheduler(m container.Muxer, streams []media.StreamDescriptor, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		mux:      m,
		streams:  make(map[int]media.StreamDescriptor, len(streams)),
		lastDTS:  make(map[int]int64),
		firstDTS: make(map[int]bool),
		capacity: media.PacketQueueSize,
		log:      log.With("component", "scheduler"),
	}
	for _, d := range streams {
		s.streams[d.Index] = d
	}
	return s
}

// Write queues one packet. When the reorder buffer is full the earliest
// packet (by DTS on a common clock) flushes to the muxer.
func (s *Scheduler) Write(pkt *media.Packet) error {
	d, ok := s.streams[pkt.StreamIndex]
	if !ok {
		return nil
	}
	heap.Push(&s.buf, scheduled{pkt: pkt, key: media.Rescale(pkt.DTS, d.TimeBase, media.Rational{Num: 1, Den: 90000})})
	if s.buf.Len() > s.capacity*len(s.streams) {
		return s.pop()
	}
	return nil
}

// Flush drains the reorder buffer. Call once per job, before Finalize.
func (s *Scheduler) Flush() error {
	for s.buf.Len() > 0 {
		if err := s.pop(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) pop() error {
	sc := heap.Pop(&s.buf).(scheduled)
	pkt := sc.pkt

	last, seen := s.lastDTS[pkt.StreamIndex]
	if seen && pkt.DTS <= last {
		rebased := last + 1
		s.log.Debug("rebasing non-monotonic DTS",
			"stream", pkt.StreamIndex, "dts", pkt.DTS, "rebased", rebased)
		shift := rebased - pkt.DTS
		pkt.DTS = rebased
		if pkt.PTS < pkt.DTS {
			pkt.PTS += shift
		}
	}
	s.lastDTS[pkt.StreamIndex] = pkt.DTS

	return s.mux.WritePacket(pkt)
}

// scheduled pairs a packet with its 90 kHz interleave key.
type scheduled struct {
	pkt *media.Packet
	key int64
}

type packetHeap []scheduled

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].key < h[j].key }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)         { *h = append(*h, x.(scheduled)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
