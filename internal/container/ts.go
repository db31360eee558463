package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/asticode/go-astits"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/probe"
)

// tsInput reads MPEG-TS (and BDAV M2TS) files with go-astits. Stream
// descriptors come from the probe; the PID→stream mapping is derived from
// the PMT on the first reader scan.
type tsInput struct {
	path    string
	streams []media.StreamDescriptor
	m2ts    bool
}

func openTSInput(path string, pr *probe.Result, m2ts bool) (Input, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	return &tsInput{path: path, streams: pr.Streams, m2ts: m2ts}, nil
}

func (in *tsInput) Streams() []media.StreamDescriptor { return in.streams }

func (in *tsInput) Close() error { return nil }

func (in *tsInput) OpenReader(ctx context.Context) (PacketReader, error) {
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	var r io.Reader = f
	if in.m2ts {
		r = newM2TSStripper(f)
	}
	return newTSReader(ctx, r, f, in.streams), nil
}

// NewTSPacketReader exposes the transport-stream reader for parsing piped
// MPEG-TS, such as encoder output. The stream slice fixes PID→index
// assignment in PMT order.
func NewTSPacketReader(ctx context.Context, r io.Reader, streams []media.StreamDescriptor) PacketReader {
	return newTSReader(ctx, r, nil, streams)
}

// tsReader adapts an astits demuxer to the PacketReader surface.
type tsReader struct {
	dem     *astits.Demuxer
	closer  io.Closer
	streams []media.StreamDescriptor
	pidMap  map[uint16]int // PID → stream index
}

// newTSReader wraps r. closer is closed with the reader (nil for piped
// sources owned elsewhere).
func newTSReader(ctx context.Context, r io.Reader, closer io.Closer, streams []media.StreamDescriptor) *tsReader {
	return &tsReader{
		dem:     astits.NewDemuxer(ctx, r),
		closer:  closer,
		streams: streams,
	}
}

func (tr *tsReader) Close() error {
	if tr.closer != nil {
		return tr.closer.Close()
	}
	return nil
}

// buildPIDMap assigns stream indexes to elementary PIDs in PMT order,
// mirroring ffprobe's stream ordering for single-program transport streams.
func (tr *tsReader) buildPIDMap(pmt *astits.PMTData) {
	tr.pidMap = make(map[uint16]int, len(pmt.ElementaryStreams))
	for i, es := range pmt.ElementaryStreams {
		if i < len(tr.streams) {
			tr.pidMap[es.ElementaryPID] = tr.streams[i].Index
		}
	}
}

func (tr *tsReader) ReadPacket() (*media.Packet, error) {
	for {
		data, err := tr.dem.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			// Corrupt sections are per-packet recoverable.
			continue
		}

		if data.PMT != nil && tr.pidMap == nil {
			tr.buildPIDMap(data.PMT)
			continue
		}
		if data.PES == nil {
			continue
		}

		idx, ok := tr.pidMap[data.PID]
		if !ok {
			continue
		}

		oh := data.PES.Header.OptionalHeader
		if oh == nil || oh.PTSDTSIndicator == astits.PTSDTSIndicatorNoPTSOrDTS ||
			oh.PTSDTSIndicator == astits.PTSDTSIndicatorIsForbidden {
			continue
		}

		pkt := &media.Packet{
			StreamIndex: idx,
			PTS:         oh.PTS.Base,
			DTS:         oh.PTS.Base,
			Payload:     data.PES.Data,
		}
		if oh.PTSDTSIndicator == astits.PTSDTSIndicatorBothPresent {
			pkt.DTS = oh.DTS.Base
		}
		if data.FirstPacket != nil && data.FirstPacket.AdaptationField != nil &&
			data.FirstPacket.AdaptationField.RandomAccessIndicator {
			pkt.Flags |= media.FlagKeyframe
		}
		if data.FirstPacket != nil && data.FirstPacket.Header.TransportErrorIndicator {
			pkt.Flags |= media.FlagCorrupt
		}
		return pkt, nil
	}
}

// m2tsStripper removes the 4-byte TP_extra_header that BDAV M2TS prepends
// to every 188-byte transport packet.
type m2tsStripper struct {
	r   io.Reader
	buf [192]byte
	out []byte
}

func newM2TSStripper(r io.Reader) *m2tsStripper {
	return &m2tsStripper{r: r}
}

func (m *m2tsStripper) Read(p []byte) (int, error) {
	for len(m.out) == 0 {
		if _, err := io.ReadFull(m.r, m.buf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		m.out = m.buf[4:]
	}
	n := copy(p, m.out)
	m.out = m.out[n:]
	return n, nil
}
