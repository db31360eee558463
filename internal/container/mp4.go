package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
	"github.com/MIkeCall1986/smartcut/internal/probe"
)

// mp4Sample locates one sample inside the source file.
type mp4Sample struct {
	stream int
	offset int64
	size   uint32
	dts    int64
	cts    int32
	sync   bool
	dur    uint32
}

// mp4Input reads progressive MP4/MOV files via mp4ff's box tree, resolving
// sample positions from the stbl tables and reading payloads directly at
// their chunk offsets.
type mp4Input struct {
	path    string
	streams []media.StreamDescriptor
	samples []mp4Sample // merged, decode order
}

func openMP4Input(path string, pr *probe.Result) (Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return nil, fmt.Errorf("%w: parse mp4: %v", ErrInputUnreadable, err)
	}
	if parsed.IsFragmented() || parsed.Moov == nil {
		return nil, fmt.Errorf("%w: fragmented or incomplete mp4 input is not supported", ErrInputUnreadable)
	}

	in := &mp4Input{path: path, streams: append([]media.StreamDescriptor(nil), pr.Streams...)}

	for ti, trak := range parsed.Moov.Traks {
		if ti >= len(in.streams) {
			break
		}
		desc := &in.streams[ti]
		// The track timescale is authoritative for sample timing.
		desc.TimeBase = media.Rational{Num: 1, Den: int64(trak.Mdia.Mdhd.Timescale)}
		desc.Extradata = trackExtradata(trak)

		samples, err := trackSamples(trak, ti)
		if err != nil {
			return nil, fmt.Errorf("%w: track %d: %v", ErrInputUnreadable, ti, err)
		}
		in.samples = append(in.samples, samples...)
	}

	// Merge tracks by decode position in the file: chunk interleaving makes
	// file order a good approximation of global decode order, and per-stream
	// DTS order is exact because stts is cumulative.
	sort.SliceStable(in.samples, func(a, b int) bool {
		return in.samples[a].offset < in.samples[b].offset
	})

	return in, nil
}

// trackExtradata converts the sample entry's decoder configuration to
// Annex B parameter sets.
func trackExtradata(trak *mp4.TrakBox) []byte {
	stsd := trak.Mdia.Minf.Stbl.Stsd
	if stsd.AvcX != nil && stsd.AvcX.AvcC != nil {
		var units []nal.Unit
		for _, sps := range stsd.AvcX.AvcC.SPSnalus {
			units = append(units, nal.Unit{Data: sps})
		}
		for _, pps := range stsd.AvcX.AvcC.PPSnalus {
			units = append(units, nal.Unit{Data: pps})
		}
		return nal.EncodeAnnexB(units)
	}
	if stsd.HvcX != nil && stsd.HvcX.HvcC != nil {
		var units []nal.Unit
		for _, arr := range stsd.HvcX.HvcC.NaluArrays {
			for _, nalu := range arr.Nalus {
				units = append(units, nal.Unit{Data: nalu})
			}
		}
		return nal.EncodeAnnexB(units)
	}
	return nil
}

// trackSamples flattens the stbl sample tables into located samples.
func trackSamples(trak *mp4.TrakBox, streamIdx int) ([]mp4Sample, error) {
	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stts == nil || stbl.Stsz == nil || stbl.Stsc == nil {
		return nil, fmt.Errorf("missing sample tables")
	}

	nrSamples := stbl.Stsz.SampleNumber
	samples := make([]mp4Sample, 0, nrSamples)

	var dts int64
	sttsEntry, sttsLeft := 0, uint32(0)
	if len(stbl.Stts.SampleCount) > 0 {
		sttsLeft = stbl.Stts.SampleCount[0]
	}
	cttsEntry, cttsLeft := 0, uint32(0)
	if stbl.Ctts != nil && stbl.Ctts.NrSampleCount() > 0 {
		cttsLeft = stbl.Ctts.SampleCount(0)
	}

	var chunkOffsets []int64
	if stbl.Stco != nil {
		for _, o := range stbl.Stco.ChunkOffset {
			chunkOffsets = append(chunkOffsets, int64(o))
		}
	} else if stbl.Co64 != nil {
		for _, o := range stbl.Co64.ChunkOffset {
			chunkOffsets = append(chunkOffsets, int64(o))
		}
	}
	if len(chunkOffsets) == 0 {
		return nil, fmt.Errorf("no chunk offsets")
	}

	curChunk := 0
	curOffset := chunkOffsets[0]
	samplesLeftInChunk := uint32(0)

	for i := uint32(1); i <= nrSamples; i++ {
		if samplesLeftInChunk == 0 {
			chunkNr, firstSample, err := stbl.Stsc.ChunkNrFromSampleNr(int(i))
			if err != nil {
				return nil, err
			}
			curChunk = chunkNr - 1
			if curChunk >= len(chunkOffsets) {
				return nil, fmt.Errorf("chunk %d beyond stco", chunkNr)
			}
			curOffset = chunkOffsets[curChunk]
			// Samples this chunk still holds from the current one on.
			nextChunkFirst := int(nrSamples) + 1
			if n, fs, err := nextChunkStart(stbl.Stsc, int(i), int(nrSamples)); err == nil && n > chunkNr {
				nextChunkFirst = fs
			}
			samplesLeftInChunk = uint32(nextChunkFirst - firstSample)
			// Skip forward within the chunk if i isn't its first sample.
			for s := firstSample; s < int(i); s++ {
				curOffset += int64(stbl.Stsz.GetSampleSize(s))
				samplesLeftInChunk--
			}
		}

		dur := uint32(0)
		if sttsEntry < len(stbl.Stts.SampleTimeDelta) {
			dur = stbl.Stts.SampleTimeDelta[sttsEntry]
		}

		cts := int32(0)
		if stbl.Ctts != nil && cttsEntry < len(stbl.Ctts.SampleOffset) {
			cts = stbl.Ctts.SampleOffset[cttsEntry]
		}

		sync := true
		if stbl.Stss != nil {
			sync = stbl.Stss.IsSyncSample(i)
		}

		size := stbl.Stsz.GetSampleSize(int(i))
		samples = append(samples, mp4Sample{
			stream: streamIdx,
			offset: curOffset,
			size:   size,
			dts:    dts,
			cts:    cts,
			sync:   sync,
			dur:    dur,
		})

		curOffset += int64(size)
		samplesLeftInChunk--
		dts += int64(dur)

		if sttsLeft > 0 {
			sttsLeft--
		}
		if sttsLeft == 0 && sttsEntry+1 < len(stbl.Stts.SampleCount) {
			sttsEntry++
			sttsLeft = stbl.Stts.SampleCount[sttsEntry]
		}
		if stbl.Ctts != nil {
			if cttsLeft > 0 {
				cttsLeft--
			}
			if cttsLeft == 0 && cttsEntry+1 < stbl.Ctts.NrSampleCount() {
				cttsEntry++
				cttsLeft = stbl.Ctts.SampleCount(cttsEntry)
			}
		}
	}
	return samples, nil
}

// nextChunkStart finds the chunk number and first sample of the chunk after
// the one containing sampleNr.
func nextChunkStart(stsc *mp4.StscBox, sampleNr, nrSamples int) (int, int, error) {
	cur, _, err := stsc.ChunkNrFromSampleNr(sampleNr)
	if err != nil {
		return 0, 0, err
	}
	for s := sampleNr + 1; s <= nrSamples; s++ {
		n, fs, err := stsc.ChunkNrFromSampleNr(s)
		if err != nil {
			return 0, 0, err
		}
		if n != cur {
			return n, fs, nil
		}
	}
	return cur, nrSamples + 1, nil
}

func (in *mp4Input) Streams() []media.StreamDescriptor { return in.streams }
func (in *mp4Input) Close() error                      { return nil }

func (in *mp4Input) OpenReader(context.Context) (PacketReader, error) {
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	return &mp4Reader{in: in, f: f}, nil
}

type mp4Reader struct {
	in  *mp4Input
	f   *os.File
	pos int
}

func (r *mp4Reader) Close() error { return r.f.Close() }

func (r *mp4Reader) ReadPacket() (*media.Packet, error) {
	if r.pos >= len(r.in.samples) {
		return nil, io.EOF
	}
	s := r.in.samples[r.pos]
	r.pos++

	payload := make([]byte, s.size)
	if _, err := r.f.ReadAt(payload, s.offset); err != nil {
		return nil, fmt.Errorf("%w: read sample: %v", ErrInputUnreadable, err)
	}

	pkt := &media.Packet{
		StreamIndex: s.stream,
		DTS:         s.dts,
		PTS:         s.dts + int64(s.cts),
		Duration:    int64(s.dur),
		Payload:     payload,
	}
	if s.sync {
		pkt.Flags |= media.FlagKeyframe
	}
	return pkt, nil
}
