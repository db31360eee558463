// Package job runs one cut end to end: probe, time resolution, GOP
// indexing, splice planning, and the single pull loop that interleaves
// re-encoded boundary segments with copied packets into the output
// container. No state outlives a Job.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/MIkeCall1986/smartcut/internal/container"
	"github.com/MIkeCall1986/smartcut/internal/encode"
	"github.com/MIkeCall1986/smartcut/internal/gop"
	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/mux"
	"github.com/MIkeCall1986/smartcut/internal/nal"
	"github.com/MIkeCall1986/smartcut/internal/plan"
	"github.com/MIkeCall1986/smartcut/internal/probe"
	"github.com/MIkeCall1986/smartcut/internal/timespec"
)

// ErrCancelled reports a cooperative cancellation; the output container is
// finalized up to the last muxed packet. The CLI maps it to exit 130.
var ErrCancelled = errors.New("cancelled")

// Options configures a Job.
type Options struct {
	Mode               timespec.Mode
	PreserveTimestamps bool
	MaxGOPFrames       int
	FFmpegPath         string
	FFprobePath        string
}

// Job is a single input→output cut run.
type Job struct {
	inputPath  string
	outputPath string
	tokens     []string
	opts       Options
	log        *slog.Logger
}

func New(inputPath, outputPath string, tokens []string, opts Options, log *slog.Logger) *Job {
	return &Job{
		inputPath:  inputPath,
		outputPath: outputPath,
		tokens:     tokens,
		opts:       opts,
		log:        log,
	}
}

// Run executes the cut. Errors carry the sentinel of their failure kind for
// exit-code mapping.
func (j *Job) Run(ctx context.Context) error {
	inAbs, _ := filepath.Abs(j.inputPath)
	outAbs, _ := filepath.Abs(j.outputPath)
	if inAbs == outAbs {
		return fmt.Errorf("%w: refusing to overwrite the input file", container.ErrOutputWrite)
	}

	pr, err := probe.Run(ctx, j.opts.FFprobePath, j.inputPath)
	if err != nil {
		return err
	}
	j.log.Info("input opened", "path", j.inputPath, "format", pr.FormatName,
		"duration", pr.Duration, "streams", pr.Describe())

	input, err := container.OpenInput(j.inputPath, pr, container.Options{
		FFmpegPath: j.opts.FFmpegPath,
		Log:        j.log,
	})
	if err != nil {
		return err
	}
	defer input.Close()

	streams := input.Streams()
	video, ok := videoStream(streams)
	if !ok {
		return fmt.Errorf("%w: no video stream", container.ErrInputUnreadable)
	}
	for i := range streams {
		if streams[i].Kind == media.StreamAudio && streams[i].PreRoll == 0 {
			streams[i].PreRoll = mux.PreRollFor(streams[i])
		}
	}

	ref := timespec.Ref{
		Duration:  int64(math.Round(pr.Duration * float64(video.TimeBase.Den) / float64(video.TimeBase.Num))),
		TimeBase:  video.TimeBase,
		FrameRate: video.FrameRate,
	}
	intervals, err := timespec.Resolve(j.tokens, j.opts.Mode, ref)
	if err != nil {
		return err
	}
	j.log.Info("resolved intervals", "count", len(intervals))

	codec := nal.ForCodecID(video.CodecID, video.Extradata)
	if !codec.SmartCuttable() {
		j.log.Warn("codec outside the smart-cut set, falling back to keyframe-only cutting",
			"codec", video.CodecID)
	}

	idx, err := j.scanGOPs(ctx, input, video, codec)
	if err != nil {
		return err
	}
	j.log.Debug("GOP index built", "keyframes", len(idx.Entries()), "frames", len(idx.Frames()))

	planner := plan.New(idx, codec, j.opts.MaxGOPFrames, j.log)
	plans := make([]*plan.SplicePlan, len(intervals))
	for i, iv := range intervals {
		p, err := planner.Plan(iv)
		if err != nil {
			return err
		}
		plans[i] = p
		j.log.Info("interval planned", "interval", i,
			"copy_frames", p.CopyCount, "prefix_frames", p.PrefixFrames(), "suffix_frames", p.SuffixFrames())
	}

	// The output video descriptor advertises the first segment's parameter
	// sets; epoch changes re-emit in-band.
	outStreams := append([]media.StreamDescriptor(nil), streams...)
	for i := range outStreams {
		if outStreams[i].Index == video.Index {
			if extra := idx.ExtradataForEpoch(plans[0].Epoch); extra != nil {
				outStreams[i].Extradata = extra
			}
		}
	}

	muxer, err := container.NewMuxer(ctx, j.outputPath, j.inputPath, container.Options{
		FFmpegPath: j.opts.FFmpegPath,
		Log:        j.log,
	})
	if err != nil {
		return err
	}
	if err := muxer.AddStreams(outStreams); err != nil {
		return err
	}
	if att, ok := input.(interface{ Attachments() []container.Attachment }); ok {
		for _, a := range att.Attachments() {
			if err := muxer.WriteAttachment(a.Name, a.Mime, a.Data); err != nil {
				return err
			}
		}
	}

	run := &cutRun{
		job:      j,
		ctx:      ctx,
		input:    input,
		streams:  streams,
		video:    video,
		codec:    codec,
		idx:      idx,
		plans:    plans,
		sched:    mux.NewScheduler(muxer, outStreams, j.log),
		engine:   encode.New(j.opts.FFmpegPath, j.log),
		lastEpoch: -1,
	}
	run.buildRouters()

	err = run.stream()
	if cancelled := errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled); cancelled || err == nil {
		// Graceful finalize on success and on cancel: the container closes
		// over whatever was muxed.
		if ferr := run.sched.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if ferr := muxer.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
		if cancelled {
			return ErrCancelled
		}
		return err
	}
	// Hard failure: still try to close the container, but keep the
	// original error.
	_ = muxer.Finalize()
	return err
}

func videoStream(streams []media.StreamDescriptor) (media.StreamDescriptor, bool) {
	for _, s := range streams {
		if s.Kind == media.StreamVideo {
			return s, true
		}
	}
	return media.StreamDescriptor{}, false
}

// scanGOPs runs the cold GOP scan over a fresh reader.
func (j *Job) scanGOPs(ctx context.Context, input container.Input, video media.StreamDescriptor, codec nal.Codec) (*gop.Index, error) {
	reader, err := input.OpenReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return gop.Scan(reader, video.Index, codec, video.Extradata, j.log)
}

// cutRun is the state of the streaming pass.
type cutRun struct {
	job     *Job
	ctx     context.Context
	input   container.Input
	streams []media.StreamDescriptor
	video   media.StreamDescriptor
	codec   nal.Codec
	idx     *gop.Index
	plans   []*plan.SplicePlan
	sched   *mux.Scheduler
	engine  *encode.Engine

	routers    [][]*mux.Router // per plan, per stream (clamping, non-video)
	videoRt    []*mux.Router   // per plan, video (non-clamping)
	outStart   []int64         // per plan, output position in ref timebase
	prefixDone []bool
	suffixDone []bool
	copied     []int
	boundary   []*media.Packet // splice-start buffer for the active plan
	boundaryOf int
	lastEpoch  int
}

// buildRouters prepares per-interval, per-stream routers and output offsets.
func (r *cutRun) buildRouters() {
	n := len(r.plans)
	r.routers = make([][]*mux.Router, n)
	r.videoRt = make([]*mux.Router, n)
	r.outStart = make([]int64, n)
	r.prefixDone = make([]bool, n)
	r.suffixDone = make([]bool, n)
	r.copied = make([]int, n)
	r.boundaryOf = -1

	pos := int64(0)
	for i, p := range r.plans {
		if r.job.opts.PreserveTimestamps {
			r.outStart[i] = p.Interval.Start
		} else {
			r.outStart[i] = pos
		}
		pos += p.Interval.Duration()

		r.routers[i] = make([]*mux.Router, len(r.streams))
		for si, s := range r.streams {
			if s.Index == r.video.Index {
				continue
			}
			r.routers[i][si] = mux.NewRouter(s, p.Interval, r.outStart[i], r.video.TimeBase, true)
		}
		r.videoRt[i] = mux.NewRouter(r.video, p.Interval, r.outStart[i], r.video.TimeBase, false)
	}
}

// stream is the pull loop: one pass over the input in decode order.
func (r *cutRun) stream() error {
	reader, err := r.input.OpenReader(r.ctx)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		if r.ctx.Err() != nil {
			return ErrCancelled
		}
		pkt, err := reader.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if pkt.Flags&media.FlagCorrupt != 0 {
			r.job.log.Warn("skipping corrupt packet", "stream", pkt.StreamIndex, "pts", pkt.PTS)
			continue
		}

		if pkt.StreamIndex == r.video.Index {
			if err := r.handleVideo(pkt); err != nil {
				return err
			}
		} else {
			if err := r.handleOther(pkt); err != nil {
				return err
			}
		}
	}

	// Tail work: flush the final boundary buffer and any segments whose
	// trigger packets never arrived (intervals at EOF).
	if err := r.flushBoundary(); err != nil {
		return err
	}
	for i := range r.plans {
		if err := r.emitPrefix(i); err != nil {
			return err
		}
		if err := r.emitSuffix(i); err != nil {
			return err
		}
	}
	return nil
}

// handleVideo routes one video packet: copied packets pass through the
// splice-boundary machinery; everything else is covered by the re-encoded
// segments and dropped here.
func (r *cutRun) handleVideo(pkt *media.Packet) error {
	for i, p := range r.plans {
		if !p.Copies() || r.copied[i] >= p.CopyCount {
			continue
		}
		if pkt.DTS < p.CopyFromDTS || pkt.PTS < p.CopyFromPTS || pkt.PTS > p.CopyToPTS {
			continue
		}

		// A copied run starts only after its interval's prefix landed.
		if err := r.emitPrefix(i); err != nil {
			return err
		}

		r.copied[i]++
		out, _ := r.videoRt[i].Route(pkt)
		out.Epoch = r.idx.EpochAt(pkt.PTS)
		out.PicType = r.idx.Classify(pkt.PTS)

		if r.boundaryOf == i {
			// Still collecting the splice-start run.
			r.boundary = append(r.boundary, out)
			if len(r.boundary) >= 16 || r.copied[i] >= p.CopyCount ||
				(len(r.boundary) > 1 && out.PicType != media.PicRASL && out.PicType != media.PicRADL) {
				if err := r.flushBoundary(); err != nil {
					return err
				}
			}
		} else {
			if err := r.emitCopied(i, out); err != nil {
				return err
			}
		}

		if r.copied[i] >= p.CopyCount {
			if err := r.flushBoundary(); err != nil {
				return err
			}
			if err := r.emitSuffix(i); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// emitCopied writes one mid-run copied packet, re-emitting parameter sets
// when the epoch changes inside the copied range.
func (r *cutRun) emitCopied(planIdx int, out *media.Packet) error {
	// The stream-opening epoch already rides in the muxer extradata; only
	// an epoch change mid-stream needs in-band re-emission.
	if out.Epoch >= 0 && r.lastEpoch >= 0 && out.Epoch != r.lastEpoch && r.nalCodec() {
		if extra := r.idx.ExtradataForEpoch(out.Epoch); extra != nil {
			payload, err := nal.InjectParameterSets(r.codec, out.Payload, extra)
			if err != nil {
				return err
			}
			out.Payload = payload
		}
	}
	if out.Epoch >= 0 {
		r.lastEpoch = out.Epoch
	}
	return r.sched.Write(out)
}

func (r *cutRun) nalCodec() bool {
	return r.codec.ID() == "h264" || r.codec.ID() == "hevc"
}

// flushBoundary repairs and emits the buffered splice-start packets.
func (r *cutRun) flushBoundary() error {
	if r.boundaryOf < 0 || len(r.boundary) == 0 {
		r.boundaryOf = -1
		return nil
	}
	i := r.boundaryOf
	p := r.plans[i]
	r.boundaryOf = -1

	packets, err := r.codec.RewriteSpliceStart(r.boundary, p.PrefixFrames() > 0)
	r.boundary = nil
	if err != nil {
		return err
	}

	// The first copied packet after the splice carries the input's
	// parameter sets when the last emitted epoch differs or a re-encoded
	// prefix precedes it.
	if len(packets) > 0 && r.nalCodec() {
		first := packets[0]
		if (r.lastEpoch >= 0 && first.Epoch != r.lastEpoch) || p.PrefixFrames() > 0 {
			if extra := r.idx.ExtradataForEpoch(p.Epoch); extra != nil {
				payload, err := nal.InjectParameterSets(r.codec, first.Payload, extra)
				if err != nil {
					return err
				}
				first.Payload = payload
			}
		}
		if units, uerr := r.codec.ParseNALs(first.Payload); uerr == nil && len(units) > 0 {
			if err := nal.ValidateSequencing(r.codec, first.Payload); err != nil {
				return err
			}
		}
	}

	for _, out := range packets {
		if out.Epoch >= 0 {
			r.lastEpoch = out.Epoch
		}
		if err := r.sched.Write(out); err != nil {
			return err
		}
	}
	return nil
}

// emitPrefix re-encodes and writes interval i's head segment once.
func (r *cutRun) emitPrefix(i int) error {
	if r.prefixDone[i] {
		return nil
	}
	r.prefixDone[i] = true

	p := r.plans[i]
	if len(p.ReencodePrefix) > 0 {
		if err := r.encodeSegment(i, p.ReencodePrefix); err != nil {
			return err
		}
	}
	if p.Copies() {
		// Copied packets that follow the prefix queue up for boundary
		// repair.
		r.boundaryOf = i
	}
	return nil
}

// emitSuffix re-encodes and writes interval i's tail segment once.
func (r *cutRun) emitSuffix(i int) error {
	if r.suffixDone[i] {
		return nil
	}
	r.suffixDone[i] = true
	// An interval with no copyable range got its whole span from the
	// prefix; ensure it landed even when no copy trigger fired.
	if err := r.emitPrefix(i); err != nil {
		return err
	}
	p := r.plans[i]
	if len(p.ReencodeSuffix) == 0 {
		return nil
	}
	return r.encodeSegment(i, p.ReencodeSuffix)
}

// encodeSegment runs the re-encode engine for a frame run and schedules its
// packets.
func (r *cutRun) encodeSegment(planIdx int, frames []gop.Frame) error {
	windowPTS := frames[0].PTS
	if kf, ok := r.idx.KeyframeBefore(frames[0].PTS + 1); ok {
		windowPTS = kf.KeyframePTS
	}

	res, err := r.engine.Encode(r.ctx, encode.Segment{
		InputPath: r.job.inputPath,
		Stream:    r.video,
		Frames:    frames,
		WindowPTS: windowPTS,
	})
	if err != nil {
		return err
	}
	r.job.log.Info("re-encoded splice segment",
		"interval", planIdx, "frames", len(frames), "packets", len(res.Packets))

	for _, pkt := range res.Packets {
		out, _ := r.videoRt[planIdx].Route(pkt)
		out.Epoch = -1
		if err := r.sched.Write(out); err != nil {
			return err
		}
	}
	return nil
}

// handleOther routes a non-video packet through the interval routers.
func (r *cutRun) handleOther(pkt *media.Packet) error {
	si := r.streamSlot(pkt.StreamIndex)
	if si < 0 {
		return nil
	}
	for i := range r.plans {
		rt := r.routers[i][si]
		if rt == nil {
			continue
		}
		if out, ok := rt.Route(pkt); ok {
			return r.sched.Write(out)
		}
	}
	return nil
}

func (r *cutRun) streamSlot(index int) int {
	for si, s := range r.streams {
		if s.Index == index {
			return si
		}
	}
	return -1
}
