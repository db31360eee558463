package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/nal"
	"github.com/MIkeCall1986/smartcut/internal/probe"
)

// bridgeInput demuxes containers without a native adapter (AVI, FLV, WMV,
// MPG program streams) by having ffmpeg remux video and audio into an
// MPEG-TS pipe that the astits reader consumes. Subtitle streams are not
// representable on this path and are dropped with a warning.
type bridgeInput struct {
	path    string
	streams []media.StreamDescriptor
	ffmpeg  string
}

func openBridgeInput(path string, pr *probe.Result, opts Options) (Input, error) {
	var carried []media.StreamDescriptor
	dropped := 0
	for _, s := range pr.Streams {
		if s.Kind != media.StreamVideo && s.Kind != media.StreamAudio {
			dropped++
			continue
		}
		if _, ok := tsStreamType(s.CodecID); !ok {
			dropped++
			continue
		}
		// The TS intermediate runs on the 90 kHz transport clock.
		s.TimeBase = media.Rational{Num: 1, Den: 90000}
		carried = append(carried, s)
	}
	if len(carried) == 0 {
		return nil, fmt.Errorf("%w: no stream of %q survives the transport bridge", ErrInputUnreadable, path)
	}
	if dropped > 0 {
		opts.logger().Warn("bridge demux drops streams not representable in MPEG-TS",
			"input", path, "dropped", dropped)
	}
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &bridgeInput{path: path, streams: carried, ffmpeg: ffmpeg}, nil
}

func (in *bridgeInput) Streams() []media.StreamDescriptor { return in.streams }
func (in *bridgeInput) Close() error                      { return nil }

func (in *bridgeInput) OpenReader(ctx context.Context) (PacketReader, error) {
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", in.path,
		"-map", "0:v?", "-map", "0:a?",
		"-c", "copy",
		"-f", "mpegts", "pipe:1",
	}
	cmd := exec.CommandContext(ctx, in.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrInputUnreadable, err)
	}
	return &bridgeReader{
		tsReader: newTSReader(ctx, stdout, nil, in.streams),
		cmd:      cmd,
		stderr:   &stderr,
	}, nil
}

// bridgeReader wraps the TS reader and reaps the ffmpeg process on close.
type bridgeReader struct {
	*tsReader
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (br *bridgeReader) Close() error {
	if br.cmd.Process != nil {
		_ = br.cmd.Process.Kill()
	}
	_ = br.cmd.Wait()
	return nil
}

func (br *bridgeReader) ReadPacket() (*media.Packet, error) {
	pkt, err := br.tsReader.ReadPacket()
	if err == io.EOF {
		if werr := br.cmd.Wait(); werr != nil && br.stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: ffmpeg: %s", ErrInputUnreadable, firstLine(br.stderr.String()))
		}
		return nil, io.EOF
	}
	return pkt, err
}

// bridgeMuxer writes the scheduler's packets through an MPEG-TS pipe into
// an ffmpeg stream copy that produces the requested target container.
// Passing the original input as a second ffmpeg input preserves chapters
// and global metadata across the intermediate.
type bridgeMuxer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	ts     *tsMuxer
	bases  map[int]media.Rational
	codecs map[int]string
	eg     *errgroup.Group
}

func newBridgeMuxer(ctx context.Context, path, origInput string, opts Options) (Muxer, error) {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-fflags", "+genpts",
		"-f", "mpegts", "-i", "pipe:0",
	}
	if origInput != "" {
		args = append(args, "-i", origInput, "-map_metadata", "1", "-map_chapters", "1")
	}
	args = append(args,
		"-map", "0",
		"-c", "copy",
		"-metadata", "encoder="+ProgramName,
	)
	args = append(args, path)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	m := &bridgeMuxer{
		cmd:    cmd,
		bases:  make(map[int]media.Rational),
		codecs: make(map[int]string),
	}
	cmd.Stderr = &m.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	m.stdin = stdin
	m.ts = newTSMuxer(ctx, stdin)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrOutputWrite, err)
	}
	m.eg = &errgroup.Group{}
	m.eg.Go(cmd.Wait)
	return m, nil
}

func (m *bridgeMuxer) AddStreams(streams []media.StreamDescriptor) error {
	for _, s := range streams {
		m.bases[s.Index] = s.TimeBase
		m.codecs[s.Index] = s.CodecID
	}
	return m.ts.AddStreams(streams)
}

func (m *bridgeMuxer) WritePacket(pkt *media.Packet) error {
	if !m.ts.Carries(pkt.StreamIndex) {
		return nil
	}
	ts90k := media.Rational{Num: 1, Den: 90000}
	q := pkt.Clone()
	q.PTS = media.Rescale(pkt.PTS, m.bases[pkt.StreamIndex], ts90k)
	q.DTS = media.Rescale(pkt.DTS, m.bases[pkt.StreamIndex], ts90k)

	// The transport stream needs Annex B framing for NAL codecs.
	switch m.codecs[pkt.StreamIndex] {
	case "h264", "hevc":
		if nal.DetectFormat(q.Payload) == nal.FormatLengthPrefixed {
			c := nal.ForCodecID(m.codecs[pkt.StreamIndex], nil)
			if units, err := c.ParseNALs(q.Payload); err == nil && len(units) > 0 {
				q.Payload = nal.EncodeAnnexB(units)
			}
		}
	}
	return m.ts.WritePacket(q)
}

func (m *bridgeMuxer) WriteAttachment(string, string, []byte) error {
	// Attachments do not survive the TS intermediate; the -map_metadata
	// second input carries global tags but not attachment payloads.
	return nil
}

func (m *bridgeMuxer) Finalize() error {
	if err := m.stdin.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	if err := m.eg.Wait(); err != nil {
		return fmt.Errorf("%w: ffmpeg: %s", ErrOutputWrite, firstLine(m.stderr.String()))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "exited with error"
	}
	return s
}
