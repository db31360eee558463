// Package container adapts concrete file formats to the packet-level
// demuxer/muxer surface the cut pipeline works against. MPEG-TS is read
// natively via go-astits, MP4/MOV via mp4ff, and Matroska with a built-in
// EBML codec; remaining formats bridge through ffmpeg stream copies.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/MIkeCall1986/smartcut/internal/media"
	"github.com/MIkeCall1986/smartcut/internal/probe"
)

// ErrInputUnreadable reports an unopenable or structurally broken input
// container. The CLI maps it to exit code 3.
var ErrInputUnreadable = errors.New("input unreadable")

// ErrOutputWrite reports a failure writing the output container. The CLI
// maps it to exit code 6.
var ErrOutputWrite = errors.New("output write error")

// ProgramName is written as program/encoder metadata into Matroska output
// (MuxingApp/WritingApp) and bridged output (encoder tag). The MP4 muxer
// does not write it.
const ProgramName = "smartcut"

// PacketReader yields demuxed packets in decode order. ReadPacket returns
// io.EOF after the last packet.
type PacketReader interface {
	ReadPacket() (*media.Packet, error)
	Close() error
}

// Input is an opened container. Readers are restartable: each OpenReader
// call starts a fresh scan from the beginning of the file, which the GOP
// index (cold scan) and the muxing pass (second scan) both rely on.
type Input interface {
	Streams() []media.StreamDescriptor
	OpenReader(ctx context.Context) (PacketReader, error)
	Close() error
}

// Muxer writes packets to an output container. Packets must arrive in
// strictly increasing DTS order per stream; Finalize flushes indexes and
// trailing metadata.
type Muxer interface {
	AddStreams(streams []media.StreamDescriptor) error
	WritePacket(*media.Packet) error
	// WriteAttachment stores a file attachment (Matroska only; others
	// ignore it).
	WriteAttachment(name, mime string, data []byte) error
	Finalize() error
}

// Options carries external tool paths for the bridge adapters.
type Options struct {
	FFmpegPath string
	Log        *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// OpenInput opens path with the adapter matching its container format,
// using the probe result for stream metadata.
func OpenInput(path string, pr *probe.Result, opts Options) (Input, error) {
	switch detectFormat(path, pr.FormatName) {
	case "mpegts":
		return openTSInput(path, pr, false)
	case "m2ts":
		return openTSInput(path, pr, true)
	case "mp4":
		return openMP4Input(path, pr)
	case "matroska":
		return openMatroskaInput(path, pr)
	default:
		return openBridgeInput(path, pr, opts)
	}
}

// NewMuxer creates the output muxer for path. MP4/MOV and Matroska write
// natively; other targets route a TS intermediate through ffmpeg.
// origInput is passed to the bridge so chapters and metadata survive.
func NewMuxer(ctx context.Context, path, origInput string, opts Options) (Muxer, error) {
	switch detectFormat(path, "") {
	case "mp4":
		return newMP4Muxer(path, opts)
	case "matroska":
		return newMatroskaMuxer(path, opts)
	case "mpegts", "m2ts":
		return nil, fmt.Errorf("%w: MPEG-TS is a read-only format here; pick .mp4 or .mkv", ErrOutputWrite)
	default:
		return newBridgeMuxer(ctx, path, origInput, opts)
	}
}

// detectFormat maps a file extension (and, for inputs, the probed format
// name) to an adapter key.
func detectFormat(path, probedFormat string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return "mpegts"
	case ".m2ts", ".mts":
		return "m2ts"
	case ".mp4", ".mov", ".m4v":
		return "mp4"
	case ".mkv", ".webm":
		return "matroska"
	}
	// Extension unknown: trust ffprobe's format name.
	switch {
	case strings.Contains(probedFormat, "mpegts"):
		return "mpegts"
	case strings.Contains(probedFormat, "mp4"):
		return "mp4"
	case strings.Contains(probedFormat, "matroska"):
		return "matroska"
	}
	return "other"
}
