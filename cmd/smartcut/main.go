// Command smartcut cuts compressed video files at frame accuracy, copying
// whole GOPs and re-encoding only the short boundary segments between each
// cut point and the next keyframe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/MIkeCall1986/smartcut/internal/container"
	"github.com/MIkeCall1986/smartcut/internal/encode"
	"github.com/MIkeCall1986/smartcut/internal/job"
	"github.com/MIkeCall1986/smartcut/internal/nal"
	"github.com/MIkeCall1986/smartcut/internal/plan"
	"github.com/MIkeCall1986/smartcut/internal/probe"
	"github.com/MIkeCall1986/smartcut/internal/timespec"
)

var version = "dev"

// Exit codes, stable CLI surface.
const (
	exitOK         = 0
	exitArgs       = 2
	exitInput      = 3
	exitBitstream  = 4
	exitEncoder    = 5
	exitOutput     = 6
	exitCancelled  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("smartcut", pflag.ContinueOnError)
	keep := flags.StringP("keep", "k", "", "comma-separated time pairs to keep (start1,end1,start2,end2,...)")
	cut := flags.StringP("cut", "c", "", "comma-separated time pairs to remove (complemented internally)")
	logLevel := flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	preserveTS := flags.Bool("preserve-timestamps", false, "keep input timestamps instead of rebasing the output to zero")
	maxGOP := flags.Int("max-gop-frames", 600, "cap on frames decoded per re-encode window (0 = unlimited)")
	ffmpegPath := flags.String("ffmpeg", "", "path to the ffmpeg binary (default: search PATH)")
	ffprobePath := flags.String("ffprobe", "", "path to the ffprobe binary (default: search PATH)")
	showVersion := flags.BoolP("version", "V", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: smartcut [flags] <input> <output>\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitArgs
	}
	if *showVersion {
		fmt.Printf("smartcut %s\n", version)
		return exitOK
	}

	setupLogging(*logLevel)

	args := flags.Args()
	if len(args) != 2 {
		flags.Usage()
		return exitArgs
	}

	var tokens []string
	mode := timespec.Keep
	switch {
	case *keep != "" && *cut != "":
		slog.Error("--keep and --cut are mutually exclusive")
		return exitArgs
	case *keep != "":
		tokens = splitTokens(*keep)
	case *cut != "":
		tokens = splitTokens(*cut)
		mode = timespec.Cut
	default:
		slog.Error("one of --keep or --cut is required")
		return exitArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, finalizing output", "signal", sig)
		cancel()
	}()

	j := job.New(args[0], args[1], tokens, job.Options{
		Mode:               mode,
		PreserveTimestamps: *preserveTS,
		MaxGOPFrames:       *maxGOP,
		FFmpegPath:         *ffmpegPath,
		FFprobePath:        *ffprobePath,
	}, slog.Default())

	if err := j.Run(ctx); err != nil {
		code := exitCodeFor(err)
		if code == exitCancelled {
			slog.Warn("cancelled, partial output finalized")
		} else {
			slog.Error("cut failed", "error", err)
		}
		return code
	}
	slog.Info("done", "output", args[1])
	return exitOK
}

// exitCodeFor maps error kinds to the documented exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, timespec.ErrInvalidTimeToken),
		errors.Is(err, timespec.ErrIntervalOrder),
		errors.Is(err, timespec.ErrOutOfRange):
		return exitArgs
	case errors.Is(err, probe.ErrInputUnreadable),
		errors.Is(err, container.ErrInputUnreadable):
		return exitInput
	case errors.Is(err, nal.ErrBitstreamMalformed),
		errors.Is(err, plan.ErrGopTooLarge),
		errors.Is(err, encode.ErrDecoderRefMissing):
		return exitBitstream
	case errors.Is(err, encode.ErrEncoderExhausted):
		return exitEncoder
	case errors.Is(err, container.ErrOutputWrite):
		return exitOutput
	case errors.Is(err, job.ErrCancelled), errors.Is(err, context.Canceled):
		return exitCancelled
	default:
		return 1
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "trace", "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// splitTokens splits a comma-separated token list, trimming whitespace.
func splitTokens(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
