// Package logging builds the process logger for lq and carries it through
// context.Context.
//
// Usage:
//
//	logger, closer, err := logging.New(logging.Options{Level: "debug"})
//	if err != nil {
//	    return err
//	}
//	defer closer.Close()
//	ctx := logging.WithLogger(ctx, logger)
//
//	// Deeper down:
//	log := logging.FromContext(ctx)
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats.
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name; empty means info
	Level string

	// Format is auto, json, or console. Auto picks console when Writer
	// is a terminal.
	Format string

	// File, if set, also writes JSON logs to a rotating file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Writer receives console or JSON output (default: os.Stderr)
	Writer io.Writer
}

type loggerKey struct{}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from opts. The returned closer releases the log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}

	format := opts.Format
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatConsole
		}
	}

	var primary io.Writer
	switch format {
	case FormatJSON:
		primary = out
	case FormatConsole:
		primary = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(out),
		}
	default:
		return zerolog.Nop(), nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	writer := primary
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		closer = rotating
		writer = zerolog.MultiLevelWriter(primary, rotating)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var disabled = zerolog.Nop()

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, &logger)
}

// FromContext extracts the logger from ctx, or a disabled logger if none is set.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &disabled
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok {
		return logger
	}
	return &disabled
}
