package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skobkin/gpumon/internal/config"
)

// New builds the process logger. With a log file configured, output goes
// to a size-rotated file; otherwise to stderr. The returned closer releases
// the file and is a no-op for stderr.
func New(level slog.Level, cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var (
		writer io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writer = rotator
		closer = rotator
	}

	return slog.New(newHandler(writer, level, cfg.File != "")), closer
}

func newHandler(w io.Writer, level slog.Level, toFile bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if toFile {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000"))
			}
			return a
		}
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
