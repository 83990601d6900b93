// internal/logs/logs.go
package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	File    string // empty = no log file
	Console bool
	Level   string
}

// New builds the app logger (file + optional console) and installs it as the global one.
// The returned closer releases the log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	if opts.File != "" {
		_ = os.MkdirAll(filepath.Dir(opts.File), 0o755)
		logFile, err := os.OpenFile(opts.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, logFile)
		closer = logFile
	}
	if opts.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	var writer io.Writer = writers[0]
	if len(writers) > 1 {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(writer).Level(level).With().
		Timestamp().
		Caller().
		Logger()

	log.Logger = logger

	return logger, closer, nil
}

func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
