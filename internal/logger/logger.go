// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global logger at stderr (console format) and, when
// logFile is set, also appends to that file. The returned closer releases the
// file and is safe to call when no file was opened.
func Setup(level, logFile string) (io.Closer, error) {
	return setup(level, logFile, zerolog.ConsoleWriter{Out: os.Stderr})
}

func setup(level, logFile string, console io.Writer) (io.Closer, error) {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	output := console
	var closer io.Closer = nopCloser{}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		output = io.MultiWriter(console, file)
		closer = file
	}

	log.Logger = log.Output(output).Level(parsedLevel)
	zerolog.SetGlobalLevel(parsedLevel)

	return closer, nil
}

// Component returns a child of the global logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
