// Package logging builds the charmbracelet logger handed to the extractor
// and the disassembler. It is configured from the environment and can log
// to a file instead of stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// LoggerCloser wraps a logger and provides a Close method for cleanup
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// Level parses a CAPA_LOG_LEVEL value. Unknown values mean info.
func Level(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLoggerWithWriter creates a new logger with the provided writer. debug
// forces debug level regardless of CAPA_LOG_LEVEL.
func NewLoggerWithWriter(w io.Writer, debug bool) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	level := Level(os.Getenv("CAPA_LOG_LEVEL"))
	if debug {
		level = log.DebugLevel
	}
	lg.SetLevel(level)

	prefix := os.Getenv("CAPA_LOG_PREFIX")
	if prefix == "" {
		prefix = "capa "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a new logger based on environment variables
// CAPA_LOG_LEVEL: debug, info, warn, error (default: info)
// CAPA_LOG_PREFIX: prefix for log messages (default: "capa ")
// CAPA_LOG_TO_FILE: when set to "1", logs to a timestamped file instead of stderr
func NewLogger(debug bool) *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv("CAPA_LOG_TO_FILE") == "1" {
		timestamp := time.Now().Format("20060102-150405")
		logFile := fmt.Sprintf("capa-%s-debug.log", timestamp)

		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		}
		// If file creation fails, fall back to stderr
	}

	return NewLoggerWithWriter(output, debug)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return os.Getenv("CAPA_LOG_LEVEL") == "debug"
}
