// Package logging provides the structured logging used across the indexing
// bridge. Output is routed so that error-level records land on stderr and
// everything else on stdout, which plays well with container log collectors
// that treat the two streams differently.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter is an io.Writer that sends already-formatted logrus output to
// stderr when it looks like an error record, and to stdout otherwise.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Level is one of the four levels the bridge's config accepts.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the logrus formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures a process-wide logger.
type Config struct {
	Level  Level
	Format Format
}

// New builds a logrus.Logger per cfg, with output routed through an
// OutputSplitter and every record carrying a "component" field set by the
// caller via WithField.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(&OutputSplitter{})
	return logger
}

// CycleLogger returns a logrus.Entry pre-tagged with the fields every
// pipeline log line carries for correlation: the component name and the
// cycle's start-of-tick sequence number.
func CycleLogger(logger *logrus.Logger, component string, cycleSeq int64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": component,
		"cycle":     cycleSeq,
	})
}

// MaskSecret returns a string safe to log in place of a credential: the first
// and last two characters, with the middle replaced by asterisks. Strings of
// four characters or fewer are fully masked.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
