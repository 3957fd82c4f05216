// Package logging builds the logrus loggers used by the engine: one shared
// process logger and one per strategy worker with its own rotating file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level      string
	Dir        string // per-strategy log files; empty disables file output
	MaxSize    int    // megabytes
	MaxBackups int
	MaxAge     int // days
	JSON       bool
	Stdout     io.Writer
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Factory creates loggers that share level and formatting.
type Factory struct {
	cfg     Config
	level   logrus.Level
	root    *logrus.Logger
	closers []io.Closer
}

// NewFactory parses the level and prepares the process logger.
func NewFactory(cfg Config) (*Factory, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	f := &Factory{cfg: cfg, level: level}
	f.root = f.newLogger(cfg.Stdout)
	return f, nil
}

func (f *Factory) newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(f.level)
	if f.cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	return l
}

// Root returns the process-wide logger entry.
func (f *Factory) Root() *logrus.Entry {
	return logrus.NewEntry(f.root)
}

// ForStrategy returns a logger tagged with the strategy name that writes to
// stdout and, when a directory is configured, to <dir>/<strategy>.log with
// size based rotation.
func (f *Factory) ForStrategy(name string) (*logrus.Entry, error) {
	out := f.cfg.Stdout
	if f.cfg.Dir != "" {
		if err := os.MkdirAll(f.cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(f.cfg.Dir, FileName(name)),
			MaxSize:    f.cfg.MaxSize,
			MaxBackups: f.cfg.MaxBackups,
			MaxAge:     f.cfg.MaxAge,
			Compress:   true,
		}
		f.closers = append(f.closers, file)
		out = io.MultiWriter(f.cfg.Stdout, file)
	}
	return f.newLogger(out).WithField("strategy", name), nil
}

// FileName is the log file name used for a strategy.
func FileName(strategy string) string {
	return unsafeName.ReplaceAllString(strategy, "_") + ".log"
}

// Close flushes and closes every rotating file opened by the factory.
func (f *Factory) Close() error {
	var first error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	f.closers = nil
	return first
}
