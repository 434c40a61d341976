package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents different log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelAlert
	LevelWarn
	LevelError
)

// String returns the label printed in front of each line
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelAlert:
		return "ALERT"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger interface for logging functionality
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Alert(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// Options configures where and how much a StandardLogger writes
type Options struct {
	Verbose bool
	// Quiet disables console output; the log file, if any, still receives lines
	Quiet bool
	// File enables a size-rotated system log file
	File string
	// MaxSizeMB, MaxBackups and MaxAgeDays tune rotation of File
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// StandardLogger implements Logger interface
type StandardLogger struct {
	verbose bool
	logger  *log.Logger
	file    *lumberjack.Logger
	now     func() time.Time
}

// NewWithOptions creates a logger writing to the console and/or a rotated file
func NewWithOptions(opts Options) *StandardLogger {
	l := &StandardLogger{
		verbose: opts.Verbose,
		now:     time.Now,
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stdout)
	}
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 25),
			MaxBackups: orDefault(opts.MaxBackups, 10),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
		}
		writers = append(writers, l.file)
	}

	// No writers leaves logger nil, which silences output
	if len(writers) > 0 {
		l.logger = log.New(io.MultiWriter(writers...), "", 0)
	}
	return l
}

// NewWriter creates a logger that writes every level to w. Used by tests and embedders.
func NewWriter(w io.Writer, verbose bool) *StandardLogger {
	return &StandardLogger{
		verbose: verbose,
		logger:  log.New(w, "", 0),
		now:     time.Now,
	}
}

// Debug logs debug messages (only in verbose mode)
func (l *StandardLogger) Debug(format string, args ...interface{}) {
	if l.verbose {
		l.logWithLevel(LevelDebug, format, args...)
	}
}

// Info logs informational messages
func (l *StandardLogger) Info(format string, args ...interface{}) {
	l.logWithLevel(LevelInfo, format, args...)
}

// Alert logs messages that should stand out from regular traffic traces
func (l *StandardLogger) Alert(format string, args ...interface{}) {
	l.logWithLevel(LevelAlert, format, args...)
}

// Warn logs warning messages
func (l *StandardLogger) Warn(format string, args ...interface{}) {
	l.logWithLevel(LevelWarn, format, args...)
}

// Error logs error messages
func (l *StandardLogger) Error(format string, args ...interface{}) {
	l.logWithLevel(LevelError, format, args...)
}

// Close releases the log file, if one is open
func (l *StandardLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// logWithLevel logs a message with the specified level
func (l *StandardLogger) logWithLevel(level LogLevel, format string, args ...interface{}) {
	// Skip logging if logger is nil (quiet mode)
	if l.logger == nil {
		return
	}
	timestamp := l.now().Format("15:04:05")
	prefix := fmt.Sprintf("[%s] %s: ", timestamp, level)
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s%s", prefix, message)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
