package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// RequestIDKey is the key used to store request ID in context
	RequestIDKey = "request_id"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// jobLogDir is where per-job scan logs are written; empty disables them
	jobLogDir string
	output    io.Writer = os.Stdout
)

// Options controls where log output goes. The zero value logs to stdout only.
type Options struct {
	Level      string
	GinMode    string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init initializes the global logger based on environment
func Init() {
	Setup(Options{Level: os.Getenv("LOG_LEVEL"), GinMode: os.Getenv("GIN_MODE"), Dir: os.Getenv("LOG_DIR")})
}

// Setup initializes the global logger from explicit options. When Dir is set,
// output is duplicated to a rotated quipucords.log and per-job scan logs are
// written alongside it.
func Setup(opts Options) {
	logLevel := parseLevel(opts.Level)

	var out io.Writer
	if opts.GinMode == "release" {
		// Production: JSON output
		out = os.Stdout
	} else {
		// Development: Human-readable output with colors
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	jobLogDir = opts.Dir
	if opts.Dir != "" {
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "quipucords.log"),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotated)
	}

	output = out
	Logger = zerolog.New(out).
		With().
		Timestamp().
		Logger().
		Level(logLevel)

	// Set as global logger
	log.Logger = Logger
}

// parseLevel returns the zerolog level, defaulting to info
func parseLevel(levelStr string) zerolog.Level {
	if levelStr == "" {
		return zerolog.InfoLevel
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		// Invalid level, default to info
		return zerolog.InfoLevel
	}

	return level
}

// FromContext creates a logger with context from Gin context
// It extracts request_id and user_id from the context
func FromContext(c interface {
	Get(any) (any, bool)
}) *zerolog.Event {
	event := Logger.Info()

	// Extract request_id
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			event = event.Str("request_id", id)
		}
	}

	// Extract user_id
	if userID, exists := c.Get("user_id"); exists {
		if id, ok := userID.(string); ok {
			event = event.Str("user_id", id)
		}
	}

	return event
}

// WithRequestID creates a logger event with request ID
func WithRequestID(requestID string) *zerolog.Event {
	return Logger.Info().Str("request_id", requestID)
}

// JobLog is a logger scoped to one scan job. Its file, if any, is included
// in report bundles.
type JobLog struct {
	zerolog.Logger
	Path string
	file *os.File
	once sync.Once
}

// Close flushes and releases the job's log file
func (j *JobLog) Close() error {
	var err error
	j.once.Do(func() {
		if j.file != nil {
			err = j.file.Close()
		}
	})
	return err
}

// ForJob returns a logger tagged with the job id. When a log directory is
// configured, entries are also appended to scan-job-{id}-{unix}.log there.
func ForJob(jobID int64) *JobLog {
	base := Logger.With().Int64("job_id", jobID).Logger()
	if jobLogDir == "" {
		return &JobLog{Logger: base}
	}

	path := filepath.Join(jobLogDir, fmt.Sprintf("scan-job-%d-%d.log", jobID, time.Now().Unix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		Logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to open job log file")
		return &JobLog{Logger: base}
	}

	jl := base.Output(zerolog.MultiLevelWriter(output, f))
	return &JobLog{Logger: jl, Path: path, file: f}
}

// JobLogFiles lists the per-job log files written for jobID
func JobLogFiles(jobID int64) []string {
	if jobLogDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(jobLogDir, fmt.Sprintf("scan-job-%d-*.log", jobID)))
	if err != nil {
		return nil
	}
	return matches
}

// WithTask creates a logger tagged with task context
func WithTask(l zerolog.Logger, taskID int64, sourceType, scanType string) zerolog.Logger {
	return l.With().
		Int64("task_id", taskID).
		Str("source_type", sourceType).
		Str("scan_type", scanType).
		Logger()
}

// WithHost creates a logger event with host context
func WithHost(l zerolog.Logger, host string) *zerolog.Event {
	return l.Info().Str("host", host)
}
