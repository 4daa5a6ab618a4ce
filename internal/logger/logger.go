// Package logger provides structured logging for the storage engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a new structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "coredb").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Component returns a child logger tagged with the given subsystem name
// (pager, bufferpool, wal, recovery, btree, engine).
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// LogRecovery logs the outcome of a recovery pass with ARIES phase counts.
func (l *Logger) LogRecovery(recordsScanned, redoCount, undoCount int, elapsed time.Duration) {
	l.zlog.Info().
		Str("event", "recovery_complete").
		Int("records_scanned", recordsScanned).
		Int("redo_count", redoCount).
		Int("undo_count", undoCount).
		Dur("elapsed", elapsed).
		Msg("crash recovery finished")
}

// LogCheckpoint logs a completed checkpoint.
func (l *Logger) LogCheckpoint(lsn uint64, attSize, dptSize int, duration time.Duration) {
	l.zlog.Info().
		Str("event", "checkpoint_complete").
		Uint64("checkpoint_lsn", lsn).
		Int("att_size", attSize).
		Int("dpt_size", dptSize).
		Dur("duration", duration).
		Msg("fuzzy checkpoint finished")
}

// Global logger instance, set up lazily so tests can open/close fresh
// engine instances without relying on package init order.
var globalLogger *Logger

// Init initializes the global logger.
func Init(cfg Config) {
	globalLogger = New(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// Global returns the global logger instance.
func Global() *Logger {
	if globalLogger == nil {
		Init(Config{Level: "info", Pretty: true})
	}
	return globalLogger
}
