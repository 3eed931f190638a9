// Package logging provides structured logging for the gatekeeper.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a config string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// Config controls the process-wide logger
type Config struct {
	Level  string    `json:"level" toml:"level" yaml:"level"`
	Format string    `json:"format" toml:"format" yaml:"format"` // console | json
	Output io.Writer `json:"-" toml:"-" yaml:"-"`
}

// Logger is a structured logger
type Logger struct {
	z      *zap.Logger
	fields map[string]interface{}
}

var (
	mu          sync.RWMutex
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	format      = "console"
	output      io.Writer = os.Stdout
	defaultLog            = &Logger{z: build(), fields: map[string]interface{}{}}
)

func build() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")

	var enc zapcore.Encoder
	if format == "json" {
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if isTerminal(output) {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(output), atomicLevel)
	return zap.New(core)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Init configures the global logger
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if cfg.Format != "" && cfg.Format != "console" && cfg.Format != "json" {
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	mu.Lock()
	defer mu.Unlock()

	atomicLevel.SetLevel(level.zapLevel())
	if cfg.Format != "" {
		format = cfg.Format
	}
	if cfg.Output != nil {
		output = cfg.Output
	}
	defaultLog = &Logger{z: build(), fields: map[string]interface{}{}}
	return nil
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	atomicLevel.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	defaultLog = &Logger{z: build(), fields: map[string]interface{}{}}
}

// Zap returns the underlying zap logger for libraries that take one
func Zap() *zap.Logger {
	return current().z
}

// Sync flushes buffered entries
func Sync() error {
	return current().z.Sync()
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLog
}

// WithField returns a logger with a field added
func WithField(key string, value interface{}) *Logger {
	return current().WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]interface{}) *Logger {
	return current().WithFields(fields)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}

	return &Logger{z: l.z.With(zf...), fields: merged}
}

// Fields returns a copy of the fields attached to the logger
func (l *Logger) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	ce := l.z.Check(level.zapLevel(), msg)
	if ce == nil {
		return
	}
	if len(args) > 0 {
		ce.Message = fmt.Sprintf(msg, args...)
	}
	ce.Write()
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	current().log(DEBUG, msg, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	current().log(INFO, msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	current().log(WARN, msg, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	current().log(ERROR, msg, args...)
}

// Logger methods
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }
