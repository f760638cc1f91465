package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

type Logger struct {
	level  Level
	logger *log.Logger
	mu     sync.RWMutex
}

var (
	defaultLogger *Logger
	defaultSinks  sinks
	defaultMu     sync.Mutex
)

// sinks holds the writers shared by every logger created after Init.
type sinks struct {
	console io.Writer
	file    *os.File
}

func (s sinks) writer() io.Writer {
	if s.file == nil {
		return s.console
	}
	return io.MultiWriter(s.console, s.file)
}

type Option func(*sinks) error

// WithOutput replaces the console sink (stdout by default).
func WithOutput(w io.Writer) Option {
	return func(s *sinks) error {
		s.console = w
		return nil
	}
}

// WithFile duplicates every log line into the file at path, truncating it.
func WithFile(path string) Option {
	return func(s *sinks) error {
		if path == "" {
			return nil
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		s.file = f
		return nil
	}
}

// Init configures the process-wide logger. Calling it again closes the
// previous file sink and replaces the default logger.
func Init(level Level, opts ...Option) error {
	next := sinks{console: os.Stdout}
	for _, opt := range opts {
		if err := opt(&next); err != nil {
			return err
		}
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSinks.file != nil {
		defaultSinks.file.Close()
	}
	defaultSinks = next
	defaultLogger = &Logger{
		level:  level,
		logger: log.New(next.writer(), "", log.LstdFlags|log.Lmicroseconds),
	}
	return nil
}

// Close flushes and closes the file sink, if any. Console logging keeps working.
func Close() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSinks.file == nil {
		return nil
	}
	err := defaultSinks.file.Sync()
	if cerr := defaultSinks.file.Close(); err == nil {
		err = cerr
	}
	defaultSinks.file = nil
	if defaultLogger != nil {
		defaultLogger.logger.SetOutput(defaultSinks.console)
	}
	return err
}

func GetLogger() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultSinks = sinks{console: os.Stdout}
		defaultLogger = &Logger{
			level:  LevelInfo,
			logger: log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds),
		}
	}
	return defaultLogger
}

func NewLogger(name string) *Logger {
	parent := GetLogger()
	defaultMu.Lock()
	w := defaultSinks.writer()
	defaultMu.Unlock()
	return &Logger{
		level:  parent.Level(),
		logger: log.New(w, "["+name+"] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	l.mu.RLock()
	currentLevel := l.level
	l.mu.RUnlock()

	if level < currentLevel {
		return
	}

	levelStr := levelString(level)
	fieldStr := formatFields(fields)

	if fieldStr != "" {
		l.logger.Printf("[%s] %s %s", levelStr, msg, fieldStr)
	} else {
		l.logger.Printf("[%s] %s", levelStr, msg)
	}
}

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(FormatValue(f.Value)))
	}
	return b.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case uint:
		return fmt.Sprintf("%d", val)
	case uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func Debug(msg string, fields ...Field) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	GetLogger().Error(msg, fields...)
}
