package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
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

// ParseLevel maps a LOG_LEVEL value to a level, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Fields = map[string]interface{}

type output struct {
	mu sync.Mutex
	w  io.Writer
}

type Logger struct {
	level  *atomic.Int32
	out    *output
	fields Fields
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

var defaultLogger = New(INFO)

func New(level LogLevel) *Logger {
	return &Logger{
		level: atomic.NewInt32(int32(level)),
		out:   &output{w: os.Stderr},
	}
}

func Default() *Logger {
	return defaultLogger
}

func SetLevel(level LogLevel) {
	defaultLogger.SetLevel(level)
}

func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// SetOutput redirects l and every logger derived from it with With.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

// With returns a child logger that adds fields to every entry. The child
// shares level and output with its parent.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{
		level:  l.level,
		out:    l.out,
		fields: mergeFields(l.fields, fields),
	}
}

func (l *Logger) log(level LogLevel, message string, fields Fields) {
	if level < l.Level() {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    sanitizeFields(mergeFields(l.fields, fields)),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":"ERROR","message":"failed to marshal log entry: %s"}`, err))
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w.Write(append(line, '\n'))
}

func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...Fields) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ERROR, message, mergeFields(fields...))
}

// Package-level convenience functions
func Debug(message string, fields ...Fields) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...Fields) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...Fields) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...Fields) {
	defaultLogger.Error(message, fields...)
}

func With(fields Fields) *Logger {
	return defaultLogger.With(fields)
}

func mergeFields(fieldMaps ...Fields) Fields {
	var result Fields
	for _, fields := range fieldMaps {
		for k, v := range fields {
			if result == nil {
				result = make(Fields)
			}
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"key", "token", "secret", "password", "api_key", "dsn",
	"webhook_secret", "signature", "authorization", "auth",
}

func isSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

func sanitizeFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}

	sanitized := make(Fields, len(fields))
	for k, v := range fields {
		if !isSensitive(k) {
			sanitized[k] = v
			continue
		}
		// Long values keep 3 characters at each end so keys stay traceable.
		if str, ok := v.(string); ok && len(str) > 8 {
			sanitized[k] = str[:3] + "..." + str[len(str)-3:]
		} else {
			sanitized[k] = "[REDACTED]"
		}
	}

	return sanitized
}

func init() {
	// Tests only want WARN and above unless they lower the level themselves.
	if os.Getenv("GO_ENV") == "test" || strings.HasSuffix(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}
	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}
