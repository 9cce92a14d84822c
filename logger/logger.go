package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// ParseLevel accepts the Python logging names (DEBUG, INFO, WARNING/WARN, ERROR).
// Unknown or empty values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR", "CRITICAL":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides leveled logging to a writer, optionally teed into a file.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
	file  *os.File
}

// New returns a Logger writing entries at or above level to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		level: level,
		out:   log.New(w, "", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// Open creates a Logger that writes to w and appends to filename. An empty
// filename logs to w only.
func Open(w io.Writer, filename string, level Level) (*Logger, error) {
	if filename == "" {
		return New(w, level), nil
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", filename, err)
	}
	var out io.Writer = file
	if w != nil {
		out = io.MultiWriter(w, file)
	}
	l := New(out, level)
	l.file = file
	return l, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.output(LevelDebug, format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.output(LevelInfo, format, v...)
}

func (l *Logger) Warning(format string, v ...interface{}) {
	l.output(LevelWarning, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.output(LevelError, format, v...)
}

func (l *Logger) output(level Level, format string, v ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// depth 3: Output <- output <- Info/Warning/... <- caller
	l.out.Output(3, fmt.Sprintf("[%s] %s", level, fmt.Sprintf(format, v...)))
}

// Discard is a Logger that drops everything; handy in tests.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}
