package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"", LevelInfo},
		{"bogus", LevelInfo},
		{"WARNING", LevelWarning},
		{"warn", LevelWarning},
		{"ERROR", LevelError},
		{" CRITICAL ", LevelError},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarning)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Warning("warning %d", 3)
	l.Error("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("entries below WARNING were written: %q", out)
	}
	if !strings.Contains(out, "[WARNING] warning 3") {
		t.Errorf("missing warning entry: %q", out)
	}
	if !strings.Contains(out, "[ERROR] error 4") {
		t.Errorf("missing error entry: %q", out)
	}
}

func TestLogger_ReportsCallerFile(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)
	l.Info("hello")

	if !strings.Contains(buf.String(), "logger_test.go") {
		t.Errorf("expected caller file in %q", buf.String())
	}
}

func TestOpen_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predict.log")
	var buf bytes.Buffer

	l, err := Open(&buf, path, LevelInfo)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	l.Info("task %d done", 7)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "task 7 done") {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "task 7 done") {
		t.Errorf("writer missing entry: %q", buf.String())
	}
}

func TestKV(t *testing.T) {
	var buf bytes.Buffer
	kv := KV{L: New(&buf, LevelDebug)}

	kv.Warn("retrying request", "method", "GET", "url", "http://x/api/tasks", "dangling")
	kv.Debug("performing request", "method", "POST")

	out := buf.String()
	if !strings.Contains(out, "[WARNING] retrying request method=GET url=http://x/api/tasks dangling") {
		t.Errorf("unexpected warn output: %q", out)
	}
	if !strings.Contains(out, "[DEBUG] performing request method=POST") {
		t.Errorf("unexpected debug output: %q", out)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.Enabled(LevelError) {
		t.Error("Discard logger should not be enabled at ERROR")
	}
	l.Error("dropped")
}
