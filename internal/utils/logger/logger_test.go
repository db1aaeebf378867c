package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func resetLogger() {
	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	sugar = nil
	base = nil
	level = zap.AtomicLevel{}
	current = Config{}
	mu.Unlock()
	once = sync.Once{}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"DEBUG", zapcore.DebugLevel},
		{" error ", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerLazyInit(t *testing.T) {
	resetLogger()
	defer resetLogger()

	if Logger() == nil {
		t.Fatal("Logger() returned nil")
	}
	if level.Level() != zapcore.InfoLevel {
		t.Errorf("expected default level info, got %v", level.Level())
	}
}

func TestSetLogLevelAndConsoleRedirect(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	old := ReplaceStderrWriter(&buf)
	defer ReplaceStderrWriter(old)

	_, cleanup := InitWithLevel("info")
	defer cleanup()

	Logger().Debug("hidden message")
	if strings.Contains(buf.String(), "hidden message") {
		t.Fatal("debug message logged at info level")
	}

	SetLogLevel("debug")
	Logger().Debug("visible message")
	if !strings.Contains(buf.String(), "visible message") {
		t.Errorf("debug message missing after SetLogLevel, output: %q", buf.String())
	}
	if current.Level != "debug" {
		t.Errorf("current level = %q, want debug", current.Level)
	}
}

func TestInitWithConfigFileTee(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	old := ReplaceStderrWriter(&buf)
	defer ReplaceStderrWriter(old)

	logPath := filepath.Join(t.TempDir(), "logs", "shrinkwrap.log")
	log, cleanup, err := InitWithConfig(Config{Level: "info", FilePath: logPath})
	if err != nil {
		t.Fatalf("InitWithConfig failed: %v", err)
	}

	log.Info("written to both")
	cleanup()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to both") {
		t.Errorf("log file missing message, got %q", string(data))
	}
	if !strings.Contains(buf.String(), "written to both") {
		t.Errorf("console missing message, got %q", buf.String())
	}
}

func TestInitWithConfigReconfigures(t *testing.T) {
	resetLogger()
	defer resetLogger()

	if _, cleanup, err := InitWithConfig(Config{Level: "info"}); err != nil {
		t.Fatalf("first init: %v", err)
	} else {
		cleanup()
	}

	if _, cleanup, err := InitWithConfig(Config{Level: "error"}); err != nil {
		t.Fatalf("second init: %v", err)
	} else {
		cleanup()
	}

	if level.Level() != zapcore.ErrorLevel {
		t.Errorf("expected level error after reconfigure, got %v", level.Level())
	}
}

func TestInitWithConfigBadFilePath(t *testing.T) {
	resetLogger()
	defer resetLogger()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := InitWithConfig(Config{Level: "info", FilePath: filepath.Join(blocker, "sub", "log.txt")})
	if err == nil {
		t.Fatal("expected error when log directory cannot be created")
	}
}
