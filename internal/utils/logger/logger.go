package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the verbosity and an optional file that receives a copy of
// every console line.
type Config struct {
	Level    string
	FilePath string
}

// swappableWriter lets tests and the progress renderer redirect console
// output without rebuilding the zap core.
type swappableWriter struct {
	mu     sync.RWMutex
	writer io.Writer
}

func (w *swappableWriter) Write(p []byte) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.writer == nil {
		return len(p), nil
	}
	return w.writer.Write(p)
}

func (w *swappableWriter) Sync() error {
	return nil
}

var (
	sugar   *zap.SugaredLogger
	base    *zap.Logger
	level   zap.AtomicLevel
	once    sync.Once
	mu      sync.RWMutex
	logFile *os.File
	current Config
	console = &swappableWriter{writer: os.Stderr}
)

func apply(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	lvl := parseLevel(cfg.Level)
	if level == (zap.AtomicLevel{}) {
		level = zap.NewAtomicLevelAt(lvl)
	} else {
		level.SetLevel(lvl)
	}

	encoderCfg := zap.NewDevelopmentConfig().EncoderConfig
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeCaller = zapcore.ShortCallerEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(console), level),
	}

	filePath := strings.TrimSpace(cfg.FilePath)
	if filePath != "" {
		core, handle, err := fileCore(encoderCfg, filePath)
		if err != nil {
			return err
		}
		if logFile != nil && logFile != handle {
			_ = logFile.Close()
		}
		logFile = handle
		cores = append(cores, core)
	} else if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	base = zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	sugar = base.Sugar()
	zap.ReplaceGlobals(base)

	current = Config{Level: lvl.String(), FilePath: filePath}
	return nil
}

func fileCore(encoderCfg zapcore.EncoderConfig, path string) (zapcore.Core, *os.File, error) {
	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory %q: %w", dir, err)
		}
	}

	file, err := os.OpenFile(cleaned, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %q: %w", cleaned, err)
	}

	plain := encoderCfg
	plain.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(plain), zapcore.AddSync(file), level), file, nil
}

// InitWithConfig installs the process logger. Calling it again with a
// different configuration reconfigures the existing logger in place.
func InitWithConfig(cfg Config) (*zap.SugaredLogger, func(), error) {
	var initErr error
	first := false
	once.Do(func() {
		first = true
		initErr = apply(cfg)
	})
	if initErr != nil {
		return nil, nil, fmt.Errorf("logger initialization failed: %w", initErr)
	}

	if !first {
		want := Config{Level: parseLevel(cfg.Level).String(), FilePath: strings.TrimSpace(cfg.FilePath)}
		mu.RLock()
		same := current == want
		mu.RUnlock()
		if !same {
			if err := apply(cfg); err != nil {
				return nil, nil, fmt.Errorf("logger reconfiguration failed: %w", err)
			}
		}
	}

	mu.RLock()
	s := sugar
	mu.RUnlock()
	return s, cleanupFunc(), nil
}

// InitWithLevel sets up the global logger at the given level and returns a
// cleanup function that must be deferred.
func InitWithLevel(lvl string) (*zap.SugaredLogger, func()) {
	s, cleanup, err := InitWithConfig(Config{Level: lvl})
	if err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}
	return s, cleanup
}

// Logger returns the process logger, initializing it at info level on first use.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		if err := apply(Config{Level: "info"}); err != nil {
			panic(fmt.Sprintf("logger initialization failed: %v", err))
		}
	})

	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func With(args ...interface{}) *zap.SugaredLogger {
	return Logger().With(args...)
}

func cleanupFunc() func() {
	mu.RLock()
	file := logFile
	mu.RUnlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()

		if base != nil {
			// stderr returns EINVAL on sync for terminals
			_ = base.Sync()
		}
		if file != nil {
			if err := file.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "error closing log file: %v\n", err)
			}
			if logFile == file {
				logFile = nil
			}
		}
	}
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLogLevel changes the level of the running logger.
func SetLogLevel(lvl string) {
	mu.Lock()
	defer mu.Unlock()

	if level == (zap.AtomicLevel{}) {
		return
	}
	parsed := parseLevel(lvl)
	level.SetLevel(parsed)
	current.Level = parsed.String()
}

// ReplaceStderrWriter swaps the console writer and returns the previous one.
func ReplaceStderrWriter(w io.Writer) io.Writer {
	if w == nil {
		w = os.Stderr
	}

	console.mu.Lock()
	defer console.mu.Unlock()

	old := console.writer
	if old == nil {
		old = os.Stderr
	}
	console.writer = w
	return old
}
