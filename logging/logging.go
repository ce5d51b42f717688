// Package logging provides the process-wide logging sink used by every other
// package in this module. The call shape (Infof/Warningf/Errorf/Flush)
// mirrors the teacher's glog wrapper so call sites read the same way; the
// backing implementation is go.uber.org/zap's SugaredLogger.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	sug = newDefault()
)

func newDefault() *zap.SugaredLogger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}

// Level controls verbosity. It mirrors the CLI's --verbose/--trace/--errors flags.
type Level int

const (
	LevelErrors Level = iota
	LevelDefault
	LevelVerbose
	LevelTrace
)

// Init (re)configures the logger according to the CLI flags described in
// spec.md §6: --errors, --verbose, --trace, --logdir=DIR.
func Init(level Level, logDir string) error {
	cfg := zap.NewProductionConfig()
	switch level {
	case LevelErrors:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	case LevelVerbose:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case LevelTrace:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		cfg.OutputPaths = []string{logDir + "/pacsnode.log", "stderr"}
		cfg.ErrorOutputPaths = []string{logDir + "/pacsnode.log", "stderr"}
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	sug = l.Sugar()
	mu.Unlock()
	return nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sug
}

func Infof(format string, args ...interface{})    { get().Infof(format, args...) }
func Warningf(format string, args ...interface{}) { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{})   { get().Errorf(format, args...) }
func Tracef(format string, args ...interface{})   { get().Debugf(format, args...) }

// Flush syncs the underlying logger. Deferred by cmd/pacsnode's main,
// mirroring the teacher's `defer glog.Flush()` in ais/daemon.go Run(); exits
// through os.Exit skip it.
func Flush() {
	_ = get().Sync()
}
