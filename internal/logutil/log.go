// Package logutil provides the process-wide structured logger. The original
// tavern tree wires a contrib/log facade that is not present in this
// retrieval, so this Helper is built directly on the teacher's declared
// zap + lumberjack dependencies, shaped after the printf-style Infof/Warnf/
// Errorf helpers call sites across the teacher's middleware expect.
package logutil

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	current *zap.SugaredLogger
)

// Options configures the global logger sink.
type Options struct {
	Level       string // debug, info, warn, error
	Filename    string // empty means stderr only
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
	Development bool
}

// Init builds and installs the global logger from opts. Safe to call again
// later to pick up a reloaded configuration.
func Init(opts Options) error {
	level := zap.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return fmt.Errorf("logutil: bad level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Development {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	writers := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if opts.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.Filename,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, zapcore.AddSync(rotator))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	logger := zap.New(core, zap.AddCaller())

	mu.Lock()
	current = logger.Sugar()
	mu.Unlock()
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Helper wraps a *zap.SugaredLogger with the printf-style surface the rest
// of this tree calls into, and a With() for per-request field binding.
type Helper struct {
	l *zap.SugaredLogger
}

// NewHelper wraps the given sugared logger, or the global one if nil.
func NewHelper(l *zap.SugaredLogger) *Helper {
	if l == nil {
		l = GetLogger()
	}
	return &Helper{l: l}
}

// GetLogger returns the current global logger, lazily installing a
// stderr-only default if Init was never called.
func GetLogger() *zap.SugaredLogger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Options{Level: "info"})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func (h *Helper) With(kv ...any) *Helper {
	return &Helper{l: h.l.With(kv...)}
}

func (h *Helper) Debugf(format string, args ...any) { h.l.Debugf(format, args...) }
func (h *Helper) Infof(format string, args ...any)  { h.l.Infof(format, args...) }
func (h *Helper) Warnf(format string, args ...any)  { h.l.Warnf(format, args...) }
func (h *Helper) Errorf(format string, args ...any) { h.l.Errorf(format, args...) }
func (h *Helper) Fatalf(format string, args ...any) { h.l.Fatalf(format, args...) }
