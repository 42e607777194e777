package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logger struct {
	mu    sync.RWMutex
	base  *zap.Logger
	level zap.AtomicLevel
}

var (
	global  = newLogger()
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func newLogger() *logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if enabled() {
		level.SetLevel(zapcore.DebugLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	base, err := cfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	return &logger{base: base, level: level}
}

func enabled() bool {
	return os.Getenv("AUCTION_DEBUG") == "1"
}

// SetDebug toggles debug output for every logger handed out by Named.
func SetDebug(on bool) {
	if on {
		global.level.SetLevel(zapcore.DebugLevel)
		return
	}
	global.level.SetLevel(zapcore.InfoLevel)
}

func DebugEnabled() bool {
	return global.level.Enabled(zapcore.DebugLevel)
}

// SetLogger replaces the process logger. Tests pass zap.NewNop() or a zaptest logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	global.mu.Lock()
	global.base = l
	global.mu.Unlock()
}

// Logger returns the current process logger.
func Logger() *zap.Logger {
	return base()
}

func base() *zap.Logger {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.base
}

func Named(component string) *zap.SugaredLogger {
	return base().Named(component).Sugar()
}

func Sync() {
	_ = base().Sync()
}

func Logf(format string, args ...any) {
	base().Sugar().Infof(format, args...)
}

func Debugf(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	base().Sugar().Debugf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !DebugEnabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	base().Sugar().Debugf(format, args...)
}
