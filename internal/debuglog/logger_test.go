package debuglog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func useObserved(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	t.Cleanup(func() {
		SetLogger(prev)
		SetDebug(false)
	})
	return logs
}

func TestDebugfHonoursLevel(t *testing.T) {
	logs := useObserved(t)
	SetDebug(false)
	Debugf("hidden %d", 1)
	require.Equal(t, 0, logs.Len())

	SetDebug(true)
	require.True(t, DebugEnabled())
	Debugf("shown %d", 2)
	require.Equal(t, 1, logs.FilterMessage("shown 2").Len())
}

func TestRateLimitedf(t *testing.T) {
	logs := useObserved(t)
	SetDebug(true)
	for i := 0; i < 5; i++ {
		RateLimitedf("k", time.Hour, "burst")
	}
	require.Equal(t, 1, logs.FilterMessage("burst").Len())
	RateLimitedf("", time.Hour, "no key")
	require.Equal(t, 0, logs.FilterMessage("no key").Len())
}

func TestNamedCarriesComponent(t *testing.T) {
	logs := useObserved(t)
	Named("store").Infow("opened", "path", "x")
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "store", entries[0].LoggerName)
	require.Equal(t, "x", entries[0].ContextMap()["path"])
}
