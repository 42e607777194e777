package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, 60*time.Second, c.AnnounceInterval)
	require.Equal(t, 8*time.Second, c.RequestTimeout)
	require.Equal(t, 2*time.Second, c.RetryBackoff)
}

func TestLayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
home = "`+dir+`"
listen = "127.0.0.1:4000"
store_engine = "badger"
announce_interval = "30s"
request_rate = 5.0
`), 0600))

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--listen", "127.0.0.1:5000"}))

	cfg, err := f.Resolve(envMap(map[string]string{
		"AUCTION_LISTEN":        "127.0.0.1:4500",
		"AUCTION_RETRY_BACKOFF": "3s",
		"AUCTION_DEBUG":         "1",
	}))
	require.NoError(t, err)
	require.Equal(t, dir, cfg.Home)
	require.Equal(t, "127.0.0.1:5000", cfg.Listen)
	require.Equal(t, "badger", cfg.StoreEngine)
	require.Equal(t, 30*time.Second, cfg.AnnounceInterval)
	require.Equal(t, 3*time.Second, cfg.RetryBackoff)
	require.Equal(t, 5.0, cfg.RequestRate)
	require.True(t, cfg.Debug)
	require.Equal(t, filepath.Join(dir, "metrics.json"), cfg.SnapshotPath())
	require.Equal(t, dir, cfg.StoreConfig().Dir)
}

func TestMissingConfigFileIgnored(t *testing.T) {
	c := Default()
	require.NoError(t, c.LoadFile(filepath.Join(t.TempDir(), "absent.toml")))
}

func TestUnknownTOMLKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("lisen = \"x\"\n"), 0600))
	c := Default()
	require.Error(t, c.LoadFile(path))
}

func TestBadEnvValues(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(envMap(map[string]string{
		"AUCTION_REQUEST_TIMEOUT": "soon",
		"AUCTION_REQUEST_BURST":   "lots",
	}))
	require.Error(t, err)
	require.ErrorContains(t, err, "AUCTION_REQUEST_TIMEOUT")
	require.ErrorContains(t, err, "AUCTION_REQUEST_BURST")
}

func TestValidate(t *testing.T) {
	c := Default()
	c.StoreEngine = "sqlite"
	require.Error(t, c.Validate())

	c = Default()
	c.BootstrapKey = "zz"
	require.Error(t, c.Validate())

	c = Default()
	c.AnnounceInterval = 5 * time.Minute
	require.ErrorContains(t, c.Validate(), "record_ttl")

	c = Default()
	c.RequestRate = -1
	require.Error(t, c.Validate())
}

func TestPprofNeedsLoopbackMetrics(t *testing.T) {
	c := Default()
	c.Pprof = true
	require.ErrorContains(t, c.Validate(), "pprof needs metrics_addr")

	c.MetricsAddr = "0.0.0.0:9100"
	require.ErrorContains(t, c.Validate(), "loopback")

	c.MetricsAddr = "127.0.0.1:9100"
	require.NoError(t, c.Validate())

	require.NoError(t, c.ApplyEnv(envMap(map[string]string{"AUCTION_PPROF": "0"})))
	require.False(t, c.Pprof)
}
