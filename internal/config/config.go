package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"microauction/internal/crypto"
	"microauction/internal/pprofutil"
	"microauction/internal/store"
)

const envPrefix = "AUCTION_"

// Config is resolved in order: defaults, TOML file, AUCTION_* environment,
// then command line flags.
type Config struct {
	Home             string        `toml:"home"`
	Listen           string        `toml:"listen"`
	Bootstrap        string        `toml:"bootstrap"`
	BootstrapKey     string        `toml:"bootstrap_key"`
	StoreEngine      string        `toml:"store_engine"`
	AnnounceInterval time.Duration `toml:"announce_interval"`
	RecordTTL        time.Duration `toml:"record_ttl"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	RetryBackoff     time.Duration `toml:"retry_backoff"`
	MaxConnsPerIP    int           `toml:"max_conns_per_ip"`
	MaxStreamsPerIP  int           `toml:"max_streams_per_ip"`
	RequestRate      float64       `toml:"request_rate"`
	RequestBurst     int           `toml:"request_burst"`
	MetricsAddr      string        `toml:"metrics_addr"`
	Pprof            bool          `toml:"pprof"`
	Debug            bool          `toml:"debug"`
}

func DefaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".microauction"
	}
	return filepath.Join(h, ".microauction")
}

func Default() Config {
	return Config{
		Home:             DefaultHome(),
		Listen:           "127.0.0.1:0",
		StoreEngine:      store.EngineLog,
		AnnounceInterval: 60 * time.Second,
		RecordTTL:        2 * time.Minute,
		RequestTimeout:   8 * time.Second,
		RetryBackoff:     2 * time.Second,
		MaxConnsPerIP:    16,
		MaxStreamsPerIP:  64,
		RequestRate:      50,
		RequestBurst:     100,
	}
}

func (c Config) StoreConfig() store.Config {
	return store.Config{
		Engine:        c.StoreEngine,
		Dir:           c.Home,
		GCInterval:    10 * time.Minute,
		CompactOnOpen: true,
	}
}

func (c Config) SnapshotPath() string {
	return filepath.Join(c.Home, "metrics.json")
}

func (c Config) Validate() error {
	var errs []error
	if c.Home == "" {
		errs = append(errs, errors.New("home must be set"))
	}
	switch strings.ToLower(c.StoreEngine) {
	case store.EngineLog, store.EngineBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown store engine %q", c.StoreEngine))
	}
	if c.BootstrapKey != "" {
		if _, err := crypto.ParsePublicKeyHex(c.BootstrapKey); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap_key: %w", err))
		}
	}
	for name, d := range map[string]time.Duration{
		"announce_interval": c.AnnounceInterval,
		"record_ttl":        c.RecordTTL,
		"request_timeout":   c.RequestTimeout,
		"retry_backoff":     c.RetryBackoff,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RecordTTL > 0 && c.AnnounceInterval >= c.RecordTTL {
		errs = append(errs, errors.New("announce_interval must be shorter than record_ttl"))
	}
	if c.MaxConnsPerIP < 0 || c.MaxStreamsPerIP < 0 || c.RequestRate < 0 || c.RequestBurst < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Pprof {
		if c.MetricsAddr == "" {
			errs = append(errs, errors.New("pprof needs metrics_addr"))
		} else if !pprofutil.IsLoopbackBind(c.MetricsAddr) {
			errs = append(errs, fmt.Errorf("pprof is only served on a loopback metrics_addr, got %s", c.MetricsAddr))
		}
	}
	return errors.Join(errs...)
}

// LoadFile overlays the TOML file at path onto c. A missing path is not an error.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("config %s: unknown keys %v", path, undec)
	}
	return nil
}

// ApplyEnv overlays AUCTION_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	str("HOME", &c.Home)
	str("LISTEN", &c.Listen)
	str("BOOTSTRAP", &c.Bootstrap)
	str("BOOTSTRAP_KEY", &c.BootstrapKey)
	str("STORE_ENGINE", &c.StoreEngine)
	str("METRICS_ADDR", &c.MetricsAddr)
	dur("ANNOUNCE_INTERVAL", &c.AnnounceInterval)
	dur("RECORD_TTL", &c.RecordTTL)
	dur("REQUEST_TIMEOUT", &c.RequestTimeout)
	dur("RETRY_BACKOFF", &c.RetryBackoff)
	num("MAX_CONNS_PER_IP", &c.MaxConnsPerIP)
	num("MAX_STREAMS_PER_IP", &c.MaxStreamsPerIP)
	num("REQUEST_BURST", &c.RequestBurst)
	if v, ok := lookup(envPrefix + "REQUEST_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREQUEST_RATE: %w", envPrefix, err))
		} else {
			c.RequestRate = f
		}
	}
	if v, ok := lookup(envPrefix + "PPROF"); ok {
		c.Pprof = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := lookup(envPrefix + "DEBUG"); ok {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	return errors.Join(errs...)
}

// Flags binds the command line layer. Only flags the user actually set
// override lower layers.
type Flags struct {
	fs   *flag.FlagSet
	path string
	vals Config
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()
	fs.StringVar(&f.path, "config", "", "path to a TOML config file")
	fs.StringVar(&f.vals.Home, "home", d.Home, "data directory")
	fs.StringVar(&f.vals.Listen, "listen", d.Listen, "listen addr (host:port)")
	fs.StringVar(&f.vals.Bootstrap, "bootstrap", "", "bootstrap node addr (host:port)")
	fs.StringVar(&f.vals.BootstrapKey, "bootstrap-key", "", "bootstrap node public key (hex)")
	fs.StringVar(&f.vals.StoreEngine, "store", d.StoreEngine, "store engine: log or badger")
	fs.DurationVar(&f.vals.AnnounceInterval, "announce-interval", d.AnnounceInterval, "re-announce interval")
	fs.DurationVar(&f.vals.RecordTTL, "record-ttl", d.RecordTTL, "discovery record ttl (bootstrap)")
	fs.DurationVar(&f.vals.RequestTimeout, "timeout", d.RequestTimeout, "per-attempt request timeout")
	fs.DurationVar(&f.vals.RetryBackoff, "retry-backoff", d.RetryBackoff, "backoff before the single retry")
	fs.IntVar(&f.vals.MaxConnsPerIP, "max-conns-per-ip", d.MaxConnsPerIP, "inbound connection cap per ip (0 disables)")
	fs.IntVar(&f.vals.MaxStreamsPerIP, "max-streams-per-ip", d.MaxStreamsPerIP, "concurrent stream cap per ip (0 disables)")
	fs.Float64Var(&f.vals.RequestRate, "request-rate", d.RequestRate, "requests per second per ip (0 disables)")
	fs.IntVar(&f.vals.RequestBurst, "request-burst", d.RequestBurst, "request burst per ip")
	fs.StringVar(&f.vals.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this addr")
	fs.BoolVar(&f.vals.Pprof, "pprof", false, "serve /debug/pprof next to /metrics (loopback only)")
	fs.BoolVar(&f.vals.Debug, "debug", false, "enable debug logging")
	return f
}

// Resolve runs every layer. Call it after fs.Parse.
func (f *Flags) Resolve(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(f.path); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "home":
			cfg.Home = f.vals.Home
		case "listen":
			cfg.Listen = f.vals.Listen
		case "bootstrap":
			cfg.Bootstrap = f.vals.Bootstrap
		case "bootstrap-key":
			cfg.BootstrapKey = f.vals.BootstrapKey
		case "store":
			cfg.StoreEngine = f.vals.StoreEngine
		case "announce-interval":
			cfg.AnnounceInterval = f.vals.AnnounceInterval
		case "record-ttl":
			cfg.RecordTTL = f.vals.RecordTTL
		case "timeout":
			cfg.RequestTimeout = f.vals.RequestTimeout
		case "retry-backoff":
			cfg.RetryBackoff = f.vals.RetryBackoff
		case "max-conns-per-ip":
			cfg.MaxConnsPerIP = f.vals.MaxConnsPerIP
		case "max-streams-per-ip":
			cfg.MaxStreamsPerIP = f.vals.MaxStreamsPerIP
		case "request-rate":
			cfg.RequestRate = f.vals.RequestRate
		case "request-burst":
			cfg.RequestBurst = f.vals.RequestBurst
		case "metrics-addr":
			cfg.MetricsAddr = f.vals.MetricsAddr
		case "pprof":
			cfg.Pprof = f.vals.Pprof
		case "debug":
			cfg.Debug = f.vals.Debug
		}
	})
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
