package daemon

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"microauction/internal/auction"
	"microauction/internal/config"
	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/discovery"
	"microauction/internal/metrics"
	"microauction/internal/network"
	"microauction/internal/node"
	"microauction/internal/pprofutil"
	"microauction/internal/proto"
	"microauction/internal/store"
)

type Role string

const (
	// RoleAuctioneer serves the auction methods. Without a configured
	// bootstrap node it also serves the discovery registry itself.
	RoleAuctioneer Role = "auctioneer"
	// RoleBootstrap serves only the discovery registry.
	RoleBootstrap Role = "bootstrap"
)

const snapshotInterval = 5 * time.Second

type Options struct {
	Role    Role
	Metrics *metrics.Metrics
	// OwnsStore makes Stop close the store. fx wiring leaves it false and
	// closes the store from its own hook.
	OwnsStore bool
}

// Runner owns a node's long-lived parts and their start/stop order.
type Runner struct {
	Cfg       config.Config
	Role      Role
	Store     store.Store
	Self      *node.Node
	Metrics   *metrics.Metrics
	Service   *auction.Service
	Server    *network.Server
	Client    *network.Client
	Discovery *discovery.Client
	Registry  *discovery.Registry
	Announcer *discovery.Announcer

	ownsStore bool
	notify    *notifyQueue
	log       *zap.SugaredLogger

	mu         sync.Mutex
	cancel     context.CancelFunc
	group      *errgroup.Group
	metricsSrv *http.Server
	metricsLn  net.Listener
	stopped    bool
}

func NewRunner(cfg config.Config, st store.Store, opts Options) (*Runner, error) {
	if st == nil {
		return nil, errors.New("missing store")
	}
	if opts.Role == "" {
		opts.Role = RoleAuctioneer
	}
	self, err := node.NewNode(st)
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	r := &Runner{
		Cfg:       cfg,
		Role:      opts.Role,
		Store:     st,
		Self:      self,
		Metrics:   m,
		ownsStore: opts.OwnsStore,
		log:       debuglog.Named("daemon"),
	}
	r.Server = network.NewServer(self.RPC, network.ServerOptions{
		MaxConnsPerIP:   cfg.MaxConnsPerIP,
		MaxStreamsPerIP: cfg.MaxStreamsPerIP,
		RequestRate:     cfg.RequestRate,
		RequestBurst:    cfg.RequestBurst,
		ErrorCode:       errorCode,
		Observer:        m,
	})
	if opts.Role == RoleBootstrap || cfg.Bootstrap == "" {
		r.Registry = discovery.NewRegistry(discovery.RegistryOptions{TTL: cfg.RecordTTL})
		r.Registry.Register(r.Server)
	}
	if opts.Role == RoleAuctioneer {
		r.Client = network.NewClient(self.DHT, nil, network.ClientOptions{
			Timeout:      cfg.RequestTimeout,
			RetryBackoff: cfg.RetryBackoff,
		})
		r.notify = newNotifyQueue(r.publish, notifyTimeout, notifyQueueSize)
		r.Service = auction.NewService(st, auction.Options{Notifier: r.notify})
		registerAuctionMethods(r.Server, r.Service, m)
	}
	return r, nil
}

// Start binds the listener and, for an auctioneer, begins announcing. It
// returns once the node is reachable.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = g
	r.mu.Unlock()

	ready := make(chan struct{})
	g.Go(func() error { return r.Server.ListenAndServe(gctx, r.Cfg.Listen, ready) })
	select {
	case <-ready:
	case <-gctx.Done():
		cancel()
		err := g.Wait()
		if err == nil {
			err = errors.New("listener exited before ready")
		}
		return err
	case <-ctx.Done():
		cancel()
		_ = g.Wait()
		return ctx.Err()
	}

	addr := r.Server.Addr().String()
	r.log.Infow("node ready", "role", r.Role, "addr", addr, "rpc_key", r.Self.RPC.PublicKeyHex())
	if r.Role == RoleAuctioneer {
		r.startAuctioneer(addr)
	}
	if r.Cfg.MetricsAddr != "" {
		if err := r.startMetrics(g); err != nil {
			return err
		}
	}
	g.Go(func() error {
		r.snapshotLoop(gctx)
		return nil
	})
	return nil
}

func (r *Runner) startAuctioneer(addr string) {
	bootstrap := r.Cfg.Bootstrap
	var pin ed25519.PublicKey
	if bootstrap == "" {
		bootstrap = addr
		pin = r.Self.RPC.Public
	} else if r.Cfg.BootstrapKey != "" {
		pin, _ = crypto.ParsePublicKeyHex(r.Cfg.BootstrapKey)
	}
	self := discovery.PeerRecord{PublicKey: r.Self.RPC.Public, Addr: addr}
	disc := discovery.NewClient(r.Client, discovery.ClientOptions{
		Bootstrap:    bootstrap,
		BootstrapKey: pin,
		Self:         self,
	})
	r.Client.SetResolver(disc)
	r.mu.Lock()
	r.Discovery = disc
	r.mu.Unlock()

	hint, _ := json.Marshal(map[string]string{"node": r.Self.DHT.PublicKeyHex()})
	server := self
	server.Payload = hint
	r.Announcer = discovery.NewAnnouncer(disc, r.Cfg.AnnounceInterval,
		discovery.Entry{Topic: discovery.TopicFor(proto.TopicRPCServer), Record: server},
		discovery.Entry{Topic: discovery.PeerTopic(r.Self.RPC.Public), Record: self},
	)
	r.Announcer.Start()
	r.notify.start()
}

// publish forwards a new-auction hint to discovery once the node is listening.
func (r *Runner) publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	d := r.Discovery
	r.mu.Unlock()
	if d == nil {
		return discovery.ErrNoBootstrap
	}
	return d.Notify(ctx, topic, payload)
}

func (r *Runner) startMetrics(g *errgroup.Group) error {
	ln, err := net.Listen("tcp", r.Cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Metrics.Handler())
	if r.Cfg.Pprof {
		pprofutil.Register(mux)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.mu.Lock()
	r.metricsSrv = srv
	r.metricsLn = ln
	r.mu.Unlock()
	r.log.Infow("metrics listening", "addr", ln.Addr().String())
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	path := r.Cfg.SnapshotPath()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = r.Metrics.WriteSnapshot(path)
			return
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(path); err != nil {
				debuglog.RateLimitedf("snapshot", time.Minute, "write snapshot: %v", err)
			}
		}
	}
}

// Stop tears down in order: announcer, pending notifications, transport,
// auxiliary loops, then the store when owned. In-flight requests finish
// before the transport closes.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel, g, msrv := r.cancel, r.group, r.metricsSrv
	r.mu.Unlock()

	var err error
	if r.Announcer != nil {
		r.Announcer.Stop()
	}
	if r.notify != nil {
		r.notify.close()
	}
	err = multierr.Append(err, r.Server.Close())
	if msrv != nil {
		err = multierr.Append(err, msrv.Shutdown(ctx))
	}
	if cancel != nil {
		cancel()
		err = multierr.Append(err, g.Wait())
	}
	if r.Client != nil {
		err = multierr.Append(err, r.Client.Close())
	}
	if r.ownsStore {
		err = multierr.Append(err, r.Store.Close())
	}
	r.log.Infow("node stopped")
	return err
}

// Run starts the node and blocks until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return multierr.Append(err, r.Stop(context.Background()))
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Stop(stopCtx)
}

// Addr reports the bound listen address, or "" before Start.
func (r *Runner) Addr() string {
	if a := r.Server.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// MetricsAddr reports the bound metrics address, or "" when disabled.
func (r *Runner) MetricsAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metricsLn == nil {
		return ""
	}
	return r.metricsLn.Addr().String()
}
