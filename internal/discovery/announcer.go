package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"microauction/internal/debuglog"
)

const (
	DefaultAnnounceInterval = 60 * time.Second
	announceTimeout         = 10 * time.Second
)

type announcerClient interface {
	Announce(ctx context.Context, topic Topic, rec PeerRecord) error
}

type Entry struct {
	Topic  Topic
	Record PeerRecord
}

// Announcer re-announces a fixed set of entries on an interval, starting
// immediately, until Stop.
type Announcer struct {
	client   announcerClient
	entries  []Entry
	interval time.Duration
	log      *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	rounds  int
	lastErr error
}

func NewAnnouncer(client announcerClient, interval time.Duration, entries ...Entry) *Announcer {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	return &Announcer{
		client:   client,
		entries:  entries,
		interval: interval,
		log:      debuglog.Named("announcer"),
	}
}

func (a *Announcer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.refreshLoop(ctx)
	a.log.Infow("announcer started", "entries", len(a.entries), "interval", a.interval)
}

func (a *Announcer) refreshLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.announceAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announceAll(ctx)
		}
	}
}

func (a *Announcer) announceAll(ctx context.Context) {
	var firstErr error
	for _, e := range a.entries {
		actx, cancel := context.WithTimeout(ctx, announceTimeout)
		err := a.client.Announce(actx, e.Topic, e.Record)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			debuglog.RateLimitedf("announce:"+e.Topic.String(), 5*time.Minute, "announce %s failed: %v", e.Topic, err)
		}
	}
	a.mu.Lock()
	a.rounds++
	a.lastErr = firstErr
	a.mu.Unlock()
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once.
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	a.log.Infow("announcer stopped")
}

// Rounds reports completed announce rounds and the first error of the last one.
func (a *Announcer) Rounds() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rounds, a.lastErr
}
