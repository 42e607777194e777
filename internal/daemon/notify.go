package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"microauction/internal/debuglog"
)

const (
	notifyTimeout   = 3 * time.Second
	notifyQueueSize = 64
)

var errNotifyQueueFull = errors.New("notification queue full")

type notification struct {
	topic   string
	payload []byte
}

type publishFunc func(ctx context.Context, topic string, payload []byte) error

// notifyQueue takes new-auction hints off the request path. Hints are
// published one at a time, each under its own timeout; a full queue or a
// closed queue drops the hint.
type notifyQueue struct {
	publish publishFunc
	timeout time.Duration
	ch      chan notification
	log     *zap.SugaredLogger

	mu      sync.Mutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func newNotifyQueue(publish publishFunc, timeout time.Duration, size int) *notifyQueue {
	if timeout <= 0 {
		timeout = notifyTimeout
	}
	if size <= 0 {
		size = notifyQueueSize
	}
	return &notifyQueue{
		publish: publish,
		timeout: timeout,
		ch:      make(chan notification, size),
		log:     debuglog.Named("notify"),
	}
}

// Notify enqueues and returns at once; ctx is the caller's and is not used
// for publishing.
func (q *notifyQueue) Notify(_ context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("notification queue closed")
	}
	select {
	case q.ch <- notification{topic: topic, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return errNotifyQueueFull
	}
}

func (q *notifyQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.loop()
}

func (q *notifyQueue) loop() {
	defer q.wg.Done()
	for n := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.publish(ctx, n.topic, n.payload); err != nil {
			q.log.Warnw("publish notification failed", "topic", n.topic, "err", err)
		}
		cancel()
	}
}

// close stops accepting hints and waits until queued ones are published or
// have timed out.
func (q *notifyQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	started := q.started
	q.mu.Unlock()
	if started {
		q.wg.Wait()
	}
}
