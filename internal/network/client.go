package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/node"
	"microauction/internal/proto"
)

const (
	DefaultRequestTimeout = 8 * time.Second
	DefaultRetryBackoff   = 2 * time.Second
)

// Resolver maps a peer public key to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, key ed25519.PublicKey) (string, error)
}

type ClientOptions struct {
	Timeout      time.Duration
	RetryBackoff time.Duration
}

// Client issues requests addressed by peer public key. Failed attempts that
// timed out or could not connect are retried exactly once after RetryBackoff.
type Client struct {
	id       node.Identity
	resolver Resolver
	opts     ClientOptions
	pool     *clientPool
	log      *zap.SugaredLogger

	mu    sync.RWMutex
	addrs map[string]string
}

func NewClient(id node.Identity, resolver Resolver, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Client{
		id:       id,
		resolver: resolver,
		opts:     opts,
		pool:     newClientPool(clientConnIdle),
		log:      debuglog.Named("client"),
		addrs:    make(map[string]string),
	}
}

// SetResolver replaces the resolver consulted for keys without a static
// address.
func (c *Client) SetResolver(r Resolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// AddAddr records a static address for key, consulted before the resolver.
func (c *Client) AddAddr(key ed25519.PublicKey, addr string) {
	c.mu.Lock()
	c.addrs[crypto.PublicKeyHex(key)] = addr
	c.mu.Unlock()
}

func (c *Client) lookupAddr(ctx context.Context, key ed25519.PublicKey) (string, error) {
	c.mu.RLock()
	addr, ok := c.addrs[crypto.PublicKeyHex(key)]
	resolver := c.resolver
	c.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if resolver == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, crypto.PublicKeyHex(key))
	}
	addr, err := resolver.Resolve(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownPeer, crypto.PublicKeyHex(key), err)
	}
	return addr, nil
}

// Connect ensures a live connection to key. Calling it for an already
// connected peer is a no-op.
func (c *Client) Connect(ctx context.Context, key ed25519.PublicKey) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, _, err := c.connect(ctx, key)
	return err
}

func (c *Client) connect(ctx context.Context, key ed25519.PublicKey) (*quic.Conn, string, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, "", fmt.Errorf("%w: bad key length %d", ErrUnknownPeer, len(key))
	}
	poolKey := crypto.PublicKeyHex(key)
	if conn, ok := c.pool.alive(poolKey); ok {
		return conn, poolKey, nil
	}
	addr, err := c.lookupAddr(ctx, key)
	if err != nil {
		return nil, "", err
	}
	conn, err := c.dial(ctx, poolKey, addr, key)
	return conn, poolKey, err
}

func (c *Client) dial(ctx context.Context, poolKey, addr string, pin ed25519.PublicKey) (*quic.Conn, error) {
	tlsConf, err := clientTLSConfig(c.id, pin)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.get(ctx, poolKey, addr, tlsConf)
	if err != nil {
		return nil, classify(ctxErr(ctx, err))
	}
	return conn, nil
}

// Request sends method to the peer owning key and returns the raw response
// envelope.
func (c *Client) Request(ctx context.Context, key ed25519.PublicKey, method string, payload any) ([]byte, error) {
	body, err := proto.EncodeRequest(method, payload)
	if err != nil {
		return nil, err
	}
	return c.withRetry(ctx, method, func(ctx context.Context) ([]byte, error) {
		conn, poolKey, err := c.connect(ctx, key)
		if err != nil {
			return nil, err
		}
		return c.roundTrip(ctx, poolKey, conn, body)
	})
}

// RequestAddr dials a bare address, used for bootstrap nodes. A nil pin
// accepts whatever key the remote presents.
func (c *Client) RequestAddr(ctx context.Context, addr string, pin ed25519.PublicKey, method string, payload any) ([]byte, error) {
	body, err := proto.EncodeRequest(method, payload)
	if err != nil {
		return nil, err
	}
	poolKey := addrPoolKey(addr, pin)
	return c.withRetry(ctx, method, func(ctx context.Context) ([]byte, error) {
		conn, err := c.dial(ctx, poolKey, addr, pin)
		if err != nil {
			return nil, err
		}
		return c.roundTrip(ctx, poolKey, conn, body)
	})
}

// addrPoolKey keeps connections dialed under different pins apart, so an
// unpinned connection is never reused for a pinned request.
func addrPoolKey(addr string, pin ed25519.PublicKey) string {
	if len(pin) == 0 {
		return "addr:" + addr + "/*"
	}
	return "addr:" + addr + "/" + crypto.PublicKeyHex(pin)
}

func (c *Client) roundTrip(ctx context.Context, poolKey string, conn *quic.Conn, body []byte) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(poolKey, conn, "open stream failed")
		return nil, classify(ctxErr(ctx, err))
	}
	resp, err := exchange(ctx, stream, body)
	if err != nil {
		c.pool.drop(poolKey, conn, "exchange failed")
		return nil, classify(err)
	}
	return resp, nil
}

func (c *Client) withRetry(ctx context.Context, method string, op func(context.Context) ([]byte, error)) ([]byte, error) {
	resp, err := c.attempt(ctx, op)
	if err == nil || !retryable(err) || ctx.Err() != nil {
		return resp, err
	}
	c.log.Infow("request failed, retrying once", "method", method, "backoff", c.opts.RetryBackoff, "err", err)
	t := time.NewTimer(c.opts.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, err
	case <-t.C:
	}
	resp, err = c.attempt(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("%s after retry: %w", method, err)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, op func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return op(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.opts.Timeout)
}

func (c *Client) Close() error {
	c.pool.closeAll()
	return nil
}

// IsTransport reports whether err is a transport failure rather than a
// remote failure envelope.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrTransportConnect) || errors.Is(err, ErrUnknownPeer)
}
