package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"microauction/internal/debuglog"
)

const clientConnIdle = 30 * time.Second

type pooledConn struct {
	conn     *quic.Conn
	addr     string
	lastUsed time.Time
}

// clientPool caches one connection per pool key. Keys are peer key hex for
// identity-addressed requests and "addr:<host:port>" for bare dials.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
}

func newClientPool(idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
	}
}

// alive returns the pooled connection for key when it is still usable.
func (p *clientPool) alive(key string) (*quic.Conn, bool) {
	now := time.Now()
	p.mu.Lock()
	ent, ok := p.conns[key]
	if !ok {
		p.mu.Unlock()
		return nil, false
	}
	if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
		ent.lastUsed = now
		p.mu.Unlock()
		return ent.conn, true
	}
	delete(p.conns, key)
	p.mu.Unlock()
	_ = ent.conn.CloseWithError(0, "stale")
	return nil, false
}

func (p *clientPool) get(ctx context.Context, key, addr string, tlsConf *tls.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	if conn, ok := p.alive(key); ok {
		return conn, nil
	}
	debuglog.Debugf("quic dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if prev, ok := p.conns[key]; ok && prev.conn.Context().Err() == nil {
		// Lost a concurrent dial race; keep the first connection.
		prev.lastUsed = time.Now()
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return prev.conn, nil
	}
	p.conns[key] = &pooledConn{conn: conn, addr: addr, lastUsed: time.Now()}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) drop(key string, conn *quic.Conn, reason string) {
	if key == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[key]; ok && ent.conn == conn {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "client closed")
	}
}
