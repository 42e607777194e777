package network

import (
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

type ConnInfo struct {
	Remote  string
	PeerKey string
	Since   time.Time
}

// ConnRegistry tracks live inbound connections. It is observational only and
// never gates request handling.
type ConnRegistry struct {
	mu      sync.Mutex
	conns   map[*quic.Conn]ConnInfo
	onCount func(int)
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[*quic.Conn]ConnInfo)}
}

// OnChange registers fn to receive the live count after every add or remove.
func (r *ConnRegistry) OnChange(fn func(int)) {
	r.mu.Lock()
	r.onCount = fn
	r.mu.Unlock()
}

func (r *ConnRegistry) Add(conn *quic.Conn, info ConnInfo) {
	r.mu.Lock()
	r.conns[conn] = info
	n := len(r.conns)
	cb := r.onCount
	r.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func (r *ConnRegistry) Remove(conn *quic.Conn) {
	r.mu.Lock()
	_, ok := r.conns[conn]
	delete(r.conns, conn)
	n := len(r.conns)
	cb := r.onCount
	r.mu.Unlock()
	if ok && cb != nil {
		cb(n)
	}
}

func (r *ConnRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// List returns a snapshot ordered by connection time.
func (r *ConnRegistry) List() []ConnInfo {
	r.mu.Lock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, info := range r.conns {
		out = append(out, info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (r *ConnRegistry) snapshot() []*quic.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*quic.Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}
