package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auction"

type CloseEvent struct {
	ID     string    `json:"id"`
	Winner string    `json:"winner,omitempty"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Requests     map[string]uint64 `json:"requests_by_method"`
	Failures     map[string]uint64 `json:"failures_by_code"`
	Opened       uint64            `json:"auctions_opened"`
	Closed       uint64            `json:"auctions_closed"`
	BidsAccepted uint64            `json:"bids_accepted"`
	BidsRejected uint64            `json:"bids_rejected"`
	CurrentConns int64             `json:"current_conns"`
	Recent       []CloseEvent      `json:"recent_closes"`
}

// Metrics exports prometheus collectors on its own registry and mirrors
// the headline numbers for the JSON snapshot file.
type Metrics struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	bids     *prometheus.CounterVec
	opened   prometheus.Counter
	closed   prometheus.Counter
	conns    prometheus.Gauge

	mu           sync.Mutex
	byMethod     map[string]uint64
	byCode       map[string]uint64
	nOpened      atomic.Uint64
	nClosed      atomic.Uint64
	bidsAccepted atomic.Uint64
	bidsRejected atomic.Uint64
	nConns       atomic.Int64
	recent       *Recent
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC requests handled, by method and result.",
		}, []string{"method", "result"}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_total",
			Help:      "Bids received, by result.",
		}, []string{"result"}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_opened_total",
			Help:      "Auctions opened.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_closed_total",
			Help:      "Auctions closed.",
		}),
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_connections",
			Help:      "Live inbound transport connections.",
		}),
		byMethod: make(map[string]uint64),
		byCode:   make(map[string]uint64),
		recent:   NewRecent(32),
	}
	m.reg.MustRegister(
		m.requests, m.bids, m.opened, m.closed, m.conns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RequestHandled counts one RPC. result is "ok" or a failure code.
func (m *Metrics) RequestHandled(method, result string) {
	m.requests.WithLabelValues(method, result).Inc()
	m.mu.Lock()
	m.byMethod[method]++
	if result != "ok" {
		m.byCode[result]++
	}
	m.mu.Unlock()
}

func (m *Metrics) ConnectionsChanged(n int) {
	m.conns.Set(float64(n))
	m.nConns.Store(int64(n))
}

func (m *Metrics) AuctionOpened() {
	m.opened.Inc()
	m.nOpened.Add(1)
}

func (m *Metrics) AuctionClosed(ev CloseEvent) {
	m.closed.Inc()
	m.nClosed.Add(1)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.recent.Add(ev)
}

func (m *Metrics) BidPlaced(accepted bool) {
	if accepted {
		m.bids.WithLabelValues("accepted").Inc()
		m.bidsAccepted.Add(1)
		return
	}
	m.bids.WithLabelValues("rejected").Inc()
	m.bidsRejected.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byMethod := make(map[string]uint64, len(m.byMethod))
	for k, v := range m.byMethod {
		byMethod[k] = v
	}
	byCode := make(map[string]uint64, len(m.byCode))
	for k, v := range m.byCode {
		byCode[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt:  time.Now().UTC(),
		Requests:     byMethod,
		Failures:     byCode,
		Opened:       m.nOpened.Load(),
		Closed:       m.nClosed.Load(),
		BidsAccepted: m.bidsAccepted.Load(),
		BidsRejected: m.bidsRejected.Load(),
		CurrentConns: m.nConns.Load(),
		Recent:       m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Recent is a fixed-size ring of the latest close events.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []CloseEvent
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 32
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(ev CloseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *Recent) List() []CloseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CloseEvent, len(r.list))
	copy(out, r.list)
	return out
}
