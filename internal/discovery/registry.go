package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/network"
	"microauction/internal/proto"
)

const (
	DefaultRecordTTL = 2 * time.Minute
	DefaultTopicCap  = 256
	DefaultMaxTopics = 4096
)

type RegistryOptions struct {
	TTL       time.Duration
	TopicCap  int
	MaxTopics int
}

// Registry is the bootstrap side of discovery: it keeps the records
// announced under each topic until they expire or are re-announced.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	topicCap int
	topics   *expirable.LRU[Topic, *expirable.LRU[string, PeerRecord]]
	log      *zap.SugaredLogger
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultRecordTTL
	}
	if opts.TopicCap <= 0 {
		opts.TopicCap = DefaultTopicCap
	}
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = DefaultMaxTopics
	}
	return &Registry{
		ttl:      opts.TTL,
		topicCap: opts.TopicCap,
		topics:   expirable.NewLRU[Topic, *expirable.LRU[string, PeerRecord]](opts.MaxTopics, nil, opts.TTL),
		log:      debuglog.Named("discovery"),
	}
}

func (r *Registry) Announce(topic Topic, rec PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, ok := r.topics.Get(topic)
	if !ok {
		recs = expirable.NewLRU[string, PeerRecord](r.topicCap, nil, r.ttl)
	}
	recs.Add(rec.key(), rec)
	// Re-adding refreshes the topic's own expiry.
	r.topics.Add(topic, recs)
}

// Lookup returns the live records of topic, oldest first.
func (r *Registry) Lookup(topic Topic) []PeerRecord {
	r.mu.Lock()
	recs, ok := r.topics.Get(topic)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	out := recs.Values()
	if len(out) > proto.MaxLookupPeers {
		out = out[len(out)-proto.MaxLookupPeers:]
	}
	return out
}

func (r *Registry) Topics() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics.Len()
}

// Register serves announce and lookup on srv.
func (r *Registry) Register(srv *network.Server) {
	srv.Handle(proto.MethodAnnounce, r.handleAnnounce)
	srv.Handle(proto.MethodLookup, r.handleLookup)
}

func (r *Registry) handleAnnounce(ctx context.Context, peer network.Peer, payload json.RawMessage) (any, error) {
	req, err := proto.DecodeAnnounceReq(payload)
	if err != nil {
		return nil, err
	}
	topic, err := ParseTopic(req.Topic)
	if err != nil {
		return nil, err
	}
	rec, err := recordFromMsg(req.Peer)
	if err != nil {
		return nil, err
	}
	r.Announce(topic, rec)
	debuglog.RateLimitedf("announce:"+req.Topic+req.Peer.PublicKey, time.Minute,
		"announce topic=%s key=%s addr=%s", req.Topic, req.Peer.PublicKey, rec.Addr)
	return nil, nil
}

func (r *Registry) handleLookup(ctx context.Context, peer network.Peer, payload json.RawMessage) (any, error) {
	req, err := proto.DecodeLookupReq(payload)
	if err != nil {
		return nil, err
	}
	topic, err := ParseTopic(req.Topic)
	if err != nil {
		return nil, err
	}
	recs := r.Lookup(topic)
	resp := proto.LookupResp{Response: proto.OK(), Peers: make([]proto.PeerRecordMsg, 0, len(recs))}
	for _, rec := range recs {
		resp.Peers = append(resp.Peers, recordToMsg(rec))
	}
	return resp, nil
}

func recordToMsg(rec PeerRecord) proto.PeerRecordMsg {
	msg := proto.PeerRecordMsg{
		PublicKey: crypto.PublicKeyHex(rec.PublicKey),
		Addr:      rec.Addr,
	}
	if len(rec.Payload) > 0 {
		msg.Payload = json.RawMessage(rec.Payload)
	}
	return msg
}

func recordFromMsg(msg proto.PeerRecordMsg) (PeerRecord, error) {
	pub, err := crypto.ParsePublicKeyHex(msg.PublicKey)
	if err != nil {
		return PeerRecord{}, err
	}
	rec := PeerRecord{PublicKey: pub, Addr: msg.Addr}
	if len(msg.Payload) > 0 {
		rec.Payload = []byte(msg.Payload)
	}
	return rec, nil
}
