package discovery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/proto"
)

const DefaultPollInterval = 2 * time.Second

// Requester is the slice of the transport client discovery needs.
type Requester interface {
	RequestAddr(ctx context.Context, addr string, pin ed25519.PublicKey, method string, payload any) ([]byte, error)
}

type ClientOptions struct {
	// Bootstrap is the address of the registry node; BootstrapKey pins its
	// RPC key when set.
	Bootstrap    string
	BootstrapKey ed25519.PublicKey
	// Self is the record used by Notify.
	Self         PeerRecord
	PollInterval time.Duration
}

type Client struct {
	req  Requester
	opts ClientOptions
	log  *zap.SugaredLogger
}

var ErrNoBootstrap = errors.New("no bootstrap node configured")

func NewClient(req Requester, opts ClientOptions) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Client{req: req, opts: opts, log: debuglog.Named("discovery")}
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	if c.opts.Bootstrap == "" {
		return ErrNoBootstrap
	}
	raw, err := c.req.RequestAddr(ctx, c.opts.Bootstrap, c.opts.BootstrapKey, method, payload)
	if err != nil {
		return err
	}
	hdr, err := proto.DecodeResponse(raw, out)
	if err != nil {
		return err
	}
	return hdr.Err()
}

// Announce advertises rec under topic. Records expire on the registry unless
// re-announced; see Announcer.
func (c *Client) Announce(ctx context.Context, topic Topic, rec PeerRecord) error {
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: announce payload must be json", proto.ErrMalformedPayload)
	}
	return c.call(ctx, proto.MethodAnnounce, proto.AnnounceReq{
		Topic: topic.String(),
		Peer:  recordToMsg(rec),
	}, nil)
}

func (c *Client) lookupOnce(ctx context.Context, topic Topic) ([]PeerRecord, error) {
	var resp proto.LookupResp
	if err := c.call(ctx, proto.MethodLookup, proto.LookupReq{Topic: topic.String()}, &resp); err != nil {
		return nil, err
	}
	out := make([]PeerRecord, 0, len(resp.Peers))
	for _, msg := range resp.Peers {
		rec, err := recordFromMsg(msg)
		if err != nil {
			c.log.Debugw("skip bad record", "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Lookup streams records announced under topic until ctx ends, at which
// point the channel is closed. Each (key, payload) pair is delivered once.
// Delivery is best effort.
func (c *Client) Lookup(ctx context.Context, topic Topic) <-chan PeerRecord {
	out := make(chan PeerRecord)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		t := time.NewTicker(c.opts.PollInterval)
		defer t.Stop()
		for {
			recs, err := c.lookupOnce(ctx, topic)
			if err != nil && ctx.Err() == nil {
				debuglog.RateLimitedf("lookup:"+topic.String(), time.Minute, "lookup %s failed: %v", topic, err)
			}
			for _, rec := range recs {
				k := rec.key()
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return out
}

// Resolve finds the address key announced under its peer topic.
func (c *Client) Resolve(ctx context.Context, key ed25519.PublicKey) (string, error) {
	recs, err := c.lookupOnce(ctx, PeerTopic(key))
	if err != nil {
		return "", err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if bytes.Equal(recs[i].PublicKey, key) && recs[i].Addr != "" {
			return recs[i].Addr, nil
		}
	}
	return "", fmt.Errorf("no record for %s", crypto.PublicKeyHex(key))
}

// Notify publishes payload under the named topic as a one-shot hint.
func (c *Client) Notify(ctx context.Context, topic string, payload []byte) error {
	rec := c.opts.Self
	rec.Payload = payload
	return c.Announce(ctx, TopicFor(topic), rec)
}
