// Package client is the caller side of the auction RPC surface: typed calls
// against one auctioneer and discovery of auctioneers and new auctions.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"microauction/internal/debuglog"
	"microauction/internal/discovery"
	"microauction/internal/network"
	"microauction/internal/node"
	"microauction/internal/proto"
)

type Options struct {
	Bootstrap    string
	BootstrapKey ed25519.PublicKey
	network.ClientOptions
	PollInterval time.Duration
}

// Target names an auctioneer. With Addr set the call goes straight to it and
// Key only pins the TLS peer; otherwise Key is resolved through discovery.
type Target struct {
	Key  ed25519.PublicKey
	Addr string
}

type Client struct {
	net  *network.Client
	disc *discovery.Client
	log  *zap.SugaredLogger
}

func New(id node.Identity, opts Options) *Client {
	nc := network.NewClient(id, nil, opts.ClientOptions)
	dc := discovery.NewClient(nc, discovery.ClientOptions{
		Bootstrap:    opts.Bootstrap,
		BootstrapKey: opts.BootstrapKey,
		Self:         discovery.PeerRecord{PublicKey: id.Public},
		PollInterval: opts.PollInterval,
	})
	nc.SetResolver(dc)
	return &Client{net: nc, disc: dc, log: debuglog.Named("auction-client")}
}

func (c *Client) Close() error {
	return c.net.Close()
}

func (c *Client) call(ctx context.Context, t Target, method string, payload any, out any) error {
	var (
		raw []byte
		err error
	)
	switch {
	case t.Addr != "":
		raw, err = c.net.RequestAddr(ctx, t.Addr, t.Key, method, payload)
	case len(t.Key) == ed25519.PublicKeySize:
		raw, err = c.net.Request(ctx, t.Key, method, payload)
	default:
		return errors.New("target needs an address or a public key")
	}
	if err != nil {
		return err
	}
	hdr, err := proto.DecodeResponse(raw, out)
	if err != nil {
		return err
	}
	return hdr.Err()
}

// OpenAuction creates an auction under a fresh id and returns the id.
func (c *Client) OpenAuction(ctx context.Context, t Target, description string, priceInit float64) (string, error) {
	id := uuid.NewString()
	err := c.call(ctx, t, proto.MethodOpenAuction, proto.OpenAuctionReq{
		ID:          id,
		Description: description,
		PriceInit:   &priceInit,
	}, nil)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) PlaceBid(ctx context.Context, t Target, id, bidder string, amount float64) error {
	return c.call(ctx, t, proto.MethodPlaceBid, proto.PlaceBidReq{ID: id, Bidder: bidder, Amount: &amount}, nil)
}

type CloseResult struct {
	Winner string
	Amount float64
}

func (c *Client) CloseAuction(ctx context.Context, t Target, id string) (CloseResult, error) {
	var resp proto.CloseAuctionResp
	if err := c.call(ctx, t, proto.MethodCloseAuction, proto.AuctionIDReq{ID: id}, &resp); err != nil {
		return CloseResult{}, err
	}
	return CloseResult{Winner: resp.Winner, Amount: resp.Amount}, nil
}

func (c *Client) ListOpen(ctx context.Context, t Target) ([]proto.AuctionEntry, error) {
	var resp proto.OpenAuctionsResp
	if err := c.call(ctx, t, proto.MethodGetOpenAuctions, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Auctions, nil
}

func (c *Client) GetAuction(ctx context.Context, t Target, id string) (proto.Auction, error) {
	var resp proto.GetAuctionResp
	if err := c.call(ctx, t, proto.MethodGetAuction, proto.AuctionIDReq{ID: id}, &resp); err != nil {
		return proto.Auction{}, err
	}
	if resp.Auction == nil {
		return proto.Auction{}, errors.New("empty auction in response")
	}
	return resp.Auction.Data, nil
}

// FindAuctioneers streams auctioneers as they announce themselves. The
// channel closes when ctx ends.
func (c *Client) FindAuctioneers(ctx context.Context) <-chan Target {
	out := make(chan Target)
	recs := c.disc.Lookup(ctx, discovery.TopicFor(proto.TopicRPCServer))
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for rec := range recs {
			k := string(rec.PublicKey)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			select {
			case out <- Target{Key: rec.PublicKey, Addr: rec.Addr}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Notification is a new-auction hint together with the auctioneer that
// published it.
type Notification struct {
	proto.AuctionNotification
	Auctioneer Target
}

// WatchAuctions streams new-auction hints until ctx ends. Undecodable hints
// are skipped.
func (c *Client) WatchAuctions(ctx context.Context) <-chan Notification {
	out := make(chan Notification)
	recs := c.disc.Lookup(ctx, discovery.TopicFor(proto.TopicNewAuction))
	go func() {
		defer close(out)
		for rec := range recs {
			var n proto.AuctionNotification
			if err := json.Unmarshal(rec.Payload, &n); err != nil || !proto.ValidAuctionID(n.ID) {
				c.log.Debugw("skip notification", "from", rec.PublicKey, "err", err)
				continue
			}
			select {
			case out <- Notification{AuctionNotification: n, Auctioneer: Target{Key: rec.PublicKey, Addr: rec.Addr}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SortByHighestBid orders entries by current price, highest first, breaking
// ties by id.
func SortByHighestBid(entries []proto.AuctionEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Data.CurrentPrice(), entries[j].Data.CurrentPrice()
		if pi != pj {
			return pi > pj
		}
		return entries[i].ID < entries[j].ID
	})
}

// ListAll queries every target and merges the results. A failing auctioneer
// does not hide the others; its error is combined into the returned error.
func (c *Client) ListAll(ctx context.Context, targets []Target) ([]proto.AuctionEntry, error) {
	var (
		all  []proto.AuctionEntry
		errs error
	)
	for _, t := range targets {
		list, err := c.ListOpen(ctx, t)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		all = append(all, list...)
	}
	SortByHighestBid(all)
	return all, errs
}
