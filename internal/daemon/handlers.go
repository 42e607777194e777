package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"microauction/internal/auction"
	"microauction/internal/metrics"
	"microauction/internal/network"
	"microauction/internal/proto"
)

// handlers adapts the auction service onto the RPC method table. Payloads
// are validated here so the service only sees well-formed requests.
type handlers struct {
	svc     *auction.Service
	metrics *metrics.Metrics
}

func registerAuctionMethods(srv *network.Server, svc *auction.Service, m *metrics.Metrics) {
	h := &handlers{svc: svc, metrics: m}
	srv.Handle(proto.MethodOpenAuction, h.openAuction)
	srv.Handle(proto.MethodPlaceBid, h.placeBid)
	srv.Handle(proto.MethodCloseAuction, h.closeAuction)
	srv.Handle(proto.MethodGetOpenAuctions, h.getOpenAuctions)
	srv.Handle(proto.MethodGetAuction, h.getAuction)
}

// errorCode maps service errors onto envelope codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, auction.ErrDuplicateID):
		return proto.CodeDuplicateID
	case errors.Is(err, auction.ErrAuctionNotFound):
		return proto.CodeNotFound
	case errors.Is(err, auction.ErrBidTooLow):
		return proto.CodeBidTooLow
	case errors.Is(err, proto.ErrMalformedPayload):
		return proto.CodeMalformedPayload
	default:
		return ""
	}
}

func (h *handlers) openAuction(ctx context.Context, _ network.Peer, payload json.RawMessage) (any, error) {
	req, err := proto.DecodeOpenAuctionReq(payload)
	if err != nil {
		return nil, err
	}
	err = h.svc.Open(ctx, auction.OpenRequest{
		ID:          req.ID,
		Description: req.Description,
		PriceInit:   *req.PriceInit,
	})
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.AuctionOpened()
	}
	return proto.OK(), nil
}

func (h *handlers) placeBid(ctx context.Context, _ network.Peer, payload json.RawMessage) (any, error) {
	req, err := proto.DecodePlaceBidReq(payload)
	if err != nil {
		return nil, err
	}
	err = h.svc.PlaceBid(ctx, auction.BidRequest{ID: req.ID, Bidder: req.Bidder, Amount: *req.Amount})
	if h.metrics != nil && (err == nil || errors.Is(err, auction.ErrBidTooLow)) {
		h.metrics.BidPlaced(err == nil)
	}
	if err != nil {
		return nil, err
	}
	return proto.OK(), nil
}

func (h *handlers) closeAuction(ctx context.Context, _ network.Peer, payload json.RawMessage) (any, error) {
	req, err := proto.DecodeAuctionIDReq(payload)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Close(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.AuctionClosed(metrics.CloseEvent{ID: req.ID, Winner: res.Winner, Amount: res.Amount})
	}
	return proto.CloseAuctionResp{Response: proto.OK(), Winner: res.Winner, Amount: res.Amount}, nil
}

func (h *handlers) getOpenAuctions(ctx context.Context, _ network.Peer, _ json.RawMessage) (any, error) {
	list, err := h.svc.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	resp := proto.OpenAuctionsResp{Response: proto.OK(), Auctions: make([]proto.AuctionEntry, 0, len(list))}
	for _, l := range list {
		resp.Auctions = append(resp.Auctions, proto.AuctionEntry{ID: l.ID, Data: l.Data})
	}
	return resp, nil
}

func (h *handlers) getAuction(ctx context.Context, _ network.Peer, payload json.RawMessage) (any, error) {
	req, err := proto.DecodeAuctionIDReq(payload)
	if err != nil {
		return nil, err
	}
	a, err := h.svc.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return proto.GetAuctionResp{Response: proto.OK(), Auction: &proto.AuctionEntry{ID: req.ID, Data: a}}, nil
}
