package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"microauction/internal/debuglog"
	"microauction/internal/proto"
	"microauction/internal/store"
)

type (
	Auction = proto.Auction
	Bid     = proto.Bid
)

// Error texts are part of the wire protocol and are shown to clients verbatim.
var (
	ErrDuplicateID     = errors.New("Auction already exists")
	ErrAuctionNotFound = errors.New("Auction not found")
	ErrBidTooLow       = errors.New("The bid must be greater than current bid")
)

// Notifier publishes best-effort hints to listening peers.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

type OpenRequest struct {
	ID          string
	Description string
	PriceInit   float64
}

type BidRequest struct {
	ID     string
	Bidder string
	Amount float64
}

// CloseResult carries the terminal state of a closed auction. HasWinner is
// false when the auction closed without bids; Winner is then empty and
// Amount zero.
type CloseResult struct {
	Winner    string
	Amount    float64
	HasWinner bool
}

type Listing struct {
	ID   string
	Data Auction
}

type Options struct {
	Notifier Notifier
	Now      func() time.Time
}

// Service is the only writer of auction records. Every operation touches one
// key and holds that key's lock for its whole read-modify-write.
type Service struct {
	st       store.Store
	notifier Notifier
	now      func() time.Time
	locks    *keyLock
	log      *zap.SugaredLogger
}

func NewService(st store.Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		st:       st,
		notifier: opts.Notifier,
		now:      now,
		locks:    newKeyLock(),
		log:      debuglog.Named("auction"),
	}
}

func (s *Service) Open(ctx context.Context, req OpenRequest) error {
	if !proto.ValidAuctionID(req.ID) {
		return fmt.Errorf("%w: auction id must be a uuid", proto.ErrMalformedPayload)
	}
	if math.IsNaN(req.PriceInit) || math.IsInf(req.PriceInit, 0) || req.PriceInit < 0 {
		return fmt.Errorf("%w: priceInit must be a non-negative number", proto.ErrMalformedPayload)
	}
	unlock := s.locks.Lock(req.ID)
	a, err := s.open(req)
	unlock()
	if err != nil {
		return err
	}
	s.log.Infow("auction opened", "id", req.ID, "priceInit", req.PriceInit)
	s.notifyOpened(ctx, req.ID, a)
	return nil
}

func (s *Service) open(req OpenRequest) (Auction, error) {
	if _, err := s.st.Get(req.ID); err == nil {
		return Auction{}, ErrDuplicateID
	} else if !errors.Is(err, store.ErrNotFound) {
		return Auction{}, fmt.Errorf("load %s: %w", req.ID, err)
	}
	a := Auction{
		Description: req.Description,
		PriceInit:   req.PriceInit,
		Bids:        []Bid{},
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.save(req.ID, a); err != nil {
		return Auction{}, err
	}
	return a, nil
}

func (s *Service) notifyOpened(ctx context.Context, id string, a Auction) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(proto.AuctionNotification{
		ID:            id,
		Description:   a.Description,
		StartingPrice: a.PriceInit,
		CreatedAt:     a.CreatedAt,
	})
	if err != nil {
		s.log.Warnw("encode notification", "id", id, "err", err)
		return
	}
	if err := s.notifier.Notify(ctx, proto.TopicNewAuction, payload); err != nil {
		s.log.Warnw("new auction notification failed", "id", id, "err", err)
	}
}

func (s *Service) PlaceBid(ctx context.Context, req BidRequest) error {
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return fmt.Errorf("%w: amount must be a number", proto.ErrMalformedPayload)
	}
	unlock := s.locks.Lock(req.ID)
	defer unlock()

	a, err := s.load(req.ID)
	if err != nil {
		return err
	}
	if req.Amount <= a.CurrentPrice() {
		return ErrBidTooLow
	}
	a.Bids = append(a.Bids, Bid{
		Bidder:    req.Bidder,
		Amount:    req.Amount,
		Timestamp: s.now().UnixMilli(),
	})
	if err := s.save(req.ID, a); err != nil {
		return err
	}
	debuglog.Debugf("bid accepted id=%s bidder=%s amount=%v", req.ID, req.Bidder, req.Amount)
	return nil
}

func (s *Service) Close(ctx context.Context, id string) (CloseResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.load(id)
	if err != nil {
		return CloseResult{}, err
	}
	var res CloseResult
	if b, ok := a.HighestBid(); ok {
		res = CloseResult{Winner: b.Bidder, Amount: b.Amount, HasWinner: true}
	}
	if err := s.st.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CloseResult{}, ErrAuctionNotFound
		}
		return CloseResult{}, fmt.Errorf("delete %s: %w", id, err)
	}
	s.log.Infow("auction closed", "id", id, "winner", res.Winner, "amount", res.Amount)
	return res, nil
}

// ListOpen returns every auction record in store order. Keys that are not
// auction ids, such as the identity seeds, are skipped.
func (s *Service) ListOpen(ctx context.Context) ([]Listing, error) {
	out := []Listing{}
	err := s.st.Scan(func(key string, value []byte) bool {
		if !proto.ValidAuctionID(key) {
			return true
		}
		a, err := proto.DecodeAuction(value)
		if err != nil {
			s.log.Warnw("skip undecodable auction", "id", key, "err", err)
			return true
		}
		out = append(out, Listing{ID: key, Data: a})
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Auction, error) {
	return s.load(id)
}

func (s *Service) load(id string) (Auction, error) {
	raw, err := s.st.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Auction{}, ErrAuctionNotFound
		}
		return Auction{}, fmt.Errorf("load %s: %w", id, err)
	}
	a, err := proto.DecodeAuction(raw)
	if err != nil {
		return Auction{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return a, nil
}

func (s *Service) save(id string, a Auction) error {
	raw, err := proto.EncodeAuction(a)
	if err != nil {
		return err
	}
	if err := s.st.Put(id, raw); err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}
	return nil
}
