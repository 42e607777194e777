package auction

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"microauction/internal/proto"
	"microauction/internal/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []proto.AuctionNotification
	topic string
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, topic string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var msg proto.AuctionNotification
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	n.topic = topic
	n.calls = append(n.calls, msg)
	return n.err
}

func newTestService(t *testing.T, notifier Notifier) (*Service, store.Store) {
	t.Helper()
	st, err := store.OpenLog(filepath.Join(t.TempDir(), "records.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	fixed := time.UnixMilli(1_700_000_000_000)
	return NewService(st, Options{Notifier: notifier, Now: func() time.Time { return fixed }}), st
}

func openAuction(t *testing.T, s *Service, desc string, price float64) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.Open(context.Background(), OpenRequest{ID: id, Description: desc, PriceInit: price}))
	return id
}

func TestOpenListsAuctionAndNotifies(t *testing.T) {
	n := &recordingNotifier{}
	s, _ := newTestService(t, n)
	id := openAuction(t, s, "Pic1", 10)

	list, err := s.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, 10.0, list[0].Data.PriceInit)
	require.Empty(t, list[0].Data.Bids)
	require.Equal(t, int64(1_700_000_000_000), list[0].Data.CreatedAt)

	require.Equal(t, proto.TopicNewAuction, n.topic)
	require.Equal(t, []proto.AuctionNotification{{
		ID: id, Description: "Pic1", StartingPrice: 10, CreatedAt: 1_700_000_000_000,
	}}, n.calls)
}

func TestOpenSucceedsWhenNotifyFails(t *testing.T) {
	s, _ := newTestService(t, &recordingNotifier{err: errors.New("offline")})
	id := openAuction(t, s, "Pic1", 10)
	_, err := s.Get(context.Background(), id)
	require.NoError(t, err)
}

func TestOpenDuplicateLeavesOriginal(t *testing.T) {
	s, _ := newTestService(t, nil)
	id := openAuction(t, s, "Pic1", 10)
	require.NoError(t, s.PlaceBid(context.Background(), BidRequest{ID: id, Bidder: "Bob", Amount: 15}))

	err := s.Open(context.Background(), OpenRequest{ID: id, Description: "Other", PriceInit: 1})
	require.ErrorIs(t, err, ErrDuplicateID)

	a, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "Pic1", a.Description)
	require.Equal(t, 10.0, a.PriceInit)
	require.Len(t, a.Bids, 1)
}

func TestOpenRejectsInvalidInput(t *testing.T) {
	s, _ := newTestService(t, nil)
	err := s.Open(context.Background(), OpenRequest{ID: "a1", Description: "x", PriceInit: 1})
	require.ErrorIs(t, err, proto.ErrMalformedPayload)
	err = s.Open(context.Background(), OpenRequest{ID: uuid.NewString(), Description: "x", PriceInit: -1})
	require.ErrorIs(t, err, proto.ErrMalformedPayload)
}

func TestBidTooLowIsNoOp(t *testing.T) {
	s, st := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 10)

	require.ErrorIs(t, s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "Eve", Amount: 10}), ErrBidTooLow)
	require.NoError(t, s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "Bob", Amount: 15}))
	before, err := st.Get(id)
	require.NoError(t, err)

	require.ErrorIs(t, s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "Ann", Amount: 12}), ErrBidTooLow)
	require.ErrorIs(t, s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "Ann", Amount: 15}), ErrBidTooLow)
	after, err := st.Get(id)
	require.NoError(t, err)
	require.Equal(t, before, after)

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []Bid{{Bidder: "Bob", Amount: 15, Timestamp: 1_700_000_000_000}}, a.Bids)
}

func TestBidsStrictlyIncrease(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 3)

	amounts := []float64{1, 4, 4, 2, 7, 6, 9, 9.5, 8}
	highest := 3.0
	for _, amt := range amounts {
		err := s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "b", Amount: amt})
		if amt > highest {
			require.NoError(t, err)
			highest = amt
		} else {
			require.ErrorIs(t, err, ErrBidTooLow)
		}
		a, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, highest, a.CurrentPrice())
	}

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	for i := 1; i < len(a.Bids); i++ {
		require.Greater(t, a.Bids[i].Amount, a.Bids[i-1].Amount)
	}
	require.Len(t, a.Bids, 4)
}

func TestBidUnknownAuction(t *testing.T) {
	s, _ := newTestService(t, nil)
	err := s.PlaceBid(context.Background(), BidRequest{ID: uuid.NewString(), Bidder: "Bob", Amount: 1})
	require.ErrorIs(t, err, ErrAuctionNotFound)
}

func TestConcurrentBidsNoLostUpdates(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 0)

	const n = 64
	accepted := make([]bool, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			err := s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "b", Amount: float64(i + 1)})
			switch {
			case err == nil:
				accepted[i] = true
				return nil
			case errors.Is(err, ErrBidTooLow):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	want := 0
	for _, ok := range accepted {
		if ok {
			want++
		}
	}
	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, a.Bids, want)
	require.True(t, accepted[n-1])
	require.Equal(t, float64(n), a.CurrentPrice())
	for i := 1; i < len(a.Bids); i++ {
		require.Greater(t, a.Bids[i].Amount, a.Bids[i-1].Amount)
	}
	require.Zero(t, s.locks.size())
}

func TestConcurrentIncreasingBidsAllLand(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 0)

	// Each bidder waits for its predecessor to be accepted, but every call
	// still races the store through its own goroutine.
	const n = 16
	turns := make([]chan struct{}, n+1)
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			<-turns[i]
			defer close(turns[i+1])
			return s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "b", Amount: float64(i + 1)})
		})
	}
	close(turns[0])
	require.NoError(t, g.Wait())

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, a.Bids, n)
	require.Equal(t, float64(n), a.CurrentPrice())
}

func TestBidsOnDifferentAuctionsIndependent(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	ids := []string{openAuction(t, s, "a", 0), openAuction(t, s, "b", 0)}

	var g errgroup.Group
	for _, id := range ids {
		for i := 1; i <= 20; i++ {
			g.Go(func() error {
				err := s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "b", Amount: float64(i)})
				if errors.Is(err, ErrBidTooLow) {
					return nil
				}
				return err
			})
		}
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 20.0, a.CurrentPrice())
	}
}

func TestCloseWithWinner(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 10)
	require.NoError(t, s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "Bob", Amount: 15}))

	res, err := s.Close(ctx, id)
	require.NoError(t, err)
	require.Equal(t, CloseResult{Winner: "Bob", Amount: 15, HasWinner: true}, res)

	list, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCloseWithoutBids(t *testing.T) {
	s, st := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 10)

	res, err := s.Close(ctx, id)
	require.NoError(t, err)
	require.False(t, res.HasWinner)
	require.Empty(t, res.Winner)
	require.Zero(t, res.Amount)

	_, err = st.Get(id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCloseUnknownHasNoSideEffects(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 10)

	_, err := s.Close(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrAuctionNotFound)
	require.Equal(t, "Auction not found", err.Error())

	list, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
}

func TestReopenAfterCloseIsFresh(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	id := openAuction(t, s, "Pic1", 10)
	require.NoError(t, s.PlaceBid(ctx, BidRequest{ID: id, Bidder: "Bob", Amount: 15}))
	_, err := s.Close(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.Open(ctx, OpenRequest{ID: id, Description: "Pic2", PriceInit: 1}))
	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, a.Bids)
	require.Equal(t, "Pic2", a.Description)
}

func TestListOpenExcludesSeedKeys(t *testing.T) {
	s, st := newTestService(t, nil)
	ctx := context.Background()
	require.NoError(t, st.Put("dht-seed", make([]byte, 32)))
	a := openAuction(t, s, "a", 1)
	require.NoError(t, st.Put("rpc-seed", make([]byte, 32)))
	b := openAuction(t, s, "b", 2)
	c := openAuction(t, s, "c", 3)
	_, err := s.Close(ctx, b)
	require.NoError(t, err)

	list, err := s.ListOpen(ctx)
	require.NoError(t, err)
	var ids []string
	for _, l := range list {
		ids = append(ids, l.ID)
	}
	require.Equal(t, []string{a, c}, ids)
}
