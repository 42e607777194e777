package proto

import (
	"encoding/json"
	"strings"
)

const TopicNewAuction = "NEW_AUCTION"

// Auction is the persisted record under the auction id key.
type Auction struct {
	Description string  `json:"description"`
	PriceInit   float64 `json:"priceInit"`
	Bids        []Bid   `json:"bids"`
	CreatedAt   int64   `json:"createdAt"`
}

type Bid struct {
	Bidder    string  `json:"bidder"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

// HighestBid returns the largest accepted bid, or false when no bid exists.
func (a Auction) HighestBid() (Bid, bool) {
	if len(a.Bids) == 0 {
		return Bid{}, false
	}
	best := a.Bids[0]
	for _, b := range a.Bids[1:] {
		if b.Amount > best.Amount {
			best = b
		}
	}
	return best, true
}

// CurrentPrice is max(priceInit, highest bid); a new bid must exceed it.
func (a Auction) CurrentPrice() float64 {
	if b, ok := a.HighestBid(); ok && b.Amount > a.PriceInit {
		return b.Amount
	}
	return a.PriceInit
}

func EncodeAuction(a Auction) ([]byte, error) {
	if a.Bids == nil {
		a.Bids = []Bid{}
	}
	return json.Marshal(a)
}

func DecodeAuction(data []byte) (Auction, error) {
	var a Auction
	if err := json.Unmarshal(data, &a); err != nil {
		return Auction{}, err
	}
	if a.Bids == nil {
		a.Bids = []Bid{}
	}
	return a, nil
}

type AuctionNotification struct {
	ID            string  `json:"id"`
	Description   string  `json:"description"`
	StartingPrice float64 `json:"startingPrice"`
	CreatedAt     int64   `json:"createdAt"`
}

// -----------------------------------------------------------------------------
// openAuction
// -----------------------------------------------------------------------------

type OpenAuctionReq struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	PriceInit   *float64 `json:"priceInit"`
}

func DecodeOpenAuctionReq(raw json.RawMessage) (OpenAuctionReq, error) {
	var m OpenAuctionReq
	if err := decodePayload(raw, &m); err != nil {
		return OpenAuctionReq{}, err
	}
	if !ValidAuctionID(m.ID) {
		return OpenAuctionReq{}, malformed("id must be a uuid")
	}
	m.Description = strings.TrimSpace(m.Description)
	if len(m.Description) > MaxDescriptionBytes {
		return OpenAuctionReq{}, malformed("description too long")
	}
	if m.PriceInit == nil {
		return OpenAuctionReq{}, malformed("missing priceInit")
	}
	if !validAmount(*m.PriceInit) || *m.PriceInit < 0 {
		return OpenAuctionReq{}, malformed("priceInit must be a non-negative number")
	}
	return m, nil
}

// -----------------------------------------------------------------------------
// placeBid
// -----------------------------------------------------------------------------

type PlaceBidReq struct {
	ID     string   `json:"id"`
	Bidder string   `json:"bidder"`
	Amount *float64 `json:"amount"`
}

func DecodePlaceBidReq(raw json.RawMessage) (PlaceBidReq, error) {
	var m PlaceBidReq
	if err := decodePayload(raw, &m); err != nil {
		return PlaceBidReq{}, err
	}
	if strings.TrimSpace(m.ID) == "" {
		return PlaceBidReq{}, malformed("missing id")
	}
	m.Bidder = strings.TrimSpace(m.Bidder)
	if m.Bidder == "" {
		return PlaceBidReq{}, malformed("missing bidder")
	}
	if len(m.Bidder) > MaxBidderBytes {
		return PlaceBidReq{}, malformed("bidder too long")
	}
	if m.Amount == nil || !validAmount(*m.Amount) {
		return PlaceBidReq{}, malformed("amount must be a number")
	}
	return m, nil
}

// -----------------------------------------------------------------------------
// closeAuction / getAuction
// -----------------------------------------------------------------------------

type AuctionIDReq struct {
	ID string `json:"id"`
}

func DecodeAuctionIDReq(raw json.RawMessage) (AuctionIDReq, error) {
	var m AuctionIDReq
	if err := decodePayload(raw, &m); err != nil {
		return AuctionIDReq{}, err
	}
	if strings.TrimSpace(m.ID) == "" {
		return AuctionIDReq{}, malformed("missing id")
	}
	return m, nil
}

type CloseAuctionResp struct {
	Response
	Winner string  `json:"winner,omitempty"`
	Amount float64 `json:"amount"`
}

type AuctionEntry struct {
	ID   string  `json:"id"`
	Data Auction `json:"data"`
}

type OpenAuctionsResp struct {
	Response
	Auctions []AuctionEntry `json:"auctions"`
}

type GetAuctionResp struct {
	Response
	Auction *AuctionEntry `json:"auction,omitempty"`
}
