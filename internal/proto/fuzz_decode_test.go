package proto

import (
	"bytes"
	"testing"

	"microauction/internal/testutil"
)

func FuzzReadRequest(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 12, '{', '"', 'm', 'e', 't', 'h', 'o', 'd', '"', ':', '1', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadRequest(bytes.NewReader(data))
		})
	})
}

func FuzzDecodeRequest(f *testing.F) {
	f.Add([]byte(`{"method":"openAuction","payload":{"id":"` + testID + `","description":"x","priceInit":1}}`))
	f.Add([]byte(`{"method":"placeBid","payload":{"id":"` + testID + `","bidder":"b","amount":2}}`))
	f.Add([]byte(`{"method":"announce","payload":{"topic":"00","peer":{}}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			req, err := DecodeRequest(data)
			if err != nil {
				return
			}
			_, _ = DecodeOpenAuctionReq(req.Payload)
			_, _ = DecodePlaceBidReq(req.Payload)
			_, _ = DecodeAuctionIDReq(req.Payload)
			_, _ = DecodeAnnounceReq(req.Payload)
			_, _ = DecodeLookupReq(req.Payload)
		})
	})
}
