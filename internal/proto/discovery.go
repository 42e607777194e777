package proto

import (
	"encoding/hex"
	"encoding/json"
	"strings"
)

const (
	TopicRPCServer = "RPC_SERVER_TOPIC"

	MaxAnnouncePayload = 8 << 10
	MaxLookupPeers     = 256
)

type PeerRecordMsg struct {
	PublicKey string          `json:"publicKey"`
	Addr      string          `json:"addr,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type AnnounceReq struct {
	Topic string        `json:"topic"`
	Peer  PeerRecordMsg `json:"peer"`
}

type LookupReq struct {
	Topic string `json:"topic"`
}

type LookupResp struct {
	Response
	Peers []PeerRecordMsg `json:"peers"`
}

func validHex(s string, size int) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == size
}

func DecodeAnnounceReq(raw json.RawMessage) (AnnounceReq, error) {
	var m AnnounceReq
	if err := decodePayload(raw, &m); err != nil {
		return AnnounceReq{}, err
	}
	m.Topic = strings.ToLower(m.Topic)
	if !validHex(m.Topic, 32) {
		return AnnounceReq{}, malformed("topic must be 32 hex bytes")
	}
	if !validHex(m.Peer.PublicKey, 32) {
		return AnnounceReq{}, malformed("publicKey must be 32 hex bytes")
	}
	if len(m.Peer.Addr) > MaxAddrBytes {
		return AnnounceReq{}, malformed("addr too long")
	}
	if len(m.Peer.Payload) > MaxAnnouncePayload {
		return AnnounceReq{}, malformed("payload too large")
	}
	return m, nil
}

func DecodeLookupReq(raw json.RawMessage) (LookupReq, error) {
	var m LookupReq
	if err := decodePayload(raw, &m); err != nil {
		return LookupReq{}, err
	}
	m.Topic = strings.ToLower(m.Topic)
	if !validHex(m.Topic, 32) {
		return LookupReq{}, malformed("topic must be 32 hex bytes")
	}
	return m, nil
}
