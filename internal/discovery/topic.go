package discovery

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"microauction/internal/crypto"
)

type Topic [crypto.TopicSize]byte

func TopicFor(name string) Topic {
	return Topic(crypto.Topic(name))
}

// PeerTopic is the topic a node announces its RPC endpoint under so that
// others can resolve its key to an address.
func PeerTopic(pub ed25519.PublicKey) Topic {
	return Topic(crypto.TopicFromKey(pub))
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

func ParseTopic(s string) (Topic, error) {
	var t Topic
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, err
	}
	if len(b) != len(t) {
		return t, fmt.Errorf("topic must be %d bytes, got %d", len(t), len(b))
	}
	copy(t[:], b)
	return t, nil
}

// PeerRecord is an ephemeral announcement: who, where, and an opaque payload.
type PeerRecord struct {
	PublicKey ed25519.PublicKey
	Addr      string
	Payload   []byte
}

func (r PeerRecord) key() string {
	if len(r.Payload) == 0 {
		return crypto.PublicKeyHex(r.PublicKey)
	}
	return crypto.PublicKeyHex(r.PublicKey) + "/" + hex.EncodeToString(crypto.SHA3_256(r.Payload)[:8])
}
