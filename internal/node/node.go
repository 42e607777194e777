package node

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/store"
)

// Reserved store keys holding raw seed bytes. Neither parses as a UUID, so
// they never show up in auction listings.
const (
	DHTSeedKey = "dht-seed"
	RPCSeedKey = "rpc-seed"
)

var ErrInvalidSeedLength = errors.New("invalid seed length")

type Identity struct {
	Seed    [crypto.SeedSize]byte
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func (id Identity) PublicKeyHex() string {
	return crypto.PublicKeyHex(id.Public)
}

func (id Identity) NodeID() [32]byte {
	return DeriveNodeID(id.Public)
}

// GetOrCreateIdentity loads the seed stored under seedKey, creating and
// persisting a fresh one on first use. A stored seed of the wrong length is
// never replaced: it would silently change the advertised identity.
func GetOrCreateIdentity(st store.Store, seedKey string) (Identity, error) {
	seed, err := st.Get(seedKey)
	switch {
	case err == nil:
		if len(seed) != crypto.SeedSize {
			return Identity{}, fmt.Errorf("%w: %s holds %d bytes", ErrInvalidSeedLength, seedKey, len(seed))
		}
	case errors.Is(err, store.ErrNotFound):
		seed, err = crypto.NewSeed()
		if err != nil {
			return Identity{}, err
		}
		if err := st.Put(seedKey, seed); err != nil {
			return Identity{}, fmt.Errorf("persist %s: %w", seedKey, err)
		}
		debuglog.Named("node").Infow("generated seed", "key", seedKey)
	default:
		return Identity{}, fmt.Errorf("load %s: %w", seedKey, err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed derives an identity without touching any store.
func IdentityFromSeed(seed []byte) (Identity, error) {
	pub, priv, err := crypto.KeypairFromSeed(seed)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSeedLength, err)
	}
	id := Identity{Public: pub, Private: priv}
	copy(id.Seed[:], seed)
	return id, nil
}

// Node holds the two identities of a process: one for overlay addressing
// and discovery records, one for the RPC endpoint.
type Node struct {
	ID  [32]byte
	DHT Identity
	RPC Identity
}

func NewNode(st store.Store) (*Node, error) {
	dht, err := GetOrCreateIdentity(st, DHTSeedKey)
	if err != nil {
		return nil, err
	}
	rpc, err := GetOrCreateIdentity(st, RPCSeedKey)
	if err != nil {
		return nil, err
	}
	return &Node{ID: DeriveNodeID(rpc.Public), DHT: dht, RPC: rpc}, nil
}

func DeriveNodeID(pub []byte) [32]byte {
	var id [32]byte
	copy(id[:], crypto.KDF("auction:nodeid:v1", pub))
	return id
}

// EphemeralIdentity returns a throwaway identity for processes that never
// need to be re-addressed, such as the command line client.
func EphemeralIdentity() (Identity, error) {
	seed, err := crypto.NewSeed()
	if err != nil {
		return Identity{}, err
	}
	return IdentityFromSeed(seed)
}
