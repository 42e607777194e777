// internal/store/store.go
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Store is the durable ordered key-value contract the node persists through.
// Writes are durable before they return. Scan visits live records in
// insertion order: an upsert keeps the original position, a delete followed
// by a put moves the key to the end.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Scan(fn func(key string, value []byte) bool) error
	Close() error
}

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
	ErrEmptyKey = errors.New("empty key")
)

const (
	EngineLog    = "log"
	EngineBadger = "badger"
)

type Config struct {
	Engine string
	Dir    string
	// GCInterval applies to the badger engine only; zero disables value log GC.
	GCInterval time.Duration
	// CompactOnOpen rewrites the log engine's file without superseded entries.
	CompactOnOpen bool
}

func Open(cfg Config) (Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("missing store dir")
	}
	switch strings.ToLower(cfg.Engine) {
	case "", EngineLog:
		s, err := OpenLog(filepath.Join(cfg.Dir, "records.jsonl"))
		if err != nil {
			return nil, err
		}
		if cfg.CompactOnOpen {
			if err := s.Compact(); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	case EngineBadger:
		return OpenBadger(filepath.Join(cfg.Dir, "badger"), cfg.GCInterval)
	default:
		return nil, fmt.Errorf("unknown store engine: %s", cfg.Engine)
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
