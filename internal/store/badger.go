package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"microauction/internal/debuglog"
)

// BadgerStore keeps records under r/<key> (8 byte seq + value) and an
// insertion index under o/<seq> so iteration follows insertion order.
type BadgerStore struct {
	db     *badger.DB
	wmu    sync.Mutex
	seq    uint64
	closed atomic.Bool
	log    *zap.SugaredLogger

	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
}

var (
	recordPrefix = []byte("r/")
	orderPrefix  = []byte("o/")
)

func recordKey(key string) []byte {
	return append(append([]byte{}, recordPrefix...), key...)
}

func orderKey(seq uint64) []byte {
	out := make([]byte, len(orderPrefix)+8)
	copy(out, orderPrefix)
	binary.BigEndian.PutUint64(out[len(orderPrefix):], seq)
	return out
}

func encodeRecord(seq uint64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], seq)
	copy(out[8:], value)
	return out
}

func decodeRecord(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.New("short record")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func OpenBadger(dir string, gcInterval time.Duration) (*BadgerStore, error) {
	log := debuglog.Named("store/badger")
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &BadgerStore{db: db, log: log}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if gcInterval > 0 {
		s.startGC(gcInterval)
	}
	return s, nil
}

func (s *BadgerStore) loadSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse iteration seeks to the largest key <= seek key
		seek := append(append([]byte{}, orderPrefix...), bytes.Repeat([]byte{0xff}, 8)...)
		it.Seek(seek)
		if it.ValidForPrefix(orderPrefix) {
			k := it.Item().Key()
			s.seq = binary.BigEndian.Uint64(k[len(orderPrefix):])
		}
		return nil
	})
}

func (s *BadgerStore) startGC(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel
	s.gcWg.Add(1)
	go func() {
		defer s.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for s.db.RunValueLogGC(0.5) == nil {
				}
			}
		}
	}()
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		_, value, err := decodeRecord(raw)
		out = value
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	next := s.seq
	err := s.db.Update(func(txn *badger.Txn) error {
		seq := uint64(0)
		item, err := txn.Get(recordKey(key))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if seq, _, err = decodeRecord(raw); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			next++
			seq = next
			if err := txn.Set(orderKey(seq), []byte(key)); err != nil {
				return err
			}
		default:
			return err
		}
		return txn.Set(recordKey(key), encodeRecord(seq, value))
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	s.seq = next
	return nil
}

func (s *BadgerStore) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		seq, _, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if err := txn.Delete(orderKey(seq)); err != nil {
			return err
		}
		return txn.Delete(recordKey(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *BadgerStore) Scan(fn func(key string, value []byte) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(orderPrefix); it.ValidForPrefix(orderPrefix); it.Next() {
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(recordKey(string(key)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.log.Warnf("order index points at missing record key=%s", key)
				continue
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			_, value, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if !fn(string(key), value) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.gcCancel != nil {
		s.gcCancel()
		s.gcWg.Wait()
	}
	return s.db.Close()
}
