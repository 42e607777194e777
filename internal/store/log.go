package store

import (
	"bufio"
	"bytes"
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"microauction/internal/debuglog"
)

const maxScanSize = 2 << 20

// ErrLogFailed is returned by every write after a failed append could not be
// rolled back; the file tail is no longer known to be whole.
var ErrLogFailed = errors.New("log store failed")

// logFile is the append handle; *os.File in production.
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

const (
	opPut = "put"
	opDel = "del"
)

type logEntry struct {
	Seq   uint64 `json:"seq"`
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type logRecord struct {
	key   string
	value []byte
}

// LogStore keeps every mutation as one JSON line in an append-only file and
// rebuilds the live view by replaying the file on open.
type LogStore struct {
	mu     sync.RWMutex
	path   string
	f      logFile
	failed error
	seq    uint64
	index  map[string]*list.Element
	order  *list.List
	stale  int
	closed bool
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f interface{ Sync() error }) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func OpenLog(path string) (*LogStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &LogStore{
		path:  path,
		index: make(map[string]*list.Element),
		order: list.New(),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *LogStore) replay() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	log := debuglog.Named("store")
	sc := newScanner(f)
	// intact is the offset just past the last newline; a tail without one is
	// a torn append and is cut off before the file is reopened for writing.
	var intact, consumed int64
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			consumed += int64(i + 1)
			intact = consumed
			return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	})
	line := 0
	for sc.Scan() {
		line++
		var e logEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Key == "" {
			log.Warnf("skip unreadable log entry path=%s line=%d", s.path, line)
			continue
		}
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
		switch e.Op {
		case opPut:
			s.applyPutLocked(e.Key, e.Value)
		case opDel:
			s.applyDelLocked(e.Key)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() > intact {
		log.Warnf("truncate torn log tail path=%s bytes=%d", s.path, st.Size()-intact)
		return os.Truncate(s.path, intact)
	}
	return nil
}

func (s *LogStore) applyPutLocked(key string, value []byte) {
	if el, ok := s.index[key]; ok {
		el.Value.(*logRecord).value = value
		s.stale++
		return
	}
	s.index[key] = s.order.PushBack(&logRecord{key: key, value: value})
}

func (s *LogStore) applyDelLocked(key string) bool {
	el, ok := s.index[key]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.index, key)
	s.stale += 2
	return true
}

// appendLocked writes e as one line in a single Write. A failed write is
// rolled back to the previous end of file so the next line starts clean.
func (s *LogStore) appendLocked(e logEntry) error {
	if s.failed != nil {
		return s.failed
	}
	e.Seq = s.seq + 1
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	end, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := s.f.Write(line); err != nil {
		if terr := s.f.Truncate(end); terr != nil {
			s.failed = fmt.Errorf("%w: %v", ErrLogFailed, terr)
			return multierr.Append(err, s.failed)
		}
		return err
	}
	s.seq = e.Seq
	return syncFile(s.f)
}

func (s *LogStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	el, ok := s.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(el.Value.(*logRecord).value), nil
}

func (s *LogStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	v := copyBytes(value)
	if err := s.appendLocked(logEntry{Op: opPut, Key: key, Value: v}); err != nil {
		return fmt.Errorf("append put %s: %w", key, err)
	}
	s.applyPutLocked(key, v)
	return nil
}

func (s *LogStore) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.index[key]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(logEntry{Op: opDel, Key: key}); err != nil {
		return fmt.Errorf("append del %s: %w", key, err)
	}
	s.applyDelLocked(key)
	return nil
}

// Scan walks a point-in-time copy of the index, so fn may call back into the store.
func (s *LogStore) Scan(fn func(key string, value []byte) bool) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	snap := make([]logRecord, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*logRecord)
		snap = append(snap, logRecord{key: rec.key, value: rec.value})
	}
	s.mu.RUnlock()

	for _, rec := range snap {
		if !fn(rec.key, copyBytes(rec.value)) {
			return nil
		}
	}
	return nil
}

func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Stale reports how many log lines no longer contribute to the live view.
func (s *LogStore) Stale() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Compact rewrites the log with one put per live record, keeping order.
func (s *LogStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	var seq uint64
	for el := s.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*logRecord)
		seq++
		if err := enc.Encode(logEntry{Seq: seq, Op: opPut, Key: rec.key, Value: rec.value}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename (windows)
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.closed = true
		return err
	}
	syncDir(s.path)

	af, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		s.closed = true
		return err
	}
	s.f = af
	s.failed = nil
	s.seq = seq
	s.stale = 0
	return nil
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

func (s *LogStore) Debug() string {
	return fmt.Sprintf("engine=log path=%s records=%d stale=%d", s.path, s.Len(), s.Stale())
}
