package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kv struct {
	key   string
	value string
}

func collect(t *testing.T, s Store) []kv {
	t.Helper()
	var out []kv
	require.NoError(t, s.Scan(func(key string, value []byte) bool {
		out = append(out, kv{key, string(value)})
		return true
	}))
	return out
}

func forEachEngine(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for _, engine := range []string{EngineLog, EngineBadger} {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()
			open := func() Store {
				s, err := Open(Config{Engine: engine, Dir: dir})
				require.NoError(t, err)
				return s
			}
			fn(t, open)
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	forEachEngine(t, func(t *testing.T, open func() Store) {
		s := open()
		defer s.Close()

		value := []byte(`{"description":"Pic1","priceInit":10,"bids":[],"createdAt":1}`)
		require.NoError(t, s.Put("a", value))
		got, err := s.Get("a")
		require.NoError(t, err)
		assert.Equal(t, value, got)

		_, err = s.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Put("", value), ErrEmptyKey)
	})
}

func TestScanFollowsInsertionOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, open func() Store) {
		s := open()
		defer s.Close()

		for _, k := range []string{"c", "a", "b"} {
			require.NoError(t, s.Put(k, []byte(k+"1")))
		}
		// upsert keeps position
		require.NoError(t, s.Put("a", []byte("a2")))
		assert.Equal(t, []kv{{"c", "c1"}, {"a", "a2"}, {"b", "b1"}}, collect(t, s))

		// delete + re-put moves to the end
		require.NoError(t, s.Delete("c"))
		require.NoError(t, s.Put("c", []byte("c2")))
		assert.Equal(t, []kv{{"a", "a2"}, {"b", "b1"}, {"c", "c2"}}, collect(t, s))

		// restartable and stoppable
		n := 0
		require.NoError(t, s.Scan(func(string, []byte) bool { n++; return false }))
		assert.Equal(t, 1, n)
		assert.Len(t, collect(t, s), 3)
	})
}

func TestDeleteMissing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, open func() Store) {
		s := open()
		defer s.Close()

		assert.ErrorIs(t, s.Delete("nope"), ErrNotFound)
		require.NoError(t, s.Put("k", []byte("v")))
		require.NoError(t, s.Delete("k"))
		assert.ErrorIs(t, s.Delete("k"), ErrNotFound)
		_, err := s.Get("k")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReopenReplaysState(t *testing.T) {
	forEachEngine(t, func(t *testing.T, open func() Store) {
		s := open()
		require.NoError(t, s.Put("x", []byte("1")))
		require.NoError(t, s.Put("y", []byte("2")))
		require.NoError(t, s.Put("x", []byte("3")))
		require.NoError(t, s.Delete("y"))
		require.NoError(t, s.Put("z", []byte("4")))
		require.NoError(t, s.Close())

		s = open()
		defer s.Close()
		assert.Equal(t, []kv{{"x", "3"}, {"z", "4"}}, collect(t, s))

		// sequence keeps growing after reopen
		require.NoError(t, s.Put("w", []byte("5")))
		assert.Equal(t, []kv{{"x", "3"}, {"z", "4"}, {"w", "5"}}, collect(t, s))
	})
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	forEachEngine(t, func(t *testing.T, open func() Store) {
		s := open()
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		_, err := s.Get("k")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Put("k", nil), ErrClosed)
		assert.ErrorIs(t, s.Scan(func(string, []byte) bool { return true }), ErrClosed)
	})
}

func TestLogStoreCompactKeepsLiveRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Put("b", []byte("2")))
	require.NoError(t, s.Put("a", []byte("3")))
	require.NoError(t, s.Delete("b"))
	require.NoError(t, s.Put("c", []byte("4")))
	assert.Equal(t, 3, s.Stale())

	require.NoError(t, s.Compact())
	assert.Equal(t, 0, s.Stale())
	assert.Equal(t, []kv{{"a", "3"}, {"c", "4"}}, collect(t, s))
	require.NoError(t, s.Put("d", []byte("5")))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(data))

	s, err = OpenLog(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []kv{{"a", "3"}, {"c", "4"}, {"d", "5"}}, collect(t, s))
}

func TestLogStoreSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenLog(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put("b", []byte("2")))
	assert.Equal(t, []kv{{"a", "1"}, {"b", "2"}}, collect(t, s))
}

// tornFile writes only the first limit bytes of each call, then fails.
type tornFile struct {
	*os.File
	limit    int
	truncErr error
}

var errDiskFull = errors.New("no space left on device")

func (f *tornFile) Write(p []byte) (int, error) {
	n, _ := f.File.Write(p[:f.limit])
	return n, errDiskFull
}

func (f *tornFile) Truncate(size int64) error {
	if f.truncErr != nil {
		return f.truncErr
	}
	return f.File.Truncate(size)
}

func TestLogStoreRollsBackTornAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("1")))

	orig := s.f
	s.f = &tornFile{File: orig.(*os.File), limit: 7}
	require.ErrorIs(t, s.Put("b", []byte("2")), errDiskFull)
	s.f = orig

	require.NoError(t, s.Put("c", []byte("3")))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(raw))

	s, err = OpenLog(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []kv{{"a", "1"}, {"c", "3"}}, collect(t, s))
}

func TestLogStoreFailsWhenRollbackFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenLog(path)
	require.NoError(t, err)
	defer s.Close()

	orig := s.f
	s.f = &tornFile{File: orig.(*os.File), limit: 3, truncErr: errors.New("read-only file system")}
	err = s.Put("a", []byte("1"))
	require.ErrorIs(t, err, errDiskFull)
	require.ErrorIs(t, err, ErrLogFailed)
	s.f = orig

	require.ErrorIs(t, s.Put("b", []byte("2")), ErrLogFailed)
	_, err = s.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLogStoreCutsTornTailOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"op":"put","key":"b"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("c", []byte("3")))
	require.NoError(t, s.Close())

	s, err = OpenLog(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []kv{{"a", "1"}, {"c", "3"}}, collect(t, s))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(raw))
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(Config{Engine: "rocks", Dir: t.TempDir()})
	require.Error(t, err)
	_, err = Open(Config{})
	require.Error(t, err)
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
