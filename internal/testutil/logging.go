package testutil

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"microauction/internal/debuglog"
)

// UseTestLogger routes debuglog output through t for the duration of the test.
func UseTestLogger(t testing.TB) {
	t.Helper()
	prev := debuglog.Logger()
	debuglog.SetLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { debuglog.SetLogger(prev) })
}

// Seed returns a deterministic 32-byte seed filled with b.
func Seed(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}
