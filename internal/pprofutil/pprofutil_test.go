package pprofutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:9100", ok: true},
		{addr: "[::1]:9100", ok: true},
		{addr: "0.0.0.0:9100", ok: false},
		{addr: ":9100", ok: false},
		{addr: "192.168.1.10:9100", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, IsLoopbackBind(tc.addr), tc.addr)
	}
}

func TestRegisterServesIndex(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
