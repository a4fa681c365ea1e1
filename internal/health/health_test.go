package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastProber() *Prober {
	p := New()
	p.TCPAttempts = 2
	p.TCPTimeout = 200 * time.Millisecond
	p.RetryDelay = 10 * time.Millisecond
	p.HTTPTimeout = time.Second
	return p
}

// blockDial makes every connect attempt fail so Check has to fall back
// to HTTP. The http.Client keeps its own transport and still reaches
// the test server.
func blockDial(p *Prober) {
	p.dial = func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
}

func serverHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestCheckAcceptedConnectionIsHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	res := fastProber().Check(t.Context(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	assert.True(t, res.Reachable)
	assert.True(t, res.OK, "an accepting socket is healthy without any HTTP round trip")
	assert.Zero(t, res.Status)
	assert.Empty(t, res.URL)
}

func TestCheckHTTPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := fastProber()
	blockDial(p)
	host, port := serverHostPort(t, srv)
	res := p.Check(t.Context(), host, port)
	assert.True(t, res.Reachable)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, res.URL, "/health")
	assert.Contains(t, res.Body, "ok")
}

func TestCheckHTTPFallbackRequires2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := fastProber()
	blockDial(p)
	host, port := serverHostPort(t, srv)
	res := p.Check(t.Context(), host, port)
	assert.True(t, res.Reachable)
	assert.False(t, res.OK, "a non-2xx answer must not count as healthy")
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Contains(t, res.Detail, "502")
}

func TestCheckFallsThroughPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			w.Write([]byte("up"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := fastProber()
	blockDial(p)
	host, port := serverHostPort(t, srv)
	res := p.Check(t.Context(), host, port)
	assert.True(t, res.OK)
	assert.Contains(t, res.URL, "/status")
}

func TestCheckClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := fastProber().Check(t.Context(), "127.0.0.1", port)
	assert.False(t, res.Reachable)
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "never accepted")
}

func TestBodyPreviewTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	p := fastProber()
	blockDial(p)
	host, port := serverHostPort(t, srv)
	res := p.Check(t.Context(), host, port)
	require.True(t, res.OK)
	assert.Len(t, res.Body, bodyPreviewLimit)
}

func TestPortOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	p := fastProber()
	assert.True(t, p.PortOpen(t.Context(), "127.0.0.1", port))

	ln.Close()
	assert.False(t, p.PortOpen(t.Context(), "127.0.0.1", port))
}
