// Package health probes the managed gateway. A plain TCP connect is the
// primary liveness signal; HTTP is only consulted when the port never
// accepts a connection.
package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const bodyPreviewLimit = 240

// Result describes the deepest probe that answered. OK means the gateway
// counts as healthy: either the port accepted a TCP connection, or an
// HTTP endpoint returned a 2xx. Reachable is set whenever anything
// answered at all, even with a non-2xx status.
type Result struct {
	Reachable bool   `json:"reachable"`
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	URL       string `json:"url,omitempty"`
	Body      string `json:"body,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Prober holds probe tuning. The zero value is unusable; construct with New.
type Prober struct {
	TCPAttempts int
	TCPTimeout  time.Duration
	RetryDelay  time.Duration
	HTTPTimeout time.Duration
	Paths       []string

	dial   func(ctx context.Context, addr string) (net.Conn, error)
	client *http.Client
}

func New() *Prober {
	p := &Prober{
		TCPAttempts: 8,
		TCPTimeout:  2 * time.Second,
		RetryDelay:  450 * time.Millisecond,
		HTTPTimeout: 4 * time.Second,
		Paths:       []string{"/health", "/v1/health", "/status", "/"},
	}
	p.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: p.TCPTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	p.client = &http.Client{}
	return p
}

// Check reports the gateway healthy as soon as the port accepts a TCP
// connection. Only after every connect attempt fails does it walk the
// candidate HTTP paths, and there a 2xx is the only answer that counts:
// a non-2xx response marks the gateway reachable but not OK.
func (p *Prober) Check(ctx context.Context, host string, port int) Result {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if p.waitTCP(ctx, addr) {
		return Result{Reachable: true, OK: true, Detail: "port " + addr + " accepted a connection"}
	}
	res := Result{Detail: "port " + addr + " never accepted a connection"}
	for _, path := range p.Paths {
		url := "http://" + addr + path
		status, body, err := p.get(ctx, url)
		if err != nil {
			continue
		}
		res.Reachable = true
		res.Status = status
		res.URL = url
		res.Body = body
		if status >= 200 && status < 300 {
			res.OK = true
			res.Detail = ""
			return res
		}
		res.Detail = fmt.Sprintf("%s returned %d", path, status)
	}
	return res
}

// PortOpen does a single connect attempt, used to detect port conflicts
// before a start.
func (p *Prober) PortOpen(ctx context.Context, host string, port int) bool {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) waitTCP(ctx context.Context, addr string) bool {
	for i := 0; i < p.TCPAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(p.RetryDelay):
			}
		}
		conn, err := p.dial(ctx, addr)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

func (p *Prober) get(ctx context.Context, url string) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	preview := strings.TrimSpace(string(body))
	if len(preview) > bodyPreviewLimit {
		preview = preview[:bodyPreviewLimit]
	}
	return resp.StatusCode, preview, nil
}
