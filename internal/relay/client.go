// Package relay implements the upstream streaming HTTP proxy: request
// reconstruction, header rewriting, streaming-vs-buffered detection, and
// byte-for-byte response forwarding with a bounded tee capture.
package relay

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Shared upstream client policy.
const (
	MaxConns          = 200
	MaxKeepaliveConns = 100
	ConnectTimeout    = 30 * time.Second
	WriteTimeout      = 30 * time.Second
	// Read/total timeout is intentionally unbounded: LLM completions can
	// stream for minutes.
)

// writeDeadlineConn wraps a net.Conn to enforce WriteTimeout on every
// Write call. Reads are left alone so long-running response streams are
// never cut off.
type writeDeadlineConn struct {
	net.Conn
}

func (c *writeDeadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Write(b)
	c.Conn.SetWriteDeadline(time.Time{})
	return n, err
}

// NewClient builds the shared, long-lived HTTP client used by one service
// family's upstream proxy. The serve command keeps it for the life of the
// process; shutdown does not close it or its idle connections.
func NewClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &writeDeadlineConn{Conn: conn}, nil
	}

	transport := &http.Transport{
		DialContext:           dial,
		MaxConnsPerHost:       MaxConns,
		MaxIdleConns:          MaxKeepaliveConns,
		MaxIdleConnsPerHost:   MaxKeepaliveConns,
		IdleConnTimeout:       120 * time.Second,
		ResponseHeaderTimeout: 0, // unbounded: first byte may take as long as the model needs
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		// No client-level Timeout: response bodies are streamed and may
		// run far longer than any reasonable fixed deadline would allow.
	}
}
