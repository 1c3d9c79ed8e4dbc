package relay

import (
	"net/http"
	"strings"
)

// WantsStreaming reports whether the response should be streamed rather
// than buffered: the client asked for SSE, the upstream is producing an
// event stream or NDJSON, or an SDK streaming helper is driving the call.
func WantsStreaming(clientAccept, upstreamContentType, stainlessHelperMethod string) bool {
	if strings.Contains(strings.ToLower(clientAccept), "text/event-stream") {
		return true
	}
	ct := strings.ToLower(upstreamContentType)
	if strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "stream") ||
		strings.Contains(ct, "application/x-ndjson") {
		return true
	}
	if strings.Contains(strings.ToLower(stainlessHelperMethod), "stream") {
		return true
	}
	return false
}

// MaxCaptureBytes bounds how much of a response body is retained for the
// traffic log. Forwarding to the client is never limited by this.
const MaxCaptureBytes = 1024 * 1024

// CaptureBuffer accumulates up to MaxCaptureBytes of response bytes for
// the traffic log's side capture, independent of what's forwarded to the
// client.
type CaptureBuffer struct {
	buf       []byte
	total     int64
	truncated bool
}

// Write appends chunk to the buffer, bounded at MaxCaptureBytes; bytes
// beyond the bound only increment the running total and set Truncated.
func (c *CaptureBuffer) Write(chunk []byte) {
	c.total += int64(len(chunk))
	remaining := MaxCaptureBytes - len(c.buf)
	if remaining <= 0 {
		if len(chunk) > 0 {
			c.truncated = true
		}
		return
	}
	if len(chunk) > remaining {
		c.buf = append(c.buf, chunk[:remaining]...)
		c.truncated = true
		return
	}
	c.buf = append(c.buf, chunk...)
}

// Bytes returns the captured (possibly truncated) content.
func (c *CaptureBuffer) Bytes() []byte { return c.buf }

// Truncated reports whether any bytes were dropped from the capture.
func (c *CaptureBuffer) Truncated() bool { return c.truncated }

// TotalBytes returns the total number of bytes observed, including any
// beyond the capture bound.
func (c *CaptureBuffer) TotalBytes() int64 { return c.total }

// ErrorKind classifies an upstream request failure for the JSON error
// body and the traffic-log "error" field.
type ErrorKind string

const (
	ErrNoActiveConfig ErrorKind = "no active config"
	ErrConnectTimeout ErrorKind = "connect timeout"
	ErrReadTimeout    ErrorKind = "read timeout"
	ErrConnectError   ErrorKind = "connect error"
	ErrUpstreamStatus ErrorKind = "upstream status"
	ErrOther          ErrorKind = "request failed"
)

// ErrorBody is the JSON shape returned to the client on an upstream
// request error. Detail is omitted when there is no channel to forward
// to, so that case serializes as exactly {"error": "no active config"}.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// AnnotateResponseHeaders flattens upstream response headers into a
// loggable map, marking the hop-by-hop names that were not forwarded to
// the client so the log still shows what the upstream actually sent.
func AnnotateResponseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		name := k
		if responseHeadersToStrip[strings.ToLower(k)] {
			name = k + " (stripped)"
		}
		out[name] = vs[0]
	}
	return out
}

// ContentTypeOf returns the first Content-Type header value, or "".
func ContentTypeOf(h http.Header) string {
	return h.Get("Content-Type")
}
