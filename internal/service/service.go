// Package service wires the catalog, filter, router, load-balance
// selector, relay client, live hub, traffic log, and usage extractor
// together into the per-family HTTP handler.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clprelay/relay/internal/catalog"
	"github.com/clprelay/relay/internal/filter"
	"github.com/clprelay/relay/internal/lb"
	"github.com/clprelay/relay/internal/livehub"
	"github.com/clprelay/relay/internal/relay"
	"github.com/clprelay/relay/internal/routing"
	"github.com/clprelay/relay/internal/trafficlog"
	"github.com/clprelay/relay/internal/usage"
)

// Config bundles everything one service family's Service needs. All
// fields are required.
type Config struct {
	Name string // "claude" or "codex"

	Catalog  *catalog.Catalog
	Filter   *filter.Pipeline
	Router   *routing.Router
	Selector *lb.Selector
	Hub      *livehub.Hub
	Log      *trafficlog.Log
	Client   *http.Client
}

// Service is the http.Handler for one upstream family (claude or codex).
// It implements the full request lifecycle: route, select a channel,
// filter the body, forward upstream, stream the response back while
// tee-capturing it, and record the result in the live hub, traffic log,
// and usage history. It is registered at "/" by the caller so it
// receives any method and any path the caller does not route elsewhere.
type Service struct {
	cfg     Config
	ioQueue chan func()
}

// New constructs a Service from cfg and starts its background writer.
// Traffic-log rewrites and load-balance persistence go through that
// single writer goroutine, keeping disk I/O off the request-serving
// goroutines and serialising writes per file.
func New(cfg Config) *Service {
	s := &Service{cfg: cfg, ioQueue: make(chan func(), 64)}
	go s.writeLoop()
	return s
}

func (s *Service) writeLoop() {
	for fn := range s.ioQueue {
		fn()
	}
}

// Flush blocks until every background write queued so far has been
// applied. Used by shutdown and tests.
func (s *Service) Flush() {
	done := make(chan struct{})
	s.ioQueue <- func() { close(done) }
	<-done
}

func usageService(name string) usage.Service {
	if name == "claude" {
		return usage.ServiceClaude
	}
	return usage.ServiceCodex
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, relay.ErrOther, "failed to read request body")
		return
	}
	r.Body.Close()

	selected := s.cfg.Selector.Select(s.cfg.Catalog)
	routedBody, override := s.cfg.Router.Route(body, selected, s.cfg.Catalog)
	if override != "" {
		if _, ok := s.cfg.Catalog.Get(override); ok {
			selected = override
		}
	}

	channel, ok := s.cfg.Catalog.Get(selected)
	if !ok {
		// No channel resolvable. Not recorded as a load-balance failure:
		// there is no upstream to blame.
		s.writeError(w, http.StatusInternalServerError, relay.ErrNoActiveConfig, "")
		return
	}

	filteredBody := routedBody
	if !s.cfg.Filter.Excluded(r.URL.Path) {
		filteredBody = s.cfg.Filter.Apply(routedBody)
	}

	reqHeaders := headerMap(r.Header)
	targetURL, err := relay.BuildTargetURL(channel.BaseURL, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, relay.ErrOther, "invalid upstream target")
		return
	}

	s.cfg.Hub.RequestStarted(requestID, r.Method, r.URL.Path, selected, reqHeaders, targetURL)

	upstreamHost := hostOf(targetURL)
	upHeaders := relay.BuildUpstreamHeaders(r.Header, upstreamHost, channel.AuthToken, channel.APIKey)
	method := r.Method

	ctx := r.Context()
	upReq, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(filteredBody))
	if err != nil {
		s.finishError(w, requestID, start, relay.ErrOther, "failed to build upstream request")
		return
	}
	upReq.Header = upHeaders
	upReq.Host = upstreamHost

	resp, err := s.cfg.Client.Do(upReq)
	if err != nil {
		kind := classifyError(err)
		s.finishError(w, requestID, start, kind, err.Error())
		entry := s.failureEntry(start, method, selected, targetURL, reqHeaders, upHeaders, body, filteredBody, kind)
		s.ioQueue <- func() {
			s.cfg.Selector.RecordResult(selected, 599)
			s.insertEntry(entry)
		}
		return
	}
	defer resp.Body.Close()

	streaming := relay.WantsStreaming(r.Header.Get("Accept"), relay.ContentTypeOf(resp.Header), r.Header.Get("X-Stainless-Helper-Method"))

	relay.CopyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	capture := &relay.CaptureBuffer{}
	s.stream(w, resp.Body, capture, requestID, start, streaming)

	statusCode := resp.StatusCode
	// The hub counts redirects as completed; load-balance bookkeeping
	// (inside RecordResult) treats anything outside 2xx as a failure.
	hubSuccess := statusCode >= 200 && statusCode < 400
	if ctx.Err() != nil {
		// Client went away mid-stream; the context cancellation has
		// already torn down the upstream connection.
		statusCode = 499
		hubSuccess = false
	}

	durationMs := time.Since(start).Milliseconds()
	s.cfg.Hub.RequestCompleted(requestID, statusCode, durationMs, hubSuccess)

	usageMetrics := usage.ExtractFromResponse(usageService(s.cfg.Name), capture.Bytes())

	entry := trafficlog.Entry{
		Timestamp:         start.UTC().Format(time.RFC3339Nano),
		Service:           s.cfg.Name,
		Method:            method,
		Path:              targetURL,
		StatusCode:        statusCode,
		DurationMs:        durationMs,
		TargetHeaders:     headerMap(upHeaders),
		Channel:           selected,
		OriginalBody:      trafficlog.EncodeBody(body),
		FilteredBody:      trafficlog.EncodeBody(filteredBody),
		OriginalHeaders:   reqHeaders,
		Usage:             usageMetrics,
		Response:          trafficlog.EncodeBody(capture.Bytes()),
		ResponseTruncated: capture.Truncated(),
		ResponseBytes:     capture.TotalBytes(),
		ResponseHeaders:   relay.AnnotateResponseHeaders(resp.Header),
	}
	s.ioQueue <- func() {
		s.cfg.Selector.RecordResult(selected, statusCode)
		s.insertEntry(entry)
	}
}

// stream forwards the upstream body to w chunk by chunk, tee-capturing
// into capture and emitting live-hub progress events. Chunks are flushed
// eagerly only for streaming responses; buffered responses let net/http
// coalesce writes.
func (s *Service) stream(w http.ResponseWriter, body io.Reader, capture *relay.CaptureBuffer, requestID string, start time.Time, streaming bool) {
	flusher, _ := w.(http.Flusher)
	first := true
	buf := make([]byte, 32*1024)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			capture.Write(chunk)
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if streaming && flusher != nil {
				flusher.Flush()
			}

			durationMs := time.Since(start).Milliseconds()
			if first {
				s.cfg.Hub.RequestStreaming(requestID, durationMs)
				first = false
			}
			s.cfg.Hub.ResponseChunk(requestID, string(chunk), durationMs)
		}
		if err != nil {
			return
		}
	}
}

// finishError surfaces an upstream request failure (connect timeout, read
// timeout, connect error, or any other non-status failure) as HTTP 500
// with the classified error kind.
func (s *Service) finishError(w http.ResponseWriter, requestID string, start time.Time, kind relay.ErrorKind, detail string) {
	durationMs := time.Since(start).Milliseconds()
	s.cfg.Hub.RequestCompleted(requestID, http.StatusInternalServerError, durationMs, false)
	s.writeError(w, http.StatusInternalServerError, kind, detail)
}

func (s *Service) failureEntry(start time.Time, method, channel, targetURL string, reqHeaders map[string]string, upHeaders http.Header, body, filteredBody []byte, kind relay.ErrorKind) trafficlog.Entry {
	return trafficlog.Entry{
		Timestamp:       start.UTC().Format(time.RFC3339Nano),
		Service:         s.cfg.Name,
		Method:          method,
		Path:            targetURL,
		StatusCode:      http.StatusInternalServerError,
		DurationMs:      time.Since(start).Milliseconds(),
		TargetHeaders:   headerMap(upHeaders),
		Channel:         channel,
		Error:           string(kind),
		OriginalBody:    trafficlog.EncodeBody(body),
		FilteredBody:    trafficlog.EncodeBody(filteredBody),
		OriginalHeaders: reqHeaders,
	}
}

func (s *Service) insertEntry(entry trafficlog.Entry) {
	if err := s.cfg.Log.Insert(entry); err != nil {
		slog.Error("traffic log insert failed", "service", s.cfg.Name, "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, kind relay.ErrorKind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := relay.ErrorBody{Error: string(kind), Detail: detail}
	raw, _ := json.Marshal(body)
	w.Write(raw)
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func classifyError(err error) relay.ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if errors.Is(err, context.DeadlineExceeded) {
			return relay.ErrReadTimeout
		}
		return relay.ErrConnectTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return relay.ErrReadTimeout
	}
	return relay.ErrConnectError
}
