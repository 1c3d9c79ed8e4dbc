// Package livehub implements the live-event hub: a per-request lifecycle
// broadcast to connected subscribers over WebSocket. A single hub
// goroutine owns the subscriber set (register/unregister/broadcast
// channels, no lock on the connection set), so a slow subscriber can
// never block the request path.
package livehub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Status values for a RequestRecord's lifecycle.
const (
	StatusPending   = "PENDING"
	StatusStreaming = "STREAMING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// MaxRequests is the hard cap on concurrently retained records.
const MaxRequests = 100

// MaxResponseBytes bounds the retained response_chunks total. This is
// deliberately larger than the traffic log's capture bound; the two are
// independent.
const MaxResponseBytes = 2 * 1024 * 1024

// RetainAfterTerminal is how long a completed/failed record is kept
// before eviction.
const RetainAfterTerminal = 30 * time.Second

// idlePingInterval is how long a subscriber may go without receiving a
// message before the hub sends a ping frame.
const idlePingInterval = 30 * time.Second

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
}

// RequestRecord is the live state of one in-flight (or recently
// terminated) request.
type RequestRecord struct {
	RequestID         string            `json:"request_id"`
	Service           string            `json:"service"`
	Channel           string            `json:"channel"`
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	StartTime         time.Time         `json:"start_time"`
	Status            string            `json:"status"`
	DurationMs        int64             `json:"duration_ms"`
	StatusCode        int               `json:"status_code,omitempty"`
	RequestHeaders    map[string]string `json:"request_headers"`
	ResponseChunks    []string          `json:"response_chunks"`
	ResponseTruncated bool              `json:"response_truncated"`
	TargetURL         string            `json:"target_url,omitempty"`

	responseBytes int // unexported: tracks total retained chunk bytes
}

func sanitizeHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		lower := toLower(k)
		if sensitiveHeaders[lower] {
			out[k] = "[hidden]"
		} else {
			out[k] = v
		}
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// subscriber wraps one active WebSocket connection.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the live-event hub for one service family.
type Hub struct {
	service     string
	maxRequests int

	registerCh   chan *subscriber
	unregisterCh chan *subscriber
	broadcastCh  chan []byte

	reqMu    sync.Mutex
	requests map[string]*RequestRecord
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a Hub for service. Call Run in a background goroutine
// before serving any connections.
func New(service string) *Hub {
	return &Hub{
		service:      service,
		maxRequests:  MaxRequests,
		registerCh:   make(chan *subscriber),
		unregisterCh: make(chan *subscriber),
		broadcastCh:  make(chan []byte, 256),
		requests:     map[string]*RequestRecord{},
	}
}

// Run is the hub's event loop. Start it in its own goroutine; it runs
// for the lifetime of the service.
func (h *Hub) Run() {
	connections := map[*subscriber]bool{}
	for {
		select {
		case s := <-h.registerCh:
			connections[s] = true
			slog.Debug("live hub subscriber connected", "service", h.service, "total", len(connections))

		case s := <-h.unregisterCh:
			if _, ok := connections[s]; ok {
				delete(connections, s)
				close(s.send)
			}

		case msg := <-h.broadcastCh:
			for s := range connections {
				select {
				case s.send <- msg:
				default:
					delete(connections, s)
					close(s.send)
				}
			}
		}
	}
}

// ServeWS upgrades r to a WebSocket, sends a snapshot of every active
// record, and then streams broadcast events until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("live hub websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, 64)}
	h.registerCh <- s

	go h.readPump(s)
	h.writePump(s)
}

func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.unregisterCh <- s
		s.conn.Close()
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	defer s.conn.Close()

	h.sendSnapshot(s)

	ticker := time.NewTicker(idlePingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			ticker.Reset(idlePingInterval)
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Records returns copies of every currently retained record, oldest
// first.
func (h *Hub) Records() []RequestRecord {
	h.reqMu.Lock()
	out := make([]RequestRecord, 0, len(h.requests))
	for _, rec := range h.requests {
		out = append(out, *rec)
	}
	h.reqMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (h *Hub) sendSnapshot(s *subscriber) {
	for _, rec := range h.Records() {
		payload := map[string]any{"type": "snapshot"}
		mergeRecord(payload, &rec)
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

func mergeRecord(payload map[string]any, rec *RequestRecord) {
	raw, _ := json.Marshal(rec)
	var fields map[string]any
	json.Unmarshal(raw, &fields)
	for k, v := range fields {
		payload[k] = v
	}
}

// broadcast marshals and sends event to every connected subscriber,
// best-effort: the event is dropped if the broadcast buffer is full.
func (h *Hub) broadcast(eventType, requestID string, extra map[string]any) {
	event := map[string]any{
		"type":       eventType,
		"request_id": requestID,
		"service":    h.service,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		event[k] = v
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcastCh <- raw:
	default:
	}
}

// RequestStarted records a new request and broadcasts the "started"
// event.
func (h *Hub) RequestStarted(requestID, method, path, channel string, headers map[string]string, targetURL string) {
	rec := &RequestRecord{
		RequestID:      requestID,
		Service:        h.service,
		Channel:        channel,
		Method:         method,
		Path:           path,
		StartTime:      time.Now(),
		Status:         StatusPending,
		RequestHeaders: sanitizeHeaders(headers),
		TargetURL:      targetURL,
		ResponseChunks: []string{},
	}

	h.reqMu.Lock()
	h.requests[requestID] = rec
	h.evictOldestLocked()
	h.reqMu.Unlock()

	extra := map[string]any{
		"channel":         channel,
		"method":          method,
		"path":            path,
		"start_time":      rec.StartTime.UTC().Format(time.RFC3339Nano),
		"status":          StatusPending,
		"request_headers": rec.RequestHeaders,
		"target_url":      targetURL,
	}
	h.broadcast("started", requestID, extra)
}

// evictOldestLocked enforces the concurrent-record cap by evicting the
// oldest records by StartTime. Caller must hold h.reqMu.
func (h *Hub) evictOldestLocked() {
	if len(h.requests) <= h.maxRequests {
		return
	}
	type kv struct {
		id  string
		rec *RequestRecord
	}
	all := make([]kv, 0, len(h.requests))
	for id, rec := range h.requests {
		all = append(all, kv{id, rec})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].rec.StartTime.Before(all[j].rec.StartTime) })

	overflow := len(all) - h.maxRequests
	for i := 0; i < overflow; i++ {
		delete(h.requests, all[i].id)
	}
}

// RequestStreaming transitions a record to STREAMING on first response
// byte.
func (h *Hub) RequestStreaming(requestID string, durationMs int64) {
	h.reqMu.Lock()
	rec, ok := h.requests[requestID]
	if ok {
		rec.Status = StatusStreaming
		rec.DurationMs = durationMs
	}
	h.reqMu.Unlock()
	if !ok {
		return
	}
	h.broadcast("progress", requestID, map[string]any{"status": StatusStreaming, "duration_ms": durationMs})
}

// ResponseChunk appends chunk to the record's retained response_chunks
// (bounded to MaxResponseBytes) and broadcasts a response_delta progress
// event for non-empty, non-whitespace chunks.
func (h *Hub) ResponseChunk(requestID, chunk string, durationMs int64) {
	h.reqMu.Lock()
	rec, ok := h.requests[requestID]
	if !ok {
		h.reqMu.Unlock()
		return
	}

	if rec.responseBytes < MaxResponseBytes {
		retained := chunk
		if remaining := MaxResponseBytes - rec.responseBytes; len(retained) > remaining {
			retained = retained[:remaining]
		}
		rec.ResponseChunks = append(rec.ResponseChunks, retained)
		rec.responseBytes += len(retained)
		if len(retained) < len(chunk) {
			rec.ResponseTruncated = true
			rec.ResponseChunks = append(rec.ResponseChunks, "[...response truncated...]")
		}
	} else if !rec.ResponseTruncated {
		rec.ResponseTruncated = true
		rec.ResponseChunks = append(rec.ResponseChunks, "[...response truncated...]")
	}
	rec.DurationMs = durationMs
	truncated := rec.ResponseTruncated
	h.reqMu.Unlock()

	if isBlank(chunk) {
		return
	}
	h.broadcast("progress", requestID, map[string]any{
		"response_delta":     chunk,
		"duration_ms":        durationMs,
		"response_truncated": truncated,
	})
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// RequestCompleted marks a record terminal (COMPLETED or FAILED),
// broadcasts the corresponding event, and schedules delayed eviction.
func (h *Hub) RequestCompleted(requestID string, statusCode int, durationMs int64, success bool) {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	h.reqMu.Lock()
	rec, ok := h.requests[requestID]
	if ok {
		rec.Status = status
		rec.StatusCode = statusCode
		rec.DurationMs = durationMs
	}
	h.reqMu.Unlock()
	if !ok {
		return
	}

	eventType := "completed"
	if !success {
		eventType = "failed"
	}
	h.broadcast(eventType, requestID, map[string]any{
		"status":      status,
		"status_code": statusCode,
		"duration_ms": durationMs,
	})

	go func() {
		time.Sleep(RetainAfterTerminal)
		h.reqMu.Lock()
		delete(h.requests, requestID)
		h.reqMu.Unlock()
	}()
}

// ActiveCount returns the number of records currently retained.
func (h *Hub) ActiveCount() int {
	h.reqMu.Lock()
	defer h.reqMu.Unlock()
	return len(h.requests)
}
