package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clprelay/relay/internal/catalog"
	"github.com/clprelay/relay/internal/filter"
	"github.com/clprelay/relay/internal/history"
	"github.com/clprelay/relay/internal/lb"
	"github.com/clprelay/relay/internal/livehub"
	"github.com/clprelay/relay/internal/relay"
	"github.com/clprelay/relay/internal/routing"
	"github.com/clprelay/relay/internal/trafficlog"
)

func buildService(t *testing.T, dir, upstreamURL, filterJSON string) *Service {
	t.Helper()

	catPath := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(catPath, []byte(`{"main":{"base_url":"`+upstreamURL+`","active":true}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.New(catPath, 0)
	if err != nil {
		t.Fatal(err)
	}

	filterPath := filepath.Join(dir, "filter.json")
	if filterJSON != "" {
		if err := os.WriteFile(filterPath, []byte(filterJSON), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	filt, err := filter.New(filterPath)
	if err != nil {
		t.Fatal(err)
	}

	routerStore, err := routing.NewStore(filepath.Join(dir, "router.json"))
	if err != nil {
		t.Fatal(err)
	}
	lbStore, err := lb.NewStore(filepath.Join(dir, "lb.json"))
	if err != nil {
		t.Fatal(err)
	}

	hist, err := history.New(filepath.Join(dir, "history.json"))
	if err != nil {
		t.Fatal(err)
	}

	log, err := trafficlog.New(filepath.Join(dir, "traffic.jsonl"), "claude", 50, hist, "")
	if err != nil {
		t.Fatal(err)
	}

	hub := livehub.New("claude")
	go hub.Run()

	return New(Config{
		Name:     "claude",
		Catalog:  cat,
		Filter:   filt,
		Router:   routing.NewRouter(routerStore, "claude"),
		Selector: lb.NewSelector(lbStore, "claude"),
		Hub:      hub,
		Log:      log,
		Client:   relay.NewClient(),
	})
}

func TestServiceForwardsAndLogsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "claude-3") {
			t.Errorf("expected forwarded body to contain model, got %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer upstream.Close()

	svc := buildService(t, t.TempDir(), upstream.URL, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3"}`))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	svc.Flush()

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	entries := svc.cfg.Log.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 traffic log entry, got %d", len(entries))
	}
	if entries[0].Usage.Input != 10 || entries[0].Usage.Output != 5 {
		t.Fatalf("expected extracted usage recorded, got %+v", entries[0].Usage)
	}
	if entries[0].Channel != "main" {
		t.Fatalf("expected channel 'main', got %q", entries[0].Channel)
	}
	if entries[0].Path != upstream.URL+"/v1/messages" {
		t.Fatalf("expected log path to record the target URL, got %q", entries[0].Path)
	}
	if len(entries[0].TargetHeaders) == 0 {
		t.Fatal("expected upstream request headers recorded in target_headers")
	}
}

func TestServiceAppliesFilterAndLogsBothBodies(t *testing.T) {
	bodyCh := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodyCh <- string(b)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc := buildService(t, t.TempDir(), upstream.URL, `[{"source":"SECRET","op":"remove"}]`)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"api":"SECRET-xyz"}`))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	svc.Flush()

	if got := <-bodyCh; got != `{"api":"-xyz"}` {
		t.Fatalf("expected filtered body upstream, got %s", got)
	}

	entries := svc.cfg.Log.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	orig, _ := base64.StdEncoding.DecodeString(entries[0].OriginalBody)
	filtered, _ := base64.StdEncoding.DecodeString(entries[0].FilteredBody)
	if !strings.Contains(string(orig), "SECRET-xyz") {
		t.Fatalf("expected original body retained in log, got %s", orig)
	}
	if strings.Contains(string(filtered), "SECRET") {
		t.Fatalf("expected filtered body scrubbed in log, got %s", filtered)
	}
}

func TestServiceStreamsSSEByteForByte(t *testing.T) {
	frames := "event: delta\ndata: {\"x\":1}\n\n" +
		"event: delta\ndata: {\"x\":2}\n\n" +
		"data: {\"usage\":{\"input_tokens\":4,\"output_tokens\":2}}\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range strings.SplitAfter(frames, "\n\n") {
			if line == "" {
				continue
			}
			w.Write([]byte(line))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	svc := buildService(t, t.TempDir(), upstream.URL, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m","stream":true}`))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	svc.Flush()

	if rec.Body.String() != frames {
		t.Fatalf("expected byte-for-byte passthrough, got %q", rec.Body.String())
	}

	entries := svc.cfg.Log.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Usage.Input != 4 || entries[0].Usage.Output != 2 {
		t.Fatalf("expected usage extracted from trailing SSE frame, got %+v", entries[0].Usage)
	}
	if entries[0].ResponseTruncated {
		t.Fatal("expected response under the capture bound to not be truncated")
	}
}

func TestServiceRecordsClientDisconnectAs499(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			if _, err := w.Write([]byte("data: {\"x\":1}\n\n")); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer upstream.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lb.json"), []byte(`{"mode":"weight-based","services":{"claude":{"failureThreshold":1}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := buildService(t, dir, upstream.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`)).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	svc.ServeHTTP(rec, req)
	svc.Flush()

	entries := svc.cfg.Log.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].StatusCode != 499 {
		t.Fatalf("expected client disconnect logged as 499, got %d", entries[0].StatusCode)
	}

	records := svc.cfg.Hub.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 hub record, got %d", len(records))
	}
	if records[0].Status != livehub.StatusFailed || records[0].StatusCode != 499 {
		t.Fatalf("expected FAILED/499 hub record, got %s/%d", records[0].Status, records[0].StatusCode)
	}

	// RecordResult must have seen the 499: threshold 1 excludes the
	// channel in the persisted weight-based state.
	raw, err := os.ReadFile(filepath.Join(dir, "lb.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Services map[string]struct {
			ExcludedConfigs []string `json:"excludedConfigs"`
		} `json:"services"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	excluded := doc.Services["claude"].ExcludedConfigs
	if len(excluded) != 1 || excluded[0] != "main" {
		t.Fatalf("expected main excluded after 499, got %s", raw)
	}
}

func TestServiceReturnsErrorWhenNoChannel(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.New(filepath.Join(dir, "catalog.json"), 0)
	if err != nil {
		t.Fatal(err)
	}
	filt, _ := filter.New(filepath.Join(dir, "filter.json"))
	routerStore, _ := routing.NewStore(filepath.Join(dir, "router.json"))
	lbStore, _ := lb.NewStore(filepath.Join(dir, "lb.json"))
	hist, _ := history.New(filepath.Join(dir, "history.json"))
	log, _ := trafficlog.New(filepath.Join(dir, "traffic.jsonl"), "claude", 50, hist, "")
	hub := livehub.New("claude")
	go hub.Run()

	svc := New(Config{
		Name:     "claude",
		Catalog:  cat,
		Filter:   filt,
		Router:   routing.NewRouter(routerStore, "claude"),
		Selector: lb.NewSelector(lbStore, "claude"),
		Hub:      hub,
		Log:      log,
		Client:   relay.NewClient(),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 (routing-misconfigured), got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"no active config"`) {
		t.Fatalf(`expected body {"error":"no active config"}, got %s`, rec.Body.String())
	}
}
