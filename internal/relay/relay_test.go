package relay

import (
	"net/http"
	"testing"
)

func TestBuildUpstreamHeadersStripsAndInjects(t *testing.T) {
	src := http.Header{
		"Authorization":  {"Bearer client-token"},
		"Host":           {"client-host"},
		"Content-Length": {"123"},
		"X-Api-Key":      {"client-key"},
		"Accept":         {"application/json"},
	}

	out := BuildUpstreamHeaders(src, "upstream.example", "upstream-token", "upstream-key")

	if out.Get("Authorization") != "Bearer upstream-token" {
		t.Fatalf("expected upstream bearer token, got %q", out.Get("Authorization"))
	}
	if out.Get("X-Api-Key") != "upstream-key" {
		t.Fatalf("expected upstream api key, got %q", out.Get("X-Api-Key"))
	}
	if out.Get("Host") != "upstream.example" {
		t.Fatalf("expected host rewritten, got %q", out.Get("Host"))
	}
	if out.Get("Accept") != "application/json" {
		t.Fatalf("expected unrelated header preserved, got %q", out.Get("Accept"))
	}
	if out.Get("Connection") != "keep-alive" {
		t.Fatalf("expected connection: keep-alive ensured, got %q", out.Get("Connection"))
	}
}

func TestBuildUpstreamHeadersOmitsAbsentCredentials(t *testing.T) {
	out := BuildUpstreamHeaders(http.Header{}, "upstream.example", "", "")
	if out.Get("Authorization") != "" {
		t.Fatalf("expected no authorization header when channel has no token, got %q", out.Get("Authorization"))
	}
	if out.Get("X-Api-Key") != "" {
		t.Fatalf("expected no x-api-key header when channel has no key, got %q", out.Get("X-Api-Key"))
	}
}

func TestCopyResponseHeadersStripsHopByHop(t *testing.T) {
	rec := &testResponseWriter{header: http.Header{}}
	src := http.Header{
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Content-Type":      {"application/json"},
	}
	CopyResponseHeaders(rec, src)

	if rec.header.Get("Connection") != "" {
		t.Fatal("expected Connection stripped")
	}
	if rec.header.Get("Transfer-Encoding") != "" {
		t.Fatal("expected Transfer-Encoding stripped")
	}
	if rec.header.Get("Content-Type") != "application/json" {
		t.Fatal("expected Content-Type preserved")
	}
}

func TestAnnotateResponseHeadersMarksStripped(t *testing.T) {
	src := http.Header{
		"Connection":   {"keep-alive"},
		"Content-Type": {"application/json"},
	}
	out := AnnotateResponseHeaders(src)
	if out["Connection (stripped)"] != "keep-alive" {
		t.Fatalf("expected stripped marker on Connection, got %+v", out)
	}
	if out["Content-Type"] != "application/json" {
		t.Fatalf("expected forwarded header recorded plainly, got %+v", out)
	}
}

func TestBuildTargetURL(t *testing.T) {
	got, err := BuildTargetURL("https://u.example/v1/", "/messages", "beta=true")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://u.example/v1/messages?beta=true" {
		t.Fatalf("unexpected target url: %s", got)
	}
}

func TestWantsStreamingDetection(t *testing.T) {
	cases := []struct {
		accept, ct, helper string
		want               bool
	}{
		{"text/event-stream", "", "", true},
		{"", "text/event-stream; charset=utf-8", "", true},
		{"", "application/x-ndjson", "", true},
		{"", "application/stream+json", "", true},
		{"", "", "stream", true},
		{"application/json", "application/json", "", false},
	}
	for _, c := range cases {
		if got := WantsStreaming(c.accept, c.ct, c.helper); got != c.want {
			t.Fatalf("WantsStreaming(%q,%q,%q)=%v, want %v", c.accept, c.ct, c.helper, got, c.want)
		}
	}
}

func TestCaptureBufferBounded(t *testing.T) {
	var cap CaptureBuffer
	cap.Write(make([]byte, MaxCaptureBytes-10))
	cap.Write(make([]byte, 100))

	if len(cap.Bytes()) != MaxCaptureBytes {
		t.Fatalf("expected capped at %d, got %d", MaxCaptureBytes, len(cap.Bytes()))
	}
	if !cap.Truncated() {
		t.Fatal("expected truncated flag set")
	}
	if cap.TotalBytes() != MaxCaptureBytes-10+100 {
		t.Fatalf("expected total bytes to track everything observed, got %d", cap.TotalBytes())
	}
}

type testResponseWriter struct {
	header http.Header
}

func (w *testResponseWriter) Header() http.Header       { return w.header }
func (w *testResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *testResponseWriter) WriteHeader(int)            {}
