package relay

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProbeResult reports the outcome of a connectivity self-test against a
// candidate channel, without touching the channel catalog, load-balance
// state, or traffic log. Used by the CLI's diagnostic flag, never by the
// request-forwarding path.
type ProbeResult struct {
	StatusCode int
	LatencyMs  int64
	Err        string
}

// Probe sends a minimal request to baseURL using the given credentials
// and reports latency and status. It never mutates shared state.
func Probe(ctx context.Context, client *http.Client, baseURL, authToken, apiKey, path string) ProbeResult {
	start := time.Now()

	target, err := BuildTargetURL(baseURL, path, "")
	if err != nil {
		return ProbeResult{Err: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{Err: err.Error()}
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{Err: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return ProbeResult{StatusCode: resp.StatusCode, LatencyMs: time.Since(start).Milliseconds()}
}
