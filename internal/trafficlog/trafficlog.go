// Package trafficlog implements the bounded, whole-file-rewritten JSONL
// traffic log, with evicted entries' usage rolled into a persisted
// history store.
package trafficlog

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/clprelay/relay/internal/history"
	"github.com/clprelay/relay/internal/usage"
)

// AllowedCaps lists the operator-configurable log-size caps.
var AllowedCaps = []int{10, 30, 50, 100}

// DefaultCap is used when the system config doesn't specify one.
const DefaultCap = 50

// Entry is a single traffic-log record.
type Entry struct {
	Timestamp         string            `json:"timestamp"`
	Service           string            `json:"service"`
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	StatusCode        int               `json:"status_code"`
	DurationMs        int64             `json:"duration_ms"`
	TargetHeaders     map[string]string `json:"target_headers,omitempty"`
	Channel           string            `json:"channel,omitempty"`
	Error             string            `json:"error,omitempty"`
	FilteredBody      string            `json:"filtered_body,omitempty"` // base64
	OriginalBody      string            `json:"original_body,omitempty"` // base64
	OriginalHeaders   map[string]string `json:"original_headers,omitempty"`
	Usage             usage.Metrics     `json:"usage"`
	Response          string            `json:"response,omitempty"` // base64, bounded to 1 MiB
	ResponseTruncated bool              `json:"response_truncated"`
	ResponseBytes     int64             `json:"response_bytes"`
	ResponseHeaders   map[string]string `json:"response_headers,omitempty"`
}

// EncodeBody base64-encodes a request/response body for Entry storage.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// Log is the bounded, file-backed traffic log for one service family.
type Log struct {
	path    string
	service string
	cap     int
	history *history.Store
	index   *sqliteIndex // nil if no SQLite index path was configured

	mu      sync.Mutex
	entries []Entry
}

// New creates a Log backed by path, bounded to capN entries (clamped to
// the nearest allowed value), rolling evicted entries' usage into hist.
// indexPath, if non-empty, opens a SQLite query projection at that path
// (see index.go); a failure to open it is logged and the log continues
// without it, since the JSONL file remains the source of truth.
func New(path, service string, capN int, hist *history.Store, indexPath string) (*Log, error) {
	l := &Log{
		path:    path,
		service: service,
		cap:     clampCap(capN),
		history: hist,
	}

	if indexPath != "" {
		idx, err := openIndex(indexPath)
		if err != nil {
			slog.Error("traffic log sqlite index unavailable, continuing without it", "error", err)
		} else {
			l.index = idx
		}
	}

	entries, err := readAll(path)
	if err != nil {
		return nil, err
	}
	l.entries = entries
	if l.index != nil {
		l.index.rebuild(service, entries)
	}
	return l, nil
}

func clampCap(n int) int {
	best := DefaultCap
	bestDiff := -1
	for _, allowed := range AllowedCaps {
		diff := allowed - n
		if diff < 0 {
			diff = -diff
		}
		if bestDiff == -1 || diff < bestDiff {
			bestDiff = diff
			best = allowed
		}
	}
	return best
}

func readAll(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, line := range splitLines(raw) {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Error("traffic log entry corrupt, skipping", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

// Insert appends e to the log, evicting the oldest entries beyond the
// configured cap and rolling their usage into history, then rewrites the
// whole file. The cap keeps the rewrite cheap.
func (l *Log) Insert(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)

	var evicted []Entry
	for len(l.entries) > l.cap {
		evicted = append(evicted, l.entries[0])
		l.entries = l.entries[1:]
	}

	for _, ev := range evicted {
		if l.history != nil {
			if err := l.history.Add(ev.Service, ev.Channel, ev.Usage); err != nil {
				slog.Error("rolling evicted entry usage into history failed", "error", err)
			}
		}
	}

	if err := l.rewriteLocked(); err != nil {
		return err
	}
	if l.index != nil {
		l.index.rebuild(l.service, l.entries)
	}
	return nil
}

func (l *Log) rewriteLocked() error {
	var buf []byte
	for _, e := range l.entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf = append(buf, raw...)
		buf = append(buf, '\n')
	}
	return os.WriteFile(l.path, buf, 0o644)
}

// RenameChannel rewrites the Channel field of every retained entry from
// oldName to newName and rewrites the file, keeping live usage sums
// attributed to the renamed channel rather than orphaned under a name
// the catalog no longer has.
func (l *Log) RenameChannel(oldName, newName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := false
	for i, e := range l.entries {
		if e.Channel == oldName {
			l.entries[i].Channel = newName
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := l.rewriteLocked(); err != nil {
		return err
	}
	if l.index != nil {
		l.index.rebuild(l.service, l.entries)
	}
	return nil
}

// Entries returns a defensive copy of the currently retained entries.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// LiveUsageSum returns the additive sum of usage metrics across every
// entry currently retained in the bounded log for channel (or every
// channel, if channel is empty). Callers add the history store's totals
// to get the full aggregate.
func (l *Log) LiveUsageSum(channel string) usage.Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sum usage.Metrics
	for _, e := range l.entries {
		if channel != "" && e.Channel != channel {
			continue
		}
		sum.Add(e.Usage)
	}
	return sum
}

// UsageTotal returns the two-tier usage aggregate for channel: the sum
// over entries still retained in the bounded log plus the history
// accumulated from evicted ones. An empty channel sums every channel of
// this service.
func (l *Log) UsageTotal(channel string) usage.Metrics {
	total := l.LiveUsageSum(channel)
	if l.history != nil {
		total.Add(l.history.Sum(l.service, channel))
	}
	return total
}

// Query runs a filtered read against the SQLite index, if one is
// configured; returns an empty slice and no error when the index is
// unavailable, since the JSONL file (via Entries) is always authoritative.
func (l *Log) Query(params QueryParams) ([]IndexedEntry, error) {
	if l.index == nil {
		return nil, nil
	}
	return l.index.query(params)
}

// Close releases the SQLite index, if one was opened.
func (l *Log) Close() error {
	if l.index != nil {
		return l.index.close()
	}
	return nil
}
