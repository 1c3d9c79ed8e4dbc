package history

import (
	"path/filepath"
	"testing"

	"github.com/clprelay/relay/internal/usage"
)

func TestAddAccumulatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Add("claude", "p1", usage.Metrics{Input: 10, Output: 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("claude", "p1", usage.Metrics{Input: 3, Output: 1}); err != nil {
		t.Fatal(err)
	}

	got := s.Get("claude", "p1")
	if got.Input != 13 || got.Output != 6 {
		t.Fatalf("unexpected accumulated metrics: %+v", got)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Get("claude", "p1"); got.Input != 13 {
		t.Fatalf("expected reload to see persisted metrics, got %+v", got)
	}
}

func TestRenameChannelMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("claude", "old-name", usage.Metrics{Input: 10, Output: 5})
	s.Add("claude", "new-name", usage.Metrics{Input: 1, Output: 1})

	if err := s.RenameChannel("claude", "old-name", "new-name"); err != nil {
		t.Fatal(err)
	}

	if got := s.Get("claude", "old-name"); got != (usage.Metrics{}) {
		t.Fatalf("expected old-name to be cleared, got %+v", got)
	}
	got := s.Get("claude", "new-name")
	if got.Input != 11 || got.Output != 6 {
		t.Fatalf("expected merged metrics Input=11 Output=6, got %+v", got)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Get("claude", "new-name"); got.Input != 11 {
		t.Fatalf("expected rename to persist, got %+v", got)
	}
}

func TestSumAcrossChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("claude", "p1", usage.Metrics{Input: 10})
	s.Add("claude", "p2", usage.Metrics{Input: 7})

	if got := s.Sum("claude", "p1"); got.Input != 10 {
		t.Fatalf("expected per-channel sum 10, got %+v", got)
	}
	if got := s.Sum("claude", ""); got.Input != 17 {
		t.Fatalf("expected all-channel sum 17, got %+v", got)
	}
}

func TestClearResetsService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("claude", "p1", usage.Metrics{Input: 10})
	if err := s.Clear("claude"); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("claude", "p1"); got != (usage.Metrics{}) {
		t.Fatalf("expected cleared metrics, got %+v", got)
	}
}
