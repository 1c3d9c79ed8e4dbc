package lb

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeCatalog struct {
	active  string
	weights map[string]float64
}

func (f fakeCatalog) Names() []string {
	names := make([]string, 0, len(f.weights))
	for n := range f.weights {
		names = append(names, n)
	}
	return names
}
func (f fakeCatalog) Weight(name string) float64 { return f.weights[name] }
func (f fakeCatalog) Active() string             { return f.active }

func newTestSelector(t *testing.T, path, service string) *Selector {
	t.Helper()
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	return NewSelector(store, service)
}

func TestActiveFirstSelectsActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.json")
	s := newTestSelector(t, path, "claude")
	cat := fakeCatalog{active: "p1", weights: map[string]float64{"p1": 1, "p2": 5}}
	if got := s.Select(cat); got != "p1" {
		t.Fatalf("expected active-first to return p1, got %q", got)
	}
}

func TestWeightBasedFailoverScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.json")
	os.WriteFile(path, []byte(`{"mode":"weight-based","services":{"claude":{"failureThreshold":2}}}`), 0o644)

	s := newTestSelector(t, path, "claude")
	cat := fakeCatalog{active: "a", weights: map[string]float64{"a": 3, "b": 1}}

	if got := s.Select(cat); got != "a" {
		t.Fatalf("expected a selected first (higher weight), got %q", got)
	}

	s.RecordResult("a", 500)
	if got := s.Select(cat); got != "a" {
		t.Fatalf("one failure must not exclude a yet, got %q", got)
	}

	s.RecordResult("a", 500)
	if got := s.Select(cat); got != "b" {
		t.Fatalf("after reaching threshold, expected failover to b, got %q", got)
	}

	s.RecordResult("b", 200)
	if got := s.Select(cat); got != "b" {
		t.Fatalf("b should remain selected after success, got %q", got)
	}

	raw, _ := os.ReadFile(path)
	if !jsonContains(raw, `"a"`) {
		t.Fatalf("expected a to remain recorded as excluded: %s", raw)
	}
}

func TestTwoSelectorsShareOneStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.json")
	os.WriteFile(path, []byte(`{"mode":"weight-based","services":{"claude":{"failureThreshold":1},"codex":{"failureThreshold":1}}}`), 0o644)

	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	claude := NewSelector(store, "claude")
	codex := NewSelector(store, "codex")

	claude.RecordResult("a", 500)
	codex.RecordResult("b", 500)

	// Both families' updates must survive in the one persisted document;
	// the second save must not clobber the first family's section.
	raw, _ := os.ReadFile(path)
	if !jsonContains(raw, `"a"`) || !jsonContains(raw, `"b"`) {
		t.Fatalf("expected both families' exclusions persisted, got %s", raw)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	cat := fakeCatalog{active: "a", weights: map[string]float64{"a": 1}}
	if got := NewSelector(reloaded, "claude").Select(cat); got != "a" {
		t.Fatalf("expected excluded-all fallback to active, got %q", got)
	}
}

func TestRenameChannelRewritesFailuresAndExclusions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.json")
	os.WriteFile(path, []byte(`{"mode":"weight-based","services":{"claude":{"failureThreshold":2,"currentFailures":{"old-name":2},"excludedConfigs":["old-name"]}}}`), 0o644)

	s := newTestSelector(t, path, "claude")
	if err := s.RenameChannel("old-name", "new-name"); err != nil {
		t.Fatal(err)
	}

	reloaded := newTestSelector(t, path, "claude")
	cat := fakeCatalog{active: "new-name", weights: map[string]float64{"new-name": 1}}
	if got := reloaded.Select(cat); got != cat.active {
		t.Fatalf("expected fallback to active after rename, got %q", got)
	}
	raw, _ := os.ReadFile(path)
	if jsonContains(raw, `"old-name"`) {
		t.Fatalf("expected old-name purged from persisted lb state, got %s", raw)
	}
	if !jsonContains(raw, `"new-name"`) {
		t.Fatalf("expected new-name recorded in persisted lb state, got %s", raw)
	}
}

func TestSelectPrunesOrphanedExclusions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.json")
	os.WriteFile(path, []byte(`{"mode":"weight-based","services":{"claude":{"failureThreshold":2,"currentFailures":{"gone":2},"excludedConfigs":["gone"]}}}`), 0o644)

	s := newTestSelector(t, path, "claude")
	cat := fakeCatalog{active: "a", weights: map[string]float64{"a": 1}}
	if got := s.Select(cat); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}

	raw, _ := os.ReadFile(path)
	if jsonContains(raw, `"gone"`) {
		t.Fatalf("expected orphaned channel pruned from persisted state, got %s", raw)
	}
}

func TestRecordResultIsNoOpInActiveFirstMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lb.json")
	s := newTestSelector(t, path, "claude")
	s.RecordResult("a", 500)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("active-first mode must not persist LB state on failure, file exists: %v", err)
	}
}

func jsonContains(raw []byte, needle string) bool {
	s := string(raw)
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
