// Package lb implements the load-balance selector and its persisted
// failure-tracking state.
package lb

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/clprelay/relay/internal/signature"
)

const (
	ModeActiveFirst = "active-first"
	ModeWeightBased = "weight-based"

	// DefaultFailureThreshold is applied when a service section doesn't
	// specify one.
	DefaultFailureThreshold = 3
)

// ServiceState is one service's load-balance bookkeeping.
type ServiceState struct {
	FailureThreshold int            `json:"failureThreshold"`
	CurrentFailures  map[string]int `json:"currentFailures"`
	ExcludedConfigs  []string       `json:"excludedConfigs"`
}

// document is the on-disk shape, shared by every service family.
type document struct {
	Mode     string                  `json:"mode"`
	Services map[string]ServiceState `json:"services"`
}

// Catalog is satisfied by a channel source the selector can enumerate and
// look weights up from.
type Catalog interface {
	Names() []string
	Weight(name string) float64
	Active() string
}

// Store is the single in-process owner of the shared load-balance config
// file. Every family's Selector reads and writes through the same Store,
// so one family's save can never clobber another family's section.
type Store struct {
	path string
	sig  *signature.Cache

	mu  sync.Mutex
	doc document
}

// NewStore creates the Store backed by path. Missing sections are
// populated with defaults on load.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, sig: signature.NewCache(time.Second)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Selector is one service family's view over the shared Store.
type Selector struct {
	store   *Store
	service string
}

// NewSelector returns service's view over store.
func NewSelector(store *Store, service string) *Selector {
	return &Selector{store: store, service: service}
}

// Select returns the channel name to use for the next request. catalog
// must not be nil.
func (s *Selector) Select(catalog Catalog) string {
	return s.store.selectFor(s.service, catalog)
}

// RecordResult updates failure bookkeeping for channel after a request
// completed with statusCode. It is a no-op in active-first mode, which
// never fails over. Callers invoke it exactly once per request.
func (s *Selector) RecordResult(channel string, statusCode int) {
	s.store.recordResult(s.service, channel, statusCode)
}

// RenameChannel rewrites this service's currentFailures key and
// excludedConfigs entry for oldName onto newName and persists the full
// document, so a catalog-side rename keeps its failure bookkeeping.
func (s *Selector) RenameChannel(oldName, newName string) error {
	return s.store.renameChannel(s.service, oldName, newName)
}

func (s *Store) selectFor(service string, catalog Catalog) string {
	s.maybeReload()
	s.pruneOrphans(service, catalog)

	s.mu.Lock()
	mode := s.doc.Mode
	state := s.ensureServiceLocked(service)
	excluded := make(map[string]bool, len(state.ExcludedConfigs))
	for _, n := range state.ExcludedConfigs {
		excluded[n] = true
	}
	failures := make(map[string]int, len(state.CurrentFailures))
	for k, v := range state.CurrentFailures {
		failures[k] = v
	}
	threshold := state.FailureThreshold
	s.mu.Unlock()

	active := catalog.Active()

	if mode != ModeWeightBased {
		return active
	}

	names := append([]string(nil), catalog.Names()...)
	sort.Slice(names, func(i, j int) bool {
		wi, wj := catalog.Weight(names[i]), catalog.Weight(names[j])
		if wi != wj {
			return wi > wj
		}
		return names[i] < names[j]
	})

	for _, n := range names {
		if excluded[n] {
			continue
		}
		if failures[n] >= threshold && threshold > 0 {
			continue
		}
		return n
	}

	if active != "" {
		return active
	}
	if len(names) > 0 {
		sort.Strings(names)
		return names[0]
	}
	return ""
}

// pruneOrphans drops excludedConfigs entries and failure counters for
// channel names the catalog no longer knows, persisting only when
// something was actually removed.
func (s *Store) pruneOrphans(service string, catalog Catalog) {
	known := map[string]bool{}
	for _, n := range catalog.Names() {
		known[n] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ensureServiceLocked(service)
	changed := false

	kept := state.ExcludedConfigs[:0:0]
	for _, n := range state.ExcludedConfigs {
		if known[n] {
			kept = append(kept, n)
		} else {
			changed = true
		}
	}
	state.ExcludedConfigs = kept

	for n := range state.CurrentFailures {
		if !known[n] {
			delete(state.CurrentFailures, n)
			changed = true
		}
	}

	if !changed {
		return
	}
	s.doc.Services[service] = state
	if err := s.saveLocked(); err != nil {
		slog.Error("lb state save failed", "error", err)
	}
}

func (s *Store) recordResult(service, channel string, statusCode int) {
	if channel == "" {
		return
	}

	// Pick up external edits (mode flips, threshold changes) before
	// mutating, so the save below writes back current state.
	s.maybeReload()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Mode != ModeWeightBased {
		return
	}

	state := s.ensureServiceLocked(service)
	success := statusCode >= 200 && statusCode < 300

	before := state.CurrentFailures[channel]
	wasExcluded := containsStr(state.ExcludedConfigs, channel)

	if success {
		state.CurrentFailures[channel] = 0
		state.ExcludedConfigs = removeStr(state.ExcludedConfigs, channel)
	} else {
		state.CurrentFailures[channel] = before + 1
		if state.CurrentFailures[channel] >= state.FailureThreshold && !wasExcluded {
			state.ExcludedConfigs = append(state.ExcludedConfigs, channel)
		}
	}

	changed := !success || before != 0 || wasExcluded
	s.doc.Services[service] = state
	if changed {
		if err := s.saveLocked(); err != nil {
			slog.Error("lb state save failed", "error", err)
		}
	}
}

func (s *Store) renameChannel(service, oldName, newName string) error {
	s.maybeReload()

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ensureServiceLocked(service)
	changed := false

	if n, ok := state.CurrentFailures[oldName]; ok {
		delete(state.CurrentFailures, oldName)
		state.CurrentFailures[newName] += n
		changed = true
	}
	if containsStr(state.ExcludedConfigs, oldName) {
		state.ExcludedConfigs = removeStr(state.ExcludedConfigs, oldName)
		if !containsStr(state.ExcludedConfigs, newName) {
			state.ExcludedConfigs = append(state.ExcludedConfigs, newName)
		}
		changed = true
	}

	if !changed {
		return nil
	}
	s.doc.Services[service] = state
	return s.saveLocked()
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func removeStr(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// ensureServiceLocked returns (and stores, if absent) service's section,
// populated with defaults. Caller must hold s.mu.
func (s *Store) ensureServiceLocked(service string) ServiceState {
	if s.doc.Services == nil {
		s.doc.Services = map[string]ServiceState{}
	}
	state, ok := s.doc.Services[service]
	if !ok {
		state = ServiceState{}
	}
	if state.FailureThreshold <= 0 {
		state.FailureThreshold = DefaultFailureThreshold
	}
	if state.CurrentFailures == nil {
		state.CurrentFailures = map[string]int{}
	}
	s.doc.Services[service] = state
	return state
}

// ForceReload reloads the document from disk unconditionally, bypassing
// the stat rate limit; used by the directory watcher on a detected write.
func (s *Store) ForceReload() error {
	s.sig.Reset()
	return s.reload()
}

func (s *Store) maybeReload() {
	changed, err := s.sig.ShouldReload(s.path)
	if err != nil {
		slog.Error("lb state stat failed", "path", s.path, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := s.reload(); err != nil {
		slog.Error("lb state reload failed", "path", s.path, "error", err)
	}
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.doc = document{Mode: ModeActiveFirst, Services: map[string]ServiceState{}}
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Error("lb config parse error, resetting to active-first", "path", s.path, "error", err)
		s.mu.Lock()
		s.doc = document{Mode: ModeActiveFirst, Services: map[string]ServiceState{}}
		s.mu.Unlock()
		return nil
	}
	if doc.Mode == "" {
		doc.Mode = ModeActiveFirst
	}
	if doc.Services == nil {
		doc.Services = map[string]ServiceState{}
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// saveLocked writes the current document to disk. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	// currentFailures[c] >= threshold must imply c is excluded; repair
	// before persisting.
	for svc, state := range s.doc.Services {
		excluded := make(map[string]bool, len(state.ExcludedConfigs))
		for _, n := range state.ExcludedConfigs {
			excluded[n] = true
		}
		for name, n := range state.CurrentFailures {
			if n >= state.FailureThreshold && !excluded[name] {
				state.ExcludedConfigs = append(state.ExcludedConfigs, name)
				excluded[name] = true
			}
		}
		s.doc.Services[svc] = state
	}

	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return err
	}
	s.sig.Reset()
	return nil
}
