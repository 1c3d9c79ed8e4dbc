// Package history implements the persisted, monotonically non-decreasing
// usage-history file that receives token totals spilled from evicted
// traffic-log entries.
package history

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/clprelay/relay/internal/usage"
)

// Store is the file-backed service -> channel -> metrics accumulator.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]map[string]usage.Metrics
}

// New loads path into a Store. A missing file yields an empty store.
func New(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]map[string]usage.Metrics{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var data map[string]map[string]usage.Metrics
	if err := json.Unmarshal(raw, &data); err != nil {
		// A corrupt history file is self-healed to empty, matching the
		// catalog's and filter's recovery behaviour: a UI-editable or
		// otherwise externally touched file must not brick the service.
		return s, nil
	}
	if data != nil {
		s.data = data
	}
	return s, nil
}

// Add accumulates m into service/channel's running total and persists the
// store.
func (s *Store) Add(service, channel string, m usage.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[service] == nil {
		s.data[service] = map[string]usage.Metrics{}
	}
	existing := s.data[service][channel]
	existing.Add(m)
	s.data[service][channel] = existing
	return s.saveLocked()
}

// Get returns the accumulated metrics for service/channel.
func (s *Store) Get(service, channel string) usage.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[service][channel]
}

// Sum returns service's accumulated metrics, restricted to one channel
// when channel is non-empty, summed across all channels otherwise.
func (s *Store) Sum(service, channel string) usage.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channel != "" {
		return s.data[service][channel]
	}
	var total usage.Metrics
	for _, m := range s.data[service] {
		total.Add(m)
	}
	return total
}

// RenameChannel moves service/oldName's accumulated metrics onto
// service/newName, merging additively if newName already has a total,
// and persists the store, so a channel rename never loses usage history.
func (s *Store) RenameChannel(service, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svcData := s.data[service]
	if svcData == nil {
		return nil
	}
	old, ok := svcData[oldName]
	if !ok {
		return nil
	}
	delete(svcData, oldName)
	merged := svcData[newName]
	merged.Add(old)
	svcData[newName] = merged
	return s.saveLocked()
}

// Clear resets service's accumulated history entirely (an explicit
// "clear usage" request).
func (s *Store) Clear(service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, service)
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o644)
}
