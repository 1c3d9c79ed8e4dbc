// Package routing implements the router: JSON-body model rewriting and
// model/channel override resolution.
package routing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clprelay/relay/internal/signature"
)

const (
	ModeDefault       = "default"
	ModeModelMapping  = "model-mapping"
	ModeConfigMapping = "config-mapping"
)

// ModelMapping is a single model-mapping entry. SourceType distinguishes
// whether Source is matched against the incoming body's model field
// ("model") or against the currently-selected channel name ("config").
type ModelMapping struct {
	Source     string `json:"source"`
	SourceType string `json:"source_type"`
	Target     string `json:"target"`
}

// ConfigMapping forces channel Config when the body's model equals Model.
type ConfigMapping struct {
	Model  string `json:"model"`
	Config string `json:"config"`
}

// Config is the on-disk router config document, shared by every service
// family.
type Config struct {
	Mode           string                     `json:"mode"`
	ModelMappings  map[string][]ModelMapping  `json:"modelMappings"`
	ConfigMappings map[string][]ConfigMapping `json:"configMappings"`
}

// Store is the single in-process owner of the shared router config file.
// Every family's Router reads and writes through the same Store, so one
// family's save can never clobber another family's mappings.
type Store struct {
	path string
	sig  *signature.Cache

	mu  sync.RWMutex
	cfg Config
}

// NewStore creates the Store backed by path. A missing or malformed file
// yields ModeDefault: a broken routing config degrades to passthrough,
// never to failure.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, sig: signature.NewCache(time.Second)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Router is one service family's view over the shared Store.
type Router struct {
	store   *Store
	service string
}

// NewRouter returns service's view over store.
func NewRouter(store *Store, service string) *Router {
	return &Router{store: store, service: service}
}

// CatalogLookup is satisfied by anything that can confirm a channel name
// exists, used by config-mapping resolution.
type CatalogLookup interface {
	Has(name string) bool
}

// Route applies the router's current mode to body (the raw request body)
// and the already-selected channel name (used by source_type=config model
// mappings). It returns the possibly-rewritten body and an optional
// channel override. Only the first matching rule fires; later rules for
// the same request are not consulted.
func (r *Router) Route(body []byte, selectedChannel string, catalog CatalogLookup) ([]byte, string) {
	r.store.maybeReload()

	r.store.mu.RLock()
	cfg := r.store.cfg
	r.store.mu.RUnlock()

	switch cfg.Mode {
	case ModeModelMapping:
		return r.applyModelMapping(cfg, body, selectedChannel)
	case ModeConfigMapping:
		return r.applyConfigMapping(cfg, body, catalog)
	default:
		return body, ""
	}
}

func (r *Router) applyModelMapping(cfg Config, body []byte, selectedChannel string) ([]byte, string) {
	mappings := cfg.ModelMappings[r.service]
	if len(mappings) == 0 {
		return body, ""
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, ""
	}
	model, _ := doc["model"].(string)

	for _, m := range mappings {
		source := strings.TrimSpace(m.Source)
		target := strings.TrimSpace(m.Target)
		if source == "" {
			continue
		}

		matched := false
		switch m.SourceType {
		case "config":
			matched = source == selectedChannel
		default: // "model", or unspecified, is matched against the body
			matched = source == model
		}
		if !matched {
			continue
		}

		doc["model"] = target
		rewritten, err := json.Marshal(doc)
		if err != nil {
			return body, ""
		}
		return rewritten, ""
	}
	return body, ""
}

func (r *Router) applyConfigMapping(cfg Config, body []byte, catalog CatalogLookup) ([]byte, string) {
	mappings := cfg.ConfigMappings[r.service]
	if len(mappings) == 0 {
		return body, ""
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, ""
	}
	model, _ := doc["model"].(string)

	for _, m := range mappings {
		if m.Model == "" || model != m.Model {
			continue
		}
		if catalog != nil && !catalog.Has(m.Config) {
			// A mapping whose target channel no longer exists is skipped
			// rather than aborting the lookup.
			continue
		}
		return body, m.Config
	}
	return body, ""
}

// RenameChannel rewrites every config-name reference in this service's
// mappings (source_type=config model mappings and config-mapping targets)
// from oldName to newName and persists the full shared router document.
func (r *Router) RenameChannel(oldName, newName string) error {
	return r.store.renameChannel(r.service, oldName, newName)
}

func (s *Store) renameChannel(service, oldName, newName string) error {
	s.maybeReload()

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false

	if s.cfg.ModelMappings != nil {
		mappings := s.cfg.ModelMappings[service]
		for i, m := range mappings {
			if m.SourceType == "config" && m.Source == oldName {
				mappings[i].Source = newName
				changed = true
			}
		}
		s.cfg.ModelMappings[service] = mappings
	}

	if s.cfg.ConfigMappings != nil {
		mappings := s.cfg.ConfigMappings[service]
		for i, m := range mappings {
			if m.Config == oldName {
				mappings[i].Config = newName
				changed = true
			}
		}
		s.cfg.ConfigMappings[service] = mappings
	}

	if !changed {
		return nil
	}
	return s.saveLocked()
}

// saveLocked writes the full router document (covering every service
// sharing this file) to disk. Caller must hold s.mu for writing.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("routing: marshaling: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("routing: writing %s: %w", s.path, err)
	}
	s.sig.Reset()
	return nil
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
		slog.Error("router stat failed", "path", s.path, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := s.reload(); err != nil {
		slog.Error("router reload failed", "path", s.path, "error", err)
	}
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.cfg = Config{Mode: ModeDefault}
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Error("router config parse error, falling back to default mode", "path", s.path, "error", err)
		s.mu.Lock()
		s.cfg = Config{Mode: ModeDefault}
		s.mu.Unlock()
		return nil
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
