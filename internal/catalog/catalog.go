// Package catalog implements the hot-reloaded channel catalog: the
// name-to-upstream map each proxy instance selects from.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/clprelay/relay/internal/signature"
)

// Channel is a single named upstream.
type Channel struct {
	BaseURL   string  `json:"base_url"`
	AuthToken string  `json:"auth_token,omitempty"`
	APIKey    string  `json:"api_key,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
	Active    bool    `json:"active,omitempty"`
}

// DefaultTTL is the default cache freshness window before the catalog is
// eligible to reload.
const DefaultTTL = 5 * time.Second

// Catalog is the in-memory, file-backed channel map for one service family.
// It is safe for concurrent use; reads never block writes for long and
// never return the internal map, only a defensive copy.
type Catalog struct {
	mu   sync.RWMutex
	path string
	ttl  time.Duration
	sig  *signature.Cache

	channels   map[string]Channel
	active     string
	renameHook RenameHook
}

// RenameHook is invoked with (oldName, newName) whenever reload() detects
// an unambiguous 1-to-1 channel rename, so dependent stores (history,
// traffic log, router, load-balance state) can follow the new name.
type RenameHook func(oldName, newName string)

// SetRenameHook registers fn as the catalog's rename cascade callback. The
// initial load performed by New never fires a rename (there is no prior
// snapshot to diff against), so it is safe to call SetRenameHook any time
// after construction and before the file is next externally edited.
func (c *Catalog) SetRenameHook(fn RenameHook) {
	c.mu.Lock()
	c.renameHook = fn
	c.mu.Unlock()
}

// New creates a Catalog backed by path, using ttl as the reload freshness
// window (DefaultTTL if zero). The file is loaded immediately; a missing
// file yields an empty catalog, matching the self-heal behaviour required
// when the file hasn't been created yet.
func New(path string, ttl time.Duration) (*Catalog, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Catalog{
		path:     path,
		ttl:      ttl,
		sig:      signature.NewCache(ttl),
		channels: map[string]Channel{},
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Configs returns a defensive copy of the full channel map. It triggers
// a reload check first.
func (c *Catalog) Configs() map[string]Channel {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Channel, len(c.channels))
	for k, v := range c.channels {
		out[k] = v
	}
	return out
}

// Active returns the name of the active channel, or "" if the catalog is
// empty. If no channel is explicitly marked active, the lexicographically
// first name is treated as active.
func (c *Catalog) Active() string {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Get returns a single channel by name and whether it was found.
func (c *Catalog) Get(name string) (Channel, bool) {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// Has reports whether name is a known channel, satisfying
// routing.CatalogLookup.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Names returns every known channel name, satisfying lb.Catalog.
func (c *Catalog) Names() []string {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.channels))
	for n := range c.channels {
		names = append(names, n)
	}
	return names
}

// Weight returns the configured weight of name, or 0 if unknown, satisfying
// lb.Catalog.
func (c *Catalog) Weight(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[name].Weight
}

// ForceReload reloads the catalog from disk unconditionally, bypassing the
// TTL and signature cache. Used by the directory watcher when it observes
// a write to the catalog file.
func (c *Catalog) ForceReload() error {
	c.sig.Reset()
	return c.reload()
}

// SetActive marks name as the active channel and persists the catalog.
// Returns an error if name is not a known channel.
func (c *Catalog) SetActive(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.channels[name]; !ok {
		return fmt.Errorf("catalog: unknown channel %q", name)
	}
	c.active = name
	for k, ch := range c.channels {
		ch.Active = k == name
		c.channels[k] = ch
	}
	return c.saveLocked()
}

func (c *Catalog) maybeReload() {
	changed, err := c.sig.ShouldReload(c.path)
	if err != nil {
		slog.Error("catalog stat failed", "path", c.path, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := c.reload(); err != nil {
		slog.Error("catalog reload failed", "path", c.path, "error", err)
	}
}

// reload reads the catalog file and replaces the in-memory snapshot. A
// corrupt file is self-healed to an empty catalog and truncated on disk:
// the file is edited by an external UI, and a corrupt state must not
// brick every subsequent request.
func (c *Catalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.channels = map[string]Channel{}
			c.active = ""
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("catalog: reading %s: %w", c.path, err)
	}

	var channels map[string]Channel
	if err := json.Unmarshal(raw, &channels); err != nil {
		slog.Error("catalog file corrupt, resetting to empty", "path", c.path, "error", err)
		channels = map[string]Channel{}
		_ = os.WriteFile(c.path, []byte("{}"), 0o644)
	}
	if channels == nil {
		channels = map[string]Channel{}
	}

	active := ""
	names := make([]string, 0, len(channels))
	for name, ch := range channels {
		names = append(names, name)
		if ch.Active {
			active = name
		}
	}
	if active == "" && len(names) > 0 {
		sort.Strings(names)
		active = names[0]
	}

	c.mu.Lock()
	prev := c.channels
	hook := c.renameHook
	c.channels = channels
	c.active = active
	c.mu.Unlock()

	if hook != nil {
		if oldName, newName, ok := detectRename(prev, channels); ok {
			hook(oldName, newName)
		}
	}
	return nil
}

func channelSignature(ch Channel) [3]string {
	return [3]string{ch.BaseURL, ch.AuthToken, ch.APIKey}
}

// detectRename reports a 1-to-1 channel rename between two successive
// catalog snapshots: exactly one name removed, exactly one name added,
// with matching base_url+auth_token+api_key signatures. Any other
// multiplicity is ambiguous and left untouched.
func detectRename(prev, next map[string]Channel) (oldName, newName string, ok bool) {
	var removed, added []string
	for name := range prev {
		if _, stillThere := next[name]; !stillThere {
			removed = append(removed, name)
		}
	}
	for name := range next {
		if _, wasThere := prev[name]; !wasThere {
			added = append(added, name)
		}
	}
	if len(removed) != 1 || len(added) != 1 {
		return "", "", false
	}
	if channelSignature(prev[removed[0]]) != channelSignature(next[added[0]]) {
		return "", "", false
	}
	return removed[0], added[0], true
}

// saveLocked writes the current in-memory catalog to disk. Caller must
// hold c.mu for writing.
func (c *Catalog) saveLocked() error {
	raw, err := json.MarshalIndent(c.channels, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshaling: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		return fmt.Errorf("catalog: writing %s: %w", c.path, err)
	}
	c.sig.Reset()
	return nil
}
