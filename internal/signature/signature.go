// Package signature provides a cheap file-change detector used by every
// hot-reloaded config file in this repository (channel catalog, router
// config, load-balance state, filter rules). Rather than re-reading and
// re-parsing a file on every request, callers stat it and compare the
// result against the last observed signature.
package signature

import (
	"os"
	"sync"
	"time"
)

// Signature identifies a file's content version cheaply, without reading
// it. Two stats of an unmodified file produce an equal Signature; an edit
// (even one that doesn't change the byte count) changes ModTimeNs on every
// filesystem with sub-second mtime resolution.
type Signature struct {
	ModTimeNs int64
	Size      int64
	Exists    bool
}

// Stat reads the current signature of path. A missing file yields a zero
// Signature with Exists=false and a nil error; callers treat that as "no
// file yet", not as a failure.
func Stat(path string) (Signature, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Signature{}, nil
		}
		return Signature{}, err
	}
	return Signature{
		ModTimeNs: info.ModTime().UnixNano(),
		Size:      info.Size(),
		Exists:    true,
	}, nil
}

// Cache gates how often a file is stat'd and tracks whether the last stat
// differed from the one before it. It combines two independent reload
// triggers used throughout this codebase: a minimum TTL between checks
// (to keep the request-handling path free of stat calls under load) and a
// signature comparison (to pick up edits made within the TTL window on the
// next check after it elapses).
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	lastStat time.Time
	sig      Signature
}

// NewCache returns a Cache that rate-limits stat calls to at most once per
// ttl. A ttl of zero disables rate-limiting (every ShouldReload call stats
// the file).
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// ShouldReload reports whether path's signature has changed since the last
// call that actually performed a stat, and updates the cache's notion of
// "current" signature when it does stat. If called again before ttl has
// elapsed since the last stat, it returns false without touching the
// filesystem; the caller should keep using whatever it loaded last.
func (c *Cache) ShouldReload(path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.ttl > 0 && !c.lastStat.IsZero() && now.Sub(c.lastStat) < c.ttl {
		return false, nil
	}
	c.lastStat = now

	sig, err := Stat(path)
	if err != nil {
		return false, err
	}

	changed := sig != c.sig
	c.sig = sig
	return changed, nil
}

// Reset clears the cached signature and last-stat time, forcing the next
// ShouldReload call to stat the file and report a change if it exists.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStat = time.Time{}
	c.sig = Signature{}
}
