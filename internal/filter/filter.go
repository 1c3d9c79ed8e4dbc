// Package filter implements the ordered body-filter pipeline: a hot-reloaded
// list of regex-or-literal replace/remove rules applied to request bodies
// before they're forwarded upstream.
package filter

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/clprelay/relay/internal/signature"
)

// Rule is a single ordered body mutation.
type Rule struct {
	Source string `json:"source"`
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
}

const (
	OpReplace = "replace"
	OpRemove  = "remove"
)

// MinStatInterval is the minimum time between file-signature checks.
const MinStatInterval = time.Second

// compiledRule is a Rule with its source pre-compiled: as a regex when
// the pattern compiles, falling back to literal byte substitution when
// it doesn't.
type compiledRule struct {
	op     string
	target []byte
	re     *regexp.Regexp // nil if source is used literally
	source []byte
}

// Pipeline is the hot-reloaded, file-backed filter chain for one service
// family. Safe for concurrent use.
type Pipeline struct {
	path string
	sig  *signature.Cache

	mu          sync.RWMutex
	rules       []compiledRule
	pathExclude []glob.Glob
}

// Excluded reports whether requestPath matches one of the pipeline's
// pathExclude globs. Such paths bypass the pipeline entirely, e.g. a
// provider's own health-check route.
func (p *Pipeline) Excluded(requestPath string) bool {
	p.maybeReload()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, g := range p.pathExclude {
		if g.Match(requestPath) {
			return true
		}
	}
	return false
}

// New creates a Pipeline backed by path and loads it immediately. A missing
// file yields an empty (identity) pipeline.
func New(path string) (*Pipeline, error) {
	p := &Pipeline{
		path: path,
		sig:  signature.NewCache(MinStatInterval),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply runs every compiled rule over data in order and returns the result.
// An empty rule list is the identity function.
func (p *Pipeline) Apply(data []byte) []byte {
	p.maybeReload()

	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	if len(rules) == 0 || len(data) == 0 {
		return data
	}

	out := data
	for _, r := range rules {
		switch r.op {
		case OpReplace:
			out = applyOne(out, r, r.target)
		case OpRemove:
			out = applyOne(out, r, nil)
		}
	}
	return out
}

func applyOne(data []byte, r compiledRule, target []byte) []byte {
	if r.re != nil {
		return r.re.ReplaceAll(data, target)
	}
	return replaceLiteral(data, r.source, target)
}

func replaceLiteral(data, source, target []byte) []byte {
	if len(source) == 0 {
		return data
	}
	return bytes.ReplaceAll(data, source, target)
}

// ForceReload reloads the pipeline unconditionally, bypassing the rate
// limit; used by the directory watcher on a detected write.
func (p *Pipeline) ForceReload() error {
	p.sig.Reset()
	return p.reload()
}

func (p *Pipeline) maybeReload() {
	changed, err := p.sig.ShouldReload(p.path)
	if err != nil {
		slog.Error("filter stat failed", "path", p.path, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := p.reload(); err != nil {
		slog.Error("filter reload failed", "path", p.path, "error", err)
	}
}

// rawRule mirrors the JSON shape on disk (a list, or a single object).
type rawRule = Rule

// wrapperDoc is the extended shape that additionally carries a
// pathExclude glob list alongside the rules.
type wrapperDoc struct {
	Rules       []rawRule `json:"rules"`
	PathExclude []string  `json:"pathExclude"`
}

func (p *Pipeline) reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.rules = nil
			p.pathExclude = nil
			p.mu.Unlock()
			return nil
		}
		return err
	}

	var list []rawRule
	var excludes []string

	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapper wrapperDoc
		if err2 := json.Unmarshal(raw, &wrapper); err2 == nil && (len(wrapper.Rules) > 0 || len(wrapper.PathExclude) > 0) {
			list = wrapper.Rules
			excludes = wrapper.PathExclude
		} else {
			var single rawRule
			if err3 := json.Unmarshal(raw, &single); err3 != nil {
				slog.Error("filter file parse error, keeping identity pipeline", "path", p.path, "error", err)
				p.mu.Lock()
				p.rules = nil
				p.pathExclude = nil
				p.mu.Unlock()
				return nil
			}
			list = []rawRule{single}
		}
	}

	compiled := make([]compiledRule, 0, len(list))
	for _, r := range list {
		if r.Source == "" || r.Op == "" {
			continue
		}
		cr := compiledRule{
			op:     r.Op,
			target: []byte(r.Target),
			source: []byte(r.Source),
		}
		if re, err := regexp.Compile("(?s)" + r.Source); err == nil {
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	globs := make([]glob.Glob, 0, len(excludes))
	for _, pat := range excludes {
		g, err := glob.Compile(pat)
		if err != nil {
			slog.Error("filter pathExclude pattern invalid, skipping", "pattern", pat, "error", err)
			continue
		}
		globs = append(globs, g)
	}

	p.mu.Lock()
	p.rules = compiled
	p.pathExclude = globs
	p.mu.Unlock()
	return nil
}
