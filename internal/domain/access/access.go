// Package access implements the capability checker: matching a signal path
// against the glob-pattern permission set carried by a channel's token, with
// an xxhash-keyed LRU cache for the hot path.
package access

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/vsstree/server/internal/domain/vsspath"
)

// Right is the permission granted by a rule on a matched path.
type Right int

const (
	RightNone Right = iota
	RightRead
	RightWrite
	RightReadWrite
)

// AllowsRead reports whether r grants read access.
func (r Right) AllowsRead() bool { return r == RightRead || r == RightReadWrite }

// AllowsWrite reports whether r grants write access.
func (r Right) AllowsWrite() bool { return r == RightWrite || r == RightReadWrite }

// ParseRight parses the "r"/"w"/"rw" spelling used in token claims.
func ParseRight(s string) (Right, error) {
	switch s {
	case "r":
		return RightRead, nil
	case "w":
		return RightWrite, nil
	case "rw":
		return RightReadWrite, nil
	default:
		return RightNone, fmt.Errorf("access: invalid right %q", s)
	}
}

// Rule binds a path-glob pattern to the right it grants. Patterns use the
// same single-segment '*' wildcard as signal paths; there is no '**'.
type Rule struct {
	Pattern vsspath.Path
	Right   Right
}

// RuleIndex is the compiled, read-only permission set carried by a channel.
// Rules with a literal (wildcard-free) pattern are indexed for O(1) lookup;
// the rest are scanned in order, mirroring the exact/wildcard split used
// elsewhere in this codebase for glob-pattern matching.
type RuleIndex struct {
	exact    map[string][]Rule
	wildcard []Rule
}

// NewRuleIndex compiles rules into a RuleIndex.
func NewRuleIndex(rules []Rule) *RuleIndex {
	idx := &RuleIndex{exact: make(map[string][]Rule)}
	for _, r := range rules {
		if r.Pattern.HasWildcard() {
			idx.wildcard = append(idx.wildcard, r)
		} else {
			key := r.Pattern.String()
			idx.exact[key] = append(idx.exact[key], r)
		}
	}
	sort.Slice(idx.wildcard, func(i, j int) bool {
		return len(idx.wildcard[i].Pattern.Segments) < len(idx.wildcard[j].Pattern.Segments)
	})
	return idx
}

// candidates returns every rule whose pattern could possibly match p.
func (idx *RuleIndex) candidates(p vsspath.Path) []Rule {
	out := append([]Rule{}, idx.exact[p.String()]...)
	out = append(out, idx.wildcard...)
	return out
}

// matches reports whether pattern matches path: equal length, each segment
// either identical or the pattern segment is the wildcard.
func matches(pattern, path vsspath.Path) bool {
	if len(pattern.Segments) != len(path.Segments) {
		return false
	}
	for i, seg := range pattern.Segments {
		if seg == vsspath.Wildcard {
			continue
		}
		if seg != path.Segments[i] {
			return false
		}
	}
	return true
}

// Right returns the union of rights granted by every rule matching p.
func (idx *RuleIndex) Right(p vsspath.Path) Right {
	var granted Right
	for _, rule := range idx.candidates(p) {
		if !matches(rule.Pattern, p) {
			continue
		}
		if rule.Right == RightReadWrite {
			return RightReadWrite
		}
		if rule.Right == RightRead && granted == RightWrite {
			granted = RightReadWrite
		} else if rule.Right == RightWrite && granted == RightRead {
			granted = RightReadWrite
		} else if granted == RightNone {
			granted = rule.Right
		}
	}
	return granted
}

// lruEntry is a node in the bounded decision cache.
type lruEntry struct {
	key        uint64
	right      Right
	prev, next *lruEntry
}

// Cache is a bounded LRU cache of path->Right decisions, keyed by an xxhash
// digest of the canonical path string. Used to avoid re-walking the rule set
// on repeated get/set calls against the same hot paths within one channel's
// lifetime.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
}

// NewCache returns an empty Cache bounded to maxSize entries.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{entries: make(map[uint64]*lruEntry, maxSize), maxSize: maxSize}
}

func cacheKey(p vsspath.Path) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(p.String())
	return h.Sum64()
}

// Get returns the cached right for p, if present.
func (c *Cache) Get(p vsspath.Path) (Right, bool) {
	key := cacheKey(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return RightNone, false
	}
	c.moveToHeadLocked(e)
	return e.right, true
}

// Put stores right for p, evicting the least recently used entry if full.
func (c *Cache) Put(p vsspath.Path, right Right) {
	key := cacheKey(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.right = right
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, right: right}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *Cache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *Cache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// Checker bundles a compiled RuleIndex with its decision cache; one Checker
// is built per authenticated channel from its token's claims.
type Checker struct {
	index *RuleIndex
	cache *Cache
}

// NewChecker compiles rules into a Checker with a cache of the given size.
func NewChecker(rules []Rule, cacheSize int) *Checker {
	return &Checker{index: NewRuleIndex(rules), cache: NewCache(cacheSize)}
}

// Check reports whether the channel's rules grant want on p.
func (c *Checker) Check(p vsspath.Path, want Right) bool {
	if cached, ok := c.cache.Get(p); ok {
		return grants(cached, want)
	}
	right := c.index.Right(p)
	c.cache.Put(p, right)
	return grants(right, want)
}

// CheckAll reports whether every path in paths grants want: set commands
// against a wildcard expansion are all-or-none, never partially applied.
func (c *Checker) CheckAll(paths []vsspath.Path, want Right) bool {
	for _, p := range paths {
		if !c.Check(p, want) {
			return false
		}
	}
	return true
}

func grants(have, want Right) bool {
	switch want {
	case RightRead:
		return have.AllowsRead()
	case RightWrite:
		return have.AllowsWrite()
	case RightReadWrite:
		return have == RightReadWrite
	default:
		return false
	}
}

// ParsePattern parses a pattern string using the same segment rules as any
// other VSS path, allowing '*' wildcard segments.
func ParsePattern(text string) (vsspath.Path, error) {
	return vsspath.FromVSS(text)
}
