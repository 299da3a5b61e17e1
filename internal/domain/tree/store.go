package tree

import (
	"sync"
	"time"

	"github.com/vsstree/server/internal/domain/sanitizer"
	"github.com/vsstree/server/internal/domain/subscription"
	"github.com/vsstree/server/internal/domain/vsspath"
)

// Store is the in-memory signal tree: one exclusive-writer/shared-reader
// lock over the whole document. Every mutation commits and fans out to
// subscribers before the lock is released, so a reader can never observe a
// write without its subscribers already having been notified.
type Store struct {
	mu       sync.RWMutex
	root     *Branch
	registry *subscription.Registry
}

// NewStore returns an empty Store. registry may be nil for tests that don't
// exercise subscription fanout.
func NewStore(registry *subscription.Registry) *Store {
	return &Store{root: NewBranch(""), registry: registry}
}

// Init replaces the whole tree with the document in data, discarding
// whatever was loaded before. Used once at startup for the base tree.
func (s *Store) Init(data []byte) error {
	root, err := buildDocument(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
	return nil
}

// ApplyOverlay deep-merges an overlay document into the live tree: existing
// branches/leaves gain updated metadata, new names are added. modifyTree
// must be true (the caller's channel carries the modify_tree capability) or
// the call is rejected.
func (s *Store) ApplyOverlay(data []byte, modifyTree bool) error {
	if !modifyTree {
		return newErr(ErrNoPermission, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return mergeDocument(s.root, data)
}

// UpdateMetadata merges patch into the single node at p. modifyTree must be
// true. Changing a leaf's datatype clears any stored value that may no
// longer fit the new type.
func (s *Store) UpdateMetadata(p vsspath.Path, patch []byte, modifyTree bool) error {
	if !modifyTree {
		return newErr(ErrNoPermission, p.Display())
	}
	if p.Empty() {
		return newErr(ErrNoPathFound, p.Display())
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parentSegs := p.Segments[:len(p.Segments)-1]
	name := p.Segments[len(p.Segments)-1]
	parentNode, ok := s.resolve(parentSegs)
	if !ok {
		return newErr(ErrNoPathFound, p.Display())
	}
	parent, ok := parentNode.(*Branch)
	if !ok {
		return newErr(ErrNoPathFound, p.Display())
	}
	if _, ok := parent.Children.Get(name); !ok {
		return newErr(ErrNoPathFound, p.Display())
	}
	return mergeChildInto(parent, name, patch)
}

// GetMetadata returns the declared metadata (never a runtime value) of the
// node at p.
func (s *Store) GetMetadata(p vsspath.Path) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.resolve(p.Segments)
	if !ok {
		return nil, newErr(ErrNoPathFound, p.Display())
	}
	return describeNode(n), nil
}

// PathExists reports whether p resolves to a node (leaf or branch).
func (s *Store) PathExists(p vsspath.Path) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resolve(p.Segments)
	return ok
}

// PathIsWritable reports whether p resolves to a leaf that accepts writes.
func (s *Store) PathIsWritable(p vsspath.Path) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.resolve(p.Segments)
	if !ok {
		return false
	}
	leaf, ok := n.(*Leaf)
	return ok && leaf.Writable()
}

// PathIsAttributable reports whether p resolves to a leaf exposing attr.
func (s *Store) PathIsAttributable(p vsspath.Path, attr AttrKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.resolve(p.Segments)
	if !ok {
		return false
	}
	leaf, ok := n.(*Leaf)
	return ok && leaf.SupportsAttribute(attr)
}

// GetLeafPaths expands p (which may contain wildcard segments) into the
// concrete leaf paths it matches, in tree insertion order. Only nodes at
// exactly the path's depth are matched: branch matches are silently
// excluded and their descendants are not visited, so "Vehicle/*" yields the
// leaves directly under Vehicle and nothing deeper. A path that matches no
// leaf at all is ErrNoPathFound.
func (s *Store) GetLeafPaths(p vsspath.Path) ([]vsspath.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := s.expandLeaves(p)
	if len(paths) == 0 {
		return nil, newErr(ErrNoPathFound, p.Display())
	}
	return paths, nil
}

// resolve walks segs from the root. Caller must hold mu (read or write).
func (s *Store) resolve(segs []string) (Node, bool) {
	var cur Node = s.root
	for _, seg := range segs {
		br, ok := cur.(*Branch)
		if !ok {
			return nil, false
		}
		child, ok := br.Children.Get(seg)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// expandLeaves walks p.Segments from the root, fanning out at each wildcard
// segment to every child in insertion order. Caller must hold mu.
func (s *Store) expandLeaves(p vsspath.Path) []vsspath.Path {
	var out []vsspath.Path
	var walk func(node Node, soFar []string, remaining []string)
	walk = func(node Node, soFar []string, remaining []string) {
		if len(remaining) == 0 {
			if _, ok := node.(*Leaf); ok {
				segs := make([]string, len(soFar))
				copy(segs, soFar)
				out = append(out, vsspath.Path{Segments: segs, Origin: p.Origin})
			}
			return
		}
		br, ok := node.(*Branch)
		if !ok {
			return
		}
		seg, rest := remaining[0], remaining[1:]
		if seg == vsspath.Wildcard {
			for _, name := range br.Children.Names() {
				child, _ := br.Children.Get(name)
				walk(child, append(append([]string{}, soFar...), name), rest)
			}
			return
		}
		child, ok := br.Children.Get(seg)
		if !ok {
			return
		}
		walk(child, append(append([]string{}, soFar...), seg), rest)
	}
	walk(s.root, nil, p.Segments)
	return out
}

// SignalResult is the outcome of a get or set against a leaf's runtime
// attribute.
type SignalResult struct {
	Path      vsspath.Path
	Attr      AttrKind
	Value     any
	Timestamp time.Time
}

// SetSignal sanitizes value against the leaf's declared datatype and bounds,
// stamps it, stores it, and — while still holding the write lock — notifies
// any subscriptions watching this exact leaf/attribute pair.
func (s *Store) SetSignal(p vsspath.Path, attr AttrKind, value any) (SignalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.resolve(p.Segments)
	if !ok {
		return SignalResult{}, newErr(ErrNoPathFound, p.Display())
	}
	leaf, ok := n.(*Leaf)
	if !ok || !leaf.SupportsAttribute(attr) {
		return SignalResult{}, newErr(ErrNoPathFound, p.Display())
	}

	desc := sanitizer.Descriptor{Datatype: leaf.Datatype, Min: leaf.Min, Max: leaf.Max, Enum: leaf.Enum}
	coerced, sErr := sanitizer.Coerce(desc, value)
	if sErr != nil {
		kind := ErrOutOfBounds
		if sErr.Kind == sanitizer.KindGeneric {
			kind = ErrGeneric
		}
		return SignalResult{}, newErr(kind, p.Display())
	}

	ts := time.Now().UTC()
	*leaf.slot(attr) = &Attribute{Data: coerced, Timestamp: ts}

	if s.registry != nil {
		s.registry.NotifyCommit(p, string(attr), coerced, ts)
	}

	return SignalResult{Path: p, Attr: attr, Value: coerced, Timestamp: ts}, nil
}

// GetSignal returns the current value of a leaf's runtime attribute.
// ErrNotSet is returned if the attribute has never been written; callers
// surface it as a null value, not a failure. asString requests the
// WebSocket-transport serialization: numeric datatypes are rendered as
// their decimal string form instead of a native JSON number; boolean,
// string and their arrays are unaffected.
func (s *Store) GetSignal(p vsspath.Path, attr AttrKind, asString bool) (SignalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.resolve(p.Segments)
	if !ok {
		return SignalResult{}, newErr(ErrNoPathFound, p.Display())
	}
	leaf, ok := n.(*Leaf)
	if !ok || !leaf.SupportsAttribute(attr) {
		return SignalResult{}, newErr(ErrNoPathFound, p.Display())
	}
	a := *leaf.slot(attr)
	if a == nil {
		return SignalResult{}, newErr(ErrNotSet, p.Display())
	}
	value := a.Data
	if asString {
		value = sanitizer.FormatAsString(leaf.Datatype, value)
	}
	return SignalResult{Path: p, Attr: attr, Value: value, Timestamp: a.Timestamp}, nil
}
