// Package vsspath implements the VSS path algebra: canonical (slash-delimited),
// GEN1 (dot-delimited) and JSONPath spellings of a signal-tree path, with
// conversion between the three and a wildcard segment marker. Expanding a
// wildcard path against the tree is done by tree.Store.GetLeafPaths.
package vsspath

import (
	"fmt"
	"strings"
)

// Origin records which spelling a client used, so responses can echo it back.
type Origin int

const (
	// OriginSlash is the canonical VSS spelling, e.g. "Vehicle/Speed".
	OriginSlash Origin = iota
	// OriginDot is the legacy GEN1 spelling, e.g. "Vehicle.Speed".
	OriginDot
)

// Wildcard is the single-segment wildcard marker.
const Wildcard = "*"

// Path is an ordered sequence of segments, optionally containing wildcard
// segments. Two Paths are equal iff their Segments slices are equal.
type Path struct {
	Segments []string
	Origin   Origin
}

// Empty reports whether the path has no segments (the tree root).
func (p Path) Empty() bool {
	return len(p.Segments) == 0
}

// HasWildcard reports whether any segment is the wildcard marker.
func (p Path) HasWildcard() bool {
	for _, s := range p.Segments {
		if s == Wildcard {
			return true
		}
	}
	return false
}

// FromVSS parses a canonical or dot-form path string. A "/" anywhere in the
// text selects canonical (slash) form; otherwise a "." selects dot form; a
// single segment with neither separator is canonical with Origin unset to
// OriginSlash (there is nothing to disambiguate).
func FromVSS(text string) (Path, error) {
	if text == "" {
		return Path{}, fmt.Errorf("vsspath: empty path")
	}
	if strings.Contains(text, "/") {
		return splitPath(text, "/", OriginSlash)
	}
	if strings.Contains(text, ".") {
		return splitPath(text, ".", OriginDot)
	}
	return splitPath(text, "/", OriginSlash)
}

func splitPath(text, sep string, origin Origin) (Path, error) {
	parts := strings.Split(text, sep)
	segs := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return Path{}, fmt.Errorf("vsspath: empty segment in %q", text)
		}
		segs = append(segs, part)
	}
	return Path{Segments: segs, Origin: origin}, nil
}

// FromJSONPath reverses the JSONPath projection produced by JSONPath().
// origin is attached to the returned Path so callers can round-trip the
// spelling a client expects.
func FromJSONPath(text string, origin Origin) (Path, error) {
	rest := text
	if !strings.HasPrefix(rest, "$") {
		return Path{}, fmt.Errorf("vsspath: JSONPath %q must start with $", text)
	}
	rest = rest[1:]

	var segs []string
	for len(rest) > 0 {
		if !strings.HasPrefix(rest, "[") {
			return Path{}, fmt.Errorf("vsspath: malformed JSONPath %q", text)
		}
		end := strings.Index(rest, "]")
		if end < 0 {
			return Path{}, fmt.Errorf("vsspath: unterminated bracket in %q", text)
		}
		token := rest[1:end]
		rest = rest[end+1:]

		if token == "*" {
			segs = append(segs, Wildcard)
			continue
		}
		token = strings.TrimPrefix(token, "'")
		token = strings.TrimSuffix(token, "'")
		if token == "children" {
			continue
		}
		segs = append(segs, token)
	}
	return Path{Segments: segs, Origin: origin}, nil
}

// String renders the canonical slash-delimited spelling.
func (p Path) String() string {
	return strings.Join(p.Segments, "/")
}

// DotString renders the legacy dot-delimited spelling.
func (p Path) DotString() string {
	return strings.Join(p.Segments, ".")
}

// Display renders the path in whichever form its Origin records, for echoing
// back in response envelopes.
func (p Path) Display() string {
	if p.Origin == OriginDot {
		return p.DotString()
	}
	return p.String()
}

// JSONPath renders the projection into the tree document:
// $['A']['children']['B']['children']['C'], with '*' -> [*].
func (p Path) JSONPath() string {
	var b strings.Builder
	b.WriteByte('$')
	for i, seg := range p.Segments {
		if i > 0 {
			b.WriteString("['children']")
		}
		if seg == Wildcard {
			b.WriteString("[*]")
		} else {
			b.WriteString("['")
			b.WriteString(seg)
			b.WriteString("']")
		}
	}
	return b.String()
}

// Child returns a new Path with seg appended, preserving Origin.
func (p Path) Child(seg string) Path {
	segs := make([]string, len(p.Segments)+1)
	copy(segs, p.Segments)
	segs[len(p.Segments)] = seg
	return Path{Segments: segs, Origin: p.Origin}
}
