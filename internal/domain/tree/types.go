package tree

import "time"

// Kind is the capability tag carried by every leaf.
type Kind string

const (
	KindAttribute Kind = "attribute"
	KindSensor    Kind = "sensor"
	KindActuator  Kind = "actuator"
)

// AttrKind selects which runtime slot on a leaf an operation targets.
type AttrKind string

const (
	AttrValue       AttrKind = "value"
	AttrTargetValue AttrKind = "targetValue"
)

// Attribute is a stamped runtime value on a leaf.
type Attribute struct {
	Data      any
	Timestamp time.Time
}

// Node is the sum type every tree element implements: a Branch or a Leaf,
// never both.
type Node interface {
	isNode()
}

// Branch is an internal node: children only, never a runtime value.
type Branch struct {
	Description string
	Children    *ChildMap
}

func (*Branch) isNode() {}

// NewBranch returns an empty Branch ready to receive children.
func NewBranch(description string) *Branch {
	return &Branch{Description: description, Children: NewChildMap()}
}

// Leaf is a node with a declared datatype and optional runtime attributes.
type Leaf struct {
	Datatype    string // uint8|int8|...|string, optionally suffixed "[]"
	Kind        Kind
	Min, Max    *float64
	Unit        string
	Enum        []string
	Description string

	Value       *Attribute
	TargetValue *Attribute
}

func (*Leaf) isNode() {}

// SupportsAttribute reports whether attr is a slot this leaf's Kind
// exposes: value on sensor/actuator, targetValue only on actuator.
func (l *Leaf) SupportsAttribute(attr AttrKind) bool {
	switch attr {
	case AttrValue:
		return l.Kind == KindSensor || l.Kind == KindActuator
	case AttrTargetValue:
		return l.Kind == KindActuator
	default:
		return false
	}
}

// Writable reports whether this leaf accepts set_signal calls at all.
func (l *Leaf) Writable() bool {
	return l.Kind == KindSensor || l.Kind == KindActuator
}

// slot returns a pointer to the Attribute field selected by attr, or nil for
// an unrecognized AttrKind. The returned pointer-to-pointer lets callers both
// read and overwrite the slot.
func (l *Leaf) slot(attr AttrKind) **Attribute {
	switch attr {
	case AttrValue:
		return &l.Value
	case AttrTargetValue:
		return &l.TargetValue
	default:
		return nil
	}
}

// ChildMap is an insertion-ordered string -> Node map. Wildcard expansion
// must visit children in the order they were first inserted, which a plain
// Go map cannot guarantee, so children are tracked by both a map (for O(1)
// lookup) and a parallel ordered slice of keys.
type ChildMap struct {
	index map[string]int
	names []string
	nodes []Node
}

// NewChildMap returns an empty ChildMap.
func NewChildMap() *ChildMap {
	return &ChildMap{index: make(map[string]int)}
}

// Get returns the child named name, and whether it exists.
func (c *ChildMap) Get(name string) (Node, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.nodes[i], true
}

// Set inserts or replaces the child named name. New names are appended to
// the end of insertion order; existing names keep their original position.
func (c *ChildMap) Set(name string, n Node) {
	if i, ok := c.index[name]; ok {
		c.nodes[i] = n
		return
	}
	c.index[name] = len(c.names)
	c.names = append(c.names, name)
	c.nodes = append(c.nodes, n)
}

// Names returns the child names in insertion order.
func (c *ChildMap) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Len returns the number of children.
func (c *ChildMap) Len() int {
	return len(c.names)
}
