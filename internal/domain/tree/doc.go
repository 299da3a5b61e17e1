package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// orderedKeys decodes a JSON object preserving source key order, since
// wildcard expansion must visit children in the order they were first
// declared and a plain map[string]json.RawMessage loses that order.
type orderedKeys struct {
	names []string
	raws  []json.RawMessage
}

func decodeOrdered(data []byte) (orderedKeys, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return orderedKeys{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return orderedKeys{}, fmt.Errorf("tree: expected JSON object, got %v", tok)
	}

	var out orderedKeys
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return orderedKeys{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return orderedKeys{}, fmt.Errorf("tree: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return orderedKeys{}, fmt.Errorf("tree: decoding value for %q: %w", key, err)
		}
		out.names = append(out.names, key)
		out.raws = append(out.raws, raw)
	}
	return out, nil
}

func fieldMap(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("tree: decoding node object: %w", err)
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func floatFieldPtr(fields map[string]json.RawMessage, key string) *float64 {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}

func stringArrayField(fields map[string]json.RawMessage, key string) []string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var ss []string
	if err := json.Unmarshal(raw, &ss); err != nil {
		return nil
	}
	return ss
}

// buildDocument parses a full base-tree JSON document: a top-level object
// whose keys are the root signal names, each mapping to a node object.
func buildDocument(data []byte) (*Branch, error) {
	top, err := decodeOrdered(data)
	if err != nil {
		return nil, fmt.Errorf("tree: parsing document: %w", err)
	}
	root := NewBranch("")
	for i, name := range top.names {
		node, err := buildNode(top.raws[i])
		if err != nil {
			return nil, fmt.Errorf("tree: building %q: %w", name, err)
		}
		root.Children.Set(name, node)
	}
	return root, nil
}

// buildNode parses one node object into a fresh Branch or Leaf.
func buildNode(raw json.RawMessage) (Node, error) {
	fields, err := fieldMap(raw)
	if err != nil {
		return nil, err
	}

	if childrenRaw, ok := fields["children"]; ok {
		branch := NewBranch(stringField(fields, "description"))
		childNames, err := decodeOrdered(childrenRaw)
		if err != nil {
			return nil, fmt.Errorf("tree: parsing children: %w", err)
		}
		for i, name := range childNames.names {
			child, err := buildNode(childNames.raws[i])
			if err != nil {
				return nil, fmt.Errorf("tree: building %q: %w", name, err)
			}
			branch.Children.Set(name, child)
		}
		return branch, nil
	}

	datatype := stringField(fields, "datatype")
	if datatype == "" {
		return nil, fmt.Errorf("tree: node has neither children nor datatype")
	}
	return &Leaf{
		Datatype:    datatype,
		Kind:        Kind(stringField(fields, "type")),
		Min:         floatFieldPtr(fields, "min"),
		Max:         floatFieldPtr(fields, "max"),
		Unit:        stringField(fields, "unit"),
		Enum:        stringArrayField(fields, "enum"),
		Description: stringField(fields, "description"),
	}, nil
}

// mergeDocument deep-merges a JSON document of the same shape as
// buildDocument into an already-built tree, creating new branches/leaves for
// names root doesn't yet have and merging metadata into ones it does.
func mergeDocument(root *Branch, data []byte) error {
	top, err := decodeOrdered(data)
	if err != nil {
		return fmt.Errorf("tree: parsing overlay: %w", err)
	}
	for i, name := range top.names {
		if err := mergeChildInto(root, name, top.raws[i]); err != nil {
			return fmt.Errorf("tree: merging %q: %w", name, err)
		}
	}
	return nil
}

// mergeChildInto merges raw into parent's child named name, building a new
// node if parent has none by that name yet.
func mergeChildInto(parent *Branch, name string, raw json.RawMessage) error {
	existing, ok := parent.Children.Get(name)
	if !ok {
		node, err := buildNode(raw)
		if err != nil {
			return err
		}
		parent.Children.Set(name, node)
		return nil
	}
	merged, err := mergeNode(existing, raw)
	if err != nil {
		return err
	}
	parent.Children.Set(name, merged)
	return nil
}

// mergeNode merges raw's metadata into existing, returning the node to store
// in the parent's ChildMap. A structural kind change (branch<->leaf) in raw
// replaces existing wholesale, the way a full updateVSSTree subtree
// replacement does.
func mergeNode(existing Node, raw json.RawMessage) (Node, error) {
	fields, err := fieldMap(raw)
	if err != nil {
		return nil, err
	}
	childrenRaw, hasChildren := fields["children"]

	switch ex := existing.(type) {
	case *Branch:
		if !hasChildren {
			return buildNode(raw)
		}
		if desc := stringField(fields, "description"); desc != "" {
			ex.Description = desc
		}
		childNames, err := decodeOrdered(childrenRaw)
		if err != nil {
			return nil, fmt.Errorf("tree: parsing children: %w", err)
		}
		for i, name := range childNames.names {
			if err := mergeChildInto(ex, name, childNames.raws[i]); err != nil {
				return nil, fmt.Errorf("tree: merging %q: %w", name, err)
			}
		}
		return ex, nil

	case *Leaf:
		if hasChildren {
			return buildNode(raw)
		}
		merged := *ex
		if dt := stringField(fields, "datatype"); dt != "" && dt != merged.Datatype {
			merged.Datatype = dt
			merged.Value = nil
			merged.TargetValue = nil
		}
		if k := stringField(fields, "type"); k != "" {
			merged.Kind = Kind(k)
		}
		if d := stringField(fields, "description"); d != "" {
			merged.Description = d
		}
		if u := stringField(fields, "unit"); u != "" {
			merged.Unit = u
		}
		if min := floatFieldPtr(fields, "min"); min != nil {
			merged.Min = min
		}
		if max := floatFieldPtr(fields, "max"); max != nil {
			merged.Max = max
		}
		if enum := stringArrayField(fields, "enum"); enum != nil {
			merged.Enum = enum
		}
		return &merged, nil

	default:
		return buildNode(raw)
	}
}

// describeNode renders a node's declared metadata (never its runtime value)
// as a plain map, for getMetaData responses.
func describeNode(n Node) map[string]any {
	switch v := n.(type) {
	case *Branch:
		children := make(map[string]any, v.Children.Len())
		for _, name := range v.Children.Names() {
			child, _ := v.Children.Get(name)
			children[name] = describeNode(child)
		}
		m := map[string]any{"type": "branch"}
		if v.Description != "" {
			m["description"] = v.Description
		}
		if len(children) > 0 {
			m["children"] = children
		}
		return m
	case *Leaf:
		m := map[string]any{"type": string(v.Kind), "datatype": v.Datatype}
		if v.Description != "" {
			m["description"] = v.Description
		}
		if v.Unit != "" {
			m["unit"] = v.Unit
		}
		if v.Min != nil {
			m["min"] = *v.Min
		}
		if v.Max != nil {
			m["max"] = *v.Max
		}
		if len(v.Enum) > 0 {
			m["enum"] = v.Enum
		}
		return m
	default:
		return nil
	}
}
