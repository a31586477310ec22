package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// keySeparator joins path segments of flattened keys.
const keySeparator = "."

var (
	// errMalformedDocument is returned when a document is not valid JSON.
	errMalformedDocument = errors.New("malformed JSON document")
	// errNotAnObject is returned when the document root is not a JSON object.
	errNotAnObject = errors.New("document root must be a JSON object")
)

// Document is an ordered, flattened configuration tree.
// Keys keep the order in which they were first seen.
type Document struct {
	// keys lists flattened keys in insertion order.
	keys []string
	// values maps flattened keys to scalar values.
	values map[string]any
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		values: make(map[string]any),
	}
}

// ParseDocument decodes a JSON object into a flattened document.
// The YAML node API is used for decoding because it preserves key order;
// JSON validity is checked first so YAML-only syntax is rejected.
func ParseDocument(data []byte) (*Document, error) {
	if !json.Valid(data) {
		return nil, errMalformedDocument
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedDocument, err)
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, errNotAnObject
	}

	doc := NewDocument()
	if err := doc.flattenNode("", root.Content[0]); err != nil {
		return nil, err
	}

	return doc, nil
}

// flattenNode walks a YAML node and stores every scalar under its dotted key.
// Empty objects and arrays are kept as empty containers so they survive a round trip.
func (d *Document) flattenNode(prefix string, node *yaml.Node) error {
	switch node.Kind {
	case yaml.AliasNode:
		return d.flattenNode(prefix, node.Alias)
	case yaml.MappingNode:
		if len(node.Content) == 0 && prefix != "" {
			d.put(prefix, map[string]any{})
			return nil
		}

		for i := 0; i+1 < len(node.Content); i += 2 {
			if err := d.flattenNode(joinKey(prefix, node.Content[i].Value), node.Content[i+1]); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		if len(node.Content) == 0 {
			d.put(prefix, []any{})
			return nil
		}

		for i, item := range node.Content {
			if err := d.flattenNode(joinKey(prefix, strconv.Itoa(i)), item); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		var value any
		if err := node.Decode(&value); err != nil {
			return fmt.Errorf("decode %s: %w", prefix, err)
		}

		d.put(prefix, value)
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := d.flattenNode(prefix, child); err != nil {
				return err
			}
		}
	}

	return nil
}

// put stores a flattened value, remembering the key order on first insert.
func (d *Document) put(key string, value any) {
	if _, exists := d.values[key]; !exists {
		d.keys = append(d.keys, key)
	}

	d.values[key] = value
}

// Get returns the scalar stored under the key.
func (d *Document) Get(key string) (any, bool) {
	value, ok := d.values[key]
	return value, ok
}

// Set replaces the key and everything below it with the provided value.
// Maps and slices are flattened into child keys.
func (d *Document) Set(key string, value any) {
	d.Delete(key)
	d.dropPlaceholders(key)
	d.flattenValue(key, value)
}

// Delete removes the key and all keys nested under it.
func (d *Document) Delete(key string) {
	prefix := key + keySeparator
	kept := d.keys[:0]

	for _, k := range d.keys {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(d.values, k)
			continue
		}

		kept = append(kept, k)
	}

	d.keys = kept
}

// flattenValue stores Go values the same way parsed JSON is stored.
func (d *Document) flattenValue(key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			d.put(key, map[string]any{})
			return
		}

		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			d.flattenValue(joinKey(key, name), v[name])
		}
	case []any:
		if len(v) == 0 {
			d.put(key, []any{})
			return
		}

		for i, item := range v {
			d.flattenValue(joinKey(key, strconv.Itoa(i)), item)
		}
	case []string:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}

		d.flattenValue(key, items)
	default:
		d.put(key, value)
	}
}

// Keys returns the flattened keys in document order.
func (d *Document) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len returns the number of flattened keys.
func (d *Document) Len() int {
	return len(d.keys)
}

// Clone returns an independent copy of the document.
func (d *Document) Clone() *Document {
	cloned := &Document{
		keys:   append([]string(nil), d.keys...),
		values: make(map[string]any, len(d.values)),
	}

	for k, v := range d.values {
		cloned.values[k] = v
	}

	return cloned
}

// Merge deep-merges override into a copy of base.
// Scalars from override win; keys only present in override are appended in
// their order; arrays are merged index by index, never concatenated.
func Merge(base, override *Document) *Document {
	merged := base.Clone()
	if override == nil {
		return merged
	}

	for _, key := range override.keys {
		merged.deleteChildren(key)
		merged.dropPlaceholders(key)
		merged.put(key, override.values[key])
	}

	return merged
}

// deleteChildren removes every key nested under key, keeping key itself.
func (d *Document) deleteChildren(key string) {
	prefix := key + keySeparator
	kept := d.keys[:0]

	for _, k := range d.keys {
		if strings.HasPrefix(k, prefix) {
			delete(d.values, k)
			continue
		}

		kept = append(kept, k)
	}

	d.keys = kept
}

// dropPlaceholders removes empty containers stored at ancestors of key,
// since the key now gives them content.
func (d *Document) dropPlaceholders(key string) {
	for i := strings.Index(key, keySeparator); i >= 0; {
		ancestor := key[:i]
		if isEmptyContainer(d.values[ancestor]) {
			d.Delete(ancestor)
		}

		next := strings.Index(key[i+1:], keySeparator)
		if next < 0 {
			break
		}

		i += next + 1
	}
}

// isEmptyContainer reports whether the value is an empty object or array placeholder.
func isEmptyContainer(value any) bool {
	switch v := value.(type) {
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// Tree rebuilds the nested object form of the document.
// Nodes whose children are exactly 0..n-1 become arrays.
func (d *Document) Tree() map[string]any {
	root := make(map[string]any)

	for _, key := range d.keys {
		insertPath(root, strings.Split(key, keySeparator), d.values[key])
	}

	converted, _ := normalizeArrays(root).(map[string]any)

	return converted
}

// insertPath stores value at the nested path, creating intermediate objects.
func insertPath(node map[string]any, path []string, value any) {
	if len(path) == 1 {
		if _, isContainer := node[path[0]].(map[string]any); isContainer {
			return
		}

		node[path[0]] = value

		return
	}

	child, ok := node[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		node[path[0]] = child
	}

	insertPath(child, path[1:], value)
}

// normalizeArrays converts objects keyed 0..n-1 into slices, recursively.
func normalizeArrays(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			v[k] = normalizeArrays(child)
		}

		if len(v) == 0 {
			return v
		}

		items := make([]any, len(v))
		for k, child := range v {
			index, err := strconv.Atoi(k)
			if err != nil || index < 0 || index >= len(v) {
				return v
			}

			items[index] = child
		}

		return items
	default:
		return value
	}
}

// joinKey appends a segment to a dotted prefix.
func joinKey(prefix, segment string) string {
	if prefix == "" {
		return segment
	}

	return prefix + keySeparator + segment
}
