// Package walk extracts string values from nested argument and response
// trees. Traversal is iterative with an explicit depth cap; map keys are
// visited in sorted order so downstream findings are deterministic.
package walk

import (
	"fmt"
	"sort"
)

// DefaultMaxDepth bounds traversal of nested structures.
const DefaultMaxDepth = 10

// Entry is one string value found in a tree, addressed by its dotted path.
// Array elements are addressed as parent[i], map values as parent.key.
type Entry struct {
	Path  string
	Value string
}

// frame is one pending traversal step.
type frame struct {
	value interface{}
	path  string
	depth int
}

// Strings returns every string value in v with its path, shallowest first.
// Values nested deeper than maxDepth are not visited. A maxDepth of zero
// or below falls back to DefaultMaxDepth.
func Strings(v interface{}, maxDepth int) []Entry {
	var entries []Entry
	Each(v, maxDepth, func(path, value string) bool {
		entries = append(entries, Entry{Path: path, Value: value})
		return true
	})
	return entries
}

// Each calls fn for every string value in v with its path. Return false
// from fn to stop the traversal early. Traversal is breadth-first so
// shallow values are seen before deep ones.
func Each(v interface{}, maxDepth int, fn func(path, value string) bool) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	queue := []frame{{value: v, path: "", depth: 0}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		switch val := f.value.(type) {
		case string:
			if !fn(f.path, val) {
				return
			}
		case map[string]interface{}:
			if f.depth >= maxDepth {
				continue
			}
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				queue = append(queue, frame{value: val[k], path: joinKey(f.path, k), depth: f.depth + 1})
			}
		case []interface{}:
			if f.depth >= maxDepth {
				continue
			}
			for i, item := range val {
				queue = append(queue, frame{value: item, path: joinIndex(f.path, i), depth: f.depth + 1})
			}
			// Other types (numbers, bools, nil) carry no scannable text.
		}
	}
}

// joinKey renders parent.key paths.
func joinKey(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// joinIndex renders parent[i] paths.
func joinIndex(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}
