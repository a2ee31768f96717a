// Package merge implements the deep merge applied when two writers stage
// structured content at the same path, and the codecs that turn file bytes
// into mergeable trees.
//
// Conflict rules, B merged into A:
//
//  1. mapping + mapping: recurse per key; one-sided keys are copied.
//  2. sequence + sequence: A ++ B. When no element is a mapping the result is
//     deduplicated according to the DedupPolicy. When any element is a
//     mapping the concatenation is kept as is.
//  3. anything else: B replaces A.
//
// After merging, registered override lists are re-sorted by their numeric
// selector so that resolution picks entries in ascending priority no matter
// which writer appended first.
package merge

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DedupPolicy selects how scalar-only sequences are deduplicated.
type DedupPolicy string

const (
	// DedupStable keeps the first occurrence of each element in insertion
	// order.
	DedupStable DedupPolicy = "stable"
	// DedupSorted applies set semantics and orders the survivors by their
	// canonical encoding, which is deterministic but not insertion ordered.
	DedupSorted DedupPolicy = "sorted"
)

// ParseDedupPolicy validates a configured policy name. Empty means stable.
func ParseDedupPolicy(raw string) (DedupPolicy, error) {
	switch DedupPolicy(raw) {
	case "", DedupStable:
		return DedupStable, nil
	case DedupSorted:
		return DedupSorted, nil
	default:
		return "", fmt.Errorf("invalid dedup policy %q (expected stable|sorted)", raw)
	}
}

// Options configures a Merger.
type Options struct {
	Dedup     DedupPolicy
	Overrides []OverrideRule
}

// Merger deep-merges decoded trees. The zero value is not usable; use New.
type Merger struct {
	dedup     DedupPolicy
	overrides []OverrideRule
}

// New returns a Merger for opts.
func New(opts Options) *Merger {
	m := &Merger{dedup: opts.Dedup, overrides: append([]OverrideRule(nil), opts.Overrides...)}
	if m.dedup == "" {
		m.dedup = DedupStable
	}
	return m
}

// Merge returns the deep merge of b into a followed by override-list
// ordering. Neither input is modified.
func (m *Merger) Merge(a, b any) any {
	merged := m.merge(a, b)
	if len(m.overrides) == 0 {
		return merged
	}
	return m.applyOverrides(merged)
}

// MergeDocuments merges two top-level documents. Both must be mappings.
func (m *Merger) MergeDocuments(a, b any) (map[string]any, error) {
	am, ok := a.(map[string]any)
	if !ok {
		return nil, &ShapeError{Side: "existing", Got: kindOf(a)}
	}
	bm, ok := b.(map[string]any)
	if !ok {
		return nil, &ShapeError{Side: "incoming", Got: kindOf(b)}
	}
	return m.Merge(am, bm).(map[string]any), nil
}

func (m *Merger) merge(a, b any) any {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			return m.mergeMaps(av, bv)
		}
	case []any:
		if bv, ok := b.([]any); ok {
			return m.mergeLists(av, bv)
		}
	}
	return b
}

func (m *Merger) mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			out[k] = m.merge(existing, v)
			continue
		}
		out[k] = v
	}
	return out
}

func (m *Merger) mergeLists(a, b []any) []any {
	joined := make([]any, 0, len(a)+len(b))
	joined = append(joined, a...)
	joined = append(joined, b...)
	for _, v := range joined {
		if _, isMap := v.(map[string]any); isMap {
			return joined
		}
	}
	return m.dedupe(joined)
}

func (m *Merger) dedupe(items []any) []any {
	seen := make(map[string]struct{}, len(items))
	out := make([]any, 0, len(items))
	keys := make([]string, 0, len(items))
	for _, v := range items {
		k := elementKey(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
		keys = append(keys, k)
	}
	if m.dedup == DedupSorted {
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return keys[idx[i]] < keys[idx[j]] })
		sorted := make([]any, len(out))
		for i, from := range idx {
			sorted[i] = out[from]
		}
		return sorted
	}
	return out
}

// elementKey is the identity used for deduplication. The JSON encoding
// distinguishes "1" from 1 and is stable for nested sequences.
func elementKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
}

// ShapeError reports a top-level document that is not a mapping.
type ShapeError struct {
	Side string
	Got  string
}

func (e *ShapeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s document is a %s, expected a mapping", e.Side, e.Got)
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "mapping"
	case []any:
		return "sequence"
	case nil:
		return "null"
	default:
		return "scalar"
	}
}
