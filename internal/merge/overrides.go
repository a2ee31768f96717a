package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OverrideRule names a list of priority-tagged records. Any mapping that
// holds List as a key gets that list re-sorted ascending by the numeric value
// found at Selector inside each record.
type OverrideRule struct {
	List     string
	Selector []string
}

// ParseOverrideRule builds a rule from a list key and a dotted selector path,
// e.g. ("overrides", "predicate.custom_model_data").
func ParseOverrideRule(list, selector string) (OverrideRule, error) {
	list = strings.TrimSpace(list)
	selector = strings.TrimSpace(selector)
	if list == "" {
		return OverrideRule{}, fmt.Errorf("override rule: list key is required")
	}
	if selector == "" {
		return OverrideRule{}, fmt.Errorf("override rule %q: selector is required", list)
	}
	parts := strings.Split(selector, ".")
	for _, p := range parts {
		if p == "" {
			return OverrideRule{}, fmt.Errorf("override rule %q: empty segment in selector %q", list, selector)
		}
	}
	return OverrideRule{List: list, Selector: parts}, nil
}

func (m *Merger) applyOverrides(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = m.applyOverrides(val)
		}
		for _, rule := range m.overrides {
			list, ok := out[rule.List].([]any)
			if !ok {
				continue
			}
			if sorted, ok := sortBySelector(list, rule.Selector); ok {
				out[rule.List] = sorted
			}
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = m.applyOverrides(val)
		}
		return out
	default:
		return v
	}
}

// sortBySelector returns a stably sorted copy of list. ok is false (and the
// list is left alone) unless every element is a mapping with a numeric value
// at selector.
func sortBySelector(list []any, selector []string) ([]any, bool) {
	if len(list) < 2 {
		return list, false
	}
	keys := make([]float64, len(list))
	for i, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		n, ok := lookupNumber(rec, selector)
		if !ok {
			return nil, false
		}
		keys[i] = n
	}
	idx := make([]int, len(list))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return keys[idx[i]] < keys[idx[j]] })
	out := make([]any, len(list))
	for i, from := range idx {
		out[i] = list[from]
	}
	return out, true
}

func lookupNumber(rec map[string]any, selector []string) (float64, bool) {
	var cur any = rec
	for _, seg := range selector {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[seg]
		if !ok {
			return 0, false
		}
	}
	return toFloat(cur)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
