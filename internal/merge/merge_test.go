package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, s string) any {
	t.Helper()
	v, err := JSONCodec{}.Decode([]byte(s))
	require.NoError(t, err)
	return v
}

func encodeJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := JSONCodec{}.Encode(v)
	require.NoError(t, err)
	return string(b)
}

func TestMerge_ScalarListsConcatenate(t *testing.T) {
	m := New(Options{})
	got := m.Merge(decodeJSON(t, `{"values":["x"]}`), decodeJSON(t, `{"values":["y"]}`))
	assert.Equal(t, `{"values":["x","y"]}`, encodeJSON(t, got))
}

func TestMerge_ScalarListsDeduplicateStable(t *testing.T) {
	m := New(Options{})
	got := m.Merge(decodeJSON(t, `{"values":["x","b"]}`), decodeJSON(t, `{"values":["x","a","b"]}`))
	assert.Equal(t, `{"values":["x","b","a"]}`, encodeJSON(t, got))
}

func TestMerge_ScalarListsDeduplicateSorted(t *testing.T) {
	m := New(Options{Dedup: DedupSorted})
	got := m.Merge(decodeJSON(t, `{"values":["x","b"]}`), decodeJSON(t, `{"values":["x","a"]}`))
	assert.Equal(t, `{"values":["a","b","x"]}`, encodeJSON(t, got))
}

func TestMerge_DedupDistinguishesTypes(t *testing.T) {
	m := New(Options{})
	got := m.Merge(decodeJSON(t, `{"v":[1,"1"]}`), decodeJSON(t, `{"v":[1]}`))
	assert.Equal(t, `{"v":[1,"1"]}`, encodeJSON(t, got))
}

func TestMerge_ListsWithMappingsKeepDuplicates(t *testing.T) {
	m := New(Options{})
	got := m.Merge(decodeJSON(t, `{"v":[{"a":1},"s"]}`), decodeJSON(t, `{"v":[{"a":1},"s"]}`))
	assert.Equal(t, `{"v":[{"a":1},"s",{"a":1},"s"]}`, encodeJSON(t, got))
}

func TestMerge_NestedMappingsRecurse(t *testing.T) {
	m := New(Options{})
	a := decodeJSON(t, `{"outer":{"keep":1,"shared":{"x":1}}}`)
	b := decodeJSON(t, `{"outer":{"add":2,"shared":{"y":2}}}`)
	got := m.Merge(a, b)
	assert.Equal(t, `{"outer":{"add":2,"keep":1,"shared":{"x":1,"y":2}}}`, encodeJSON(t, got))
}

func TestMerge_TypeMismatchOverwrites(t *testing.T) {
	m := New(Options{})
	got := m.Merge(decodeJSON(t, `{"a":{"x":1},"b":[1],"c":"s"}`), decodeJSON(t, `{"a":[1],"b":"t","c":{"y":2}}`))
	assert.Equal(t, `{"a":[1],"b":"t","c":{"y":2}}`, encodeJSON(t, got))
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	m := New(Options{Overrides: []OverrideRule{{List: "overrides", Selector: []string{"n"}}}})
	a := decodeJSON(t, `{"overrides":[{"n":3},{"n":1}],"tags":["a"]}`)
	b := decodeJSON(t, `{"tags":["b"]}`)
	before := encodeJSON(t, a)
	_ = m.Merge(a, b)
	assert.Equal(t, before, encodeJSON(t, a))
}

func TestMerge_Deterministic(t *testing.T) {
	m := New(Options{})
	a := `{"k":{"list":["c","a","c"],"n":1},"z":[1,2]}`
	b := `{"k":{"list":["b","a"]},"z":[2,3]}`
	first := encodeJSON(t, m.Merge(decodeJSON(t, a), decodeJSON(t, b)))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, encodeJSON(t, m.Merge(decodeJSON(t, a), decodeJSON(t, b))))
	}
}

func TestMerge_OverrideListsSortedBySelector(t *testing.T) {
	rule, err := ParseOverrideRule("overrides", "predicate.custom_model_data")
	require.NoError(t, err)
	m := New(Options{Overrides: []OverrideRule{rule}})

	a := decodeJSON(t, `{"parent":"item/generated","overrides":[
		{"predicate":{"custom_model_data":20},"model":"b"}]}`)
	b := decodeJSON(t, `{"overrides":[
		{"predicate":{"custom_model_data":10},"model":"a"},
		{"predicate":{"custom_model_data":30},"model":"c"}]}`)

	got := m.Merge(a, b).(map[string]any)
	var models []string
	for _, o := range got["overrides"].([]any) {
		models = append(models, o.(map[string]any)["model"].(string))
	}
	assert.Equal(t, []string{"a", "b", "c"}, models)
}

func TestMerge_OverrideListWithoutSelectorsUntouched(t *testing.T) {
	m := New(Options{Overrides: []OverrideRule{{List: "overrides", Selector: []string{"n"}}}})
	got := m.Merge(
		decodeJSON(t, `{"overrides":[{"n":5},{"other":1}]}`),
		decodeJSON(t, `{"overrides":[{"n":1}]}`),
	)
	assert.Equal(t, `{"overrides":[{"n":5},{"other":1},{"n":1}]}`, encodeJSON(t, got))
}

func TestMergeDocuments_RequiresMappings(t *testing.T) {
	m := New(Options{})
	_, err := m.MergeDocuments([]any{"a"}, map[string]any{})
	var shape *ShapeError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "existing", shape.Side)
	assert.Equal(t, "sequence", shape.Got)

	_, err = m.MergeDocuments(map[string]any{}, json.Number("1"))
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "incoming", shape.Side)
}

func TestParseOverrideRule_Validation(t *testing.T) {
	_, err := ParseOverrideRule("", "a")
	require.Error(t, err)
	_, err = ParseOverrideRule("overrides", "a..b")
	require.Error(t, err)
	r, err := ParseOverrideRule("overrides", "a.b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Selector)
}

func TestParseDedupPolicy(t *testing.T) {
	p, err := ParseDedupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DedupStable, p)
	p, err = ParseDedupPolicy("sorted")
	require.NoError(t, err)
	assert.Equal(t, DedupSorted, p)
	for _, bad := range []string{"set", "none"} {
		_, err = ParseDedupPolicy(bad)
		require.Error(t, err, bad)
	}
}
