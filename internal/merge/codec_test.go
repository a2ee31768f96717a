package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_ToleratesCommentsAndTrailingCommas(t *testing.T) {
	v, err := JSONCodec{}.Decode([]byte(`{
		// generated by hand
		"a": [1, 2,],
		/* block */ "b": "x",
	}`))
	require.NoError(t, err)
	out, err := JSONCodec{}.Encode(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2],"b":"x"}`, string(out))
}

func TestJSONCodec_RejectsGarbage(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
	_, err = JSONCodec{}.Decode([]byte(`not json`))
	require.Error(t, err)
	_, err = JSONCodec{}.Decode(nil)
	require.Error(t, err)
}

func TestJSONCodec_PreservesLargeIntegersAndHTML(t *testing.T) {
	v, err := JSONCodec{}.Decode([]byte(`{"id":12345678901234567890,"s":"<b>&"}`))
	require.NoError(t, err)
	out, err := JSONCodec{}.Encode(v)
	require.NoError(t, err)
	assert.Equal(t, `{"id":12345678901234567890,"s":"<b>&"}`, string(out))
}

func TestYAMLCodec_RoundTripSortedKeys(t *testing.T) {
	v, err := YAMLCodec{}.Decode([]byte("b: 1\na:\n  - x\n  - y\n"))
	require.NoError(t, err)
	out, err := YAMLCodec{}.Encode(v)
	require.NoError(t, err)
	assert.Equal(t, "a:\n  - x\n  - y\nb: 1\n", string(out))
}

func TestYAMLCodec_NonStringKeysBecomeStrings(t *testing.T) {
	v, err := YAMLCodec{}.Decode([]byte("1: one\ntrue: yes\n"))
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "one", m["1"])
}

func TestYAMLCodec_EmptyDocument(t *testing.T) {
	_, err := YAMLCodec{}.Decode([]byte(""))
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("mcmeta", JSONCodec{})

	c, ok := r.ForPath("/out/pack.MCMETA")
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	c, ok = r.ForPath("/out/conf.yml")
	require.True(t, ok)
	assert.Equal(t, "yaml", c.Name())

	_, ok = r.ForPath("/out/readme.txt")
	assert.False(t, ok)

	assert.Equal(t, []string{".json", ".jsonc", ".mcmeta", ".yaml", ".yml"}, r.Extensions())
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("YAML")
	require.NoError(t, err)
	assert.Equal(t, "yaml", c.Name())
	_, err = CodecByName("toml")
	require.Error(t, err)
}
