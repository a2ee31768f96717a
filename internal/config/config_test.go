package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packweaver/internal/manifest"
	"packweaver/internal/merge"
	"packweaver/internal/retry"
)

const sample = `
namespace: demo
roots: [out, "build/{namespace}"]
layers:
  - layers/base
  - "layers/{namespace}"
target: out/pack
merge:
  dedup: sorted
  overrides:
    - list: overrides
      selector: predicate.custom_model_data
retry:
  max_attempts: 3
  delay: 250ms
archives:
  - source: out/pack
    destination: "dist/{namespace}.zip"
    copies: ["mirror/{namespace}.zip"]
    markers: [assets, data]
    metadata_file: pack.mcmeta
manifest:
  path: dist/digests.json
  algorithm: blake3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "packweaver.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_ExpandsNamespace(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"out", "build/demo"}, cfg.Roots)
	assert.Equal(t, []string{"layers/base", "layers/demo"}, cfg.Layers)
	require.Len(t, cfg.Archives, 1)
	assert.Equal(t, "dist/demo.zip", cfg.Archives[0].Destination)
	assert.Equal(t, []string{"mirror/demo.zip"}, cfg.Archives[0].Copies)
	assert.Equal(t, manifest.BLAKE3, cfg.ManifestAlgorithm())
	assert.Equal(t, retry.Policy{MaxAttempts: 3, Delay: 250 * time.Millisecond}, cfg.RetryPolicy())

	opts, err := cfg.MergeOptions()
	require.NoError(t, err)
	assert.Equal(t, merge.DedupSorted, opts.Dedup)
	require.Len(t, opts.Overrides, 1)
	assert.Equal(t, []string{"predicate", "custom_model_data"}, opts.Overrides[0].Selector)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PACKWEAVER_NAMESPACE", "ci")
	t.Setenv("PACKWEAVER_WORKERS", "3")
	t.Setenv("PACKWEAVER_COPY_DESTINATIONS", "/srv/a/{namespace}.zip,/srv/b.zip")
	t.Setenv("PACKWEAVER_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "ci", cfg.Namespace)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "dist/ci.zip", cfg.Archives[0].Destination)
	assert.Equal(t, []string{"mirror/ci.zip", "/srv/a/ci.zip", "/srv/b.zip"}, cfg.Archives[0].Copies)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("PACKWEAVER_WORKERS", "many")
	_, err := Load(writeConfig(t, sample))
	assert.Error(t, err)
}

func TestParse_Strict(t *testing.T) {
	_, err := Parse([]byte("namespace: x\nroots: [out]\nunknown: 1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(""))
	assert.Error(t, err)

	_, err = Parse([]byte("namespace: x\n---\nnamespace: y\n"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("namespace: x\nroots: [out]\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, retry.DefaultPolicy, cfg.RetryPolicy())
	assert.Equal(t, manifest.SHA256, cfg.ManifestAlgorithm())

	codecs, err := cfg.Codecs()
	require.NoError(t, err)
	assert.Equal(t, []string{".json", ".jsonc", ".yaml", ".yml"}, codecs.Extensions())
}

func TestCodecs_Custom(t *testing.T) {
	cfg, err := Parse([]byte("namespace: x\nroots: [out]\nstructured_extensions:\n  mcmeta: json\n  json: json\n"))
	require.NoError(t, err)
	codecs, err := cfg.Codecs()
	require.NoError(t, err)
	assert.Equal(t, []string{".json", ".mcmeta"}, codecs.Extensions())
	_, ok := codecs.ForPath("a.yml")
	assert.False(t, ok)

	cfg.StructuredExtensions["toml"] = "toml"
	assert.Error(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing namespace":   "roots: [out]\n",
		"separator namespace": "namespace: a/b\nroots: [out]\n",
		"missing roots":       "namespace: x\n",
		"layers need target":  "namespace: x\nroots: [out]\nlayers: [l]\n",
		"negative workers":    "namespace: x\nroots: [out]\nworkers: -1\n",
		"bad dedup":           "namespace: x\nroots: [out]\nmerge: {dedup: random}\n",
		"bad override":        "namespace: x\nroots: [out]\nmerge: {overrides: [{list: o, selector: ''}]}\n",
		"bad retry":           "namespace: x\nroots: [out]\nretry: {max_attempts: -2}\n",
		"archive source":      "namespace: x\nroots: [out]\narchives: [{destination: a.zip}]\n",
		"archive destination": "namespace: x\nroots: [out]\narchives: [{source: s}]\n",
		"duplicate archive":   "namespace: x\nroots: [out]\narchives: [{source: s, destination: a.zip}, {source: t, destination: a.zip}]\n",
		"bad algorithm":       "namespace: x\nroots: [out]\nmanifest: {algorithm: md5}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(doc))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}
