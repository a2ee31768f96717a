// Package config loads the build description. The YAML file is decoded
// strictly (unknown fields are errors); a few settings can be overridden from
// the environment for CI use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"packweaver/internal/manifest"
	"packweaver/internal/merge"
	"packweaver/internal/retry"
)

// NamespaceToken is replaced by the namespace in every configured path.
const NamespaceToken = "{namespace}"

// Config describes one build. Relative paths resolve against the work
// directory.
type Config struct {
	Namespace       string `yaml:"namespace"`
	CaseInsensitive bool   `yaml:"case_insensitive"`
	// Roots are the output trees captured before the build and cleaned of
	// stale files after it.
	Roots []string `yaml:"roots"`
	// Layers are overlay directories applied in order onto Target.
	Layers []string `yaml:"layers"`
	Target string   `yaml:"target"`
	// StructuredExtensions replaces the default structured extension set
	// when non-empty. Values are codec names keyed by extension.
	StructuredExtensions map[string]string `yaml:"structured_extensions"`
	Merge                MergeConfig       `yaml:"merge"`
	Workers              int               `yaml:"workers"`
	Retry                RetryConfig       `yaml:"retry"`
	Archives             []ArchiveConfig   `yaml:"archives"`
	Manifest             ManifestConfig    `yaml:"manifest"`
	LogLevel             string            `yaml:"log_level"`
}

type MergeConfig struct {
	Dedup     string           `yaml:"dedup"`
	Overrides []OverrideConfig `yaml:"overrides"`
}

type OverrideConfig struct {
	List     string `yaml:"list"`
	Selector string `yaml:"selector"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

type ArchiveConfig struct {
	Source       string   `yaml:"source"`
	Destination  string   `yaml:"destination"`
	Copies       []string `yaml:"copies"`
	Excludes     []string `yaml:"excludes"`
	Markers      []string `yaml:"markers"`
	MetadataFile string   `yaml:"metadata_file"`
	Level        *int     `yaml:"level"`
}

type ManifestConfig struct {
	Path      string `yaml:"path"`
	Algorithm string `yaml:"algorithm"`
}

// Env holds the environment overrides.
type Env struct {
	Namespace string `env:"PACKWEAVER_NAMESPACE"`
	Workers   int    `env:"PACKWEAVER_WORKERS"`
	// CopyDestinations are appended to every archive's copies.
	CopyDestinations []string `env:"PACKWEAVER_COPY_DESTINATIONS" envSeparator:","`
	LogLevel         string   `env:"PACKWEAVER_LOG_LEVEL"`
}

// Load reads path, applies environment overrides, expands the namespace
// token and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.ApplyEnv(e)
	cfg.Expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes one YAML document strictly without applying overrides.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse config: empty document")
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("parse config: more than one document")
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays the non-empty environment values.
func (c *Config) ApplyEnv(e Env) {
	if e.Namespace != "" {
		c.Namespace = e.Namespace
	}
	if e.Workers != 0 {
		c.Workers = e.Workers
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	if len(e.CopyDestinations) > 0 {
		for i := range c.Archives {
			c.Archives[i].Copies = append(c.Archives[i].Copies, e.CopyDestinations...)
		}
	}
}

// Expand substitutes the namespace token in every path.
func (c *Config) Expand() {
	x := func(s string) string { return strings.ReplaceAll(s, NamespaceToken, c.Namespace) }
	xs := func(in []string) []string {
		for i := range in {
			in[i] = x(in[i])
		}
		return in
	}
	c.Roots = xs(c.Roots)
	c.Layers = xs(c.Layers)
	c.Target = x(c.Target)
	for i := range c.Archives {
		a := &c.Archives[i]
		a.Source = x(a.Source)
		a.Destination = x(a.Destination)
		a.Copies = xs(a.Copies)
	}
	c.Manifest.Path = x(c.Manifest.Path)
}

// Validate checks required fields and parses the enumerated values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("config: namespace is required")
	}
	if strings.ContainsAny(c.Namespace, `/\`) {
		return fmt.Errorf("config: namespace %q must not contain path separators", c.Namespace)
	}
	if len(c.Roots) == 0 {
		return errors.New("config: at least one root is required")
	}
	if len(c.Layers) > 0 && strings.TrimSpace(c.Target) == "" {
		return errors.New("config: target is required when layers are set")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0 (got %d)", c.Workers)
	}
	if _, err := c.MergeOptions(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Codecs(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	seen := map[string]int{}
	for i, a := range c.Archives {
		if strings.TrimSpace(a.Source) == "" {
			return fmt.Errorf("config: archives[%d].source is required", i)
		}
		if strings.TrimSpace(a.Destination) == "" {
			return fmt.Errorf("config: archives[%d].destination is required", i)
		}
		if j, dup := seen[a.Destination]; dup {
			return fmt.Errorf("config: archives[%d] and archives[%d] share destination %q", j, i, a.Destination)
		}
		seen[a.Destination] = i
	}
	if _, err := manifest.ParseAlgorithm(c.Manifest.Algorithm); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MergeOptions converts the merge section.
func (c *Config) MergeOptions() (merge.Options, error) {
	dedup, err := merge.ParseDedupPolicy(c.Merge.Dedup)
	if err != nil {
		return merge.Options{}, err
	}
	opts := merge.Options{Dedup: dedup}
	for _, o := range c.Merge.Overrides {
		rule, err := merge.ParseOverrideRule(o.List, o.Selector)
		if err != nil {
			return merge.Options{}, err
		}
		opts.Overrides = append(opts.Overrides, rule)
	}
	return opts, nil
}

// Codecs returns the structured codec registry.
func (c *Config) Codecs() (*merge.Registry, error) {
	if len(c.StructuredExtensions) == 0 {
		return merge.NewRegistry(), nil
	}
	r := merge.NewEmptyRegistry()
	for ext, name := range c.StructuredExtensions {
		codec, err := merge.CodecByName(name)
		if err != nil {
			return nil, fmt.Errorf("structured_extensions[%s]: %w", ext, err)
		}
		r.Register(ext, codec)
	}
	return r, nil
}

// RetryPolicy returns the archive retry policy, filling unset fields from
// retry.DefaultPolicy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy
	if c.Retry.MaxAttempts != 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.Delay != 0 {
		p.Delay = c.Retry.Delay
	}
	return p
}

// ManifestAlgorithm returns the parsed digest algorithm.
func (c *Config) ManifestAlgorithm() manifest.Algorithm {
	a, err := manifest.ParseAlgorithm(c.Manifest.Algorithm)
	if err != nil {
		return manifest.DefaultAlgorithm
	}
	return a
}
