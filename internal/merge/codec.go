package merge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Codec parses and serializes structured content for one file format.
//
// Decode must return trees built only from map[string]any, []any and
// scalars so that Merge can treat every format alike.
type Codec interface {
	Name() string
	Decode(data []byte) (any, error)
	Encode(v any) ([]byte, error)
}

// JSONCodec reads JSON with comments and trailing commas tolerated and writes
// compact JSON with sorted keys.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	// A second value means the input was not a single document.
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, errors.New("parse json: trailing data")
		}
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return v, nil
}

func (JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// YAMLCodec reads and writes YAML documents. Mapping keys are always
// rendered as strings.
type YAMLCodec struct{}

func (YAMLCodec) Name() string { return "yaml" }

func (YAMLCodec) Decode(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if v == nil {
		return nil, errors.New("parse yaml: empty document")
	}
	return normalizeYAML(v), nil
}

func (YAMLCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeYAML(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// CodecByName resolves a codec from its configuration name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json", "jsonc":
		return JSONCodec{}, nil
	case "yaml", "yml":
		return YAMLCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (expected json|yaml)", name)
	}
}

// Registry maps file extensions to codecs. A path whose extension is
// registered holds structured content.
type Registry struct {
	byExt map[string]Codec
}

// NewEmptyRegistry returns a registry with no extensions; every path is
// treated as text until one is registered.
func NewEmptyRegistry() *Registry {
	return &Registry{byExt: make(map[string]Codec)}
}

// NewRegistry returns a registry with the built-in extensions.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.Register(".json", JSONCodec{})
	r.Register(".jsonc", JSONCodec{})
	r.Register(".yaml", YAMLCodec{})
	r.Register(".yml", YAMLCodec{})
	return r
}

// Register binds ext (with or without the leading dot) to c.
func (r *Registry) Register(ext string, c Codec) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.byExt[ext] = c
}

// ForPath returns the codec for the path's extension.
func (r *Registry) ForPath(p string) (Codec, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.byExt[strings.ToLower(path.Ext(p))]
	return c, ok
}

// Extensions lists the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
