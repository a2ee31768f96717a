// Package staging is the in-memory virtual filesystem every generator writes
// through during a build. Nothing touches the output tree until the flush
// engine commits the staged artifacts.
//
// A Store is owned by the build coordinator and is not safe for concurrent
// writers. Generators that compute in parallel must apply their writes from
// one goroutine.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"packweaver/internal/merge"
	"packweaver/internal/metrics"
	"packweaver/internal/snapshot"
	"packweaver/internal/vpath"
)

// Artifact is one staged file.
type Artifact struct {
	// Path is the canonical key.
	Path       string
	Content    []byte
	Structured bool
}

// Options configures a Store.
type Options struct {
	// Codecs decides which paths hold structured content. Nil selects
	// merge.NewRegistry().
	Codecs *merge.Registry
	Merge  merge.Options
	// Snapshot is the pre-build output state used as the read fallback.
	Snapshot *snapshot.Snapshot
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
}

// Store maps canonical paths to staged artifacts.
type Store struct {
	canon   *vpath.Canonicalizer
	codecs  *merge.Registry
	merger  *merge.Merger
	snap    *snapshot.Snapshot
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	entries map[string]*Artifact
}

// New builds an empty Store.
func New(canon *vpath.Canonicalizer, opts Options) (*Store, error) {
	if canon == nil {
		return nil, errors.New("staging: nil canonicalizer")
	}
	s := &Store{
		canon:   canon,
		codecs:  opts.Codecs,
		merger:  merge.New(opts.Merge),
		snap:    opts.Snapshot,
		metrics: opts.Metrics,
		log:     opts.Logger,
		entries: make(map[string]*Artifact),
	}
	if s.codecs == nil {
		s.codecs = merge.NewRegistry()
	}
	if s.snap == nil {
		s.snap = snapshot.Empty()
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	return s, nil
}

// Canonicalizer returns the path canonicalizer shared with the engines.
func (s *Store) Canonicalizer() *vpath.Canonicalizer { return s.canon }

// Snapshot returns the pre-build snapshot the store falls back to.
func (s *Store) Snapshot() *snapshot.Snapshot { return s.snap }

// Key returns the canonical key for p.
func (s *Store) Key(p string) string { return s.canon.Canonical(p) }

// IsStructured reports whether p holds structured content.
func (s *Store) IsStructured(p string) bool {
	_, ok := s.codecs.ForPath(s.Key(p))
	return ok
}

// Write stages content at p.
//
// With Overwrite, or when nothing is staged at p yet, the artifact is
// replaced. Otherwise structured content is deep-merged with the staged
// document and re-serialized, and text is concatenated according to mode.
//
// Structured content must parse before it is staged; a failure returns a
// *FormatError and leaves the staged artifact unchanged.
func (s *Store) Write(p string, content []byte, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("staging: write %s: %v", p, mode)
	}
	key := s.Key(p)
	codec, structured := s.codecs.ForPath(key)
	existing, staged := s.entries[key]

	if mode == Overwrite || !staged {
		if structured {
			if _, err := codec.Decode(content); err != nil {
				return &FormatError{Path: key, Side: "incoming", Cause: err}
			}
		}
		s.entries[key] = &Artifact{Path: key, Content: clone(content), Structured: structured}
		s.metrics.StagedWrite(mode.String())
		return nil
	}

	if structured {
		merged, err := s.mergeStructured(codec, key, existing.Content, content)
		if err != nil {
			return err
		}
		existing.Content = merged
		s.metrics.StagedWrite(mode.String())
		s.metrics.Merged()
		s.log.WithFields(logrus.Fields{"action": "stage", "path": key}).Debug("merged structured write")
		return nil
	}

	switch mode {
	case Append:
		existing.Content = concat(content, existing.Content)
	case Prepend:
		existing.Content = concat(existing.Content, content)
	}
	s.metrics.StagedWrite(mode.String())
	return nil
}

func (s *Store) mergeStructured(codec merge.Codec, key string, existing, incoming []byte) ([]byte, error) {
	a, err := codec.Decode(existing)
	if err != nil {
		return nil, &FormatError{Path: key, Side: "existing", Cause: err}
	}
	b, err := codec.Decode(incoming)
	if err != nil {
		return nil, &FormatError{Path: key, Side: "incoming", Cause: err}
	}
	merged, err := s.merger.MergeDocuments(a, b)
	if err != nil {
		return nil, &FormatError{Path: key, Side: "merge", Cause: err}
	}
	out, err := codec.Encode(merged)
	if err != nil {
		return nil, &FormatError{Path: key, Side: "merge", Cause: err}
	}
	return out, nil
}

// WriteString is Write for text.
func (s *Store) WriteString(p, content string, mode Mode) error {
	return s.Write(p, []byte(content), mode)
}

// WriteValue serializes v with the codec registered for p's extension and
// stages the result.
func (s *Store) WriteValue(p string, v any, mode Mode) error {
	key := s.Key(p)
	codec, ok := s.codecs.ForPath(key)
	if !ok {
		return fmt.Errorf("staging: %s has no structured codec", key)
	}
	// Round-trip through the codec so Go structs become plain trees.
	raw, err := codec.Encode(v)
	if err != nil {
		return &FormatError{Path: key, Side: "incoming", Cause: err}
	}
	return s.Write(key, raw, mode)
}

// Replace swaps the content of an already staged artifact without merging.
// It is used by the flush engine for normalization.
func (s *Store) Replace(p string, content []byte) error {
	key := s.Key(p)
	a, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("staging: replace %s: not staged", key)
	}
	if a.Structured {
		codec, _ := s.codecs.ForPath(key)
		if _, err := codec.Decode(content); err != nil {
			return &FormatError{Path: key, Side: "incoming", Cause: err}
		}
	}
	a.Content = clone(content)
	return nil
}

// Read returns the staged content at p, else the on-disk content (served
// from the snapshot when it holds p). found is false when p exists nowhere;
// err is reserved for I/O failures other than absence.
func (s *Store) Read(p string) (content []byte, found bool, err error) {
	key := s.Key(p)
	if a, ok := s.entries[key]; ok {
		return clone(a.Content), true, nil
	}
	if b, ok := s.snap.Get(key); ok {
		return clone(b), true, nil
	}
	b, err := os.ReadFile(s.canon.Native(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || isDirErr(s.canon.Native(key)) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("staging: read %s: %w", key, err)
	}
	return b, true, nil
}

func isDirErr(native string) bool {
	info, err := os.Stat(native)
	return err == nil && info.IsDir()
}

// ReadValue decodes the structured content at p.
func (s *Store) ReadValue(p string) (v any, found bool, err error) {
	key := s.Key(p)
	codec, ok := s.codecs.ForPath(key)
	if !ok {
		return nil, false, fmt.Errorf("staging: %s has no structured codec", key)
	}
	b, found, err := s.Read(key)
	if err != nil || !found {
		return nil, found, err
	}
	v, err = codec.Decode(b)
	if err != nil {
		return nil, true, &FormatError{Path: key, Side: "existing", Cause: err}
	}
	return v, true, nil
}

// Exists reports whether p is staged or present on disk.
func (s *Store) Exists(p string) bool {
	key := s.Key(p)
	if _, ok := s.entries[key]; ok {
		return true
	}
	if s.snap.Has(key) {
		return true
	}
	info, err := os.Stat(s.canon.Native(key))
	return err == nil && info.Mode().IsRegular()
}

// IsStaged reports whether p is staged (disk is not consulted).
func (s *Store) IsStaged(p string) bool {
	_, ok := s.entries[s.Key(p)]
	return ok
}

// Artifact returns a copy of the staged artifact at p.
func (s *Store) Artifact(p string) (Artifact, bool) {
	a, ok := s.entries[s.Key(p)]
	if !ok {
		return Artifact{}, false
	}
	return Artifact{Path: a.Path, Content: clone(a.Content), Structured: a.Structured}, true
}

// DeleteOption customizes Delete and DeleteMatching.
type DeleteOption func(*deleteConfig)

type deleteConfig struct {
	fromDisk bool
}

// FromDisk also removes the files from the output tree and releases them
// from the snapshot.
func FromDisk() DeleteOption {
	return func(c *deleteConfig) { c.fromDisk = true }
}

// Delete removes p from the store. It reports whether anything was removed.
func (s *Store) Delete(p string, opts ...DeleteOption) (bool, error) {
	cfg := deleteConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return s.deleteKey(s.Key(p), cfg)
}

// DeleteMatching removes every staged path containing substr and returns the
// removed paths, sorted. With FromDisk, on-disk files from the snapshot that
// match are removed as well.
func (s *Store) DeleteMatching(substr string, opts ...DeleteOption) ([]string, error) {
	if substr == "" {
		return nil, errors.New("staging: delete matching: empty pattern")
	}
	cfg := deleteConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	candidates := map[string]struct{}{}
	for key := range s.entries {
		if strings.Contains(key, substr) {
			candidates[key] = struct{}{}
		}
	}
	if cfg.fromDisk {
		for _, key := range s.snap.Matching(substr) {
			candidates[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var deleted []string
	for _, key := range keys {
		removed, err := s.deleteKey(key, cfg)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted = append(deleted, key)
		}
	}
	if len(deleted) > 0 {
		s.log.WithFields(logrus.Fields{
			"action":    "delete_matching",
			"pattern":   substr,
			"deleted":   len(deleted),
			"from_disk": cfg.fromDisk,
		}).Debug("deleted staged artifacts")
	}
	return deleted, nil
}

func (s *Store) deleteKey(key string, cfg deleteConfig) (bool, error) {
	_, removed := s.entries[key]
	delete(s.entries, key)
	if !cfg.fromDisk {
		return removed, nil
	}
	err := os.Remove(s.canon.Native(key))
	switch {
	case err == nil:
		removed = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return removed, fmt.Errorf("staging: delete %s: %w", key, err)
	}
	if s.snap.Has(key) {
		s.snap.Release(key)
		removed = true
	}
	return removed, nil
}

// Paths returns every staged key, sorted.
func (s *Store) Paths() []string {
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Matching returns the staged keys containing substr, sorted. An empty substr
// matches everything.
func (s *Store) Matching(substr string) []string {
	var out []string
	for _, k := range s.Paths() {
		if strings.Contains(k, substr) {
			out = append(out, k)
		}
	}
	return out
}

// List returns the staged keys strictly under dir, sorted.
func (s *Store) List(dir string) []string {
	var out []string
	for _, k := range s.Paths() {
		if s.canon.Within(dir, k) {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of staged artifacts.
func (s *Store) Len() int { return len(s.entries) }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func concat(first, second []byte) []byte {
	out := make([]byte, 0, len(first)+len(second))
	out = append(out, first...)
	return append(out, second...)
}
