// Package snapshot records the output tree as it existed before a build
// started. The snapshot is the baseline for change detection during flush and
// the source of truth for stale-file cleanup.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"packweaver/internal/pool"
	"packweaver/internal/vpath"
)

// Snapshot maps canonical paths to their content at capture time.
//
// It is read-only after Capture except for Release, and is not safe for
// concurrent mutation.
type Snapshot struct {
	roots   []string
	content map[string][]byte
}

// Empty returns a snapshot with no files, for builds with no prior output.
func Empty() *Snapshot {
	return &Snapshot{content: map[string][]byte{}}
}

// Options configures Capture.
type Options struct {
	// Workers caps parallel reads; <= 0 selects pool.DefaultWorkers.
	Workers int
	Logger  logrus.FieldLogger
}

// Capture walks every root and reads each regular file. Roots that do not
// exist contribute nothing.
func Capture(ctx context.Context, canon *vpath.Canonicalizer, roots []string, opts Options) (*Snapshot, error) {
	if canon == nil {
		return nil, errors.New("snapshot: nil canonicalizer")
	}
	s := &Snapshot{content: map[string][]byte{}}

	var files []string
	for _, root := range roots {
		key := canon.Canonical(root)
		s.roots = append(s.roots, key)
		found, err := listFiles(canon.Native(key))
		if err != nil {
			return nil, fmt.Errorf("snapshot: walking %s: %w", root, err)
		}
		files = append(files, found...)
	}
	sort.Strings(files)
	files = dedupeSorted(files)

	contents, err := pool.Map(ctx, opts.Workers, files, func(_ context.Context, p string) ([]byte, error) {
		return os.ReadFile(p)
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading files: %w", err)
	}
	for i, p := range files {
		s.content[canon.Observe(p)] = contents[i]
	}

	if opts.Logger != nil {
		opts.Logger.WithFields(logrus.Fields{
			"action": "snapshot",
			"roots":  len(roots),
			"files":  len(s.content),
		}).Debug("captured output snapshot")
	}
	return s, nil
}

func listFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func dedupeSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// Roots returns the canonical roots passed to Capture.
func (s *Snapshot) Roots() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.roots...)
}

// Get returns the captured content for key.
func (s *Snapshot) Get(key string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	b, ok := s.content[key]
	return b, ok
}

// Has reports whether key was captured.
func (s *Snapshot) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Len returns the number of captured files.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.content)
}

// Paths returns every captured key, sorted.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.content))
	for k := range s.content {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Matching returns the sorted keys that contain substr.
func (s *Snapshot) Matching(substr string) []string {
	var out []string
	for _, k := range s.Paths() {
		if strings.Contains(k, substr) {
			out = append(out, k)
		}
	}
	return out
}

// Release forgets key. It is used when a path is reclaimed, i.e. its on-disk
// copy was removed during the build and the captured content no longer
// describes the disk.
func (s *Snapshot) Release(key string) {
	if s == nil {
		return
	}
	delete(s.content, key)
}
