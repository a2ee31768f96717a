// Package vpath canonicalizes artifact paths so that every spelling of the
// same location maps to one key.
//
// Canonical form:
//   - forward slashes only (backslashes are treated as separators)
//   - "." and ".." segments resolved, no trailing slash
//   - absolute, resolved against an explicit root (never the process CWD)
//   - optionally lower-cased for case-insensitive output trees
//
// Folding only affects keys. The spelling of each path segment is remembered
// (first seen, unless read back from disk) and used whenever a key is turned
// back into a filesystem path, so files keep the case they have on disk.
package vpath

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Canonicalizer maps caller-supplied paths to canonical keys.
type Canonicalizer struct {
	root       string
	nativeRoot string
	foldCase   bool

	mu       sync.RWMutex
	spelling map[string]string
}

// New returns a Canonicalizer rooted at root, which must be absolute.
func New(root string, foldCase bool) (*Canonicalizer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("vpath: root is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("vpath: root must be absolute (got %q)", root)
	}
	c := &Canonicalizer{foldCase: foldCase, nativeRoot: Clean(root)}
	c.root = c.fold(c.nativeRoot)
	if foldCase {
		c.spelling = map[string]string{}
		c.remember(c.nativeRoot, true)
	}
	return c, nil
}

// Root returns the canonical root.
func (c *Canonicalizer) Root() string { return c.root }

// Canonical returns the canonical key for p. Relative paths are resolved
// under the root.
func (c *Canonicalizer) Canonical(p string) string {
	return c.canonical(p, false)
}

// Observe is Canonical for a path read back from the filesystem: its
// spelling replaces any remembered one.
func (c *Canonicalizer) Observe(p string) string {
	return c.canonical(p, true)
}

func (c *Canonicalizer) canonical(p string, authoritative bool) string {
	clean := Clean(p)
	if !isAbs(clean) {
		clean = path.Join(c.nativeRoot, clean)
	}
	if !c.foldCase {
		return clean
	}
	c.remember(clean, authoritative)
	return c.fold(clean)
}

// Native converts a canonical key back to an OS path usable with package os.
func (c *Canonicalizer) Native(key string) string {
	return filepath.FromSlash(c.Spelling(key))
}

// Spelling returns key with the letter case it was seen with. Segments never
// seen keep their folded form.
func (c *Canonicalizer) Spelling(key string) string {
	if !c.foldCase {
		return key
	}
	var segs []string
	c.mu.RLock()
	for k := key; ; {
		seg, ok := c.spelling[k]
		if !ok {
			seg = path.Base(k)
		}
		segs = append(segs, seg)
		parent := path.Dir(k)
		if parent == k || parent == "." {
			break
		}
		k = parent
	}
	c.mu.RUnlock()
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return path.Join(segs...)
}

// SpelledRel is Rel with the result in its remembered spelling, for names
// that leave the process such as archive entries.
func (c *Canonicalizer) SpelledRel(dir, key string) (string, bool) {
	d := c.Canonical(dir)
	k := c.Canonical(key)
	if _, ok := c.Rel(d, k); !ok {
		return "", false
	}
	ds, ks := c.Spelling(d), c.Spelling(k)
	return strings.TrimPrefix(ks, strings.TrimSuffix(ds, "/")+"/"), true
}

// remember records the last segment of clean and of every ancestor, keyed by
// folded path. Existing entries win unless authoritative is set. An entry
// always has its ancestors recorded, so the walk stops at the first hit.
func (c *Canonicalizer) remember(clean string, authoritative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := clean; ; {
		key := c.fold(p)
		if _, ok := c.spelling[key]; ok && !authoritative {
			return
		}
		c.spelling[key] = path.Base(p)
		parent := path.Dir(p)
		if parent == p || parent == "." {
			return
		}
		p = parent
	}
}

// Rel returns key relative to dir, both canonicalized. ok is false when key is
// not inside dir.
func (c *Canonicalizer) Rel(dir, key string) (rel string, ok bool) {
	d := c.Canonical(dir)
	k := c.Canonical(key)
	if k == d {
		return "", false
	}
	prefix := d
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(k, prefix) {
		return "", false
	}
	return strings.TrimPrefix(k, prefix), true
}

// Within reports whether key lies strictly under dir.
func (c *Canonicalizer) Within(dir, key string) bool {
	_, ok := c.Rel(dir, key)
	return ok
}

func (c *Canonicalizer) fold(p string) string {
	if c.foldCase {
		return strings.ToLower(p)
	}
	return p
}

// Clean normalizes separators and dot segments without resolving against a
// root. Windows volume names are kept ("C:/x").
func Clean(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "."
	}
	cleaned := path.Clean(p)
	return cleaned
}

func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	// Drive-letter form produced by Clean on Windows paths.
	return len(p) >= 3 && p[1] == ':' && p[2] == '/' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
