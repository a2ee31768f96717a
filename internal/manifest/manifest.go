// Package manifest records a digest for every archive a build produced. The
// manifest is one JSON object mapping archive file name to hex digest, keys
// sorted, written atomically and durably.
package manifest

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"packweaver/internal/fsutil"
	"packweaver/internal/pool"
)

// Algorithm names a digest function.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = SHA256

// ParseAlgorithm parses an algorithm name. Empty selects DefaultAlgorithm.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(raw))); a {
	case "":
		return DefaultAlgorithm, nil
	case SHA1, SHA256, BLAKE3:
		return a, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q (expected sha1|sha256|blake3)", raw)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", string(a))
	}
}

// hexLen is the length of a hex digest for a.
func (a Algorithm) hexLen() int {
	switch a {
	case SHA1:
		return 40
	default:
		return 64
	}
}

// Manifest maps archive file names to hex digests.
type Manifest struct {
	Algorithm Algorithm
	Digests   map[string]string
}

// Compute hashes every file in paths in parallel. Keys are base names, which
// must be unique.
func Compute(ctx context.Context, alg Algorithm, paths []string, workers int) (Manifest, error) {
	if _, err := alg.newHash(); err != nil {
		return Manifest{}, err
	}
	seen := map[string]string{}
	for _, p := range paths {
		name := filepath.Base(p)
		if prev, ok := seen[name]; ok {
			return Manifest{}, fmt.Errorf("manifest: %s and %s share the file name %q", prev, p, name)
		}
		seen[name] = p
	}

	sums, err := pool.Map(ctx, workers, paths, func(_ context.Context, p string) (string, error) {
		return digestFile(alg, p)
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	m := Manifest{Algorithm: alg, Digests: make(map[string]string, len(paths))}
	for i, p := range paths {
		m.Digests[filepath.Base(p)] = sums[i]
	}
	return m, nil
}

func digestFile(alg Algorithm, p string) (string, error) {
	h, err := alg.newHash()
	if err != nil {
		return "", err
	}
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Marshal encodes the digests as indented JSON with sorted keys and a
// trailing newline.
func (m Manifest) Marshal() ([]byte, error) {
	digests := m.Digests
	if digests == nil {
		digests = map[string]string{}
	}
	b, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Write stores the manifest at path durably.
func (m Manifest) Write(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := fsutil.WriteFileAtomicDurable(path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return nil
}

// Load reads a manifest written with alg, rejecting malformed digests and
// trailing content.
func Load(path string, alg Algorithm) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	var digests map[string]string
	dec := json.NewDecoder(f)
	if err := dec.Decode(&digests); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Manifest{}, fmt.Errorf("manifest: %s: trailing content", path)
	}
	for name, d := range digests {
		if len(d) != alg.hexLen() {
			return Manifest{}, fmt.Errorf("manifest: %s: digest for %q has length %d", path, name, len(d))
		}
		if _, err := hex.DecodeString(d); err != nil {
			return Manifest{}, fmt.Errorf("manifest: %s: digest for %q: %w", path, name, err)
		}
	}
	return Manifest{Algorithm: alg, Digests: digests}, nil
}

// ErrMismatch is returned by Verify when a digest differs.
var ErrMismatch = errors.New("digest mismatch")

// Verify recomputes the digest of each path and compares it with m.
func (m Manifest) Verify(ctx context.Context, paths []string, workers int) error {
	got, err := Compute(ctx, m.Algorithm, paths, workers)
	if err != nil {
		return err
	}
	for name, d := range got.Digests {
		want, ok := m.Digests[name]
		if !ok {
			return fmt.Errorf("%w: %s not in manifest", ErrMismatch, name)
		}
		if want != d {
			return fmt.Errorf("%w: %s", ErrMismatch, name)
		}
	}
	return nil
}
