// Package flush commits staged artifacts to the output tree and removes files
// that a build no longer produces.
//
// Flush and DeleteStale are idempotent: running both twice without staging
// new content performs no disk mutation the second time.
package flush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"packweaver/internal/fsutil"
	"packweaver/internal/metrics"
	"packweaver/internal/report"
	"packweaver/internal/staging"
)

// Outcome labels what Flush did with one artifact.
const (
	OutcomeWritten   = "written"
	OutcomeUnchanged = "unchanged"
)

// Options configures an Engine.
type Options struct {
	// Normalizer defaults to TrailingNewline.
	Normalizer Normalizer
	// FileMode for written artifacts; zero selects 0o644.
	FileMode os.FileMode
	// Durable fsyncs each written file and its directory.
	Durable bool
	Metrics *metrics.Metrics
	Sink    report.Sink
	Logger  logrus.FieldLogger
}

// Engine flushes one staging store. It remembers the digest of everything it
// committed so repeated flushes compare against what is actually on disk.
type Engine struct {
	store      *staging.Store
	normalizer Normalizer
	mode       os.FileMode
	durable    bool
	metrics    *metrics.Metrics
	sink       report.Sink
	log        logrus.FieldLogger

	committed map[string][32]byte
}

// New returns an Engine bound to store.
func New(store *staging.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("flush: nil store")
	}
	e := &Engine{
		store:      store,
		normalizer: opts.Normalizer,
		mode:       opts.FileMode,
		durable:    opts.Durable,
		metrics:    opts.Metrics,
		sink:       opts.Sink,
		log:        opts.Logger,
		committed:  map[string][32]byte{},
	}
	if e.normalizer == nil {
		e.normalizer = TrailingNewline{}
	}
	if e.mode == 0 {
		e.mode = 0o644
	}
	if e.sink == nil {
		e.sink = report.NopSink{}
	}
	if e.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		e.log = l
	}
	return e, nil
}

// Result summarizes one Flush call. Paths are canonical and sorted.
type Result struct {
	Written   []string
	Unchanged []string
}

// Flush writes every staged artifact whose key contains filter (empty matches
// all) and whose normalized content differs from the baseline. The baseline
// is the content this engine last committed for the path, else the
// pre-build snapshot.
func (e *Engine) Flush(ctx context.Context, filter string) (Result, error) {
	var res Result
	for _, key := range e.store.Matching(filter) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		art, ok := e.store.Artifact(key)
		if !ok {
			continue
		}
		content := e.normalizer.Normalize(art.Content)
		if !bytes.Equal(content, art.Content) {
			if err := e.store.Replace(key, content); err != nil {
				return res, fmt.Errorf("flush: normalize %s: %w", key, err)
			}
		}

		sum := blake3.Sum256(content)
		if e.unchanged(key, sum) {
			res.Unchanged = append(res.Unchanged, key)
			e.metrics.Flushed(OutcomeUnchanged)
			report.SafeRecord(e.sink, report.Event{Kind: report.ArtifactUnchanged, Path: key})
			continue
		}

		if err := e.write(key, content); err != nil {
			return res, fmt.Errorf("flush: write %s: %w", key, err)
		}
		e.committed[key] = sum
		res.Written = append(res.Written, key)
		e.metrics.Flushed(OutcomeWritten)
		report.SafeRecord(e.sink, report.Event{Kind: report.ArtifactWritten, Path: key})
	}

	e.log.WithFields(logrus.Fields{
		"action":    "flush",
		"filter":    filter,
		"written":   len(res.Written),
		"unchanged": len(res.Unchanged),
	}).Info("flushed staged artifacts")
	return res, nil
}

func (e *Engine) unchanged(key string, sum [32]byte) bool {
	if prev, ok := e.committed[key]; ok {
		return prev == sum
	}
	base, ok := e.store.Snapshot().Get(key)
	if !ok {
		return false
	}
	return blake3.Sum256(base) == sum
}

func (e *Engine) write(key string, content []byte) error {
	native := e.store.Canonicalizer().Native(key)
	if e.durable {
		return fsutil.WriteFileAtomicDurable(native, content, e.mode)
	}
	return fsutil.WriteFileAtomic(native, content, e.mode)
}

// StaleResult summarizes one DeleteStale call. Paths are canonical and
// sorted.
type StaleResult struct {
	Deleted     []string
	RemovedDirs []string
}

// DeleteStale removes every snapshot path containing filter that is not
// staged and still exists on disk, then removes directories the deletions
// left empty, innermost first. Snapshot roots are never removed.
//
// Every eligible file is attempted; failures are returned together.
func (e *Engine) DeleteStale(ctx context.Context, filter string) (StaleResult, error) {
	var (
		res  StaleResult
		merr *multierror.Error
	)
	snap := e.store.Snapshot()
	canon := e.store.Canonicalizer()

	for _, key := range snap.Matching(filter) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.store.IsStaged(key) {
			continue
		}
		err := os.Remove(canon.Native(key))
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			continue
		default:
			merr = multierror.Append(merr, fmt.Errorf("delete stale %s: %w", key, err))
			continue
		}
		delete(e.committed, key)
		res.Deleted = append(res.Deleted, key)
		e.metrics.StaleDeleted()
		report.SafeRecord(e.sink, report.Event{Kind: report.StaleDeleted, Path: key})
		e.log.WithFields(logrus.Fields{"action": "delete_stale", "path": key}).Debug("deleted stale file")
	}

	for _, dir := range e.emptyDirCandidates(snap.Roots(), res.Deleted) {
		removed, err := removeIfEmpty(canon.Native(dir))
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove dir %s: %w", dir, err))
			continue
		}
		if !removed {
			continue
		}
		res.RemovedDirs = append(res.RemovedDirs, dir)
		e.metrics.DirRemoved()
		report.SafeRecord(e.sink, report.Event{Kind: report.DirectoryRemoved, Path: dir})
	}
	sort.Strings(res.RemovedDirs)

	e.log.WithFields(logrus.Fields{
		"action":       "delete_stale",
		"filter":       filter,
		"deleted":      len(res.Deleted),
		"removed_dirs": len(res.RemovedDirs),
	}).Info("removed stale output")
	return res, merr.ErrorOrNil()
}

// emptyDirCandidates returns every ancestor directory of deleted that lies
// strictly under one of roots, deepest first.
func (e *Engine) emptyDirCandidates(roots, deleted []string) []string {
	canon := e.store.Canonicalizer()
	stop := map[string]bool{canon.Root(): true}
	for _, r := range roots {
		stop[r] = true
	}

	seen := map[string]bool{}
	var dirs []string
	for _, key := range deleted {
		root := owningRoot(canon.Within, roots, key)
		if root == "" {
			continue
		}
		for dir := path.Dir(key); !stop[dir] && canon.Within(root, dir); dir = path.Dir(dir) {
			if seen[dir] {
				break
			}
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})
	return dirs
}

// owningRoot returns the longest root containing key.
func owningRoot(within func(dir, key string) bool, roots []string, key string) string {
	best := ""
	for _, r := range roots {
		if within(r, key) && len(r) > len(best) {
			best = r
		}
	}
	return best
}

func removeIfEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil {
		return false, err
	}
	return true, nil
}
