// Package archive packages a directory into a deterministic zip file.
//
// Two builds over the same inputs produce byte-identical archives: entries
// are sorted by path, compressed with one fixed deflate level, and share a
// single timestamp derived from the source tree instead of the wall clock.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"packweaver/internal/fsutil"
	"packweaver/internal/metrics"
	"packweaver/internal/pool"
	"packweaver/internal/report"
	"packweaver/internal/retry"
	"packweaver/internal/staging"
)

// DefaultLevel is the deflate level used for every entry.
const DefaultLevel = flate.DefaultCompression

// DefaultExcludes are OS litter files never packaged.
var DefaultExcludes = []string{"**/.DS_Store", "**/Thumbs.db"}

// Options configures a Builder.
type Options struct {
	// Workers caps parallel entry preparation; <= 0 selects
	// pool.DefaultWorkers.
	Workers int
	// Retry bounds lock-contention retries; zero selects
	// retry.DefaultPolicy.
	Retry retry.Policy
	// Level is the deflate level; nil selects DefaultLevel.
	Level *int
	// Excludes are doublestar patterns matched against entry paths; nil
	// selects DefaultExcludes.
	Excludes []string
	// Markers are source-relative paths whose modification time fixes the
	// archive timestamp; the first one present wins.
	Markers []string
	// MetadataFile is the timestamp fallback when no marker exists.
	MetadataFile string
	// Clock is the last timestamp fallback; nil selects time.Now.
	Clock func() time.Time

	Metrics *metrics.Metrics
	Sink    report.Sink
	Logger  logrus.FieldLogger

	// commit writes the finished archive; tests replace it to simulate
	// contention.
	commit func(dest string, data []byte) error
	sleep  func(context.Context, time.Duration) error
}

// Builder produces archives from the output tree overlaid with staged
// content. A Builder may be reused for several archives but is not safe for
// concurrent Build calls.
type Builder struct {
	store   *staging.Store
	opts    Options
	level   int
	log     logrus.FieldLogger
	sink    report.Sink
	clock   func() time.Time
	commit  func(string, []byte) error
	metrics *metrics.Metrics
}

// New validates opts and returns a Builder reading staged content from store.
func New(store *staging.Store, opts Options) (*Builder, error) {
	if store == nil {
		return nil, errors.New("archive: nil store")
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if opts.Excludes == nil {
		opts.Excludes = DefaultExcludes
	}
	for _, p := range opts.Excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("archive: invalid exclude pattern %q", p)
		}
	}
	b := &Builder{
		store:   store,
		opts:    opts,
		level:   DefaultLevel,
		log:     opts.Logger,
		sink:    opts.Sink,
		clock:   opts.Clock,
		commit:  opts.commit,
		metrics: opts.Metrics,
	}
	if opts.Level != nil {
		if *opts.Level < flate.HuffmanOnly || *opts.Level > flate.BestCompression {
			return nil, fmt.Errorf("archive: invalid deflate level %d", *opts.Level)
		}
		b.level = *opts.Level
	}
	if b.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		b.log = l
	}
	if b.sink == nil {
		b.sink = report.NopSink{}
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	if b.commit == nil {
		b.commit = commitArchive
	}
	return b, nil
}

// Result describes one finished archive.
type Result struct {
	Path    string
	Entries []string
	Stamp   Stamp
	// Digest is the hex blake3 digest of the archive bytes.
	Digest  string
	Size    int
	Retries int
	// CopyErrors holds the copies that failed; the build still succeeded.
	CopyErrors []*SecondaryCopyError
	Elapsed    time.Duration
}

// source is one file to package. Staged content is resolved on the calling
// goroutine so workers only touch the disk.
type source struct {
	name   string
	native string
	staged []byte
	inline bool
}

func (s source) String() string { return s.name }

type entry struct {
	name       string
	crc        uint32
	size       uint64
	compressed []byte
}

// Build packages sourceDir into destination, then copies the result to each
// copy destination. A locked destination is retried per the retry policy;
// exhaustion returns *LockContentionError. Copy failures are logged and
// returned in Result.CopyErrors.
func (b *Builder) Build(ctx context.Context, sourceDir, destination string, copies []string) (Result, error) {
	start := time.Now()
	canon := b.store.Canonicalizer()
	srcKey := canon.Canonical(sourceDir)
	destKey := canon.Canonical(destination)
	log := b.log.WithFields(logrus.Fields{"action": "build_archive", "archive": destKey})

	stamp, origin, err := resolveStamp(canon.Native(srcKey), b.opts.Markers, b.opts.MetadataFile, b.clock)
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: timestamp: %w", destKey, err)
	}

	sources, err := b.collect(srcKey, destKey)
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: %w", destKey, err)
	}

	entries, err := pool.Map(ctx, b.opts.Workers, sources, func(_ context.Context, s source) (entry, error) {
		return b.prepare(s)
	})
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: preparing entries: %w", destKey, err)
	}

	data, err := writeZip(entries, stamp)
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: %w", destKey, err)
	}

	retries, err := b.commitWithRetry(ctx, destKey, data, log)
	if err != nil {
		return Result{}, err
	}

	sum := blake3.Sum256(data)
	res := Result{
		Path:    destKey,
		Entries: make([]string, len(entries)),
		Stamp:   stamp,
		Digest:  hex.EncodeToString(sum[:]),
		Size:    len(data),
		Retries: retries,
	}
	for i, e := range entries {
		res.Entries[i] = e.name
	}
	res.CopyErrors = b.copyAll(destKey, data, copies, log)
	res.Elapsed = time.Since(start)

	b.metrics.ArchiveBuilt(res.Elapsed, len(entries))
	report.SafeRecord(b.sink, report.Event{Kind: report.ArchiveBuilt, Path: destKey, Detail: res.Digest, Count: len(entries)})
	log.WithFields(logrus.Fields{
		"entries":      len(entries),
		"bytes":        len(data),
		"stamp":        stamp.String(),
		"stamp_source": string(origin),
		"retries":      retries,
		"elapsed":      res.Elapsed.String(),
	}).Info("built archive")
	return res, nil
}

// collect returns the union of files on disk under srcKey and staged paths
// under it, sorted by entry name. Excluded names and the destination itself
// are skipped.
func (b *Builder) collect(srcKey, destKey string) ([]source, error) {
	canon := b.store.Canonicalizer()
	byName := map[string]source{}

	root := canon.Native(srcKey)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		key := canon.Observe(p)
		if key == destKey {
			return nil
		}
		id, ok := canon.Rel(srcKey, key)
		if !ok {
			return nil
		}
		name, _ := canon.SpelledRel(srcKey, key)
		byName[id] = source{name: name, native: canon.Native(key)}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", srcKey, err)
	}

	for _, key := range b.store.List(srcKey) {
		if key == destKey {
			continue
		}
		art, ok := b.store.Artifact(key)
		if !ok {
			continue
		}
		id, _ := canon.Rel(srcKey, key)
		name, _ := canon.SpelledRel(srcKey, key)
		byName[id] = source{name: name, staged: art.Content, inline: true}
	}

	out := make([]source, 0, len(byName))
	for _, s := range byName {
		if b.excluded(s.name) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (b *Builder) excluded(name string) bool {
	for _, p := range b.opts.Excludes {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (b *Builder) prepare(s source) (entry, error) {
	content := s.staged
	if !s.inline {
		var err error
		content, err = os.ReadFile(s.native)
		if err != nil {
			return entry{}, err
		}
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, b.level)
	if err != nil {
		return entry{}, err
	}
	if _, err := w.Write(content); err != nil {
		return entry{}, err
	}
	if err := w.Close(); err != nil {
		return entry{}, err
	}
	return entry{
		name:       s.name,
		crc:        crc32.ChecksumIEEE(content),
		size:       uint64(len(content)),
		compressed: buf.Bytes(),
	}, nil
}

// writeZip serializes pre-compressed entries in order. Modified is left zero
// so no extended-timestamp extra field is emitted; only the DOS fields carry
// the stamp.
func writeZip(entries []entry, stamp Stamp) ([]byte, error) {
	date, clock := stamp.dos()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		fh := &zip.FileHeader{
			Name:               e.name,
			Method:             zip.Deflate,
			ReaderVersion:      20,
			CRC32:              e.crc,
			CompressedSize64:   uint64(len(e.compressed)),
			UncompressedSize64: e.size,
			ModifiedDate:       date,
			ModifiedTime:       clock,
		}
		if nonASCII(e.name) && utf8.ValidString(e.name) {
			fh.Flags |= utf8NameFlag
		}
		fh.SetMode(0o644)
		w, err := zw.CreateRaw(fh)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.compressed); err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), nil
}

// utf8NameFlag is general purpose bit 11: the name is UTF-8. CreateRaw does
// not set it on its own.
const utf8NameFlag = 0x800

func nonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

func (b *Builder) commitWithRetry(ctx context.Context, destKey string, data []byte, log logrus.FieldLogger) (int, error) {
	opts := []retry.Option{
		retry.WithOnRetry(func(n int, err error) {
			b.metrics.ArchiveRetried()
			report.SafeRecord(b.sink, report.Event{Kind: report.ArchiveRetried, Path: destKey, Count: n})
			log.WithError(err).WithField("retry", n).Warn("archive destination locked, retrying")
		}),
	}
	if b.opts.sleep != nil {
		opts = append(opts, retry.WithSleep(b.opts.sleep))
	}
	m, err := retry.New(b.opts.Retry, func(err error) bool { return errors.Is(err, ErrLocked) }, opts...)
	if err != nil {
		return 0, err
	}

	native := b.store.Canonicalizer().Native(destKey)
	err = m.Run(ctx, func(int) error { return b.commit(native, data) })
	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		return m.Retries(), nil
	case errors.As(err, &exhausted):
		return m.Retries(), &LockContentionError{Path: destKey, Attempts: exhausted.Attempts, Last: exhausted.Last}
	default:
		return m.Retries(), fmt.Errorf("archive %s: write: %w", destKey, err)
	}
}

// commitArchive replaces dest with data unless another process holds it.
func commitArchive(dest string, data []byte) error {
	if err := probeLock(dest); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(dest, data, 0o644); err != nil {
		if isLockErrno(err) {
			return fmt.Errorf("%w: %s: %v", ErrLocked, dest, err)
		}
		return err
	}
	return nil
}

func (b *Builder) copyAll(srcKey string, data []byte, copies []string, log logrus.FieldLogger) []*SecondaryCopyError {
	canon := b.store.Canonicalizer()
	var failed []*SecondaryCopyError
	for _, c := range copies {
		key := canon.Canonical(c)
		if key == srcKey {
			continue
		}
		if err := fsutil.WriteFileAtomic(canon.Native(key), data, 0o644); err != nil {
			cerr := &SecondaryCopyError{Source: srcKey, Destination: key, Err: err}
			failed = append(failed, cerr)
			b.metrics.CopyFailed()
			report.SafeRecord(b.sink, report.Event{Kind: report.CopyFailed, Path: srcKey, Detail: key})
			log.WithFields(logrus.Fields{"action": "copy_archive", "destination": key}).WithError(err).Warn("archive copy failed")
			continue
		}
		log.WithFields(logrus.Fields{"action": "copy_archive", "destination": key}).Debug("copied archive")
	}
	return failed
}
