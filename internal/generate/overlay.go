// Package generate holds the generators that feed the staging store.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"packweaver/internal/pool"
	"packweaver/internal/staging"
)

// NamespaceToken in a layer-relative path is replaced by the namespace.
const NamespaceToken = "{namespace}"

const (
	overwriteMarker = ".overwrite"
	prependMarker   = ".prepend"
)

// Overlay stages every file of each layer directory under Target, in layer
// order. Structured files from later layers deep-merge over earlier ones;
// text files combine per the write mode.
//
// A file named "x.overwrite.json" is staged as "x.json" in Overwrite mode and
// "x.prepend.txt" as "x.txt" in Prepend mode; everything else uses Append.
type Overlay struct {
	Layers    []string
	Target    string
	Namespace string
	// Workers caps parallel layer reads.
	Workers int
	Logger  logrus.FieldLogger
}

// Result lists the staged keys in the order they were written. A key
// appears once per layer that contributed to it.
type Result struct {
	Staged  []string
	Skipped []string
}

type layerFile struct {
	layer  int
	native string
	rel    string
	mode   staging.Mode
}

// Apply reads every layer and writes the files into store. Reads are
// parallel; writes happen on the calling goroutine in deterministic order.
func (o Overlay) Apply(ctx context.Context, store *staging.Store) (Result, error) {
	log := o.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	canon := store.Canonicalizer()
	target := canon.Canonical(o.Target)

	var (
		files []layerFile
		res   Result
	)
	for i, layer := range o.Layers {
		dir := canon.Canonical(layer)
		found, err := o.listLayer(i, canon.Native(dir))
		if err != nil {
			return res, fmt.Errorf("overlay: layer %s: %w", layer, err)
		}
		if found == nil {
			res.Skipped = append(res.Skipped, dir)
			log.WithFields(logrus.Fields{"action": "overlay", "layer": dir}).Warn("layer directory missing, skipped")
			continue
		}
		files = append(files, found...)
	}

	contents, err := pool.Map(ctx, o.Workers, files, func(_ context.Context, f layerFile) ([]byte, error) {
		return os.ReadFile(f.native)
	})
	if err != nil {
		return res, fmt.Errorf("overlay: reading layers: %w", err)
	}

	for i, f := range files {
		key := canon.Canonical(path.Join(target, f.rel))
		if err := store.Write(key, contents[i], f.mode); err != nil {
			return res, fmt.Errorf("overlay: layer %d: %w", f.layer, err)
		}
		res.Staged = append(res.Staged, key)
	}
	log.WithFields(logrus.Fields{
		"action": "overlay",
		"layers": len(o.Layers),
		"files":  len(files),
		"target": target,
	}).Info("applied overlay layers")
	return res, nil
}

// listLayer returns the layer's files sorted by target-relative path. A
// missing layer returns nil.
func (o Overlay) listLayer(idx int, root string) ([]layerFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	out := []layerFile{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = strings.ReplaceAll(filepath.ToSlash(rel), NamespaceToken, o.Namespace)
		name, mode := splitMode(path.Base(rel))
		out = append(out, layerFile{
			layer:  idx,
			native: p,
			rel:    path.Join(path.Dir(rel), name),
			mode:   mode,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out, nil
}

// splitMode strips a write-mode marker from a file name.
func splitMode(name string) (string, staging.Mode) {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	switch {
	case ext == overwriteMarker && stem != "":
		return stem, staging.Overwrite
	case ext == prependMarker && stem != "":
		return stem, staging.Prepend
	case strings.HasSuffix(stem, overwriteMarker) && stem != overwriteMarker:
		return strings.TrimSuffix(stem, overwriteMarker) + ext, staging.Overwrite
	case strings.HasSuffix(stem, prependMarker) && stem != prependMarker:
		return strings.TrimSuffix(stem, prependMarker) + ext, staging.Prepend
	default:
		return name, staging.Append
	}
}
