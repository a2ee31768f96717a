package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"packweaver/internal/archive"
	"packweaver/internal/config"
	"packweaver/internal/flush"
	"packweaver/internal/fsutil"
	"packweaver/internal/generate"
	"packweaver/internal/manifest"
	"packweaver/internal/metrics"
	"packweaver/internal/report"
	"packweaver/internal/snapshot"
	"packweaver/internal/staging"
	"packweaver/internal/vpath"
)

// StageError attributes a failure to the pipeline stage that produced it.
type StageError struct {
	Stage    string
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, code int, err error) error {
	return &StageError{Stage: stage, ExitCode: code, Err: err}
}

// buildFailure classifies errors raised while building: lock contention has
// its own exit code, everything else is a build failure.
func buildFailure(stage string, err error) error {
	var lce *archive.LockContentionError
	if errors.As(err, &lce) {
		return stageErr(stage, ExitLockContention, err)
	}
	return stageErr(stage, ExitBuildFailure, err)
}

// Result summarizes one run.
type Result struct {
	ExitCode   int
	BuildID    string
	Overlay    generate.Result
	Flush      flush.Result
	Stale      flush.StaleResult
	Archives   []archive.Result
	ReportHash string
}

// Execute runs the build pipeline for inv: load config, capture the output
// snapshot, stage the overlay layers, flush, clean stale output, package
// archives, then write the manifest, report and metrics. Logs go to logOut.
func Execute(ctx context.Context, inv Invocation, logOut io.Writer) (res Result, err error) {
	res.ExitCode = ExitInternalError
	defer func() {
		if r := recover(); r != nil {
			err = stageErr("internal", ExitInternalError, fmt.Errorf("panic: %v", r))
		}
		res.ExitCode = ExitCode(err)
	}()

	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		return res, stageErr("config", ExitConfigError, err)
	}
	logger, err := newLogger(inv, cfg, logOut)
	if err != nil {
		return res, stageErr("config", ExitConfigError, err)
	}
	res.BuildID = uuid.NewString()
	log := logger.WithFields(logrus.Fields{"build_id": res.BuildID, "namespace": cfg.Namespace})

	canon, err := vpath.New(inv.WorkDir, cfg.CaseInsensitive)
	if err != nil {
		return res, stageErr("workdir", ExitInternalError, err)
	}
	codecs, err := cfg.Codecs()
	if err != nil {
		return res, stageErr("config", ExitConfigError, err)
	}
	mergeOpts, err := cfg.MergeOptions()
	if err != nil {
		return res, stageErr("config", ExitConfigError, err)
	}

	m := metrics.New()
	rec := report.NewRecorder()

	snap, err := snapshot.Capture(ctx, canon, cfg.Roots, snapshot.Options{Workers: cfg.Workers, Logger: log})
	if err != nil {
		return res, buildFailure("snapshot", err)
	}
	store, err := staging.New(canon, staging.Options{
		Codecs:   codecs,
		Merge:    mergeOpts,
		Snapshot: snap,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		return res, stageErr("staging", ExitInternalError, err)
	}

	if len(cfg.Layers) > 0 {
		overlay := generate.Overlay{
			Layers:    cfg.Layers,
			Target:    cfg.Target,
			Namespace: cfg.Namespace,
			Workers:   cfg.Workers,
			Logger:    log,
		}
		if res.Overlay, err = overlay.Apply(ctx, store); err != nil {
			return res, buildFailure("overlay", err)
		}
	}

	engine, err := flush.New(store, flush.Options{Metrics: m, Sink: rec, Logger: log})
	if err != nil {
		return res, stageErr("flush", ExitInternalError, err)
	}
	if res.Flush, err = engine.Flush(ctx, inv.Filter); err != nil {
		return res, buildFailure("flush", err)
	}
	if res.Stale, err = engine.DeleteStale(ctx, inv.Filter); err != nil {
		return res, buildFailure("delete_stale", err)
	}

	if !inv.NoArchives {
		if res.Archives, err = buildArchives(ctx, cfg, store, m, rec, log); err != nil {
			return res, err
		}
		if err := writeManifest(ctx, cfg, canon, res.Archives); err != nil {
			return res, buildFailure("manifest", err)
		}
	}

	if inv.ReportPath != "" {
		if res.ReportHash, err = writeReport(rec.Report(cfg.Namespace), inv.ReportPath); err != nil {
			return res, buildFailure("report", err)
		}
	}
	if inv.MetricsPath != "" {
		if err := m.WriteTextfile(inv.MetricsPath); err != nil {
			return res, buildFailure("metrics", err)
		}
	}

	log.WithFields(logrus.Fields{
		"written":  len(res.Flush.Written),
		"stale":    len(res.Stale.Deleted),
		"archives": len(res.Archives),
	}).Info("build complete")
	return res, nil
}

func buildArchives(ctx context.Context, cfg *config.Config, store *staging.Store, m *metrics.Metrics, sink report.Sink, log logrus.FieldLogger) ([]archive.Result, error) {
	var out []archive.Result
	for _, a := range cfg.Archives {
		b, err := archive.New(store, archive.Options{
			Workers:      cfg.Workers,
			Retry:        cfg.RetryPolicy(),
			Level:        a.Level,
			Excludes:     a.Excludes,
			Markers:      a.Markers,
			MetadataFile: a.MetadataFile,
			Metrics:      m,
			Sink:         sink,
			Logger:       log,
		})
		if err != nil {
			return out, stageErr("archive", ExitConfigError, err)
		}
		r, err := b.Build(ctx, a.Source, a.Destination, a.Copies)
		if err != nil {
			return out, buildFailure("archive", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func writeManifest(ctx context.Context, cfg *config.Config, canon *vpath.Canonicalizer, archives []archive.Result) error {
	if cfg.Manifest.Path == "" || len(archives) == 0 {
		return nil
	}
	paths := make([]string, len(archives))
	for i, a := range archives {
		paths[i] = canon.Native(a.Path)
	}
	mf, err := manifest.Compute(ctx, cfg.ManifestAlgorithm(), paths, cfg.Workers)
	if err != nil {
		return err
	}
	out := canon.Native(canon.Canonical(cfg.Manifest.Path))
	if err := mf.Write(out); err != nil {
		return err
	}
	return verifyManifest(ctx, out, cfg.ManifestAlgorithm(), paths, cfg.Workers)
}

// verifyManifest reloads the manifest at path and checks it against the
// archives as they now sit on disk.
func verifyManifest(ctx context.Context, path string, alg manifest.Algorithm, archives []string, workers int) error {
	mf, err := manifest.Load(path, alg)
	if err != nil {
		return err
	}
	return mf.Verify(ctx, archives, workers)
}

func writeReport(rep report.Report, path string) (string, error) {
	data, err := rep.CanonicalJSON()
	if err != nil {
		return "", err
	}
	hash, err := rep.Hash()
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return hash, nil
}

// newLogger applies the level precedence flag > environment > config > info.
func newLogger(inv Invocation, cfg *config.Config, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(out)
	switch inv.LogFormat {
	case LogFormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}

	raw := inv.LogLevel
	if raw == "" {
		raw = cfg.LogLevel
	}
	if strings.TrimSpace(raw) == "" {
		raw = "info"
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)
	return l, nil
}
