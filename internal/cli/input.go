package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitLockContention    = 5
)

const defaultConfigName = "packweaver.yaml"

// LogFormat selects the logrus formatter.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Invocation is the canonical description of one run. Relative paths are
// resolved against WorkDir, never the process working directory.
type Invocation struct {
	WorkDir    string
	ConfigPath string
	// Filter restricts flush and stale cleanup to paths containing it.
	Filter      string
	ReportPath  string
	MetricsPath string
	// LogLevel is empty when the flag was not given; the config and
	// environment then decide.
	LogLevel   string
	LogFormat  LogFormat
	NoArchives bool
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

type flagValues struct {
	workDir     string
	configPath  string
	filter      string
	reportPath  string
	metricsPath string
	logLevel    string
	logFormat   string
	noArchives  bool
}

func newFlagSet(v *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("packweaver", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	fs.StringVar(&v.workDir, "workdir", "", "absolute working directory (required)")
	fs.StringVar(&v.configPath, "config", defaultConfigName, "build config, relative to --workdir")
	fs.StringVar(&v.filter, "filter", "", "only flush and clean paths containing this substring")
	fs.StringVar(&v.reportPath, "report", "", "write the canonical build report here")
	fs.StringVar(&v.metricsPath, "metrics-file", "", "write Prometheus metrics in text format here")
	fs.StringVar(&v.logLevel, "log-level", "", "panic|fatal|error|warn|info|debug|trace")
	fs.StringVar(&v.logFormat, "log-format", string(LogFormatText), "text|json")
	fs.BoolVar(&v.noArchives, "no-archives", false, "skip archive and manifest generation")
	return fs
}

// Usage returns the flag help text.
func Usage() string {
	var v flagValues
	return "Usage: packweaver --workdir DIR [flags]\n\n" + newFlagSet(&v).FlagUsages()
}

// ErrHelp is returned by ParseInvocation when --help was requested.
var ErrHelp = pflag.ErrHelp

// ParseInvocation parses CLI flags into a canonical Invocation.
func ParseInvocation(args []string) (Invocation, error) {
	var v flagValues
	fs := newFlagSet(&v)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Invocation{}, ErrHelp
		}
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	if strings.TrimSpace(v.workDir) == "" {
		return Invocation{}, invalidInvocationf("--workdir is required")
	}
	workDir := filepath.Clean(v.workDir)
	if !filepath.IsAbs(workDir) {
		return Invocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", v.workDir)
	}

	inv := Invocation{
		WorkDir:    workDir,
		Filter:     v.filter,
		NoArchives: v.noArchives,
	}

	var err error
	if inv.ConfigPath, err = resolveUnderWorkDir(workDir, v.configPath); err != nil {
		return Invocation{}, err
	}
	if strings.TrimSpace(v.reportPath) != "" {
		if inv.ReportPath, err = resolveUnderWorkDir(workDir, v.reportPath); err != nil {
			return Invocation{}, err
		}
	}
	if strings.TrimSpace(v.metricsPath) != "" {
		if inv.MetricsPath, err = resolveUnderWorkDir(workDir, v.metricsPath); err != nil {
			return Invocation{}, err
		}
	}

	if lvl := strings.TrimSpace(v.logLevel); lvl != "" {
		if _, err := logrus.ParseLevel(lvl); err != nil {
			return Invocation{}, invalidInvocationf("invalid --log-level %q", v.logLevel)
		}
		inv.LogLevel = strings.ToLower(lvl)
	}
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(v.logFormat))); f {
	case LogFormatText, LogFormatJSON:
		inv.LogFormat = f
	default:
		return Invocation{}, invalidInvocationf("invalid --log-format %q (expected text|json)", v.logFormat)
	}
	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Join(workDir, clean), nil
}

// ExitCode maps an error from ParseInvocation or Execute to a semantic exit
// code. Unknown errors are internal errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr != nil {
		return stageErr.ExitCode
	}
	return ExitInternalError
}
