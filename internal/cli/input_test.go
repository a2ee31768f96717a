package cli

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseInvocation_DeterministicStruct(t *testing.T) {
	workDir := t.TempDir()
	args := []string{
		"--workdir", workDir,
		"--config", "conf/../packweaver.yaml",
		"--report", "reports/../report.json",
		"--metrics-file", "./metrics//build.prom",
		"--filter", "/lang/",
		"--log-level", "DEBUG",
		"--log-format", "json",
		"--no-archives",
	}

	inv1, err := ParseInvocation(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv2, err := ParseInvocation(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(inv1, inv2) {
		t.Fatalf("expected identical invocations, got\n%#v\n%#v", inv1, inv2)
	}

	if inv1.WorkDir != filepath.Clean(workDir) {
		t.Fatalf("workdir not canonicalized: %q", inv1.WorkDir)
	}
	if inv1.ConfigPath != filepath.Join(workDir, "packweaver.yaml") {
		t.Fatalf("config path not resolved: %q", inv1.ConfigPath)
	}
	if inv1.ReportPath != filepath.Join(workDir, "report.json") {
		t.Fatalf("report path not resolved: %q", inv1.ReportPath)
	}
	if inv1.MetricsPath != filepath.Join(workDir, "metrics", "build.prom") {
		t.Fatalf("metrics path not resolved: %q", inv1.MetricsPath)
	}
	if inv1.Filter != "/lang/" || inv1.LogLevel != "debug" || inv1.LogFormat != LogFormatJSON || !inv1.NoArchives {
		t.Fatalf("unexpected options: %#v", inv1)
	}
}

func TestParseInvocation_Defaults(t *testing.T) {
	workDir := t.TempDir()
	inv, err := ParseInvocation([]string{"--workdir", workDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ConfigPath != filepath.Join(workDir, defaultConfigName) {
		t.Fatalf("expected default config path, got %q", inv.ConfigPath)
	}
	if inv.LogLevel != "" || inv.LogFormat != LogFormatText || inv.ReportPath != "" || inv.MetricsPath != "" {
		t.Fatalf("unexpected defaults: %#v", inv)
	}
}

func TestParseInvocation_ResolvesRelativePathsAgainstWorkDir_NotCwd(t *testing.T) {
	workDir := t.TempDir()
	otherCwd := t.TempDir()

	oldCwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })
	if err := os.Chdir(otherCwd); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	inv, err := ParseInvocation([]string{"--workdir", workDir, "--config", "c.yaml"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ConfigPath != filepath.Join(workDir, "c.yaml") {
		t.Fatalf("expected config under workdir, got %q", inv.ConfigPath)
	}
}

func TestParseInvocation_WorkDirIsMandatoryAndAbsolute(t *testing.T) {
	_, err := ParseInvocation([]string{"--config", "c.yaml"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if ExitCode(err) != ExitInvalidInvocation {
		t.Fatalf("expected exit code %d, got %d", ExitInvalidInvocation, ExitCode(err))
	}

	_, err = ParseInvocation([]string{"--workdir", "relative"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if ExitCode(err) != ExitInvalidInvocation {
		t.Fatalf("expected exit code %d, got %d", ExitInvalidInvocation, ExitCode(err))
	}
}

func TestParseInvocation_RejectsBadInput(t *testing.T) {
	workDir := t.TempDir()
	cases := map[string][]string{
		"unknown flag":   {"--workdir", workDir, "--graph", "g.json"},
		"positional":     {"--workdir", workDir, "extra"},
		"bad log level":  {"--workdir", workDir, "--log-level", "loud"},
		"bad log format": {"--workdir", workDir, "--log-format", "xml"},
		"empty config":   {"--workdir", workDir, "--config", " "},
		"dot config":     {"--workdir", workDir, "--config", "."},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInvocation(args)
			if ExitCode(err) != ExitInvalidInvocation {
				t.Fatalf("expected exit code %d, got %d (%v)", ExitInvalidInvocation, ExitCode(err), err)
			}
		})
	}
}

func TestParseInvocation_Help(t *testing.T) {
	_, err := ParseInvocation([]string{"--help"})
	if !errors.Is(err, ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != ExitSuccess {
		t.Fatalf("nil error: got %d", got)
	}
	if got := ExitCode(errors.New("boom")); got != ExitInternalError {
		t.Fatalf("unknown error: got %d", got)
	}
	if got := ExitCode(&StageError{Stage: "archive", ExitCode: ExitLockContention, Err: errors.New("x")}); got != ExitLockContention {
		t.Fatalf("stage error: got %d", got)
	}
}
