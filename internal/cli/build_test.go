package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"packweaver/internal/archive"
	"packweaver/internal/config"
	"packweaver/internal/manifest"
	"packweaver/internal/vpath"
)

func TestWriteManifest_VerifiesAgainstDisk(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "dist", "demo.zip")
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(zipPath, []byte("zip bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	canon, err := vpath.New(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Manifest: config.ManifestConfig{Path: "dist/digests.json", Algorithm: "sha256"}}
	ctx := context.Background()

	out := filepath.Join(dir, "dist", "digests.json")
	if err := writeManifest(ctx, cfg, canon, nil); err != nil {
		t.Fatalf("no archives: %v", err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("manifest written without archives: %v", err)
	}

	if err := writeManifest(ctx, cfg, canon, []archive.Result{{Path: canon.Canonical("dist/demo.zip")}}); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	if err := os.WriteFile(zipPath, []byte("replaced"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = verifyManifest(ctx, out, manifest.SHA256, []string{zipPath}, 1)
	if !errors.Is(err, manifest.ErrMismatch) {
		t.Fatalf("expected ErrMismatch after archive changed, got %v", err)
	}
}
