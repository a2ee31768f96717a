package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.StagedWrite("append")
	m.StagedWrite("append")
	m.StagedWrite("overwrite")
	m.Merged()
	m.Flushed("written")
	m.ArchiveRetried()
	m.ArchiveBuilt(50*time.Millisecond, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stagedWrites.WithLabelValues("append")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagedWrites.WithLabelValues("overwrite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.merges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.archiveRetries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.archiveEntries))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.StagedWrite("append")
	m.Merged()
	m.Flushed("unchanged")
	m.StaleDeleted()
	m.DirRemoved()
	m.ArchiveBuilt(time.Second, 1)
	m.ArchiveRetried()
	m.CopyFailed()
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.StaleDeleted()
	path := filepath.Join(t.TempDir(), "build.prom")
	require.NoError(t, m.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "packweaver_stale_files_deleted_total 1")
}
