package vecagent

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testStats() IndexStats {
	return IndexStats{
		ActiveSeq:     7,
		ActiveUUID:    "3f6c2a52-94ab-4c1e-9d2b-0e4c1a7f2b10",
		ActiveVectors: 42,
		Pending:       3,
		InFlight:      2,
		Broken:        1,
		LastSuccess:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAnnotations(t *testing.T) {
	a := Annotations(testStats())
	assert.Equal(t, "42", a[AnnotationIndexCount])
	assert.Equal(t, "5", a[AnnotationUncommittedCount])
	assert.Equal(t, "7", a[AnnotationActiveGeneration])
	assert.Equal(t, "3f6c2a52-94ab-4c1e-9d2b-0e4c1a7f2b10", a[AnnotationActiveUUID])
	assert.Equal(t, "2026-03-01T12:00:00Z", a[AnnotationLastBuild])
	assert.Equal(t, "1", a[AnnotationBrokenCount])
	assert.Equal(t, "false", a[AnnotationUnsaved])

	empty := Annotations(IndexStats{})
	assert.NotContains(t, empty, AnnotationActiveUUID)
	assert.NotContains(t, empty, AnnotationLastBuild)
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index-info.yaml")
	e := FileExporter{Path: path}

	require.NoError(t, e.ExportIndexInfo(context.Background(), testStats()))

	stats := testStats()
	stats.ActiveVectors = 43
	require.NoError(t, e.ExportIndexInfo(context.Background(), stats))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, Annotations(stats), got)

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.ExportIndexInfo(ctx, stats), context.Canceled)
}

func TestLogExporter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	require.NoError(t, LogExporter{Logger: logger}.ExportIndexInfo(context.Background(), testStats()))
	out := buf.String()
	assert.Contains(t, out, "index info")
	assert.Contains(t, out, AnnotationIndexCount+"=42")

	assert.NoError(t, LogExporter{}.ExportIndexInfo(context.Background(), testStats()))
}
