package vecagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// IndexInfoExporter publishes index information to an external system, e.g.
// as annotations of the pod that runs the agent. It is called every
// export_index_info_duration when enable_export_index_info_to_k8s is set and
// must not block for long.
type IndexInfoExporter interface {
	ExportIndexInfo(ctx context.Context, stats IndexStats) error
}

// Annotation keys written by the exporters.
const (
	AnnotationIndexCount       = "vecagent/index-count"
	AnnotationUncommittedCount = "vecagent/uncommitted-index-count"
	AnnotationActiveGeneration = "vecagent/active-generation"
	AnnotationActiveUUID       = "vecagent/active-uuid"
	AnnotationLastBuild        = "vecagent/last-time-create-index"
	AnnotationBrokenCount      = "vecagent/broken-index-count"
	AnnotationUnsaved          = "vecagent/unsaved"
)

// Annotations renders stats as string annotations.
func Annotations(stats IndexStats) map[string]string {
	a := map[string]string{
		AnnotationIndexCount:       strconv.Itoa(stats.ActiveVectors),
		AnnotationUncommittedCount: strconv.Itoa(stats.Pending + stats.InFlight),
		AnnotationActiveGeneration: strconv.FormatUint(stats.ActiveSeq, 10),
		AnnotationBrokenCount:      strconv.Itoa(stats.Broken),
		AnnotationUnsaved:          strconv.FormatBool(stats.Unsaved),
	}
	if stats.ActiveUUID != "" {
		a[AnnotationActiveUUID] = stats.ActiveUUID
	}
	if !stats.LastSuccess.IsZero() {
		a[AnnotationLastBuild] = stats.LastSuccess.UTC().Format(time.RFC3339)
	}
	return a
}

// LogExporter writes index information to a logger.
type LogExporter struct {
	Logger *Logger
}

// ExportIndexInfo implements IndexInfoExporter.
func (e LogExporter) ExportIndexInfo(ctx context.Context, stats IndexStats) error {
	l := e.Logger
	if l == nil {
		return nil
	}
	args := make([]any, 0, 14)
	for k, v := range Annotations(stats) {
		args = append(args, k, v)
	}
	l.InfoContext(ctx, "index info", args...)
	return nil
}

// FileExporter writes the annotations as a YAML document, replacing the
// file atomically on every export.
type FileExporter struct {
	Path string
}

// ExportIndexInfo implements IndexInfoExporter.
func (e FileExporter) ExportIndexInfo(ctx context.Context, stats IndexStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(Annotations(stats))
	if err != nil {
		return fmt.Errorf("marshal index info: %w", err)
	}

	dir := filepath.Dir(e.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(e.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create index info file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write index info file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index info file: %w", err)
	}
	return os.Rename(tmp.Name(), e.Path)
}
