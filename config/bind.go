package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecagent/model"
)

// ValidationError collects every configuration violation found by Bind.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid agent index configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Load reads a YAML file, overlays it on Default and binds the result.
func Load(path string, env EnvLookup) (AgentIndexConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentIndexConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, env)
}

// Parse decodes a YAML document, overlays it on Default and binds the result.
func Parse(data []byte, env EnvLookup) (AgentIndexConfig, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document keeps the defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return AgentIndexConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg.Bind(env)
}

// Bind expands environment references, parses and validates c.
// A nil env expands against an empty environment.
func (c Config) Bind(env EnvLookup) (AgentIndexConfig, error) {
	if env == nil {
		env = MapEnv(nil)
	}
	verr := &ValidationError{}

	c.DistanceType = Expand(c.DistanceType, env)
	c.IndexPath = Expand(c.IndexPath, env)
	c.AutoIndexCheckDuration = Expand(c.AutoIndexCheckDuration, env)
	c.AutoSaveIndexDuration = Expand(c.AutoSaveIndexDuration, env)
	c.AutoIndexDurationLimit = Expand(c.AutoIndexDurationLimit, env)
	c.InitialDelayMaxDuration = Expand(c.InitialDelayMaxDuration, env)
	c.ExportIndexInfoDuration = Expand(c.ExportIndexInfoDuration, env)
	c.Readiness.MaxStaleness = Expand(c.Readiness.MaxStaleness, env)
	c.Storage = expandStorage(c.Storage, env)
	options := make(map[string]string, len(c.BackendOptions))
	for k, v := range c.BackendOptions {
		options[k] = Expand(v, env)
	}

	out := AgentIndexConfig{
		Dimension:         c.Dimension,
		ExtendedDimension: c.ExtendedDimension,
		DataType:          model.DataType(c.DataType),
		InternalDataType:  model.DataType(c.InternalDataType),
		IndexPath:         c.IndexPath,
		Backend: BackendParams{
			NumberOfSubvectors:   c.NumberOfSubvectors,
			NumberOfCentroids:    c.NumberOfCentroids,
			ClusteringIterations: c.ClusteringIterations,
			Options:              options,
		},
		BulkInsertChunkSize:     c.BulkInsertChunkSize,
		PoolSize:                c.PoolSize,
		DefaultRadius:           c.DefaultRadius,
		DefaultEpsilon:          c.DefaultEpsilon,
		AutoIndexLength:         c.AutoIndexLength,
		EnableInMemoryMode:      c.EnableInMemoryMode,
		EnableCopyOnWrite:       c.EnableCopyOnWrite,
		InsertBufferPoolSize:    c.VQueue.InsertBufferPoolSize,
		DeleteBufferPoolSize:    c.VQueue.DeleteBufferPoolSize,
		KVSDB:                   c.KVSDB,
		BrokenIndexHistoryLimit: c.BrokenIndexHistoryLimit,
		ErrorBufferLimit:        c.ErrorBufferLimit,
		IsReadReplica:           c.IsReadReplica,
		EnableExportIndexInfo:   c.EnableExportIndexInfoToK8s,
		EnableStatistics:        c.EnableStatistics,
		Storage:                 c.Storage,
	}
	if out.PoolSize <= 0 {
		out.PoolSize = c.DefaultPoolSize
	}
	if out.ExtendedDimension == 0 {
		out.ExtendedDimension = out.Dimension
	}

	dist, err := model.ParseDistanceType(c.DistanceType)
	if err != nil {
		verr.add("distance_type: %v", err)
	}
	out.Distance = dist

	out.AutoIndexCheckDuration = parseDuration(verr, "auto_index_check_duration", c.AutoIndexCheckDuration)
	out.AutoSaveIndexDuration = parseDuration(verr, "auto_save_index_duration", c.AutoSaveIndexDuration)
	out.AutoIndexDurationLimit = parseDuration(verr, "auto_index_duration_limit", c.AutoIndexDurationLimit)
	out.InitialDelayMaxDuration = parseDuration(verr, "initial_delay_max_duration", c.InitialDelayMaxDuration)
	out.ExportIndexInfoDuration = parseDuration(verr, "export_index_info_duration", c.ExportIndexInfoDuration)
	out.MaxStaleness = parseDuration(verr, "readiness.max_staleness", c.Readiness.MaxStaleness)

	out.validate(verr, c.NumberOfSubvectors)

	if len(verr.Problems) > 0 {
		return AgentIndexConfig{}, verr
	}
	return out, nil
}

func expandStorage(s StorageConfig, env EnvLookup) StorageConfig {
	s.Type = Expand(s.Type, env)
	s.Bucket = Expand(s.Bucket, env)
	s.Prefix = Expand(s.Prefix, env)
	s.Endpoint = Expand(s.Endpoint, env)
	s.Region = Expand(s.Region, env)
	s.AccessKey = Expand(s.AccessKey, env)
	s.SecretKey = Expand(s.SecretKey, env)
	s.CommitTable = Expand(s.CommitTable, env)
	return s
}

// parseDuration treats an empty value as zero (disabled).
func parseDuration(verr *ValidationError, field, raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		verr.add("%s: %v", field, err)
		return 0
	}
	if d < 0 {
		verr.add("%s must not be negative", field)
		return 0
	}
	return d
}

func (c *AgentIndexConfig) validate(verr *ValidationError, subvectors int) {
	if c.Dimension <= 0 {
		verr.add("dimension must be > 0, got %d", c.Dimension)
	}
	if c.ExtendedDimension < c.Dimension {
		verr.add("extended_dimension must be >= dimension")
	}
	if c.IndexPath == "" && (c.Storage.Type == "" || c.Storage.Type == "local") {
		verr.add("index_path must not be empty")
	}
	if c.BulkInsertChunkSize <= 0 {
		verr.add("bulk_insert_chunk_size must be > 0, got %d", c.BulkInsertChunkSize)
	}
	if subvectors <= 0 {
		verr.add("number_of_subvectors must be > 0, got %d", subvectors)
	}
	if !c.DataType.Valid() {
		verr.add("data_type must be 1 (float32) or 2 (uint8), got %d", c.DataType)
	}
	if !c.InternalDataType.Valid() {
		verr.add("internal_data_type must be 1 (float32) or 2 (uint8), got %d", c.InternalDataType)
	}
	if c.PoolSize <= 0 {
		verr.add("pool_size must be > 0")
	}
	if c.InsertBufferPoolSize <= 0 {
		verr.add("vqueue.insert_buffer_pool_size must be > 0")
	}
	if c.DeleteBufferPoolSize <= 0 {
		verr.add("vqueue.delete_buffer_pool_size must be > 0")
	}
	if c.KVSDB.Concurrency <= 0 {
		verr.add("kvsdb.concurrency must be > 0")
	}
	if c.KVSDB.CacheCapacity <= 0 {
		verr.add("kvsdb.cache_capacity must be > 0")
	}
	if c.KVSDB.UseCompression && (c.KVSDB.CompressionFactor < 1 || c.KVSDB.CompressionFactor > 4) {
		verr.add("kvsdb.compression_factor must be within [1, 4]")
	}
	if c.BrokenIndexHistoryLimit < 0 {
		verr.add("broken_index_history_limit must be >= 0")
	}
	if c.ErrorBufferLimit < 0 {
		verr.add("error_buffer_limit must be >= 0")
	}
	if c.AutoIndexCheckDuration <= 0 {
		verr.add("auto_index_check_duration must be > 0")
	}
	if c.EnableExportIndexInfo && c.ExportIndexInfoDuration <= 0 {
		verr.add("export_index_info_duration must be > 0 when export is enabled")
	}
	switch c.Storage.Type {
	case "", "local", "memory":
	case "s3", "minio":
		if c.Storage.Bucket == "" {
			verr.add("storage.bucket is required for storage type %q", c.Storage.Type)
		}
	default:
		verr.add("storage.type %q is not supported", c.Storage.Type)
	}
}
