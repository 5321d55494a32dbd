// Package config binds the agent's index configuration.
//
// Configuration is read from YAML into a Config whose string fields may contain
// ${VAR} or ${VAR:default} references. Bind expands those references through an
// injected EnvLookup, parses durations and enums, validates the result and
// returns an immutable AgentIndexConfig value that is handed to every component.
//
//	cfg, err := config.Load("agent.yaml", config.OSEnv{})
//	if err != nil {
//	    log.Fatal(err) // configuration errors are fatal at startup
//	}
package config

import (
	"time"

	"github.com/hupe1980/vecagent/model"
)

// Config is the YAML-facing configuration document.
type Config struct {
	Dimension         int    `yaml:"dimension"`
	ExtendedDimension int    `yaml:"extended_dimension"`
	DataType          int    `yaml:"data_type"`
	InternalDataType  int    `yaml:"internal_data_type"`
	DistanceType      string `yaml:"distance_type"`
	IndexPath         string `yaml:"index_path"`

	NumberOfSubvectors   int               `yaml:"number_of_subvectors"`
	NumberOfCentroids    int               `yaml:"number_of_centroids"`
	ClusteringIterations int               `yaml:"clustering_iterations"`
	BackendOptions       map[string]string `yaml:"backend_options"`

	BulkInsertChunkSize int     `yaml:"bulk_insert_chunk_size"`
	DefaultPoolSize     int     `yaml:"default_pool_size"`
	PoolSize            int     `yaml:"pool_size"`
	DefaultRadius       float32 `yaml:"default_radius"`
	DefaultEpsilon      float32 `yaml:"default_epsilon"`

	AutoIndexCheckDuration  string `yaml:"auto_index_check_duration"`
	AutoSaveIndexDuration   string `yaml:"auto_save_index_duration"`
	AutoIndexDurationLimit  string `yaml:"auto_index_duration_limit"`
	AutoIndexLength         int    `yaml:"auto_index_length"`
	InitialDelayMaxDuration string `yaml:"initial_delay_max_duration"`

	EnableInMemoryMode bool `yaml:"enable_in_memory_mode"`
	EnableCopyOnWrite  bool `yaml:"enable_copy_on_write"`

	VQueue VQueueConfig `yaml:"vqueue"`
	KVSDB  KVSDBConfig  `yaml:"kvsdb"`

	BrokenIndexHistoryLimit int  `yaml:"broken_index_history_limit"`
	ErrorBufferLimit        int  `yaml:"error_buffer_limit"`
	IsReadReplica           bool `yaml:"is_readreplica"`

	EnableExportIndexInfoToK8s bool   `yaml:"enable_export_index_info_to_k8s"`
	ExportIndexInfoDuration    string `yaml:"export_index_info_duration"`
	EnableStatistics           bool   `yaml:"enable_statistics"`

	Storage   StorageConfig   `yaml:"storage"`
	Readiness ReadinessConfig `yaml:"readiness"`
}

// VQueueConfig sizes the ingestion buffers.
type VQueueConfig struct {
	InsertBufferPoolSize int `yaml:"insert_buffer_pool_size"`
	DeleteBufferPoolSize int `yaml:"delete_buffer_pool_size"`
}

// KVSDBConfig tunes the bidirectional ID store.
type KVSDBConfig struct {
	Concurrency       int  `yaml:"concurrency"`
	CacheCapacity     int  `yaml:"cache_capacity"`
	CompressionFactor int  `yaml:"compression_factor"`
	UseCompression    bool `yaml:"use_compression"`
}

// StorageConfig selects where generations are persisted.
type StorageConfig struct {
	// Type is one of "local", "memory", "s3", "minio".
	Type      string `yaml:"type"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	// CommitTable names the DynamoDB table used for atomic CURRENT updates on S3.
	CommitTable string `yaml:"commit_table"`
}

// ReadinessConfig defines when the active generation is considered stale.
type ReadinessConfig struct {
	MaxStaleness string `yaml:"max_staleness"`
}

// Default returns a Config populated with the default values.
func Default() Config {
	return Config{
		DataType:                1,
		InternalDataType:        1,
		DistanceType:            "l2",
		NumberOfSubvectors:      8,
		NumberOfCentroids:       256,
		ClusteringIterations:    25,
		BulkInsertChunkSize:     10,
		DefaultPoolSize:         16,
		DefaultRadius:           -1,
		DefaultEpsilon:          0.1,
		AutoIndexCheckDuration:  "30m",
		AutoSaveIndexDuration:   "35m",
		AutoIndexDurationLimit:  "24h",
		AutoIndexLength:         100,
		InitialDelayMaxDuration: "3m",
		VQueue: VQueueConfig{
			InsertBufferPoolSize: 10000,
			DeleteBufferPoolSize: 5000,
		},
		KVSDB: KVSDBConfig{
			Concurrency:       4,
			CacheCapacity:     100000,
			CompressionFactor: 3,
			UseCompression:    true,
		},
		BrokenIndexHistoryLimit: 3,
		ErrorBufferLimit:        10,
		ExportIndexInfoDuration: "1m",
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// AgentIndexConfig is the bound, validated configuration.
// It is a plain value: copies are independent and nothing mutates it after Bind.
type AgentIndexConfig struct {
	Dimension         int
	ExtendedDimension int
	DataType          model.DataType
	InternalDataType  model.DataType
	Distance          model.DistanceType
	IndexPath         string

	Backend BackendParams

	BulkInsertChunkSize int
	PoolSize            int
	DefaultRadius       float32
	DefaultEpsilon      float32

	AutoIndexCheckDuration  time.Duration
	AutoSaveIndexDuration   time.Duration
	AutoIndexDurationLimit  time.Duration
	AutoIndexLength         int
	InitialDelayMaxDuration time.Duration

	EnableInMemoryMode bool
	EnableCopyOnWrite  bool

	InsertBufferPoolSize int
	DeleteBufferPoolSize int

	KVSDB KVSDBConfig

	BrokenIndexHistoryLimit int
	ErrorBufferLimit        int
	IsReadReplica           bool

	EnableExportIndexInfo   bool
	ExportIndexInfoDuration time.Duration
	EnableStatistics        bool

	Storage      StorageConfig
	MaxStaleness time.Duration
}

// BackendParams are clustering/quantization parameters passed through to the
// index backend without interpretation.
type BackendParams struct {
	NumberOfSubvectors   int
	NumberOfCentroids    int
	ClusteringIterations int
	Options              map[string]string
}
