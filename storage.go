package vecagent

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hupe1980/vecagent/blobstore"
	miniostore "github.com/hupe1980/vecagent/blobstore/minio"
	s3store "github.com/hupe1980/vecagent/blobstore/s3"
	"github.com/hupe1980/vecagent/config"
)

const kvsdbFile = "kvsdb.sqlite"

// openStorage returns the store generations are persisted to, or nil when
// the configuration keeps the index in memory only. release undoes any lock
// taken on the store.
func openStorage(ctx context.Context, cfg config.AgentIndexConfig) (store blobstore.BlobStore, release func() error, err error) {
	release = func() error { return nil }
	sc := cfg.Storage

	switch sc.Type {
	case "", "local":
		if cfg.IndexPath == "" {
			return nil, release, nil
		}
		local := blobstore.NewLocalStore(cfg.IndexPath)
		// Replicas read a directory written by another agent.
		if !cfg.IsReadReplica {
			if err := local.Lock(); err != nil {
				return nil, nil, fmt.Errorf("lock index path %q: %w", cfg.IndexPath, err)
			}
			release = local.Unlock
		}
		return local, release, nil

	case "memory":
		return blobstore.NewMemoryStore(), release, nil

	case "s3":
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:      sc.Bucket,
			Prefix:      sc.Prefix,
			Region:      sc.Region,
			Endpoint:    sc.Endpoint,
			CommitTable: sc.CommitTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, release, nil

	case "minio":
		s, err := miniostore.New(ctx, miniostore.Config{
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			UseSSL:    sc.UseSSL,
			Region:    sc.Region,
			Bucket:    sc.Bucket,
			Prefix:    sc.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, release, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage type %q", sc.Type)
	}
}

// kvsdbPath places the SQLite file of a writer next to a local index.
// Everything else keeps the id store in memory and restores it from the
// active generation.
func kvsdbPath(cfg config.AgentIndexConfig) string {
	if cfg.IsReadReplica || cfg.EnableInMemoryMode || cfg.IndexPath == "" {
		return ""
	}
	if cfg.Storage.Type != "" && cfg.Storage.Type != "local" {
		return ""
	}
	return filepath.Join(cfg.IndexPath, kvsdbFile)
}
