// Package blobstore is the storage abstraction for index generations.
//
// A generation is a handful of named blobs (the encoded graph, the ID store
// snapshot) plus the manifest that points at it. Blobs are written once and
// never modified; Put and Create make a blob visible atomically when they
// return successfully, so a reader never observes a partially written blob.
//
// # Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: process memory, used for in-memory mode and tests
//   - s3.Store: Amazon S3, with a DynamoDB commit store for the CURRENT pointer
//   - minio.Store: MinIO or any S3 compatible server
//
// Implementations must be safe for concurrent use. Names use forward slashes
// regardless of platform.
package blobstore
