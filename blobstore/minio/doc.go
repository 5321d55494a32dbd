// Package minio stores index generations in MinIO or any S3 compatible
// server (Ceph, Garage, SeaweedFS) through the MinIO client.
//
//	store, err := minio.New(ctx, minio.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "vecagent",
//	    Prefix:    "agent-0/",
//	})
//
// The CURRENT pointer is a plain object; a MinIO deployment is expected to
// be written by a single agent.
package minio
