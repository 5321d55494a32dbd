// Package s3 stores index generations in Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, s3.Config{
//	    Bucket:      "vecagent",
//	    Prefix:      "agent-0/",
//	    Region:      "eu-central-1",
//	    CommitTable: "vecagent-commits",
//	})
//
// Generation blobs are uploaded with the multipart uploader. S3 has no
// compare-and-swap, so when CommitTable is set the CURRENT pointer is kept in
// DynamoDB and updated with a conditional write (see CommitStore).
package s3
