// Package fs abstracts the filesystem calls made by the local blob store so
// that persistence failures can be injected in tests.
//
// Production code uses [Default]. Tests wrap it in a [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("graph.bin", fs.Fault{FailAfterBytes: 128})
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// Operations take no context.Context. Local syscalls cannot be interrupted;
// cancellation is handled one layer up by the blob store.
package fs
