// Package resource bounds the work a node does concurrently.
//
//   - Request slots: a weighted semaphore of pool_size slots that every
//     request handler holds while it runs. Acquire waits until a slot frees
//     up or the request deadline expires.
//   - Background IO: a token bucket that throttles generation persistence so
//     that saving a large index does not starve foreground reads.
//
// All methods are safe for concurrent use and a nil *Controller is valid
// and imposes no limits.
//
//	rc := resource.NewController(resource.Config{PoolSize: 16, IOLimitBytesPerSec: 64 << 20})
//	if err := rc.Acquire(ctx); err != nil {
//	    return err
//	}
//	defer rc.Release()
package resource
