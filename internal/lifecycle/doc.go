// Package lifecycle manages index generations.
//
// A Manager drains the ingestion queue, hands the batch to the index backend,
// persists the resulting generation and publishes it to readers through an
// atomic pointer. Every attempt moves through Draining, Building, Saving and
// Promoting. An attempt that fails at any step is recorded as a broken
// generation, its drained entries go back to the queue and the active
// generation keeps serving.
//
// With copy-on-write enabled every generation is written to a fresh gen-N/
// prefix and becomes current only when the manifest pointer is swapped, so a
// failed save never touches the active generation on disk.
package lifecycle
