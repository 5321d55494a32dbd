// Package model defines the core types shared by the agent's components.
//
// # Identity Types
//
//   - External ID: client-supplied string identifier of a vector
//   - Offset: internal, never-reused numeric slot of a vector inside the index (uint32)
//   - Sequence: monotonically increasing counter ordering queued operations (uint64)
//
// # Data Types
//
//   - VectorRecord: id + embedding + timestamp, produced by Insert/Upsert/Update
//   - QueueEntry: a pending Insert or Delete waiting to be folded into a generation
//   - IdMapping: one external ID <-> offset association held by the ID store
//   - IndexGeneration: one immutable, fully built version of the index
//   - Neighbor: a search result
package model
