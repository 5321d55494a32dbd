// Package vecagent is the mutable-index layer of an approximate nearest
// neighbor agent.
//
// An Agent accepts mutations into a bounded ingestion queue, maps external
// string ids to internal offsets in a bidirectional id store and periodically
// folds the queue into a new index generation in the background. Reads are
// always answered from the active generation, which is swapped atomically and
// never modified once promoted.
//
// # Quick Start
//
//	cfg, err := config.Load("agent.yaml", config.OSEnv{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	agent, err := vecagent.New(ctx, cfg, vecagent.WithLogLevel(slog.LevelInfo))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer agent.Close(ctx)
//
//	err = agent.Insert(ctx, model.VectorRecord{ID: "a", Vector: vec})
//	// accepted, searchable after the next build
//	_, err = agent.CreateIndex(ctx)
//	res, err := agent.Search(ctx, vec, vecagent.SearchConfig{K: 10})
//
// # Consistency
//
//   - Insert, Upsert, Update and Remove return once the mutation is queued.
//     Exists and GetObject already reflect it, Search does not until the
//     next generation is promoted.
//   - A delete accepted after an insert of the same id always wins.
//   - A failed build or save is recorded as a broken generation; the active
//     generation keeps serving and the drained mutations are retried.
//   - Read replicas reject every mutation with ErrReadOnly and follow the
//     generations persisted by the writer.
//
// # Errors
//
// Handler errors match one of ErrInvalidArgument, ErrNotFound,
// ErrAlreadyExists, ErrAborted, ErrDeadlineExceeded, ErrCanceled,
// ErrInternal, ErrReadOnly or ErrClosed. Code and Status map them onto gRPC
// status codes.
package vecagent
