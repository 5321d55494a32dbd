// Package backend defines the contract between the index lifecycle and the
// algorithm that builds and queries the proximity graph.
//
// A Backend is treated as opaque, possibly slow and possibly fallible. Graphs
// it returns are immutable: Extend derives a new Graph from a base without
// modifying the base, so a generation that is being served never changes.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/vecagent/model"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the graph dimension.
	ErrDimensionMismatch = errors.New("backend: dimension mismatch")
	// ErrCorrupt is returned when an encoded graph cannot be decoded.
	ErrCorrupt = errors.New("backend: corrupt graph")
	// ErrInvalidK is returned for non-positive k.
	ErrInvalidK = errors.New("backend: k must be positive")
)

// Item is a vector placed at an internal offset.
type Item struct {
	Offset uint32
	Vector []float32
}

// Batch is the input of an incremental build.
type Batch struct {
	Add    []Item
	Remove []uint32
}

// Result is a single query hit.
type Result struct {
	Offset   uint32
	Distance float32
}

// Graph is one immutable, queryable build of the index.
type Graph interface {
	// Query returns up to k results ordered by ascending distance. A radius
	// >= 0 drops results farther away. Epsilon widens the search of
	// approximate backends; exact backends ignore it.
	Query(ctx context.Context, vec []float32, k int, radius, epsilon float32) ([]Result, error)
	// Vector returns the stored vector at offset.
	Vector(offset uint32) ([]float32, bool)
	// Len returns the number of stored vectors.
	Len() int
	// Dimension returns the vector dimension.
	Dimension() int
	// Encode writes the graph in the backend's persistent format.
	Encode(w io.Writer) error
}

// Backend builds graphs.
type Backend interface {
	// Extend returns a new graph containing base plus batch. A nil base
	// starts from an empty graph.
	Extend(ctx context.Context, base Graph, batch Batch) (Graph, error)
	// Rebuild builds a new graph from scratch.
	Rebuild(ctx context.Context, items []Item) (Graph, error)
	// Decode reads a graph written by Graph.Encode.
	Decode(r io.Reader) (Graph, error)
}

// Params are the index parameters a backend is created with. Clustering and
// quantization settings are passed through unchanged.
type Params struct {
	Dimension            int
	Distance             model.DistanceType
	DataType             model.DataType
	NumberOfSubvectors   int
	NumberOfCentroids    int
	ClusteringIterations int
	Options              map[string]string
}

// DimensionError describes a dimension mismatch.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("backend: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is makes DimensionError match ErrDimensionMismatch.
func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }
