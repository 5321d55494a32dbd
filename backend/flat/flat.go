// Package flat is an exact-search Backend.
//
// Vectors are stored in fixed-size chunks addressed by offset. Extend copies
// only the chunks it writes to and shares the rest with the base graph, so a
// new generation costs memory proportional to the batch, not to the index.
package flat

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/viterin/vek/vek32"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/internal/compress"
	"github.com/hupe1980/vecagent/internal/queue"
	"github.com/hupe1980/vecagent/model"
)

const (
	chunkShift = 10
	chunkLen   = 1 << chunkShift
	chunkMask  = chunkLen - 1

	// ctx is checked once per this many distance computations.
	checkInterval = 1024
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCompressionFactor sets the compression of encoded graphs, see compress.FromFactor.
func WithCompressionFactor(factor int) Option {
	return func(b *Backend) {
		b.compressor = compress.FromFactor(factor)
	}
}

// Backend builds exact-search graphs.
type Backend struct {
	dim        int
	distance   model.DistanceType
	compressor *compress.Compressor
	logger     *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a flat backend.
func New(p backend.Params, opts ...Option) (*Backend, error) {
	if p.Dimension <= 0 {
		return nil, fmt.Errorf("flat: invalid dimension %d", p.Dimension)
	}
	b := &Backend{
		dim:        p.Dimension,
		distance:   p.Distance,
		compressor: compress.FromFactor(3),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Extend implements backend.Backend.
func (b *Backend) Extend(ctx context.Context, base backend.Graph, batch backend.Batch) (backend.Graph, error) {
	var g *Graph
	switch v := base.(type) {
	case nil:
		g = b.empty()
	case *Graph:
		if v == nil {
			g = b.empty()
			break
		}
		if v.dim != b.dim {
			return nil, &backend.DimensionError{Expected: b.dim, Actual: v.dim}
		}
		g = v
	default:
		return nil, fmt.Errorf("flat: cannot extend graph of type %T", base)
	}

	next := &Graph{
		dim:        g.dim,
		distance:   g.distance,
		chunks:     append([]*chunk(nil), g.chunks...),
		present:    g.present.Clone(),
		compressor: b.compressor,
	}

	for _, off := range batch.Remove {
		next.present.Remove(off)
	}

	owned := make(map[int]bool)
	for i, it := range batch.Add {
		if i%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(it.Vector) != next.dim {
			return nil, &backend.DimensionError{Expected: next.dim, Actual: len(it.Vector)}
		}

		ci := int(it.Offset >> chunkShift)
		for ci >= len(next.chunks) {
			next.chunks = append(next.chunks, nil)
		}
		if !owned[ci] {
			next.chunks[ci] = next.chunks[ci].clone(next.dim)
			owned[ci] = true
		}
		copy(next.chunks[ci].slot(it.Offset, next.dim), it.Vector)
		next.present.Add(it.Offset)
	}
	next.present.RunOptimize()

	b.logger.Debug("flat graph extended",
		"added", len(batch.Add), "removed", len(batch.Remove),
		"chunks_copied", len(owned), "vectors", next.Len())
	return next, nil
}

// Rebuild implements backend.Backend.
func (b *Backend) Rebuild(ctx context.Context, items []backend.Item) (backend.Graph, error) {
	return b.Extend(ctx, nil, backend.Batch{Add: items})
}

func (b *Backend) empty() *Graph {
	return &Graph{dim: b.dim, distance: b.distance, present: roaring.New(), compressor: b.compressor}
}

type chunk struct {
	data []float32
}

// clone returns a writable copy of c, or a fresh chunk if c is nil.
func (c *chunk) clone(dim int) *chunk {
	n := &chunk{data: make([]float32, chunkLen*dim)}
	if c != nil {
		copy(n.data, c.data)
	}
	return n
}

func (c *chunk) slot(off uint32, dim int) []float32 {
	i := int(off&chunkMask) * dim
	return c.data[i : i+dim : i+dim]
}

// Graph is an immutable flat index.
type Graph struct {
	dim        int
	distance   model.DistanceType
	chunks     []*chunk
	present    *roaring.Bitmap
	compressor *compress.Compressor
}

var _ backend.Graph = (*Graph)(nil)

// Len implements backend.Graph.
func (g *Graph) Len() int { return int(g.present.GetCardinality()) }

// Dimension implements backend.Graph.
func (g *Graph) Dimension() int { return g.dim }

// Vector implements backend.Graph. The returned slice must not be modified.
func (g *Graph) Vector(offset uint32) ([]float32, bool) {
	if !g.present.Contains(offset) {
		return nil, false
	}
	return g.chunks[offset>>chunkShift].slot(offset, g.dim), true
}

// Query implements backend.Graph.
func (g *Graph) Query(ctx context.Context, vec []float32, k int, radius, _ float32) ([]backend.Result, error) {
	if k <= 0 {
		return nil, backend.ErrInvalidK
	}
	if len(vec) != g.dim {
		return nil, &backend.DimensionError{Expected: g.dim, Actual: len(vec)}
	}

	top := queue.NewTopK(k)
	it := g.present.Iterator()
	for n := 0; it.HasNext(); n++ {
		if n%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		off := it.Next()
		d := g.score(vec, g.chunks[off>>chunkShift].slot(off, g.dim))
		if radius >= 0 && d > radius {
			continue
		}
		top.Offer(queue.Item{Offset: off, Distance: d})
	}

	items := top.Results()
	out := make([]backend.Result, len(items))
	for i, item := range items {
		out[i] = backend.Result{Offset: item.Offset, Distance: item.Distance}
	}
	return out, nil
}

// score returns a distance where smaller means closer.
func (g *Graph) score(q, v []float32) float32 {
	switch g.distance {
	case model.DistanceCosine:
		sim := vek32.CosineSimilarity(q, v)
		if math.IsNaN(float64(sim)) {
			// Zero vectors have no direction.
			return 1
		}
		return 1 - sim
	case model.DistanceInnerProduct:
		return -vek32.Dot(q, v)
	default:
		return vek32.Distance(q, v)
	}
}
