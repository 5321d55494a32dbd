package vecagent

import (
	"context"
	"fmt"

	"github.com/hupe1980/vecagent/model"
)

// SearchConfig parameterizes a k-nearest-neighbor search.
type SearchConfig struct {
	// K is the number of neighbors to return.
	K int
	// MinNum fails the search with ErrNotFound when fewer results are found.
	// Zero requires at least one result.
	MinNum int
	// Radius drops results farther away. Zero uses default_radius; a
	// resulting radius <= 0 disables the limit.
	Radius float32
	// Epsilon widens the search of approximate backends. Zero uses
	// default_epsilon.
	Epsilon float32
}

func (a *Agent) searchParams(cfg SearchConfig) (SearchConfig, error) {
	if cfg.K <= 0 {
		return cfg, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, cfg.K)
	}
	if cfg.MinNum < 0 || cfg.MinNum > cfg.K {
		return cfg, fmt.Errorf("%w: min_num must be within [0, k], got %d", ErrInvalidArgument, cfg.MinNum)
	}
	if cfg.Radius == 0 {
		cfg.Radius = a.cfg.DefaultRadius
	}
	if cfg.Radius <= 0 {
		cfg.Radius = -1
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = a.cfg.DefaultEpsilon
	}
	return cfg, nil
}

// search queries the active generation. The caller holds a request slot.
func (a *Agent) search(ctx context.Context, vec []float32, cfg SearchConfig) ([]model.Neighbor, error) {
	cfg, err := a.searchParams(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.validateVector(vec); err != nil {
		return nil, err
	}

	// The generation is immutable; a build running concurrently publishes
	// a new one without touching this.
	gen := a.lc.Active()
	res, err := gen.Graph.Query(ctx, vec, cfg.K, cfg.Radius, cfg.Epsilon)
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]model.Neighbor, 0, len(res))
	for _, r := range res {
		id, ok, err := a.kvs.ReverseLookup(ctx, r.Offset)
		if err != nil {
			return nil, translateError(err)
		}
		if !ok {
			// Removed or repointed by a newer generation than gen.
			if id, ok = gen.Retired(r.Offset); !ok {
				continue
			}
		}
		out = append(out, model.Neighbor{ID: id, Offset: r.Offset, Distance: r.Distance})
	}

	if len(out) == 0 || len(out) < cfg.MinNum {
		return nil, fmt.Errorf("%w: %d result(s), %d required", ErrNotFound, len(out), max(cfg.MinNum, 1))
	}
	return out, nil
}

// Search returns the nearest neighbors of vec in the active generation,
// ordered by ascending distance. Mutations not yet folded into a generation
// are not visible. It never waits for a running build.
func (a *Agent) Search(ctx context.Context, vec []float32, cfg SearchConfig) ([]model.Neighbor, error) {
	start := a.now()
	done, err := a.begin(ctx, false)
	var res []model.Neighbor
	if err == nil {
		res, err = a.search(ctx, vec, cfg)
		done()
	}
	a.metrics.RecordSearch(cfg.K, len(res), a.now().Sub(start), err)
	a.logger.LogSearch(ctx, cfg.K, len(res), err)
	return res, err
}

// SearchByID searches with the vector stored for id.
func (a *Agent) SearchByID(ctx context.Context, id string, cfg SearchConfig) ([]model.Neighbor, error) {
	start := a.now()
	done, err := a.begin(ctx, false)
	var res []model.Neighbor
	if err == nil {
		var rec model.VectorRecord
		rec, err = a.object(ctx, id)
		if err == nil {
			res, err = a.search(ctx, rec.Vector, cfg)
		}
		done()
	}
	a.metrics.RecordSearch(cfg.K, len(res), a.now().Sub(start), err)
	a.logger.LogSearch(ctx, cfg.K, len(res), err)
	return res, err
}
