package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/vecagent"
	"github.com/hupe1980/vecagent/model"
)

type vectorRequest struct {
	ID        string    `json:"id"`
	Vector    []float32 `json:"vector"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

func (v vectorRequest) record() model.VectorRecord {
	return model.VectorRecord{ID: v.ID, Vector: v.Vector, Timestamp: v.Timestamp}
}

type itemErrorResponse struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type batchResponse struct {
	Failed []itemErrorResponse `json:"failed"`
}

// writeBatch reports per-item failures with 207 Multi-Status.
func (s *Server) writeBatch(w http.ResponseWriter, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusOK, batchResponse{Failed: []itemErrorResponse{}})
		return
	}
	var be *vecagent.BatchError
	if !errors.As(err, &be) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusMultiStatus, batchResponse{Failed: itemErrors(be)})
}

func itemErrors(be *vecagent.BatchError) []itemErrorResponse {
	out := make([]itemErrorResponse, 0, len(be.Items))
	for _, it := range be.Items {
		out = append(out, itemErrorResponse{
			Index: it.Index,
			ID:    it.ID,
			Code:  vecagent.Code(it.Err).String(),
			Error: it.Err.Error(),
		})
	}
	return out
}

// handleInsert accepts a single vector or {"vectors": [...]}.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		vectorRequest
		Vectors []vectorRequest `json:"vectors"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Vectors) > 0 {
		recs := make([]model.VectorRecord, len(req.Vectors))
		for i, v := range req.Vectors {
			recs[i] = v.record()
		}
		s.writeBatch(w, s.agent.MultiInsert(r.Context(), recs))
		return
	}
	if err := s.agent.Insert(r.Context(), req.record()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req vectorRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	if err := s.agent.Upsert(r.Context(), req.record()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req vectorRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	if err := s.agent.Update(r.Context(), req.record()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	rec, err := s.agent.GetObject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vectorRequest{ID: rec.ID, Vector: rec.Vector, Timestamp: rec.Timestamp})
}

type timestampRequest struct {
	Predicates []struct {
		Op    string `json:"op"`
		Value int64  `json:"value"`
	} `json:"predicates"`
}

var timestampOps = map[string]vecagent.TimestampOp{
	"eq": vecagent.TimestampEq,
	"ne": vecagent.TimestampNe,
	"ge": vecagent.TimestampGe,
	"gt": vecagent.TimestampGt,
	"le": vecagent.TimestampLe,
	"lt": vecagent.TimestampLt,
}

func (s *Server) handleRemoveByTimestamp(w http.ResponseWriter, r *http.Request) {
	var req timestampRequest
	if !s.decode(w, r, &req) {
		return
	}
	preds := make([]vecagent.TimestampPredicate, 0, len(req.Predicates))
	for _, p := range req.Predicates {
		op, ok := timestampOps[p.Op]
		if !ok {
			s.writeError(w, fmt.Errorf("%w: unknown timestamp operator %q", vecagent.ErrInvalidArgument, p.Op))
			return
		}
		preds = append(preds, vecagent.TimestampPredicate{Op: op, Value: p.Value})
	}

	n, err := s.agent.RemoveByTimestamp(r.Context(), preds...)
	if err != nil && n == 0 {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"removed": n}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Vector  []float32   `json:"vector,omitempty"`
	Vectors [][]float32 `json:"vectors,omitempty"`
	ID      string      `json:"id,omitempty"`
	K       int         `json:"k"`
	MinNum  int         `json:"min_num,omitempty"`
	Radius  float32     `json:"radius,omitempty"`
	Epsilon float32     `json:"epsilon,omitempty"`
}

type neighborResponse struct {
	ID       string  `json:"id"`
	Distance float32 `json:"distance"`
}

func toNeighbors(res []model.Neighbor) []neighborResponse {
	out := make([]neighborResponse, len(res))
	for i, n := range res {
		out[i] = neighborResponse{ID: n.ID, Distance: n.Distance}
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := vecagent.SearchConfig{K: req.K, MinNum: req.MinNum, Radius: req.Radius, Epsilon: req.Epsilon}

	switch {
	case len(req.Vectors) > 0:
		res, err := s.agent.MultiSearch(r.Context(), req.Vectors, cfg)
		var be *vecagent.BatchError
		if err != nil && !errors.As(err, &be) {
			s.writeError(w, err)
			return
		}
		out := make([][]neighborResponse, len(res))
		for i, nn := range res {
			out[i] = toNeighbors(nn)
		}
		resp := map[string]any{"results": out}
		status := http.StatusOK
		if be != nil {
			status = http.StatusMultiStatus
			resp["failed"] = itemErrors(be)
		}
		s.writeJSON(w, status, resp)
	case req.ID != "":
		res, err := s.agent.SearchByID(r.Context(), req.ID, cfg)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"results": toNeighbors(res)})
	default:
		res, err := s.agent.Search(r.Context(), req.Vector, cfg)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"results": toNeighbors(res)})
	}
}
