// Package server exposes an Agent over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"

	"github.com/hupe1980/vecagent"
	"github.com/hupe1980/vecagent/model"
)

// Server is the HTTP front end of an agent.
type Server struct {
	agent    *vecagent.Agent
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	timeout  time.Duration
	server   *http.Server
}

// Config configures a Server.
type Config struct {
	Addr string
	// Timeout bounds every request. Zero means 60s.
	Timeout time.Duration
	// Gatherer serves /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// New creates a server for agent.
func New(agent *vecagent.Agent, cfg Config) *Server {
	s := &Server{
		agent:    agent,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of s.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/index", func(r chi.Router) {
		r.Get("/info", s.handleIndexInfo)
		r.Get("/detail", s.handleIndexDetail)
		r.Post("/create", s.handleCreateIndex)
		r.Post("/save", s.handleSaveIndex)
		r.Post("/reload", s.handleReload)
	})

	r.Route("/vectors", func(r chi.Router) {
		r.Post("/", s.handleInsert)
		r.Post("/delete-by-timestamp", s.handleRemoveByTimestamp)
		r.Get("/{id}", s.handleGetObject)
		r.Put("/{id}", s.handleUpsert)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleRemove)
	})

	r.Post("/search", s.handleSearch)
	return r
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// httpStatus maps a gRPC code onto the closest HTTP status.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	c := vecagent.Code(err)
	s.writeJSON(w, httpStatus(c), errorResponse{Code: c.String(), Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: codes.InvalidArgument.String(), Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.Ready(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: codes.Unavailable.String(), Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type generationResponse struct {
	Seq         uint64    `json:"seq"`
	UUID        string    `json:"uuid,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	VectorCount int       `json:"vector_count"`
	Reason      string    `json:"reason,omitempty"`
}

func toGeneration(g model.IndexGeneration) generationResponse {
	return generationResponse{
		Seq:         g.Seq,
		UUID:        g.UUID,
		Status:      g.Status.String(),
		CreatedAt:   g.CreatedAt,
		VectorCount: g.VectorCount,
		Reason:      g.Reason,
	}
}

type indexInfoResponse struct {
	Stored      int                `json:"stored"`
	Uncommitted int                `json:"uncommitted"`
	Indexing    bool               `json:"indexing"`
	Saving      bool               `json:"saving"`
	Phase       string             `json:"phase"`
	Active      generationResponse `json:"active"`
	IDs         int                `json:"ids"`
	Tombstones  int                `json:"tombstones"`
	LastSuccess time.Time          `json:"last_success"`
	Unsaved     bool               `json:"unsaved"`
	ReadOnly    bool               `json:"read_only"`
}

func toIndexInfo(i vecagent.IndexInfo) indexInfoResponse {
	return indexInfoResponse{
		Stored:      i.Stored,
		Uncommitted: i.Uncommitted,
		Indexing:    i.Indexing,
		Saving:      i.Saving,
		Phase:       i.Phase.String(),
		Active:      toGeneration(i.Active),
		IDs:         i.IDs,
		Tombstones:  i.Tombstones,
		LastSuccess: i.LastSuccess,
		Unsaved:     i.Unsaved,
		ReadOnly:    i.ReadOnly,
	}
}

type indexDetailResponse struct {
	indexInfoResponse
	Builds            uint64                `json:"builds"`
	Failures          uint64                `json:"failures"`
	LastBuildDuration string                `json:"last_build_duration"`
	Broken            []generationResponse  `json:"broken"`
	Errors            []string              `json:"errors"`
	IDStore           vecagent.IDStoreStats `json:"id_store"`
	InFlightRequests  int64                 `json:"in_flight_requests"`
}

func (s *Server) handleIndexInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, toIndexInfo(s.agent.IndexInfo()))
}

func (s *Server) handleIndexDetail(w http.ResponseWriter, _ *http.Request) {
	d := s.agent.IndexDetail()
	resp := indexDetailResponse{
		indexInfoResponse: toIndexInfo(d.IndexInfo),
		Builds:            d.Builds,
		Failures:          d.Failures,
		LastBuildDuration: d.LastBuildDuration.String(),
		Broken:            make([]generationResponse, 0, len(d.Broken)),
		Errors:            d.Errors,
		IDStore:           d.IDStore,
		InFlightRequests:  d.InFlightRequests,
	}
	for _, g := range d.Broken {
		resp.Broken = append(resp.Broken, toGeneration(g))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCreateIndex folds the queue into a new generation. ?full=true
// rebuilds from scratch, ?save=true persists in in-memory mode.
func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	full, _ := strconv.ParseBool(q.Get("full"))
	save, _ := strconv.ParseBool(q.Get("save"))

	var (
		gen model.IndexGeneration
		err error
	)
	switch {
	case full:
		gen, err = s.agent.RebuildIndex(r.Context())
	case save:
		gen, err = s.agent.CreateAndSaveIndex(r.Context())
	default:
		gen, err = s.agent.CreateIndex(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toGeneration(gen))
}

func (s *Server) handleSaveIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.SaveIndex(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	changed, err := s.agent.Reload(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}
