// Package server exposes the operational HTTP surface: trigger ingestion
// runs, inspect coverage plans, segments, and dataset summaries, and stream
// run progress over WebSocket.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/logvault/logvault/pkg/httpx"
	"github.com/logvault/logvault/pkg/ingest"
	"github.com/logvault/logvault/pkg/segment"
	"github.com/logvault/logvault/pkg/summary"
	"github.com/logvault/logvault/pkg/timerange"
)

var startTime = time.Now()

// Server wires the ingest service and cache inspection into HTTP handlers.
type Server struct {
	svc    *ingest.Service
	ix     *segment.Index
	sum    *summary.Summarizer
	hub    *Hub
	usage  *usageMonitor
	logger *slog.Logger
}

// New creates a server. hub may be nil when progress streaming is not wanted.
func New(svc *ingest.Service, ix *segment.Index, sum *summary.Summarizer, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		ix:     ix,
		sum:    sum,
		hub:    hub,
		usage:  newUsageMonitor(ix.Root()),
		logger: logger,
	}
}

// Routes registers all handlers on a fresh router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/runs", s.handleRun).Methods("POST")
	api.HandleFunc("/coverage/{entity}", s.handleCoverage).Methods("GET")
	api.HandleFunc("/segments/{entity}", s.handleSegments).Methods("GET")
	api.HandleFunc("/summary/{entity}", s.handleSummary).Methods("GET")
	api.HandleFunc("/storage", s.handleCacheUsage).Methods("GET")
	if s.hub != nil {
		api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	}
	return router
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Uptime: time.Since(startTime).String(),
	})
}

// RunRequest triggers one ingestion run.
type RunRequest struct {
	EntityID string `json:"entity_id"`
	FromMs   int64  `json:"from_ms"`
	ToMs     int64  `json:"to_ms"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.EntityID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	requested, err := timerange.New(req.FromMs, req.ToMs)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.svc.Run(r.Context(), req.EntityID, requested)
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, run)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	requested, ok := rangeFromQuery(w, r)
	if !ok {
		return
	}
	plan, err := s.ix.Plan(entity, requested)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	segments, err := s.ix.List(entity)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if segments == nil {
		segments = []segment.Segment{}
	}
	httpx.RespondJSON(w, http.StatusOK, segments)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	requested, ok := rangeFromQuery(w, r)
	if !ok {
		return
	}
	sum, err := s.sum.Summarize(entity, requested)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, sum)
}

// rangeFromQuery parses the from/to epoch-millisecond query parameters,
// writing the error response itself on failure.
func rangeFromQuery(w http.ResponseWriter, r *http.Request) (timerange.Range, bool) {
	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "from must be epoch milliseconds")
		return timerange.Range{}, false
	}
	to, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "to must be epoch milliseconds")
		return timerange.Range{}, false
	}
	rng, err := timerange.New(from, to)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return timerange.Range{}, false
	}
	return rng, true
}
