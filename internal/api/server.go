package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"turbine-health-monitor/internal/db"
	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/health"
	"turbine-health-monitor/internal/metrics"
	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/normalize"
	"turbine-health-monitor/internal/parser"
	"turbine-health-monitor/internal/pipeline"
	"turbine-health-monitor/internal/powercurve"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// maxBatchBytes caps the body of a readings batch.
const maxBatchBytes = 64 << 20

// Options carries the optional collaborators of a Server.
type Options struct {
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // serves /metrics when set
	History  *health.History     // the arena the engine appends scores to
	Logger   *slog.Logger
}

// Server represents the API server
type Server struct {
	db       *db.Database
	router   *mux.Router
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	history  *health.History
	log      *slog.Logger

	mu     sync.RWMutex
	engine *pipeline.Engine
}

// NewServer creates a new API server
func NewServer(database *db.Database, engine *pipeline.Engine, opts Options) *Server {
	s := &Server{
		db:       database,
		router:   mux.NewRouter(),
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		history:  opts.History,
		log:      opts.Logger,
		engine:   engine,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.history == nil {
		s.history = health.NewHistory()
	}
	s.setupRoutes()
	return s
}

// SetEngine swaps the engine used by later runs, e.g. after a config reload.
func (s *Server) SetEngine(e *pipeline.Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

func (s *Server) currentEngine() *pipeline.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	s.handle(api, "/health", "health", s.handleHealth, "GET")

	// Turbines and raw readings
	s.handle(api, "/turbines", "turbines", s.handleListTurbines, "GET")
	s.handle(api, "/turbines/{id}/health", "turbine_health", s.handleTurbineHealth, "GET")
	s.handle(api, "/turbines/{id}/health/{as_of}", "turbine_revisions", s.handleTurbineRevisions, "GET")
	s.handle(api, "/readings/batch", "readings_batch", s.handleBatchReadings, "POST")

	// Analysis runs
	s.handle(api, "/runs", "runs", s.handleListRuns, "GET")
	s.handle(api, "/runs", "runs_create", s.handleCreateRun, "POST")
	s.handle(api, "/runs/{run_id}/kpis", "run_kpis", s.handleRunKPIs, "GET")
	s.handle(api, "/runs/{run_id}/power-curve", "run_power_curve", s.handleRunPowerCurve, "GET")
	s.handle(api, "/runs/{run_id}/events", "run_events", s.handleRunEvents, "GET")
	s.handle(api, "/runs/{run_id}/faults", "run_faults", s.handleRunFaults, "GET")
	s.handle(api, "/runs/{run_id}/health", "run_health", s.handleRunHealth, "GET")
	s.handle(api, "/runs/{run_id}/quality", "run_quality", s.handleRunQuality, "GET")
	s.handle(api, "/priority", "priority", s.handlePriority, "GET")

	// Troubleshooting guidance per fault category
	s.handle(api, "/guidance", "guidance", s.handleGuidance, "GET")
	s.handle(api, "/guidance/{category}", "guidance_category", s.handleGuidanceCategory, "GET")

	// Stats endpoint
	s.handle(api, "/stats", "stats", s.handleStats, "GET")

	api.Use(s.loggingMiddleware)
	api.Use(jsonMiddleware)

	if s.gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(s.gatherer)).Methods("GET")
	}
}

func (s *Server) handle(r *mux.Router, path, route string, fn http.HandlerFunc, method string) {
	r.Handle(path, s.metrics.WrapHandler(route, fn)).Methods(method)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(s.router))
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("api: handler panic", "panic", v)
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("api: request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// respondStoreError maps db.ErrNotFound to 404 and anything else to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListTurbines(w http.ResponseWriter, r *http.Request) {
	turbines, err := s.db.ListTurbines()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, turbines)
}

// handleBatchReadings accepts a JSON array (or NDJSON) of raw readings.
// Unparseable records are skipped and counted.
func (s *Server) handleBatchReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	p := parser.NewParser("json")
	records, err := p.Parse(bytes.NewReader(body))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "no valid readings")
		return
	}
	for i := range records {
		if errs := parser.ValidateReading(&records[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "reading "+strconv.Itoa(i)+": "+errs[0])
			return
		}
	}

	count, err := s.db.InsertReadingsBatch(records)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.ReadingsIngested(int(count))

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count, "skipped": int64(p.Skipped())})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

type runRequest struct {
	AsOf      string    `json:"as_of"` // YYYY-MM-DD, empty for the latest reading date
	TurbineID string    `json:"turbine_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type runResponse struct {
	models.RunInfo
	Failures []failureView          `json:"failures,omitempty"`
	Priority []models.PriorityEntry `json:"priority"`
	Farm     models.FarmKPI         `json:"farm"`
}

type failureView struct {
	TurbineID string `json:"turbine_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// handleCreateRun analyzes the stored readings with the current engine and
// stores the run.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	var asOf time.Time
	if req.AsOf != "" {
		t, err := time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			respondError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = t
	}

	readings, err := s.db.QueryReadings(models.ReadingQuery{
		TurbineID: req.TurbineID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(readings) == 0 {
		respondError(w, http.StatusBadRequest, "no stored readings match the request")
		return
	}

	res, err := s.currentEngine().Run(r.Context(), readings, asOf)
	if err != nil {
		var integrity *normalize.DataIntegrityError
		var curve *powercurve.InsufficientDataError
		switch {
		case errors.Is(err, pipeline.ErrNoTurbines), errors.As(err, &integrity), errors.As(err, &curve):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if err := s.db.SaveRun(res); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := runResponse{RunInfo: res.Info(), Priority: res.Priority, Farm: res.KPIs.Farm}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, failureView{TurbineID: f.TurbineID, Stage: f.Stage, Error: f.Err.Error()})
	}
	respondJSON(w, http.StatusCreated, out)
}

// requireRun writes a 404 and returns false when the run does not exist.
func (s *Server) requireRun(w http.ResponseWriter, runID string) bool {
	if _, err := s.db.GetRun(runID); err != nil {
		respondStoreError(w, err)
		return false
	}
	return true
}

func (s *Server) handleRunKPIs(w http.ResponseWriter, r *http.Request) {
	kpis, err := s.db.RunKPIs(mux.Vars(r)["run_id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, kpis)
}

func (s *Server) handleRunPowerCurve(w http.ResponseWriter, r *http.Request) {
	curve, err := s.db.RunPowerCurve(mux.Vars(r)["run_id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, curve)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if !s.requireRun(w, runID) {
		return
	}
	events, err := s.db.RunEvents(runID, r.URL.Query().Get("turbine_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithMeta(w, events, &meta{Total: len(events)})
}

func (s *Server) handleRunFaults(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runID := mux.Vars(r)["run_id"]
	if !s.requireRun(w, runID) {
		return
	}

	q := db.FaultQuery{
		TurbineID:  r.URL.Query().Get("turbine_id"),
		Category:   models.FaultCategory(r.URL.Query().Get("category")),
		FaultsOnly: r.URL.Query().Get("faults_only") != "false",
		Limit:      1000, // default
	}
	if q.Category != "" && !q.Category.Valid() {
		respondError(w, http.StatusBadRequest, "unknown fault category")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	faults, err := s.db.RunFaults(runID, q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithMeta(w, faults, &meta{
		Total:   len(faults),
		Limit:   q.Limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleRunHealth(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if !s.requireRun(w, runID) {
		return
	}
	scores, err := s.db.RunHealth(runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, scores)
}

func (s *Server) handleRunQuality(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if !s.requireRun(w, runID) {
		return
	}
	quality, err := s.db.RunQuality(runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, quality)
}

func (s *Server) handleTurbineHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	history, err := s.db.HealthHistory(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(history) == 0 {
		respondError(w, http.StatusNotFound, "no health scores for turbine")
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// handleTurbineRevisions lists every score this server computed for one
// turbine and date, oldest first.
func (s *Server) handleTurbineRevisions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asOf, err := time.Parse("2006-01-02", vars["as_of"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
		return
	}
	revisions := s.history.Revisions(vars["id"], asOf)
	if len(revisions) == 0 {
		respondError(w, http.StatusNotFound, "no revisions for turbine and date")
		return
	}
	respondWithMeta(w, revisions, &meta{Total: len(revisions)})
}

// handlePriority ranks the turbines of the latest run.
func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	runID, err := s.db.LatestRunID()
	if err != nil {
		respondStoreError(w, err)
		return
	}
	scores, err := s.db.RunHealth(runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   runID,
		"priority": health.Rank(scores),
	})
}

func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	guides := fault.AllGuidance()
	respondWithMeta(w, guides, &meta{Total: len(guides)})
}

func (s *Server) handleGuidanceCategory(w http.ResponseWriter, r *http.Request) {
	category := models.FaultCategory(mux.Vars(r)["category"])
	g, ok := fault.Guidance(category)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown fault category")
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
