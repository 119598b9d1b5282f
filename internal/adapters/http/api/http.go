// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/alpharank/internal/adapters/http/swagger"
	"github.com/okian/alpharank/internal/adapters/repository"
	service "github.com/okian/alpharank/internal/app"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/internal/simulation"
	"github.com/okian/alpharank/pkg/logger"
)

const (
	defaultLeaderboardLimit = 10
	defaultMaxLimit         = 100
	maxBodyBytes            = 4 << 20
)

// Entry mirrors the read shape returned by leaderboard queries.
type Entry = types.Entry

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	RatingDependencies
	LeaderboardDependencies
	RankDependencies
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	ratingsHandler     *RatingsHandler
	leaderboardHandler *LeaderboardHandler
	rankHandler        *RankHandler
	simulationHandler  *SimulationHandler
	presetHandler      *PresetHandler

	maxLimit int
	logger   logger.Logger
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithMaxLeaderboardLimit caps the limit accepted by the leaderboard route.
func WithMaxLeaderboardLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers. sims may be nil, in
// which case the simulation and preset routes answer 503.
func NewServer(deps Dependencies, sims Simulations, opts ...Option) *Server {
	s := &Server{maxLimit: defaultMaxLimit}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.ratingsHandler = NewRatingsHandler(deps, s.logger)
	s.leaderboardHandler = NewLeaderboardHandler(deps, s.maxLimit)
	s.rankHandler = NewRankHandler(deps)
	s.simulationHandler = NewSimulationHandler(sims)
	s.presetHandler = NewPresetHandler(sims)
	return s
}

// Routes builds the router with every API route attached.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/stats", s.statsHandler.HandleStats)
	swagger.Mount(r)

	r.Post("/ratings", s.ratingsHandler.HandleRate)
	r.Post("/ratings/batch", s.ratingsHandler.HandleBatch)
	r.Get("/state/{season}/{entity}", s.ratingsHandler.HandleGetState)
	r.Delete("/state/{season}/{entity}", s.ratingsHandler.HandleResetState)

	r.Get("/leaderboard/{class}", s.leaderboardHandler.HandleGetLeaderboard)
	r.Get("/rank/{class}/{entity}", s.rankHandler.HandleGetRank)

	r.Route("/simulations", func(r chi.Router) {
		r.Use(s.simulationHandler.requireSims)
		r.Post("/", s.simulationHandler.HandleStart)
		r.Get("/", s.simulationHandler.HandleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.simulationHandler.HandleGet)
			r.Delete("/", s.simulationHandler.HandleDelete)
			r.Post("/cancel", s.simulationHandler.HandleCancel)
			r.Get("/params", s.simulationHandler.HandleParams)
			r.Get("/results", s.simulationHandler.HandleResults)
			r.Get("/outliers", s.simulationHandler.HandleOutliers)
			r.Get("/errors", s.simulationHandler.HandleErrors)
			r.Get("/entities/{entity}", s.simulationHandler.HandleEntity)
		})
	})

	r.Route("/presets", func(r chi.Router) {
		r.Use(s.presetHandler.requireSims)
		r.Post("/", s.presetHandler.HandleCreate)
		r.Get("/", s.presetHandler.HandleList)
		r.Get("/{name}", s.presetHandler.HandleGet)
		r.Put("/{name}", s.presetHandler.HandleUpdate)
		r.Delete("/{name}", s.presetHandler.HandleDelete)
	})
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

// writeFailure maps domain errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, repository.ErrInvalidLimit),
		errors.Is(err, simulation.ErrInvalidRange),
		errors.Is(err, simulation.ErrInvalidConfig),
		errors.Is(err, params.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, simulation.ErrRunNotFound),
		errors.Is(err, simulation.ErrPresetNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, service.ErrDuplicatePeriod),
		errors.Is(err, repository.ErrStalePeriod),
		errors.Is(err, simulation.ErrPresetExists),
		errors.Is(err, simulation.ErrRunActive),
		errors.Is(err, ErrRunFinished):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, service.ErrInactive):
		writeError(w, http.StatusUnprocessableEntity, "inactive", err)
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "backpressure", err)
	case errors.Is(err, service.ErrNotStarted), errors.Is(err, ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
