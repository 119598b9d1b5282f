package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/internal/simulation"
)

// Simulations is the harness surface exposed over HTTP.
type Simulations interface {
	Start(ctx context.Context, cfg simulation.Config) (string, error)
	Cancel(id string) bool
	Progress(id string) (simulation.Progress, error)
	Runs() []simulation.Progress
	Errors(id string) ([]simulation.EntityError, error)
	Params(id string) (*params.Set, error)
	Results(ctx context.Context, id string, f simulation.ResultFilter, page types.Page) ([]model.RatingRecord, types.Page, error)
	Outliers(ctx context.Context, id string, page types.Page) ([]model.RatingRecord, types.Page, error)
	Diff(ctx context.Context, id, entityID string) (simulation.Diff, error)
	Delete(ctx context.Context, id string) error

	CreatePreset(ctx context.Context, p simulation.Preset) (simulation.Preset, error)
	GetPreset(ctx context.Context, name string) (simulation.Preset, error)
	UpdatePreset(ctx context.Context, p simulation.Preset) (simulation.Preset, error)
	DeletePreset(ctx context.Context, name string) error
	ListPresets(ctx context.Context) ([]simulation.Preset, error)
}

func requireSims(sims Simulations) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sims == nil {
				writeFailure(w, ErrUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SimulationHandler handles the simulation run lifecycle.
type SimulationHandler struct {
	sims Simulations
}

// NewSimulationHandler creates a new simulation handler.
func NewSimulationHandler(sims Simulations) *SimulationHandler {
	return &SimulationHandler{sims: sims}
}

func (h *SimulationHandler) requireSims(next http.Handler) http.Handler {
	return requireSims(h.sims)(next)
}

type pageResponse struct {
	Items any        `json:"items"`
	Page  types.Page `json:"page"`
}

// HandleStart handles POST /simulations.
func (h *SimulationHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var cfg simulation.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeFailure(w, err)
		return
	}
	id, err := h.sims.Start(r.Context(), cfg)
	if err != nil {
		writeFailure(w, err)
		return
	}
	p, err := h.sims.Progress(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/simulations/"+id)
	writeJSON(w, http.StatusAccepted, p)
}

// HandleList handles GET /simulations.
func (h *SimulationHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sims.Runs())
}

// HandleGet handles GET /simulations/{id}.
func (h *SimulationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.sims.Progress(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleCancel handles POST /simulations/{id}/cancel. Cancellation is
// cooperative; the response carries the snapshot at request time.
func (h *SimulationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.sims.Progress(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !h.sims.Cancel(id) {
		writeFailure(w, fmt.Errorf("%w: run %s is %s", ErrRunFinished, id, p.Status))
		return
	}
	p, _ = h.sims.Progress(id)
	writeJSON(w, http.StatusAccepted, p)
}

// HandleDelete handles DELETE /simulations/{id}.
func (h *SimulationHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.sims.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleParams handles GET /simulations/{id}/params.
func (h *SimulationHandler) HandleParams(w http.ResponseWriter, r *http.Request) {
	p, err := h.sims.Params(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleErrors handles GET /simulations/{id}/errors.
func (h *SimulationHandler) HandleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := h.sims.Errors(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

// HandleResults handles GET /simulations/{id}/results with optional
// entity, class, tier, period, flagged, flag, min_rating, max_rating,
// offset and limit query parameters.
func (h *SimulationHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	recs, page, err := h.sims.Results(r.Context(), chi.URLParam(r, "id"), f, page)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: recs, Page: page})
}

// HandleOutliers handles GET /simulations/{id}/outliers.
func (h *SimulationHandler) HandleOutliers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	recs, page, err := h.sims.Outliers(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: recs, Page: page})
}

// HandleEntity handles GET /simulations/{id}/entities/{entity}.
func (h *SimulationHandler) HandleEntity(w http.ResponseWriter, r *http.Request) {
	d, err := h.sims.Diff(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "entity"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrBadRequest, key)
	}
	return v, nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", ErrBadRequest, key)
	}
	return &v, nil
}

func parsePage(r *http.Request) (types.Page, error) {
	var p types.Page
	offset, err := queryInt(r, "offset")
	if err != nil {
		return p, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return p, err
	}
	if offset < 0 || limit < 0 {
		return p, fmt.Errorf("%w: offset and limit must not be negative", ErrBadRequest)
	}
	p.Offset, p.Limit = offset, limit
	return p, nil
}

func parseFilter(r *http.Request) (simulation.ResultFilter, error) {
	q := r.URL.Query()
	f := simulation.ResultFilter{
		EntityID: q.Get("entity"),
		Class:    q.Get("class"),
		Tier:     q.Get("tier"),
		Flag:     model.OutlierFlag(q.Get("flag")),
	}
	period, err := queryInt(r, "period")
	if err != nil {
		return f, err
	}
	f.Period = period
	if s := q.Get("flagged"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("%w: flagged must be a boolean", ErrBadRequest)
		}
		f.FlaggedOnly = v
	}
	if f.MinRating, err = queryFloat(r, "min_rating"); err != nil {
		return f, err
	}
	if f.MaxRating, err = queryFloat(r, "max_rating"); err != nil {
		return f, err
	}
	return f, nil
}
