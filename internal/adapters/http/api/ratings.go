package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	service "github.com/okian/alpharank/internal/app"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/pkg/logger"
)

const maxBatchSize = 1000

// RatingDependencies defines the live rating operations.
type RatingDependencies interface {
	Rate(ctx context.Context, in *model.Input) (model.RatingRecord, error)
	Submit(ctx context.Context, in *model.Input) error
	State(ctx context.Context, entityID string, season int) (*model.EntityPeriodState, error)
	ResetState(ctx context.Context, entityID string, season int) error
}

// RatingsHandler handles live rating requests.
type RatingsHandler struct {
	deps   RatingDependencies
	logger logger.Logger
}

// NewRatingsHandler creates a new ratings handler.
func NewRatingsHandler(deps RatingDependencies, l logger.Logger) *RatingsHandler {
	return &RatingsHandler{deps: deps, logger: l}
}

// HandleRate handles POST /ratings. The input is applied synchronously and
// the resulting record returned.
func (h *RatingsHandler) HandleRate(w http.ResponseWriter, r *http.Request) {
	var in model.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, err)
		return
	}
	rec, err := h.deps.Rate(r.Context(), &in)
	if err != nil {
		if errors.Is(err, service.ErrDuplicatePeriod) {
			h.logger.Debug(r.Context(), "duplicate period", logger.String("entity", in.EntityID), logger.Int("period", in.Period))
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type batchRejection struct {
	Index    int    `json:"index"`
	EntityID string `json:"entity_id,omitempty"`
	Error    string `json:"error"`
}

type batchResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []batchRejection `json:"rejected,omitempty"`
}

// HandleBatch handles POST /ratings/batch. Inputs are queued for async
// rating in order; the response lists the ones that could not be queued.
func (h *RatingsHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var inputs []model.Input
	if err := decodeJSON(w, r, &inputs); err != nil {
		writeFailure(w, err)
		return
	}
	if len(inputs) > maxBatchSize {
		writeFailure(w, fmt.Errorf("%w: batch holds %d inputs, max %d", ErrBadRequest, len(inputs), maxBatchSize))
		return
	}

	resp := batchResponse{}
	full := false
	for i := range inputs {
		err := h.deps.Submit(r.Context(), &inputs[i])
		if err == nil {
			resp.Accepted++
			continue
		}
		if errors.Is(err, service.ErrNotStarted) {
			writeFailure(w, err)
			return
		}
		full = full || errors.Is(err, service.ErrQueueFull)
		resp.Rejected = append(resp.Rejected, batchRejection{Index: i, EntityID: inputs[i].EntityID, Error: err.Error()})
	}

	switch {
	case resp.Accepted == 0 && full:
		writeJSON(w, http.StatusTooManyRequests, resp)
	case resp.Accepted == 0 && len(inputs) > 0:
		writeJSON(w, http.StatusBadRequest, resp)
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func stateParams(r *http.Request) (string, int, error) {
	season, err := strconv.Atoi(chi.URLParam(r, "season"))
	if err != nil || season == 0 {
		return "", 0, fmt.Errorf("%w: invalid season", ErrBadRequest)
	}
	return chi.URLParam(r, "entity"), season, nil
}

// HandleGetState handles GET /state/{season}/{entity}.
func (h *RatingsHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	entity, season, err := stateParams(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	st, err := h.deps.State(r.Context(), entity, season)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleResetState handles DELETE /state/{season}/{entity}.
func (h *RatingsHandler) HandleResetState(w http.ResponseWriter, r *http.Request) {
	entity, season, err := stateParams(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := h.deps.ResetState(r.Context(), entity, season); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
