package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/simulation"
)

// PresetHandler handles named parameter set CRUD.
type PresetHandler struct {
	sims Simulations
}

// NewPresetHandler creates a new preset handler.
func NewPresetHandler(sims Simulations) *PresetHandler {
	return &PresetHandler{sims: sims}
}

func (h *PresetHandler) requireSims(next http.Handler) http.Handler {
	return requireSims(h.sims)(next)
}

type presetRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      *params.Set `json:"params"`
}

// HandleCreate handles POST /presets.
func (h *PresetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	p, err := h.sims.CreatePreset(r.Context(), simulation.Preset{Name: req.Name, Description: req.Description, Params: req.Params})
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/presets/"+p.Name)
	writeJSON(w, http.StatusCreated, p)
}

// HandleList handles GET /presets.
func (h *PresetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.sims.ListPresets(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGet handles GET /presets/{name}.
func (h *PresetHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.sims.GetPreset(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdate handles PUT /presets/{name}. The body name, if set, must
// match the path.
func (h *PresetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req presetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Name != "" && req.Name != name {
		writeFailure(w, fmt.Errorf("%w: body name %q does not match %q", ErrBadRequest, req.Name, name))
		return
	}
	p, err := h.sims.UpdatePreset(r.Context(), simulation.Preset{Name: name, Description: req.Description, Params: req.Params})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleDelete handles DELETE /presets/{name}.
func (h *PresetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.sims.DeletePreset(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
