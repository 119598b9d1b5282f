package simulation

import (
	"context"
	"fmt"
	"regexp"
)

var presetName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

func validatePreset(p Preset) error {
	if !presetName.MatchString(p.Name) {
		return fmt.Errorf("%w: invalid preset name %q", ErrInvalidConfig, p.Name)
	}
	if p.Params == nil {
		return fmt.Errorf("%w: preset %s has no params", ErrInvalidConfig, p.Name)
	}
	if err := p.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// CreatePreset stores a new named parameter set.
func (h *Harness) CreatePreset(ctx context.Context, p Preset) (Preset, error) {
	if err := validatePreset(p); err != nil {
		return Preset{}, err
	}
	if err := h.presets.Create(ctx, p); err != nil {
		return Preset{}, err
	}
	return h.presets.Get(ctx, p.Name)
}

// GetPreset returns a preset by name.
func (h *Harness) GetPreset(ctx context.Context, name string) (Preset, error) {
	return h.presets.Get(ctx, name)
}

// UpdatePreset replaces the description and params of an existing preset.
// Runs already started keep the snapshot they took.
func (h *Harness) UpdatePreset(ctx context.Context, p Preset) (Preset, error) {
	if err := validatePreset(p); err != nil {
		return Preset{}, err
	}
	if err := h.presets.Update(ctx, p); err != nil {
		return Preset{}, err
	}
	return h.presets.Get(ctx, p.Name)
}

// DeletePreset removes a preset.
func (h *Harness) DeletePreset(ctx context.Context, name string) error {
	return h.presets.Delete(ctx, name)
}

// ListPresets returns every preset ordered by name.
func (h *Harness) ListPresets(ctx context.Context) ([]Preset, error) {
	return h.presets.List(ctx)
}
