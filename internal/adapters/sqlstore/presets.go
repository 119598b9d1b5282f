package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/simulation"
)

// PresetStore keeps named parameter sets in the presets table.
type PresetStore struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

// NewPresetStore creates a preset store over db.
func NewPresetStore(db *sqlx.DB, opts ...Option) *PresetStore {
	o := buildOptions(opts)
	return &PresetStore{db: db, timeout: o.timeout, now: time.Now}
}

var _ simulation.PresetStore = (*PresetStore)(nil)

type presetRow struct {
	Name        string `db:"name"`
	Description string `db:"description"`
	Params      string `db:"params"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r presetRow) toPreset() (simulation.Preset, error) {
	var set params.Set
	if err := json.Unmarshal([]byte(r.Params), &set); err != nil {
		return simulation.Preset{}, fmt.Errorf("decode preset %s: %w", r.Name, err)
	}
	return simulation.Preset{
		Name:        r.Name,
		Description: r.Description,
		Params:      &set,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt).UTC(),
	}, nil
}

func (s *PresetStore) Create(ctx context.Context, p simulation.Preset) error {
	blob, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("encode preset %s: %w", p.Name, err)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO presets (name, description, params, created_at, updated_at)
VALUES (?, ?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`), p.Name, p.Description, string(blob), now, now)
	if err != nil {
		return fmt.Errorf("create preset %s: %w", p.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", simulation.ErrPresetExists, p.Name)
	}
	return nil
}

func (s *PresetStore) Get(ctx context.Context, name string) (simulation.Preset, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var row presetRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT name, description, params, created_at, updated_at FROM presets WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return simulation.Preset{}, fmt.Errorf("%w: %s", simulation.ErrPresetNotFound, name)
	}
	if err != nil {
		return simulation.Preset{}, fmt.Errorf("get preset %s: %w", name, err)
	}
	return row.toPreset()
}

func (s *PresetStore) Update(ctx context.Context, p simulation.Preset) error {
	blob, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("encode preset %s: %w", p.Name, err)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE presets SET description = ?, params = ?, updated_at = ? WHERE name = ?`),
		p.Description, string(blob), s.now().UnixMilli(), p.Name)
	if err != nil {
		return fmt.Errorf("update preset %s: %w", p.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", simulation.ErrPresetNotFound, p.Name)
	}
	return nil
}

func (s *PresetStore) Delete(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM presets WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete preset %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", simulation.ErrPresetNotFound, name)
	}
	return nil
}

func (s *PresetStore) List(ctx context.Context) ([]simulation.Preset, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var rows []presetRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, description, params, created_at, updated_at FROM presets ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	out := make([]simulation.Preset, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPreset()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
