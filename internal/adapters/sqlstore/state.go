package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/pkg/metrics"
)

const backend = "sql"

// Option applies a configuration option to the SQL stores.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout bounds every statement issued by a store.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StateStore keeps EntityPeriodState rows in the entity_state table. Each
// row carries a scope column so production and simulation runs share one
// table without seeing each other.
type StateStore struct {
	db      *sqlx.DB
	scope   string
	timeout time.Duration
}

// NewStateStore creates a store in the production scope.
func NewStateStore(db *sqlx.DB, opts ...Option) *StateStore {
	o := buildOptions(opts)
	return &StateStore{db: db, scope: repository.ProductionScope, timeout: o.timeout}
}

// Scoped returns a view of the same table restricted to scope.
func (s *StateStore) Scoped(scope string) repository.StateStore {
	cp := *s
	cp.scope = scope
	return &cp
}

type stateRow struct {
	EntityID   string          `db:"entity_id"`
	Season     int             `db:"season"`
	Class      string          `db:"class"`
	LastPeriod int             `db:"last_period"`
	Smoothed   float64         `db:"smoothed"`
	Tier       string          `db:"tier"`
	Volatility sql.NullFloat64 `db:"volatility"`
	Momentum   sql.NullFloat64 `db:"momentum"`
	History    string          `db:"history"`
}

func (r stateRow) toModel() (*model.EntityPeriodState, error) {
	st := &model.EntityPeriodState{
		EntityID:   r.EntityID,
		Season:     r.Season,
		Class:      r.Class,
		LastPeriod: r.LastPeriod,
		Smoothed:   r.Smoothed,
		Tier:       r.Tier,
	}
	if r.Volatility.Valid {
		st.Volatility = model.Float(r.Volatility.Float64)
	}
	if r.Momentum.Valid {
		st.Momentum = model.Float(r.Momentum.Float64)
	}
	if err := json.Unmarshal([]byte(r.History), &st.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return st, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

const selectState = `SELECT entity_id, season, class, last_period, smoothed, tier, volatility, momentum, history
FROM entity_state WHERE scope = ? AND entity_id = ? AND season = ?`

func (s *StateStore) Get(ctx context.Context, key repository.StateKey) (*model.EntityPeriodState, error) {
	start := time.Now()
	defer observe("get", start)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var row stateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectState), s.scope, key.EntityID, key.Season)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		metrics.RecordStateStoreError(backend, "get")
		return nil, fmt.Errorf("sql get %s: %w", key, err)
	}
	return row.toModel()
}

// The WHERE clause on the conflict branch keeps periods monotonic: an
// update that does not advance last_period affects no rows.
const upsertState = `INSERT INTO entity_state
  (scope, entity_id, season, class, last_period, smoothed, tier, volatility, momentum, history, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (scope, entity_id, season) DO UPDATE SET
  class = excluded.class,
  last_period = excluded.last_period,
  smoothed = excluded.smoothed,
  tier = excluded.tier,
  volatility = excluded.volatility,
  momentum = excluded.momentum,
  history = excluded.history,
  updated_at = excluded.updated_at
WHERE entity_state.last_period < excluded.last_period`

func (s *StateStore) Put(ctx context.Context, state *model.EntityPeriodState) error {
	start := time.Now()
	defer observe("put", start)

	key := repository.KeyOf(state)
	history := state.History
	if history == nil {
		history = []float64{}
	}
	blob, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", key, err)
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(upsertState),
		s.scope, state.EntityID, state.Season, state.Class, state.LastPeriod, state.Smoothed,
		state.Tier, nullable(state.Volatility), nullable(state.Momentum), string(blob),
		time.Now().UnixMilli())
	if err != nil {
		metrics.RecordStateStoreError(backend, "put")
		return fmt.Errorf("sql put %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sql put %s: %w", key, err)
	}
	if n == 0 {
		metrics.RecordStateStoreError(backend, "put")
		return fmt.Errorf("%w: %s period %d", repository.ErrStalePeriod, key, state.LastPeriod)
	}
	return nil
}

func (s *StateStore) Delete(ctx context.Context, key repository.StateKey) error {
	start := time.Now()
	defer observe("delete", start)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM entity_state WHERE scope = ? AND entity_id = ? AND season = ?`),
		s.scope, key.EntityID, key.Season)
	if err != nil {
		metrics.RecordStateStoreError(backend, "delete")
		return fmt.Errorf("sql delete %s: %w", key, err)
	}
	return nil
}

// DropScope deletes every row in scope. Used to discard a finished run.
func (s *StateStore) DropScope(ctx context.Context, scope string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM entity_state WHERE scope = ?`), scope); err != nil {
		return fmt.Errorf("sql drop scope %s: %w", scope, err)
	}
	return nil
}

const copyScope = `INSERT INTO entity_state
  (scope, entity_id, season, class, last_period, smoothed, tier, volatility, momentum, history, updated_at)
SELECT ?, entity_id, season, class, last_period, smoothed, tier, volatility, momentum, history, ?
FROM entity_state WHERE scope = ?`

// CopyScope replaces the rows of scope to with a copy of the rows of scope
// from, in one transaction.
func (s *StateStore) CopyScope(ctx context.Context, from, to string) error {
	start := time.Now()
	defer observe("copy", start)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql copy scope %s: %w", from, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM entity_state WHERE scope = ?`), to); err != nil {
		metrics.RecordStateStoreError(backend, "copy")
		return fmt.Errorf("sql copy scope %s: %w", to, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(copyScope), to, time.Now().UnixMilli(), from); err != nil {
		metrics.RecordStateStoreError(backend, "copy")
		return fmt.Errorf("sql copy scope %s to %s: %w", from, to, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sql copy scope %s: %w", from, err)
	}
	return nil
}

// Ping checks connectivity, used by the health endpoint.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func observe(op string, start time.Time) {
	metrics.RecordStateStoreLatency(backend, op, float64(time.Since(start).Microseconds())/1000)
}
