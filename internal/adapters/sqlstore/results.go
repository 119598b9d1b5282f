package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/internal/simulation"
)

// ResultStore keeps simulation output in rating_results, partitioned by
// run id. The full record is stored as JSON; the filterable fields are
// duplicated into columns.
type ResultStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewResultStore creates a result store over db.
func NewResultStore(db *sqlx.DB, opts ...Option) *ResultStore {
	o := buildOptions(opts)
	return &ResultStore{db: db, timeout: o.timeout}
}

var _ simulation.ResultStore = (*ResultStore)(nil)

const insertResult = `INSERT INTO rating_results
  (run_id, entity_id, season, period, class, tier, rating, flagged, flags, record)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, entity_id, season, period) DO UPDATE SET
  class = excluded.class,
  tier = excluded.tier,
  rating = excluded.rating,
  flagged = excluded.flagged,
  flags = excluded.flags,
  record = excluded.record`

func flagList(flags []model.OutlierFlag) string {
	if len(flags) == 0 {
		return ""
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return "," + strings.Join(parts, ",") + ","
}

func (s *ResultStore) Append(ctx context.Context, runID string, recs ...model.RatingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertResult))
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for i := range recs {
		r := &recs[i]
		blob, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s/%d: %w", r.EntityID, r.Period, err)
		}
		flagged := 0
		if r.Flagged() {
			flagged = 1
		}
		if _, err := stmt.ExecContext(ctx, runID, r.EntityID, r.Season, r.Period, r.Class, r.Tier,
			r.Rating, flagged, flagList(r.Flags), string(blob)); err != nil {
			return fmt.Errorf("append record %s/%d: %w", r.EntityID, r.Period, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// likeEscaper makes LIKE wildcards in a filter value match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func whereClause(runID string, f simulation.ResultFilter) (string, []any) {
	conds := []string{"run_id = ?"}
	args := []any{runID}
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.Class != "" {
		add("class = ?", f.Class)
	}
	if f.Tier != "" {
		add("tier = ?", f.Tier)
	}
	if f.Period != 0 {
		add("period = ?", f.Period)
	}
	if f.FlaggedOnly {
		add("flagged = ?", 1)
	}
	if f.Flag != "" {
		add(`flags LIKE ? ESCAPE '\'`, "%,"+likeEscaper.Replace(string(f.Flag))+",%")
	}
	if f.MinRating != nil {
		add("rating >= ?", *f.MinRating)
	}
	if f.MaxRating != nil {
		add("rating <= ?", *f.MaxRating)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func decodeRecords(blobs []string) ([]model.RatingRecord, error) {
	out := make([]model.RatingRecord, 0, len(blobs))
	for _, b := range blobs {
		var r model.RatingRecord
		if err := json.Unmarshal([]byte(b), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ResultStore) Query(ctx context.Context, runID string, f simulation.ResultFilter, page types.Page) ([]model.RatingRecord, int, error) {
	page = simulation.NormalizePage(page)
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	where, args := whereClause(runID, f)

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM rating_results"+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count results %s: %w", runID, err)
	}

	var blobs []string
	q := "SELECT record FROM rating_results" + where + " ORDER BY season, period, entity_id LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &blobs, s.db.Rebind(q), append(args, page.Limit, page.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("query results %s: %w", runID, err)
	}
	recs, err := decodeRecords(blobs)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *ResultStore) Series(ctx context.Context, runID, entityID string) ([]model.RatingRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var blobs []string
	q := "SELECT record FROM rating_results WHERE run_id = ? AND entity_id = ? ORDER BY season, period"
	if err := s.db.SelectContext(ctx, &blobs, s.db.Rebind(q), runID, entityID); err != nil {
		return nil, fmt.Errorf("series %s/%s: %w", runID, entityID, err)
	}
	return decodeRecords(blobs)
}

func (s *ResultStore) DeleteRun(ctx context.Context, runID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM rating_results WHERE run_id = ?"), runID); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}
