package query

import (
	"CohortLedger/internal/event"
	fpmath "CohortLedger/internal/math"
	"CohortLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the output tables.
// All history responses include as_of_height for freshness semantics.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

func (qs *QueryService) observe(name string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(name).Inc()
	qs.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if *errp != nil {
		qs.metrics.QueryErrors.WithLabelValues(name).Inc()
	}
}

// GetCohortHistory returns a cohort's records, newest first.
// Supports cursor-based pagination through beforeHeight.
func (qs *QueryService) GetCohortHistory(
	ctx context.Context,
	cohortID string,
	limit int,
	beforeHeight *int64,
) (out []CohortMetricsResponse, err error) {
	defer qs.observe("cohort_history", time.Now(), &err)

	asOf, err := qs.AsOfHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("as of height: %w", err)
	}

	query := `
		SELECT height, cohort_id, realized_cap_raw::TEXT, record
		FROM cohort.cohort_metrics
		WHERE cohort_id = $1
	`
	args := []interface{}{cohortID}
	argIdx := 2

	if beforeHeight != nil {
		query += fmt.Sprintf(" AND height < $%d", argIdx)
		args = append(args, *beforeHeight)
		argIdx++
	}

	query += " ORDER BY height DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r      CohortMetricsResponse
			height int64
			capRaw sql.NullString
			record []byte
		)
		if err := rows.Scan(&height, &r.CohortID, &capRaw, &record); err != nil {
			return nil, err
		}
		r.Height = uint64(height)
		r.AsOfHeight = asOf
		if capRaw.Valid {
			v, err := fpmath.ParseCentsSats(capRaw.String)
			if err != nil {
				return nil, fmt.Errorf("realized cap at %d: %w", height, err)
			}
			r.RealizedCapRaw = &v
		}
		if err := json.Unmarshal(record, &r.Record); err != nil {
			return nil, fmt.Errorf("decode record at %d: %w", height, err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// GetLatest returns the projected newest record of every cohort.
func (qs *QueryService) GetLatest(ctx context.Context) (out []LatestResponse, err error) {
	defer qs.observe("latest", time.Now(), &err)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT cohort_id, height, record, updated_at
		FROM projections.cohort_latest
		ORDER BY cohort_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r      LatestResponse
			height int64
			record []byte
		)
		if err := rows.Scan(&r.CohortID, &height, &record, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Height = uint64(height)
		if err := json.Unmarshal(record, &r.Record); err != nil {
			return nil, fmt.Errorf("decode latest %s: %w", r.CohortID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetChainState returns the chain_state row at height.
func (qs *QueryService) GetChainState(ctx context.Context, height uint64) (_ *ChainStateResponse, err error) {
	defer qs.observe("chain_state", time.Now(), &err)

	var (
		r                          ChainStateResponse
		h, price, count, supply    int64
		blockHash, prev, stateHash []byte
		dateIndex                  sql.NullInt32
		datePrice                  sql.NullInt64
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT c.height, c.block_hash, c.prev_hash, c.block_time, c.price_cents,
		       c.date_index, c.date_price_cents, c.utxo_count, c.supply_sats, c.state_hash,
		       (SELECT COUNT(*) FROM cohort.cohort_metrics m WHERE m.height = c.height)
		FROM cohort.chain_state c
		WHERE c.height = $1
	`, int64(height)).Scan(
		&h, &blockHash, &prev, &r.BlockTime, &price,
		&dateIndex, &datePrice, &count, &supply, &stateHash,
		&r.CohortRowCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain state %d: %w", height, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	r.Height = uint64(h)
	r.BlockHash = hashString(blockHash)
	r.PrevHash = hashString(prev)
	r.StateHash = hashString(stateHash)
	r.Price = fpmath.Cents(price)
	r.UTXOCount = uint64(count)
	r.SupplySats = fpmath.Sats(supply)
	if dateIndex.Valid {
		r.DateIndex = &dateIndex.Int32
	}
	if datePrice.Valid {
		r.DatePrice = &datePrice.Int64
	}
	return &r, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the output tables for missing heights, broken
// parent linkage, "all" supply drift and heights with a partial cohort set.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report := &IntegrityReport{}
	if report.MaxHeight, err = qs.AsOfHeight(ctx); err != nil {
		return nil, err
	}

	checks := []struct {
		query string
		dst   *[]int64
	}{
		{`
			SELECT s.h FROM generate_series(0, (SELECT COALESCE(MAX(height), -1) FROM cohort.chain_state)) AS s(h)
			LEFT JOIN cohort.chain_state c ON c.height = s.h
			WHERE c.height IS NULL
			ORDER BY s.h LIMIT 10
		`, &report.MissingHeights},
		{`
			SELECT c1.height
			FROM cohort.chain_state c1
			JOIN cohort.chain_state c2 ON c2.height = c1.height - 1
			WHERE c1.prev_hash != c2.block_hash
			ORDER BY c1.height LIMIT 10
		`, &report.LinkageBreaks},
		{`
			SELECT c.height
			FROM cohort.chain_state c
			JOIN cohort.cohort_metrics m ON m.height = c.height AND m.cohort_id = 'all'
			WHERE m.supply_sats != c.supply_sats OR m.utxo_count != c.utxo_count
			ORDER BY c.height LIMIT 10
		`, &report.SupplyBreaks},
		{`
			SELECT height FROM cohort.cohort_metrics
			GROUP BY height
			HAVING COUNT(*) != (SELECT COUNT(DISTINCT cohort_id) FROM cohort.cohort_metrics)
			ORDER BY height LIMIT 10
		`, &report.UnevenHeights},
	}
	for _, c := range checks {
		if *c.dst, err = qs.heights(ctx, c.query); err != nil {
			return nil, err
		}
	}

	rows, err := qs.db.QueryContext(ctx, `SELECT DISTINCT cohort_id FROM cohort.cohort_metrics ORDER BY cohort_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		report.Cohorts = append(report.Cohorts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.MissingHeights) == 0 &&
		len(report.LinkageBreaks) == 0 &&
		len(report.SupplyBreaks) == 0 &&
		len(report.UnevenHeights) == 0
	return report, nil
}

// AsOfHeight returns the highest height written, or -1 when empty.
func (qs *QueryService) AsOfHeight(ctx context.Context) (int64, error) {
	var h int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(height), -1) FROM cohort.chain_state
	`).Scan(&h)
	return h, err
}

// --- helpers ---

func (qs *QueryService) heights(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func hashString(b []byte) string {
	var h event.Hash
	copy(h[:], b)
	return h.String()
}
