package persistence

import (
	"CohortLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxRowsPerStatement keeps multi-row INSERTs under the Postgres parameter limit.
const maxRowsPerStatement = 1000

// OutputWriter writes block outputs to Postgres using multi-row upserts.
// Rows are keyed by height (and cohort) so replays after a rollback overwrite.
type OutputWriter struct {
	db *sql.DB
}

func NewOutputWriter(db *sql.DB) *OutputWriter {
	return &OutputWriter{db: db}
}

// ChainRow represents a row in cohort.chain_state
type ChainRow struct {
	Height         int64
	BlockHash      []byte
	PrevHash       []byte
	BlockTime      time.Time
	PriceCents     int64
	DateIndex      sql.NullInt32
	DatePriceCents sql.NullInt64
	UTXOCount      int64
	SupplySats     int64
	StateHash      []byte
}

// CohortRow represents a row in cohort.cohort_metrics
type CohortRow struct {
	Height                int64
	CohortID              string
	UTXOCount             int64
	SupplySats            int64
	SentSats              int64
	RealizedCapRaw        sql.NullString // NUMERIC
	SupplyInProfitSats    sql.NullInt64
	UnrealizedProfitCents sql.NullInt64
	UnrealizedLossCents   sql.NullInt64
	Record                []byte // JSON-encoded core.CohortRecord
}

// RowsFromOutput converts one block output to rows.
func RowsFromOutput(out *core.BlockOutput) (ChainRow, []CohortRow, error) {
	cs := out.ChainState
	chain := ChainRow{
		Height:     int64(cs.Height),
		BlockHash:  cs.BlockHash[:],
		PrevHash:   cs.PrevHash[:],
		BlockTime:  cs.Timestamp,
		PriceCents: int64(cs.Price),
		UTXOCount:  int64(cs.Supply.UTXOCount),
		SupplySats: int64(cs.Supply.Value),
		StateHash:  cs.StateHash[:],
	}
	if cs.DateClose != nil {
		chain.DateIndex = sql.NullInt32{Int32: int32(cs.DateClose.DateIndex), Valid: true}
		chain.DatePriceCents = sql.NullInt64{Int64: int64(cs.DateClose.Price), Valid: true}
	}

	rows := make([]CohortRow, 0, len(out.Records))
	for i := range out.Records {
		r := &out.Records[i]
		record, err := json.Marshal(r)
		if err != nil {
			return chain, nil, fmt.Errorf("encode cohort %s at %d: %w", r.CohortID, r.Height, err)
		}
		row := CohortRow{
			Height:     int64(r.Height),
			CohortID:   r.CohortID,
			UTXOCount:  int64(r.Supply.UTXOCount),
			SupplySats: int64(r.Supply.Value),
			SentSats:   int64(r.Deltas.Sent),
			Record:     record,
		}
		if r.Realized != nil {
			row.RealizedCapRaw = sql.NullString{String: r.Realized.CapRaw.String(), Valid: true}
		}
		if r.Unrealized != nil {
			row.SupplyInProfitSats = sql.NullInt64{Int64: int64(r.Unrealized.SupplyInProfit), Valid: true}
			row.UnrealizedProfitCents = sql.NullInt64{Int64: int64(r.Unrealized.UnrealizedProfit), Valid: true}
			row.UnrealizedLossCents = sql.NullInt64{Int64: int64(r.Unrealized.UnrealizedLoss), Valid: true}
		}
		rows = append(rows, row)
	}
	return chain, rows, nil
}

// WriteChainBatch upserts chain_state rows.
func (w *OutputWriter) WriteChainBatch(ctx context.Context, tx *sql.Tx, rows []ChainRow) error {
	for start := 0; start < len(rows); start += maxRowsPerStatement {
		chunk := rows[start:min(start+maxRowsPerStatement, len(rows))]

		query := `INSERT INTO cohort.chain_state
			(height, block_hash, prev_hash, block_time, price_cents, date_index, date_price_cents, utxo_count, supply_sats, state_hash)
			VALUES `

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*10)
		for i, r := range chunk {
			base := i * 10
			values = append(values, fmt.Sprintf(
				"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
			))
			args = append(args,
				r.Height, r.BlockHash, r.PrevHash, r.BlockTime, r.PriceCents,
				r.DateIndex, r.DatePriceCents, r.UTXOCount, r.SupplySats, r.StateHash,
			)
		}

		query += strings.Join(values, ", ")
		query += ` ON CONFLICT (height) DO UPDATE SET
			block_hash = EXCLUDED.block_hash, prev_hash = EXCLUDED.prev_hash,
			block_time = EXCLUDED.block_time, price_cents = EXCLUDED.price_cents,
			date_index = EXCLUDED.date_index, date_price_cents = EXCLUDED.date_price_cents,
			utxo_count = EXCLUDED.utxo_count, supply_sats = EXCLUDED.supply_sats,
			state_hash = EXCLUDED.state_hash`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// WriteCohortBatch upserts cohort_metrics rows.
func (w *OutputWriter) WriteCohortBatch(ctx context.Context, tx *sql.Tx, rows []CohortRow) error {
	for start := 0; start < len(rows); start += maxRowsPerStatement {
		chunk := rows[start:min(start+maxRowsPerStatement, len(rows))]

		query := `INSERT INTO cohort.cohort_metrics
			(height, cohort_id, utxo_count, supply_sats, sent_sats, realized_cap_raw,
			 supply_in_profit_sats, unrealized_profit_cents, unrealized_loss_cents, record)
			VALUES `

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*10)
		for i, r := range chunk {
			base := i * 10
			values = append(values, fmt.Sprintf(
				"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
			))
			args = append(args,
				r.Height, r.CohortID, r.UTXOCount, r.SupplySats, r.SentSats, r.RealizedCapRaw,
				r.SupplyInProfitSats, r.UnrealizedProfitCents, r.UnrealizedLossCents, r.Record,
			)
		}

		query += strings.Join(values, ", ")
		query += ` ON CONFLICT (height, cohort_id) DO UPDATE SET
			utxo_count = EXCLUDED.utxo_count, supply_sats = EXCLUDED.supply_sats,
			sent_sats = EXCLUDED.sent_sats, realized_cap_raw = EXCLUDED.realized_cap_raw,
			supply_in_profit_sats = EXCLUDED.supply_in_profit_sats,
			unrealized_profit_cents = EXCLUDED.unrealized_profit_cents,
			unrealized_loss_cents = EXCLUDED.unrealized_loss_cents,
			record = EXCLUDED.record`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// DeleteFrom removes every row at or above height.
func (w *OutputWriter) DeleteFrom(ctx context.Context, height uint64) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cohort.cohort_metrics WHERE height >= $1`, int64(height)); err != nil {
		return fmt.Errorf("delete cohort rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cohort.chain_state WHERE height >= $1`, int64(height)); err != nil {
		return fmt.Errorf("delete chain rows: %w", err)
	}
	return tx.Commit()
}

// LastHeight returns the highest chain_state height written.
func (w *OutputWriter) LastHeight(ctx context.Context) (uint64, bool, error) {
	var h sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `SELECT MAX(height) FROM cohort.chain_state`).Scan(&h); err != nil {
		return 0, false, err
	}
	if !h.Valid {
		return 0, false, nil
	}
	return uint64(h.Int64), true, nil
}
