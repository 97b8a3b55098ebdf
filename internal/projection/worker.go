package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	AccountID string
	Timestamp int64

	// Post-event collateral as a decimal string (NUMERIC column).
	Collateral string

	// Position state after the event, nil for collateral transfers.
	Position *PositionState

	// Settlement audit entry, nil except for applied settlements.
	Settlement *SettlementEntry
}

// PositionState is the projected position row.
type PositionState struct {
	Market          string
	Size            int64
	EntryPrice      int64
	LastFundingRate int64
	Version         int64
}

// SettlementEntry is the projected settlement history row.
type SettlementEntry struct {
	Market         string
	OraclePrice    int64
	FundingRate    int64
	UnrealizedPnL  string
	FundingPayment string
	NetSettlement  string
	NewCollateral  string
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue: projections are eventually consistent and can be
				// rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Balance projection: last-writer-wins on sequence, so a late replayed
	// update cannot clobber a newer one.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_id, collateral, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id)
		DO UPDATE SET collateral = $2, last_sequence = $3
		WHERE projections.balances.last_sequence < $3
	`, output.AccountID, output.Collateral, output.Sequence); err != nil {
		return fmt.Errorf("balance projection: %w", err)
	}

	if output.Position != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(account_id, market, size, entry_price, last_funding_rate, version, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (account_id, market)
			DO UPDATE SET size = $3, entry_price = $4, last_funding_rate = $5,
			              version = $6, last_sequence = $7
			WHERE projections.positions.last_sequence < $7
		`, output.AccountID, output.Position.Market, output.Position.Size,
			output.Position.EntryPrice, output.Position.LastFundingRate,
			output.Position.Version, output.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	if output.Settlement != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlement_history
				(sequence, account_id, market, oracle_price, funding_rate,
				 unrealized_pnl, funding_payment, net_settlement, new_collateral, event_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10::double precision / 1000000))
			ON CONFLICT (sequence) DO NOTHING
		`, output.Sequence, output.AccountID, output.Settlement.Market,
			output.Settlement.OraclePrice, output.Settlement.FundingRate,
			output.Settlement.UnrealizedPnL, output.Settlement.FundingPayment,
			output.Settlement.NetSettlement, output.Settlement.NewCollateral,
			output.Timestamp); err != nil {
			return fmt.Errorf("settlement history projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections rebuilds projection tables from the settlement log.
// Settlement history rebuilds completely; balances rebuild from the most
// recent audit row per account and are then corrected by the projection
// stream once the core finishes its own replay.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.settlement_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.settlement_history
			(sequence, account_id, market, oracle_price, funding_rate,
			 unrealized_pnl, funding_payment, net_settlement, new_collateral, event_ts)
		SELECT sequence, account_id, market, oracle_price, funding_rate,
		       unrealized_pnl, funding_payment, net_settlement, new_collateral, timestamp
		FROM settlement_log.settlements
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild settlement history: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_id, collateral, last_sequence)
		SELECT DISTINCT ON (account_id)
			account_id, new_collateral, sequence
		FROM settlement_log.settlements
		ORDER BY account_id, sequence DESC
		ON CONFLICT (account_id) DO UPDATE
			SET collateral = EXCLUDED.collateral, last_sequence = EXCLUDED.last_sequence
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
