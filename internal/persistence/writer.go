package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer abstracts *sql.DB and *sql.Tx so batch writers can run inside the
// worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and settlement audit rows to Postgres using
// multi-row INSERT batches. Switch to pgx CopyFrom if throughput ever demands
// the COPY protocol.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in settlement_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// SettlementRow represents a row in settlement_log.settlements.
// Wide amounts are decimal strings bound to NUMERIC columns; int64 cannot
// carry a 128-bit net settlement.
type SettlementRow struct {
	Sequence    int64
	AccountID   string
	Market      string
	OraclePrice int64
	FundingRate int64

	UnrealizedPnL  string
	FundingPayment string
	NetSettlement  string
	NewCollateral  string

	Timestamp time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to settlement_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlementBatch writes a batch of settlement audit rows to
// settlement_log.settlements.
func (w *EventLogWriter) WriteSettlementBatch(ctx context.Context, ex execer, settlements []SettlementRow) error {
	if len(settlements) == 0 {
		return nil
	}

	query := `INSERT INTO settlement_log.settlements
		(sequence, account_id, market, oracle_price, funding_rate,
		 unrealized_pnl, funding_payment, net_settlement, new_collateral, timestamp)
		VALUES `

	values := make([]string, 0, len(settlements))
	args := make([]interface{}, 0, len(settlements)*10)

	for i, s := range settlements {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			s.Sequence, s.AccountID, s.Market, s.OraclePrice, s.FundingRate,
			s.UnrealizedPnL, s.FundingPayment, s.NetSettlement, s.NewCollateral, s.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
