package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marginsettle/internal/observability"
)

// DisplayScale is the decimal shift applied to raw integer amounts when
// rendering human-readable values. Raw units are micro-quote-units.
const DisplayScale = 6

// QueryService serves read queries from projection tables. It never touches
// core state; every response carries the projection watermark so callers can
// reason about staleness.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetBalance returns the projected collateral balance for an account.
// Accounts with no recorded events report zero collateral.
func (qs *QueryService) GetBalance(ctx context.Context, accountID uuid.UUID) (resp *BalanceResponse, err error) {
	defer qs.observe("get_balance", time.Now(), &err)

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var collateral string
	err = qs.db.QueryRowContext(ctx, `
		SELECT collateral::text FROM projections.balances WHERE account_id = $1
	`, accountID).Scan(&collateral)
	if err == sql.ErrNoRows {
		collateral = "0"
		err = nil
	} else if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}

	return &BalanceResponse{
		AccountID:         accountID,
		Collateral:        collateral,
		CollateralDisplay: displayAmount(collateral),
		AsOfSequence:      watermark,
	}, nil
}

// GetPositions returns all projected positions for an account, flat ones
// included. Ordered by market for stable output.
func (qs *QueryService) GetPositions(ctx context.Context, accountID uuid.UUID) (positions []PositionResponse, err error) {
	defer qs.observe("get_positions", time.Now(), &err)

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market, size, entry_price, last_funding_rate, version
		FROM projections.positions
		WHERE account_id = $1
		ORDER BY market ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := PositionResponse{AccountID: accountID, AsOfSequence: watermark}
		if err = rows.Scan(&p.Market, &p.Size, &p.EntryPrice, &p.LastFundingRate, &p.Version); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetSettlementHistory returns executed settlements for an account, newest
// first, with cursor pagination. A nil market matches all markets; a nil
// beforeSequence starts from the newest row.
func (qs *QueryService) GetSettlementHistory(
	ctx context.Context,
	accountID uuid.UUID,
	market *string,
	beforeSequence *int64,
	limit int,
) (history []SettlementHistoryResponse, err error) {
	defer qs.observe("get_settlement_history", time.Now(), &err)

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, market, oracle_price, funding_rate,
		       unrealized_pnl::text, funding_payment::text,
		       net_settlement::text, new_collateral::text,
		       (EXTRACT(EPOCH FROM event_ts) * 1000000)::bigint
		FROM projections.settlement_history
		WHERE account_id = $1`
	args := []interface{}{accountID}
	argIdx := 2

	if market != nil {
		query += fmt.Sprintf(" AND market = $%d", argIdx)
		args = append(args, *market)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query settlement history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		h := SettlementHistoryResponse{AccountID: accountID, AsOfSequence: watermark}
		if err = rows.Scan(
			&h.Sequence, &h.Market, &h.OraclePrice, &h.FundingRate,
			&h.UnrealizedPnL, &h.FundingPayment, &h.NetSettlement, &h.NewCollateral,
			&h.Timestamp,
		); err != nil {
			return nil, err
		}
		h.NetSettlementDisplay = displayAmount(h.NetSettlement)
		history = append(history, h)
	}

	return history, rows.Err()
}

// VerifyIntegrity walks the event log and reports every sequence whose
// prev_hash does not match the state_hash of the preceding event.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	var latest sql.NullInt64
	if err = qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM settlement_log.events`,
	).Scan(&latest); err != nil {
		return nil, fmt.Errorf("query latest sequence: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e.sequence
		FROM settlement_log.events e
		JOIN settlement_log.events prev ON prev.sequence = e.sequence - 1
		WHERE e.prev_hash != prev.state_hash
		ORDER BY e.sequence ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query hash chain: %w", err)
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err = rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return &IntegrityReport{
		IsHealthy:       len(breaks) == 0,
		HashChainBreaks: breaks,
		LatestSequence:  latest.Int64,
	}, nil
}

// getWatermark returns the projection watermark. Zero when the projection
// worker has not committed anything yet.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return seq, nil
}

// observe records duration and outcome for one query endpoint.
// Called via defer with a pointer to the named error return.
func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if *errp != nil {
		qs.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		qs.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
	} else {
		qs.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	}
}

// displayAmount shifts a raw integer amount string into display units.
// Falls back to the raw string if it does not parse, rather than failing
// the whole query over a cosmetic field.
func displayAmount(raw string) string {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return raw
	}
	return d.Shift(-DisplayScale).String()
}
