package query

import "github.com/google/uuid"

// BalanceResponse represents an account's collateral for API queries.
// Raw amounts are integer strings in native units; Display fields are
// decimal-shifted for human consumption.
type BalanceResponse struct {
	AccountID         uuid.UUID `json:"account_id"`
	Collateral        string    `json:"collateral"`
	CollateralDisplay string    `json:"collateral_display"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	AccountID       uuid.UUID `json:"account_id"`
	Market          string    `json:"market"`
	Size            int64     `json:"size"`
	EntryPrice      int64     `json:"entry_price"`
	LastFundingRate int64     `json:"last_funding_rate"`
	Version         int64     `json:"version"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// SettlementHistoryResponse represents one executed settlement for API queries.
type SettlementHistoryResponse struct {
	Sequence    int64     `json:"sequence"`
	AccountID   uuid.UUID `json:"account_id"`
	Market      string    `json:"market"`
	OraclePrice int64     `json:"oracle_price"`
	FundingRate int64     `json:"funding_rate"`

	UnrealizedPnL  string `json:"unrealized_pnl"`
	FundingPayment string `json:"funding_payment"`
	NetSettlement  string `json:"net_settlement"`
	NewCollateral  string `json:"new_collateral"`

	NetSettlementDisplay string `json:"net_settlement_display"`

	Timestamp    int64 `json:"timestamp_us"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LatestSequence  int64   `json:"latest_sequence"`
}
