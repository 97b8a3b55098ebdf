package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"marginsettle/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending to the settlement core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "SettlementRequest":
		return parseSettlementRequest(raw.Data)
	case "PositionSync":
		return parsePositionSync(raw.Data)
	case "CollateralDeposit":
		return parseCollateralDeposit(raw.Data)
	case "CollateralWithdraw":
		return parseCollateralWithdraw(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type settlementRequestJSON struct {
	AccountID   string `json:"account_id"`
	Market      string `json:"market"`
	RequestID   int64  `json:"request_id"`
	OraclePrice int64  `json:"oracle_price"`
	FundingRate int64  `json:"funding_rate"`
	ObservedAt  int64  `json:"observed_at_us"`
}

func parseSettlementRequest(data []byte) (*event.SettlementRequest, error) {
	var j settlementRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlementRequest: %w", err)
	}

	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse SettlementRequest: empty market")
	}

	return &event.SettlementRequest{
		AccountID:   accountID,
		Market:      j.Market,
		RequestID:   j.RequestID,
		OraclePrice: j.OraclePrice,
		FundingRate: j.FundingRate,
		ObservedAt:  j.ObservedAt,
	}, nil
}

type positionSyncJSON struct {
	AccountID  string `json:"account_id"`
	Market     string `json:"market"`
	SyncID     int64  `json:"sync_id"`
	Size       int64  `json:"size"`
	EntryPrice int64  `json:"entry_price"`
	ExecutedAt int64  `json:"executed_at_us"`
}

func parsePositionSync(data []byte) (*event.PositionSync, error) {
	var j positionSyncJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionSync: %w", err)
	}

	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PositionSync: empty market")
	}

	return &event.PositionSync{
		AccountID:  accountID,
		Market:     j.Market,
		SyncID:     j.SyncID,
		Size:       j.Size,
		EntryPrice: j.EntryPrice,
		ExecutedAt: j.ExecutedAt,
	}, nil
}

type transferJSON struct {
	AccountID  string `json:"account_id"`
	TransferID int64  `json:"transfer_id"`
	Amount     int64  `json:"amount"`
	SettledAt  int64  `json:"settled_at_us"`
}

func parseCollateralDeposit(data []byte) (*event.CollateralDeposit, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralDeposit: %w", err)
	}

	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}

	return &event.CollateralDeposit{
		AccountID:  accountID,
		TransferID: j.TransferID,
		Amount:     j.Amount,
		SettledAt:  j.SettledAt,
	}, nil
}

func parseCollateralWithdraw(data []byte) (*event.CollateralWithdraw, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralWithdraw: %w", err)
	}

	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}

	return &event.CollateralWithdraw{
		AccountID:  accountID,
		TransferID: j.TransferID,
		Amount:     j.Amount,
		SettledAt:  j.SettledAt,
	}, nil
}

// EventTypeForSubject resolves the configured event type for a NATS subject.
func EventTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	for _, cfg := range subjects {
		if matchSubject(cfg.Subject, subject) {
			return cfg.EventType, true
		}
	}
	return "", false
}

// matchSubject matches a concrete subject against a filter ending in ">".
func matchSubject(filter, subject string) bool {
	if filter == subject {
		return true
	}
	n := len(filter)
	if n > 0 && filter[n-1] == '>' {
		prefix := filter[:n-1]
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}
