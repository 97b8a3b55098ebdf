package event

import (
	"fmt"

	"github.com/google/uuid"
)

// SettlementRequest asks the core to run one settlement pass for a
// position against a fresh oracle observation.
// Idempotency key: "{account}:{market}:{request_id}".
type SettlementRequest struct {
	AccountID   uuid.UUID
	Market      string
	RequestID   int64 // Monotonic per (account, market), assigned upstream
	OraclePrice int64 // Integer price units, must be positive
	FundingRate int64 // Cumulative funding rate, signed
	ObservedAt  int64 // Oracle observation timestamp in microseconds (versioned input)
}

func (s *SettlementRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", s.AccountID, s.Market, s.RequestID)
}

func (s *SettlementRequest) EventType() EventType {
	return EventTypeSettlementRequest
}

func (s *SettlementRequest) MarketID() *string {
	m := s.Market
	return &m
}

func (s *SettlementRequest) SourceSequence() int64 {
	return s.RequestID
}
