package event

import (
	"fmt"

	"github.com/google/uuid"
)

// PositionSync installs the post-trade position state published by the
// execution venue. Settlement never changes Size; this is the only event
// that does.
// Idempotency key: "{account}:{market}:sync:{sync_id}".
type PositionSync struct {
	AccountID  uuid.UUID
	Market     string
	SyncID     int64 // Monotonic per (account, market), assigned by the venue
	Size       int64 // Signed: positive long, negative short, zero flat
	EntryPrice int64 // Venue-computed average entry; must be positive when Size != 0
	ExecutedAt int64 // Venue execution timestamp in microseconds (versioned input)
}

func (p *PositionSync) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:sync:%d", p.AccountID, p.Market, p.SyncID)
}

func (p *PositionSync) EventType() EventType {
	return EventTypePositionSync
}

func (p *PositionSync) MarketID() *string {
	m := p.Market
	return &m
}

func (p *PositionSync) SourceSequence() int64 {
	return p.SyncID
}
