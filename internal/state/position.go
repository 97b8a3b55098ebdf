// internal/state/position.go
package state

import (
	"github.com/google/uuid"
)

// Position is one account's exposure in one market.
// Size is mutated only by external trade execution (PositionSync events);
// settlement reads it and advances the two checkpoints.
type Position struct {
	AccountID uuid.UUID
	Market    string

	// Signed size: positive = long, negative = short, zero = flat.
	Size int64

	// Price checkpoint. Strictly positive whenever the position is settleable;
	// advanced to the oracle price on every non-flat settlement (mark-to-market).
	EntryPrice int64

	// Funding checkpoint. Advanced on every settlement, including flat ones,
	// so a position opened later does not inherit a stale funding baseline.
	LastFundingRate int64

	// Version increments on every mutation (optimistic concurrency for
	// snapshots and projections).
	Version int64
}

// IsFlat reports whether the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.Size == 0
}

// IsLong reports whether the position gains when price rises.
func (p *Position) IsLong() bool {
	return p.Size > 0
}

// CanonicalBytes returns the deterministic serialization used for state hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)

	buf = append(buf, p.AccountID[:]...)

	buf = append(buf, byte(len(p.Market)))
	buf = append(buf, []byte(p.Market)...)

	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.LastFundingRate)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
