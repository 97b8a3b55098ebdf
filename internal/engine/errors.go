// internal/engine/errors.go
package engine

import "errors"

// Settlement failure taxonomy. Every failure is fatal to the call and
// non-mutating: a failed settlement is indistinguishable, in its effect on
// stored state, from a call that was never made. Retry policy (e.g. fetching
// a fresh oracle price) belongs to the caller.
var (
	// ErrInvalidOraclePrice: oracle price is non-positive: bad or stale feed.
	ErrInvalidOraclePrice = errors.New("oracle price must be positive")

	// ErrInvalidEntryPrice: stored entry price is non-positive: uninitialized
	// or corrupted position state.
	ErrInvalidEntryPrice = errors.New("entry price must be positive")

	// ErrFundingRateOutOfBounds: incoming or stored funding rate exceeds the
	// safety bound: misbehaving funding source or unsafe checkpoint.
	ErrFundingRateOutOfBounds = errors.New("funding rate outside acceptable bounds")

	// ErrCalculationOverflow: a checked arithmetic step would overflow its
	// type: input combination outside the designed operating range.
	ErrCalculationOverflow = errors.New("calculation overflow")
)
