package engine

import (
	"math/big"

	"marginsettle/internal/checked"
	"marginsettle/internal/state"
)

// Input carries the two untrusted oracle scalars for one settlement call.
// Both may be stale, delayed, or adversarial; the validation stage bounds
// them before any arithmetic runs.
type Input struct {
	OraclePrice int64
	FundingRate int64
}

// Outcome is the computed result of one successful settlement call.
// Flat outcomes carry no amounts: a zero-size position has no economic
// exposure, only its funding checkpoint advances.
type Outcome struct {
	Flat bool

	UnrealizedPnL  *big.Int
	FundingPayment *big.Int
	NetSettlement  *big.Int
	NewCollateral  *big.Int
}

// Settle applies one settlement pass to a position/balance pair.
//
// The pipeline is five sequential stages (validate, flat short-circuit,
// PnL, funding, commit) and is atomic: state is written only at the commit
// point (or the short-circuit), so any failure leaves both the position and
// the balance exactly as they were.
//
// PnL and funding are computed as deltas since the position's checkpoints,
// which is what makes repeated calls with unchanged inputs idempotent: the
// second call sees zero deltas.
//
// The caller must hold exclusive mutable access to both pos and bal for the
// duration of the call; the engine performs no locking and no I/O.
func Settle(pos *state.Position, bal *state.Balance, in Input) (*Outcome, error) {
	// Stage 1: validation. Purely a gate, no state is touched.
	if in.OraclePrice <= 0 {
		return nil, ErrInvalidOraclePrice
	}
	if pos.EntryPrice <= 0 {
		return nil, ErrInvalidEntryPrice
	}
	if !checked.InFundingBounds(in.FundingRate) {
		return nil, ErrFundingRateOutOfBounds
	}
	if !checked.InFundingBounds(pos.LastFundingRate) {
		return nil, ErrFundingRateOutOfBounds
	}

	// Stage 2: flat short-circuit. No exposure means no PnL and no funding
	// payment, but the funding checkpoint still advances so a position opened
	// later does not inherit a pre-flat baseline.
	if pos.IsFlat() {
		pos.LastFundingRate = in.FundingRate
		pos.Version++
		return &Outcome{Flat: true}, nil
	}

	// Stage 3: unrealized PnL since the price checkpoint.
	// Long gains on a rise, short gains on a fall; the signed product of
	// delta and size carries the convention by itself.
	priceDelta, ok := checked.SubInt64(in.OraclePrice, pos.EntryPrice)
	if !ok {
		return nil, ErrCalculationOverflow
	}
	unrealizedPnL := checked.MulWide(priceDelta, pos.Size)

	// Stage 4: funding accrued since the funding checkpoint. Positive rates
	// mean longs pay shorts; the sign of Size routes the payment correctly.
	fundingDelta, ok := checked.SubInt64(in.FundingRate, pos.LastFundingRate)
	if !ok {
		return nil, ErrCalculationOverflow
	}
	fundingPayment := checked.MulWide(fundingDelta, pos.Size)

	// Stage 5: net settlement and commit. These writes are the atomic commit
	// point; nothing earlier mutates state.
	netSettlement, ok := checked.SubWide(unrealizedPnL, fundingPayment)
	if !ok {
		return nil, ErrCalculationOverflow
	}
	newCollateral, ok := checked.AddWide(bal.Collateral, netSettlement)
	if !ok {
		return nil, ErrCalculationOverflow
	}

	// Negative collateral is a valid cross-margin outcome, not an error.
	bal.Collateral = newCollateral
	bal.Version++
	pos.EntryPrice = in.OraclePrice
	pos.LastFundingRate = in.FundingRate
	pos.Version++

	return &Outcome{
		UnrealizedPnL:  unrealizedPnL,
		FundingPayment: fundingPayment,
		NetSettlement:  netSettlement,
		NewCollateral:  newCollateral,
	}, nil
}
