package engine_test

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"marginsettle/internal/checked"
	"marginsettle/internal/engine"
	"marginsettle/internal/state"
)

// --- Test helpers ---

func newPosition(size, entryPrice, lastFundingRate int64) *state.Position {
	return &state.Position{
		AccountID:       uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Market:          "BTC-PERP",
		Size:            size,
		EntryPrice:      entryPrice,
		LastFundingRate: lastFundingRate,
	}
}

func newBalance(collateral int64) *state.Balance {
	bal := state.NewBalance(uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"))
	bal.Collateral = big.NewInt(collateral)
	return bal
}

func requireCollateral(t *testing.T, bal *state.Balance, want int64) {
	t.Helper()
	if bal.Collateral.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("collateral: got %s, want %d", bal.Collateral, want)
	}
}

// --- Scenario tests ---

func TestSettle_LongProfit(t *testing.T) {
	pos := newPosition(100, 1000, 0)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1100, FundingRate: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if out.UnrealizedPnL.Cmp(big.NewInt(10000)) != 0 {
		t.Errorf("unrealized pnl: got %s, want 10000", out.UnrealizedPnL)
	}
	if out.NetSettlement.Cmp(big.NewInt(10000)) != 0 {
		t.Errorf("net settlement: got %s, want 10000", out.NetSettlement)
	}
	requireCollateral(t, bal, 20000)

	if pos.EntryPrice != 1100 {
		t.Errorf("entry price checkpoint: got %d, want 1100", pos.EntryPrice)
	}
	if pos.LastFundingRate != 0 {
		t.Errorf("funding checkpoint: got %d, want 0", pos.LastFundingRate)
	}
}

func TestSettle_LongLoss(t *testing.T) {
	pos := newPosition(100, 1000, 0)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 900, FundingRate: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if out.NetSettlement.Cmp(big.NewInt(-10000)) != 0 {
		t.Errorf("net settlement: got %s, want -10000", out.NetSettlement)
	}
	requireCollateral(t, bal, 0)
}

func TestSettle_ShortProfit(t *testing.T) {
	pos := newPosition(-100, 1000, 0)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 900, FundingRate: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// (900 - 1000) * (-100) = 10000
	if out.UnrealizedPnL.Cmp(big.NewInt(10000)) != 0 {
		t.Errorf("unrealized pnl: got %s, want 10000", out.UnrealizedPnL)
	}
	requireCollateral(t, bal, 20000)
}

func TestSettle_FundingPaymentLong(t *testing.T) {
	pos := newPosition(100, 1000, 10)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1000, FundingRate: 20})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// PnL 0; funding (20-10)*100 = 1000, subtracted from the long's collateral.
	if out.FundingPayment.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("funding payment: got %s, want 1000", out.FundingPayment)
	}
	if out.NetSettlement.Cmp(big.NewInt(-1000)) != 0 {
		t.Errorf("net settlement: got %s, want -1000", out.NetSettlement)
	}
	requireCollateral(t, bal, 9000)
	if pos.LastFundingRate != 20 {
		t.Errorf("funding checkpoint: got %d, want 20", pos.LastFundingRate)
	}
}

func TestSettle_NegativeFundingRate(t *testing.T) {
	// Rate drops from 10 to -10: a long receives (10 - (-10)) * 100 = 2000.
	pos := newPosition(100, 1000, 10)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1000, FundingRate: -10})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if out.FundingPayment.Cmp(big.NewInt(-2000)) != 0 {
		t.Errorf("funding payment: got %s, want -2000", out.FundingPayment)
	}
	requireCollateral(t, bal, 12000)
}

func TestSettle_CombinedPnLAndFunding(t *testing.T) {
	pos := newPosition(100, 1000, 0)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1100, FundingRate: 5})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// PnL (1100-1000)*100 = 10000; funding (5-0)*100 = 500; net 9500.
	if out.NetSettlement.Cmp(big.NewInt(9500)) != 0 {
		t.Errorf("net settlement: got %s, want 9500", out.NetSettlement)
	}
	requireCollateral(t, bal, 19500)
}

// --- Property tests ---

func TestSettle_IdempotentUnderUnchangedInputs(t *testing.T) {
	pos := newPosition(100, 1000, 7)
	bal := newBalance(10000)
	in := engine.Input{OraclePrice: 1100, FundingRate: 15}

	if _, err := engine.Settle(pos, bal, in); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	afterFirst := new(big.Int).Set(bal.Collateral)

	out, err := engine.Settle(pos, bal, in)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}

	if bal.Collateral.Cmp(afterFirst) != 0 {
		t.Errorf("replayed settlement moved collateral: %s -> %s", afterFirst, bal.Collateral)
	}
	if out.NetSettlement.Sign() != 0 {
		t.Errorf("replayed settlement net: got %s, want 0", out.NetSettlement)
	}
}

func TestSettle_SignSymmetry(t *testing.T) {
	// Equal |size|, same price move: long gains exactly what the short loses.
	long := newPosition(250, 1000, 0)
	short := newPosition(-250, 1000, 0)
	longBal := newBalance(10000)
	shortBal := newBalance(10000)
	in := engine.Input{OraclePrice: 1040, FundingRate: 0}

	if _, err := engine.Settle(long, longBal, in); err != nil {
		t.Fatalf("long settle: %v", err)
	}
	if _, err := engine.Settle(short, shortBal, in); err != nil {
		t.Fatalf("short settle: %v", err)
	}

	longGain := new(big.Int).Sub(longBal.Collateral, big.NewInt(10000))
	shortLoss := new(big.Int).Sub(big.NewInt(10000), shortBal.Collateral)

	if longGain.Sign() <= 0 {
		t.Errorf("long should gain on price rise, got %s", longGain)
	}
	if longGain.Cmp(shortLoss) != 0 {
		t.Errorf("asymmetric outcome: long +%s vs short -%s", longGain, shortLoss)
	}
}

func TestSettle_FlatPosition(t *testing.T) {
	pos := newPosition(0, 1000, 5)
	bal := newBalance(10000)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 999999, FundingRate: 42})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if !out.Flat {
		t.Error("expected flat outcome")
	}
	requireCollateral(t, bal, 10000)
	if pos.LastFundingRate != 42 {
		t.Errorf("funding checkpoint: got %d, want 42", pos.LastFundingRate)
	}
	if pos.EntryPrice != 1000 {
		t.Errorf("flat settlement must not touch entry price, got %d", pos.EntryPrice)
	}
}

func TestSettle_LargePositionNoSilentOverflow(t *testing.T) {
	// size 1e9 * delta 1000 = 1e12: overflows nothing in the wide type and
	// must be computed exactly.
	pos := newPosition(1_000_000_000, 1000, 0)
	bal := newBalance(0)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 2000, FundingRate: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	want := big.NewInt(1_000_000_000_000)
	if out.UnrealizedPnL.Cmp(want) != 0 {
		t.Errorf("unrealized pnl: got %s, want %s", out.UnrealizedPnL, want)
	}
	if bal.Collateral.Cmp(want) != 0 {
		t.Errorf("collateral: got %s, want %s", bal.Collateral, want)
	}
}

func TestSettle_WideProductBeyondInt64(t *testing.T) {
	// delta * size overflows int64 but fits the wide type.
	pos := newPosition(math.MaxInt64/2, 1, 0)
	bal := newBalance(0)

	out, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1001, FundingRate: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	want := new(big.Int).Mul(big.NewInt(1000), big.NewInt(math.MaxInt64/2))
	if out.UnrealizedPnL.Cmp(want) != 0 {
		t.Errorf("unrealized pnl: got %s, want %s", out.UnrealizedPnL, want)
	}
	if out.UnrealizedPnL.IsInt64() {
		t.Error("product should exceed int64")
	}
}

func TestSettle_NegativeCollateralAllowed(t *testing.T) {
	pos := newPosition(100, 1000, 0)
	bal := newBalance(5000)

	_, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 900, FundingRate: 0})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	requireCollateral(t, bal, -5000)
}

// --- Validation failures ---

func TestSettle_RejectsNonPositiveOraclePrice(t *testing.T) {
	for _, price := range []int64{0, -1, -1000} {
		pos := newPosition(100, 1000, 0)
		bal := newBalance(10000)

		_, err := engine.Settle(pos, bal, engine.Input{OraclePrice: price, FundingRate: 0})
		if !errors.Is(err, engine.ErrInvalidOraclePrice) {
			t.Errorf("price %d: got %v, want ErrInvalidOraclePrice", price, err)
		}
		requireCollateral(t, bal, 10000)
		if pos.EntryPrice != 1000 || pos.LastFundingRate != 0 {
			t.Errorf("price %d: failed settle mutated position", price)
		}
	}
}

func TestSettle_RejectsNonPositiveEntryPrice(t *testing.T) {
	for _, entry := range []int64{0, -1} {
		pos := newPosition(100, entry, 0)
		bal := newBalance(10000)

		_, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1000, FundingRate: 0})
		if !errors.Is(err, engine.ErrInvalidEntryPrice) {
			t.Errorf("entry %d: got %v, want ErrInvalidEntryPrice", entry, err)
		}
		requireCollateral(t, bal, 10000)
	}
}

func TestSettle_RejectsOutOfBoundsFundingRate(t *testing.T) {
	cases := []struct {
		name     string
		incoming int64
		stored   int64
	}{
		{"incoming above bound", checked.MaxFundingRate + 1, 0},
		{"incoming below bound", -(checked.MaxFundingRate + 1), 0},
		{"incoming at min int64", math.MinInt64, 0},
		{"stored above bound", 0, checked.MaxFundingRate + 1},
		{"stored below bound", 0, -(checked.MaxFundingRate + 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := newPosition(100, 1000, tc.stored)
			bal := newBalance(10000)

			_, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1000, FundingRate: tc.incoming})
			if !errors.Is(err, engine.ErrFundingRateOutOfBounds) {
				t.Fatalf("got %v, want ErrFundingRateOutOfBounds", err)
			}
			requireCollateral(t, bal, 10000)
			if pos.LastFundingRate != tc.stored {
				t.Error("failed settle mutated funding checkpoint")
			}
		})
	}
}

func TestSettle_BoundaryFundingRateAccepted(t *testing.T) {
	pos := newPosition(1, 1000, 0)
	bal := newBalance(0)

	_, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1000, FundingRate: checked.MaxFundingRate})
	if err != nil {
		t.Fatalf("rate exactly at bound should settle: %v", err)
	}
	if pos.LastFundingRate != checked.MaxFundingRate {
		t.Errorf("funding checkpoint: got %d, want %d", pos.LastFundingRate, checked.MaxFundingRate)
	}
}

func TestSettle_FailureLeavesStateUntouched(t *testing.T) {
	// Collateral at the top of the wide range plus a positive net settlement
	// overflows at the final add; the abort must leave zero mutation behind.
	pos := newPosition(100, 1000, 0)
	bal := newBalance(0)
	bal.Collateral = new(big.Int).Lsh(big.NewInt(1), 127)
	bal.Collateral.Sub(bal.Collateral, big.NewInt(1))
	wantCollateral := new(big.Int).Set(bal.Collateral)

	_, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 2000, FundingRate: 0})
	if !errors.Is(err, engine.ErrCalculationOverflow) {
		t.Fatalf("got %v, want ErrCalculationOverflow", err)
	}

	if bal.Collateral.Cmp(wantCollateral) != 0 {
		t.Error("failed settle mutated collateral")
	}
	if pos.EntryPrice != 1000 || pos.LastFundingRate != 0 {
		t.Error("failed settle mutated position checkpoints")
	}
}

func TestSettle_CheckpointAdvance(t *testing.T) {
	pos := newPosition(-50, 2000, -3)
	bal := newBalance(1000)

	if _, err := engine.Settle(pos, bal, engine.Input{OraclePrice: 1975, FundingRate: 11}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if pos.EntryPrice != 1975 {
		t.Errorf("entry price: got %d, want 1975", pos.EntryPrice)
	}
	if pos.LastFundingRate != 11 {
		t.Errorf("last funding rate: got %d, want 11", pos.LastFundingRate)
	}
}
