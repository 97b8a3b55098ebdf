package state_test

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"marginsettle/internal/state"
)

var (
	acctA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	acctB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func TestPositionBookGetOrCreate(t *testing.T) {
	book := state.NewPositionBook()

	if book.Get(acctA, "BTC-PERP") != nil {
		t.Fatal("empty book returned a position")
	}

	pos := book.GetOrCreate(acctA, "BTC-PERP")
	if !pos.IsFlat() || pos.EntryPrice != 0 {
		t.Fatal("fresh position should be flat with no checkpoints")
	}

	again := book.GetOrCreate(acctA, "BTC-PERP")
	if again != pos {
		t.Error("GetOrCreate should return the same instance")
	}

	other := book.GetOrCreate(acctA, "ETH-PERP")
	if other == pos {
		t.Error("markets must not share position state")
	}
}

func TestPositionBookAllDeterministicOrder(t *testing.T) {
	book := state.NewPositionBook()
	book.GetOrCreate(acctB, "ETH-PERP")
	book.GetOrCreate(acctA, "BTC-PERP")
	book.GetOrCreate(acctA, "ETH-PERP")

	var prev string
	for _, pos := range book.All() {
		key := pos.AccountID.String() + ":" + pos.Market
		if key < prev {
			t.Fatalf("positions out of order: %q after %q", key, prev)
		}
		prev = key
	}
}

func TestPositionBookForAccount(t *testing.T) {
	book := state.NewPositionBook()
	book.GetOrCreate(acctA, "BTC-PERP")
	book.GetOrCreate(acctA, "ETH-PERP")
	book.GetOrCreate(acctB, "BTC-PERP")

	got := book.ForAccount(acctA)
	if len(got) != 2 {
		t.Fatalf("got %d positions, want 2", len(got))
	}
	for _, pos := range got {
		if pos.AccountID != acctA {
			t.Errorf("foreign position in account view: %s", pos.AccountID)
		}
	}
}

func TestBalanceBookGetCreatesZero(t *testing.T) {
	book := state.NewBalanceBook()

	bal := book.Get(acctA)
	if bal.Collateral.Sign() != 0 {
		t.Fatalf("fresh balance: got %s, want 0", bal.Collateral)
	}
	if book.Get(acctA) != bal {
		t.Error("Get should return the same instance")
	}
}

func TestBalanceBookTotalCollateral(t *testing.T) {
	book := state.NewBalanceBook()
	book.Get(acctA).Collateral = big.NewInt(1500)
	book.Get(acctB).Collateral = big.NewInt(-400)

	if got := book.TotalCollateral(); got.Cmp(big.NewInt(1100)) != 0 {
		t.Errorf("total: got %s, want 1100", got)
	}
}

func TestPositionCanonicalBytesStable(t *testing.T) {
	pos := &state.Position{
		AccountID:       acctA,
		Market:          "BTC-PERP",
		Size:            -250,
		EntryPrice:      41000,
		LastFundingRate: 17,
	}

	first := pos.CanonicalBytes()
	second := pos.CanonicalBytes()
	if !bytes.Equal(first, second) {
		t.Fatal("serialization not deterministic")
	}

	pos.LastFundingRate = 18
	if bytes.Equal(first, pos.CanonicalBytes()) {
		t.Error("serialization must reflect checkpoint changes")
	}
}

func TestBalanceCanonicalBytesDistinguishesSign(t *testing.T) {
	pos := state.NewBalance(acctA)
	neg := state.NewBalance(acctA)
	pos.Collateral = big.NewInt(500)
	neg.Collateral = big.NewInt(-500)

	if bytes.Equal(pos.CanonicalBytes(), neg.CanonicalBytes()) {
		t.Error("serialization must distinguish +500 from -500")
	}

	zero := state.NewBalance(acctA)
	if len(zero.CanonicalBytes()) == 0 {
		t.Error("zero balance must still serialize its identity")
	}
}
