// internal/state/book.go
package state

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// PositionBook holds all positions keyed by (account, market).
// Not thread-safe; only accessed from the single-threaded settlement core.
type PositionBook struct {
	positions map[string]*Position // key: "account:market"
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*Position),
	}
}

func positionKey(accountID uuid.UUID, market string) string {
	return fmt.Sprintf("%s:%s", accountID, market)
}

// Get returns the position for (account, market), or nil if none exists.
func (pb *PositionBook) Get(accountID uuid.UUID, market string) *Position {
	return pb.positions[positionKey(accountID, market)]
}

// GetOrCreate returns the existing position or registers an empty one.
// A fresh position is flat with no checkpoints; it cannot be settled until a
// PositionSync establishes a positive entry price.
func (pb *PositionBook) GetOrCreate(accountID uuid.UUID, market string) *Position {
	key := positionKey(accountID, market)
	if pos, ok := pb.positions[key]; ok {
		return pos
	}
	pos := &Position{AccountID: accountID, Market: market}
	pb.positions[key] = pos
	return pos
}

// Set installs a position directly (snapshot restore).
func (pb *PositionBook) Set(pos *Position) {
	pb.positions[positionKey(pos.AccountID, pos.Market)] = pos
}

// All returns every position sorted by key for deterministic iteration.
func (pb *PositionBook) All() []*Position {
	keys := make([]string, 0, len(pb.positions))
	for k := range pb.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*Position, 0, len(keys))
	for _, k := range keys {
		result = append(result, pb.positions[k])
	}
	return result
}

// ForAccount returns all positions backed by one account's collateral.
func (pb *PositionBook) ForAccount(accountID uuid.UUID) []*Position {
	var result []*Position
	for _, pos := range pb.All() {
		if pos.AccountID == accountID {
			result = append(result, pos)
		}
	}
	return result
}

// BalanceBook holds all collateral balances keyed by account.
// Not thread-safe; only accessed from the single-threaded settlement core.
type BalanceBook struct {
	balances map[uuid.UUID]*Balance
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		balances: make(map[uuid.UUID]*Balance),
	}
}

// Get returns the balance for an account, creating a zero balance on first use.
func (bb *BalanceBook) Get(accountID uuid.UUID) *Balance {
	if bal, ok := bb.balances[accountID]; ok {
		return bal
	}
	bal := NewBalance(accountID)
	bb.balances[accountID] = bal
	return bal
}

// Set installs a balance directly (snapshot restore).
func (bb *BalanceBook) Set(bal *Balance) {
	bb.balances[bal.AccountID] = bal
}

// All returns every balance sorted by account ID for deterministic iteration.
func (bb *BalanceBook) All() []*Balance {
	ids := make([]uuid.UUID, 0, len(bb.balances))
	for id := range bb.balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	result := make([]*Balance, 0, len(ids))
	for _, id := range ids {
		result = append(result, bb.balances[id])
	}
	return result
}

// TotalCollateral sums all collateral (diagnostics / metrics).
func (bb *BalanceBook) TotalCollateral() *big.Int {
	total := new(big.Int)
	for _, bal := range bb.balances {
		total.Add(total, bal.Collateral)
	}
	return total
}
