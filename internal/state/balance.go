// internal/state/balance.go
package state

import (
	"math/big"

	"github.com/google/uuid"
)

// Balance is the shared cross-margin collateral account. One Balance may back
// any number of positions; deficits are allowed (collateral can go negative),
// margin-call policy belongs to an external risk layer.
type Balance struct {
	AccountID uuid.UUID

	// Collateral is a 128-bit quantity: repeated wide net settlements must not
	// overflow, so it is held wider than the int64 inputs.
	Collateral *big.Int

	Version int64
}

// NewBalance returns a zero-collateral balance for an account.
func NewBalance(accountID uuid.UUID) *Balance {
	return &Balance{
		AccountID:  accountID,
		Collateral: new(big.Int),
	}
}

// CanonicalBytes returns the deterministic serialization used for state hashing.
// Collateral is encoded as sign byte + length-prefixed magnitude.
func (b *Balance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	buf = append(buf, b.AccountID[:]...)

	sign := byte(0)
	if b.Collateral.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign)

	mag := b.Collateral.Bytes() // big-endian magnitude, empty for zero
	buf = append(buf, byte(len(mag)))
	buf = append(buf, mag...)

	return buf
}
