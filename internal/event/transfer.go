package event

import (
	"fmt"

	"github.com/google/uuid"
)

// CollateralDeposit credits an account's cross-margin collateral.
// Idempotency key: "{account}:dep:{transfer_id}".
type CollateralDeposit struct {
	AccountID  uuid.UUID
	TransferID int64 // Monotonic per account, assigned by the custody gateway
	Amount     int64 // Must be positive
	SettledAt  int64 // Custody settlement timestamp in microseconds (versioned input)
}

func (d *CollateralDeposit) IdempotencyKey() string {
	return fmt.Sprintf("%s:dep:%d", d.AccountID, d.TransferID)
}

func (d *CollateralDeposit) EventType() EventType {
	return EventTypeCollateralDeposit
}

func (d *CollateralDeposit) MarketID() *string {
	return nil
}

func (d *CollateralDeposit) SourceSequence() int64 {
	return d.TransferID
}

// CollateralWithdraw debits an account's cross-margin collateral. The core
// rejects withdrawals that would take collateral negative; settlement losses
// may, withdrawals may not.
// Idempotency key: "{account}:wd:{transfer_id}".
type CollateralWithdraw struct {
	AccountID  uuid.UUID
	TransferID int64 // Shares the deposit counter: one stream per account
	Amount     int64 // Must be positive
	SettledAt  int64 // Custody settlement timestamp in microseconds (versioned input)
}

func (w *CollateralWithdraw) IdempotencyKey() string {
	return fmt.Sprintf("%s:wd:%d", w.AccountID, w.TransferID)
}

func (w *CollateralWithdraw) EventType() EventType {
	return EventTypeCollateralWithdraw
}

func (w *CollateralWithdraw) MarketID() *string {
	return nil
}

func (w *CollateralWithdraw) SourceSequence() int64 {
	return w.TransferID
}
