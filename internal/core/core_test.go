package core_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"marginsettle/internal/core"
	"marginsettle/internal/event"
)

// --- Test helpers ---

// newTestCore creates a SettlementCore with buffered channels and no DB checker.
func newTestCore() (*core.SettlementCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewSettlementCore(0, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustDeposit(accountID uuid.UUID, amount, seq int64) *event.CollateralDeposit {
	return &event.CollateralDeposit{
		AccountID:  accountID,
		TransferID: seq,
		Amount:     amount,
		SettledAt:  1_000_000 + seq*1000,
	}
}

func mustWithdraw(accountID uuid.UUID, amount, seq int64) *event.CollateralWithdraw {
	return &event.CollateralWithdraw{
		AccountID:  accountID,
		TransferID: seq,
		Amount:     amount,
		SettledAt:  1_000_000 + seq*1000,
	}
}

func mustPositionSync(accountID uuid.UUID, market string, size, entryPrice, seq int64) *event.PositionSync {
	return &event.PositionSync{
		AccountID:  accountID,
		Market:     market,
		SyncID:     seq,
		Size:       size,
		EntryPrice: entryPrice,
		ExecutedAt: 2_000_000 + seq*1000,
	}
}

func mustSettlementRequest(accountID uuid.UUID, market string, oraclePrice, fundingRate, reqID int64) *event.SettlementRequest {
	return &event.SettlementRequest{
		AccountID:   accountID,
		Market:      market,
		RequestID:   reqID,
		OraclePrice: oraclePrice,
		FundingRate: fundingRate,
		ObservedAt:  3_000_000 + reqID*1000,
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func requireCollateral(t *testing.T, got *big.Int, want int64) {
	t.Helper()
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("collateral = %s, want %d", got, want)
	}
}

// ============================================================================
// Test: Collateral Transfers
// ============================================================================

func TestDeposit_IncreasesCollateral(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 1_000_000, 0)); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	out := outputs[0]
	requireCollateral(t, out.Account.Collateral, 1_000_000)
	if out.Settlement != nil {
		t.Errorf("deposit must not produce a settlement record")
	}
	if out.Envelope.EventType != event.EventTypeCollateralDeposit {
		t.Errorf("envelope event type = %v", out.Envelope.EventType)
	}
	if out.Envelope.Sequence != 0 {
		t.Errorf("first envelope sequence = %d, want 0", out.Envelope.Sequence)
	}
}

func TestWithdraw_DecreasesCollateral(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustWithdraw(accountID, 400_000, 1)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	requireCollateral(t, outputs[1].Account.Collateral, 600_000)
}

func TestWithdraw_RejectsOverdraft(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 1000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustWithdraw(accountID, 5000, 1))
	if err == nil {
		t.Fatal("expected overdraft rejection")
	}

	// No output for the rejected event
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("rejected event emitted %d outputs", len(outputs))
	}

	// Collateral unchanged: re-deposit path shows the account still has 1000
	if err := c.ProcessEvent(mustWithdraw(accountID, 1000, 2)); err != nil {
		t.Fatalf("exact withdraw failed: %v", err)
	}
	outputs := drainOutputs(persistCh)
	requireCollateral(t, outputs[0].Account.Collateral, 0)
}

// ============================================================================
// Test: Settlement Flow
// ============================================================================

func TestSettlementRequest_AppliesPnL(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 10_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPositionSync(accountID, "BTC-PERP", 100, 1000, 0)); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	drainOutputs(persistCh)

	// Long 100 @ 1000, oracle 1100: pnl = 100 * 100 = 10_000
	if err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 1100, 0, 0)); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	rec := outputs[0].Settlement
	if rec == nil {
		t.Fatal("expected a settlement record")
	}
	if rec.UnrealizedPnL.Cmp(big.NewInt(10_000)) != 0 {
		t.Errorf("pnl = %s, want 10000", rec.UnrealizedPnL)
	}
	if rec.NewCollateral.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("new collateral = %s, want 20000", rec.NewCollateral)
	}
	requireCollateral(t, outputs[0].Account.Collateral, 20_000)

	// Entry price checkpoint advanced to the oracle price
	if outputs[0].Account.Position == nil {
		t.Fatal("expected position in account state")
	}
	if outputs[0].Account.Position.EntryPrice != 1100 {
		t.Errorf("entry price = %d, want 1100", outputs[0].Account.Position.EntryPrice)
	}
}

func TestSettlementRequest_FlatEmitsNoRecord(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	// No sync: the position is created flat
	if err := c.ProcessEvent(mustSettlementRequest(accountID, "ETH-PERP", 2000, 42, 0)); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("flat settlement must still emit an event log entry, got %d", len(outputs))
	}
	if outputs[0].Settlement != nil {
		t.Errorf("flat settlement must not produce an audit record")
	}
	if outputs[0].Account.Position.LastFundingRate != 42 {
		t.Errorf("funding checkpoint = %d, want 42", outputs[0].Account.Position.LastFundingRate)
	}
}

func TestSettlementRequest_InvalidOracleRejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustPositionSync(accountID, "BTC-PERP", 100, 1000, 0)); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 0, 0, 0))
	if err == nil {
		t.Fatal("expected rejection for non-positive oracle price")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("rejected settlement emitted %d outputs", len(outputs))
	}
	if got := c.GetSequence(); got != 1 {
		t.Errorf("sequence advanced on rejected event: %d", got)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestDuplicateEvent_Skipped(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	dep := mustDeposit(accountID, 1000, 0)
	if err := c.ProcessEvent(dep); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := c.ProcessEvent(dep); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("duplicate applied: got %d outputs", len(outputs))
	}
	requireCollateral(t, outputs[0].Account.Collateral, 1000)
}

func TestFailedEvent_NotMarkedProcessed(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	// First delivery fails (overdraft); a retry after a fixing deposit must not
	// be treated as a duplicate.
	wd := mustWithdraw(accountID, 500, 0)
	if err := c.ProcessEvent(wd); err == nil {
		t.Fatal("expected overdraft rejection")
	}

	if err := c.ProcessEvent(mustDeposit(accountID, 500, 1)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Redelivery of the failed withdraw: stale source sequence with a
	// non-duplicate key is out-of-order, so the producer must re-issue.
	retry := mustWithdraw(accountID, 500, 2)
	if err := c.ProcessEvent(retry); err != nil {
		t.Fatalf("re-issued withdraw failed: %v", err)
	}
	outputs := drainOutputs(persistCh)
	requireCollateral(t, outputs[0].Account.Collateral, 0)
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestTransferSequenceGap_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 1000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Skip sequence 1
	err := c.ProcessEvent(mustDeposit(accountID, 1000, 2))
	if err == nil {
		t.Fatal("expected gap rejection")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 1 {
		t.Fatalf("expected only the first deposit output, got %d", len(outputs))
	}
}

func TestRequestSequenceGap_Tolerated(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 1000, 0, 0)); err != nil {
		t.Fatalf("request 0 failed: %v", err)
	}
	// Requests 1-4 dropped upstream; request 5 still applies
	if err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 1010, 0, 5)); err != nil {
		t.Fatalf("request 5 failed: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
}

func TestStaleRequest_SilentlyIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 1000, 0, 5)); err != nil {
		t.Fatalf("request 5 failed: %v", err)
	}
	drainOutputs(persistCh)

	// Request 3 arrives late: ignored without error
	if err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 900, 0, 3)); err != nil {
		t.Fatalf("stale request errored: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("stale request emitted %d outputs", len(outputs))
	}
}

func TestSequencePartitions_Independent(t *testing.T) {
	c, persistCh, _ := newTestCore()
	a := uuid.New()
	b := uuid.New()

	// Both accounts start their transfer partitions at 0
	if err := c.ProcessEvent(mustDeposit(a, 100, 0)); err != nil {
		t.Fatalf("deposit a: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(b, 200, 0)); err != nil {
		t.Fatalf("deposit b: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Hash Chain
// ============================================================================

func TestHashChain_Advances(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 1000, 0)); err != nil {
		t.Fatalf("deposit 0 failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(accountID, 2000, 1)); err != nil {
		t.Fatalf("deposit 1 failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}

	if outputs[0].Envelope.StateHash == outputs[0].Envelope.PrevHash {
		t.Error("state hash must differ from prev hash")
	}
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("chain broken: second prev_hash != first state_hash")
	}
	if c.GetStateHash() != outputs[1].Envelope.StateHash {
		t.Error("chain tip != last emitted state hash")
	}
}

func TestHashChain_DeterministicAcrossCores(t *testing.T) {
	accountID := uuid.MustParse("7b0e3c41-9f3e-4d29-a8a4-2f1a9f1b6c01")

	run := func() [32]byte {
		c, persistCh, _ := newTestCore()
		if err := c.ProcessEvent(mustDeposit(accountID, 5000, 0)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if err := c.ProcessEvent(mustPositionSync(accountID, "BTC-PERP", 10, 1000, 0)); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if err := c.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 1100, 5, 0)); err != nil {
			t.Fatalf("settle: %v", err)
		}
		drainOutputs(persistCh)
		return c.GetStateHash()
	}

	if run() != run() {
		t.Fatal("identical event streams produced different state hashes")
	}
}

// ============================================================================
// Test: Channel Semantics
// ============================================================================

func TestProjectionChannel_DropsWhenFull(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput) // Unbuffered with no reader: always full
	c := core.NewSettlementCore(0, persistChan, projChan, nil, nil)
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 1000, 0)); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	// Persist output delivered even though the projection send dropped
	if outputs := drainOutputs(persistChan); len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshot_RestoreRoundtrip(t *testing.T) {
	c, persistCh, _ := newTestCore()
	accountID := uuid.New()

	if err := c.ProcessEvent(mustDeposit(accountID, 10_000, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := c.ProcessEvent(mustPositionSync(accountID, "BTC-PERP", 100, 1000, 0)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	drainOutputs(persistCh)

	snap := c.CreateSnapshotState()
	if snap.Sequence != 1 {
		t.Fatalf("snapshot sequence = %d, want 1", snap.Sequence)
	}

	restoredPersist := make(chan core.CoreOutput, 16)
	restoredProj := make(chan core.CoreOutput, 16)
	restored := core.NewSettlementCore(0, restoredPersist, restoredProj, nil, nil)
	restored.RestoreFromSnapshot(&core.SnapshotState{
		Sequence:      snap.Sequence,
		StateHash:     snap.StateHash,
		Positions:     snap.Positions,
		Balances:      snap.Balances,
		SequenceState: snap.SequenceState,
	})
	restored.WarmLRU(snap.IdempotencyKeys)

	if restored.GetSequence() != 2 {
		t.Errorf("restored sequence = %d, want 2", restored.GetSequence())
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("restored chain tip != snapshot chain tip")
	}

	// A redelivered pre-snapshot event is deduped via the warmed LRU
	if err := restored.ProcessEvent(mustDeposit(accountID, 10_000, 0)); err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	if outputs := drainOutputs(restoredPersist); len(outputs) != 0 {
		t.Fatalf("redelivered event applied after restore: %d outputs", len(outputs))
	}

	// New events continue the chain from where the snapshot left off
	if err := restored.ProcessEvent(mustSettlementRequest(accountID, "BTC-PERP", 1100, 0, 0)); err != nil {
		t.Fatalf("post-restore settlement: %v", err)
	}
	outputs := drainOutputs(restoredPersist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 2 {
		t.Errorf("post-restore sequence = %d, want 2", outputs[0].Envelope.Sequence)
	}
	if outputs[0].Envelope.PrevHash != snap.StateHash {
		t.Error("post-restore event does not chain from the snapshot hash")
	}
	requireCollateral(t, outputs[0].Account.Collateral, 20_000)
}
