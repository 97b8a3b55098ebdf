package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"marginsettle/internal/checked"
	"marginsettle/internal/engine"
	"marginsettle/internal/event"
	"marginsettle/internal/observability"
	"marginsettle/internal/state"
)

// SettlementCore is the single-threaded event processor. All position and
// balance state lives here; the ingestion shell feeds it one event at a time
// and the persistence/projection workers consume its outputs.
type SettlementCore struct {
	sequence          int64
	hasher            *StateHasher
	positions         *state.PositionBook
	balances          *state.BalanceBook
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// SettlementRecord is the audit record of one executed settlement pass.
// Wide amounts stay wide here; persistence renders them as NUMERIC.
type SettlementRecord struct {
	AccountID   uuid.UUID
	Market      string
	OraclePrice int64
	FundingRate int64
	Flat        bool

	UnrealizedPnL  *big.Int
	FundingPayment *big.Int
	NetSettlement  *big.Int
	NewCollateral  *big.Int
}

// AccountState is a copy of the affected account's state after the event was
// applied. Copied, not referenced: the core keeps mutating its books while
// downstream workers read the output.
type AccountState struct {
	AccountID      uuid.UUID
	Collateral     *big.Int
	BalanceVersion int64

	// Position is the touched position, nil for collateral transfers.
	Position *state.Position
}

// CoreOutput is what the core hands to the persistence and projection workers
// for each applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope

	// Settlement is non-nil only for applied, non-flat settlement requests.
	Settlement *SettlementRecord

	// Account is the post-event state of the affected account.
	Account AccountState

	// StateDelta is the canonical digest of the affected account's state,
	// the same bytes that went into the envelope's StateHash.
	StateDelta []byte
}

func NewSettlementCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *SettlementCore {
	return &SettlementCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		positions:         state.NewPositionBook(),
		balances:          state.NewBalanceBook(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *SettlementCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Settlement requests tolerate gaps (a later
	// oracle observation supersedes a dropped one); syncs and transfers are
	// strict.
	partition := c.getPartition(evt)

	if req, ok := evt.(*event.SettlementRequest); ok {
		if !c.sequenceValidator.ValidateRequestSequence(partition, req.RequestID) {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "stale").Inc()
			}
			return nil
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. State mutates only inside the handler, and only on
	// success: a handler error leaves the books untouched.
	record, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: State digest and hash chain
	stateDigest := c.computeStateDigest(evt)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: unmarshalable event payload %T: %v", evt, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Settlement: record,
		Account:    c.snapshotAccount(evt),
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 5: Emit outputs. Persist channel uses a BLOCKING send so the core
	// stalls under backpressure rather than lose an event; projection channel
	// uses a NON-BLOCKING send with silent drop, projections rebuild from the
	// event log if they fall behind.
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		// Dropped; projection catches up via rebuild
	}

	// Step 6: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// getPartition determines partition key for sequence validation.
// Settlement requests and syncs order per (account, market); transfers order
// per account.
func (c *SettlementCore) getPartition(evt event.Event) string {
	switch e := evt.(type) {
	case *event.SettlementRequest:
		return fmt.Sprintf("settle:%s:%s", e.AccountID, e.Market)
	case *event.PositionSync:
		return fmt.Sprintf("sync:%s:%s", e.AccountID, e.Market)
	case *event.CollateralDeposit:
		return fmt.Sprintf("xfer:%s", e.AccountID)
	case *event.CollateralWithdraw:
		return fmt.Sprintf("xfer:%s", e.AccountID)
	default:
		return "global"
	}
}

// getEventTimestamp extracts the versioned timestamp from an event.
// The core MUST NOT call time.Now(): all timestamps are versioned inputs,
// or replay would not be deterministic.
func (c *SettlementCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.SettlementRequest:
		return time.UnixMicro(e.ObservedAt)
	case *event.PositionSync:
		return time.UnixMicro(e.ExecutedAt)
	case *event.CollateralDeposit:
		return time.UnixMicro(e.SettledAt)
	case *event.CollateralWithdraw:
		return time.UnixMicro(e.SettledAt)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T", evt))
	}
}

func (c *SettlementCore) dispatchEvent(evt event.Event) (*SettlementRecord, error) {
	switch e := evt.(type) {
	case *event.SettlementRequest:
		return c.handleSettlementRequest(e)
	case *event.PositionSync:
		return nil, c.handlePositionSync(e)
	case *event.CollateralDeposit:
		return nil, c.handleCollateralDeposit(e)
	case *event.CollateralWithdraw:
		return nil, c.handleCollateralWithdraw(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handleSettlementRequest runs one settlement pass through the engine.
func (c *SettlementCore) handleSettlementRequest(evt *event.SettlementRequest) (*SettlementRecord, error) {
	pos := c.positions.GetOrCreate(evt.AccountID, evt.Market)
	bal := c.balances.Get(evt.AccountID)

	out, err := engine.Settle(pos, bal, engine.Input{
		OraclePrice: evt.OraclePrice,
		FundingRate: evt.FundingRate,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.SettlementErrors.WithLabelValues(evt.Market, errorReason(err)).Inc()
		}
		return nil, fmt.Errorf("settlement %s/%s: %w", evt.AccountID, evt.Market, err)
	}

	if c.metrics != nil {
		c.metrics.SettlementsExecuted.WithLabelValues(evt.Market, settleResult(out)).Inc()
	}

	if out.Flat {
		// No amounts and no audit row for flat passes; the event log entry
		// alone records the checkpoint advance.
		return nil, nil
	}

	return &SettlementRecord{
		AccountID:      evt.AccountID,
		Market:         evt.Market,
		OraclePrice:    evt.OraclePrice,
		FundingRate:    evt.FundingRate,
		UnrealizedPnL:  out.UnrealizedPnL,
		FundingPayment: out.FundingPayment,
		NetSettlement:  out.NetSettlement,
		NewCollateral:  out.NewCollateral,
	}, nil
}

// handlePositionSync installs post-trade position state from the venue.
func (c *SettlementCore) handlePositionSync(evt *event.PositionSync) error {
	if evt.Size != 0 && evt.EntryPrice <= 0 {
		return fmt.Errorf("position sync %s/%s: non-flat size %d with entry price %d",
			evt.AccountID, evt.Market, evt.Size, evt.EntryPrice)
	}

	pos := c.positions.GetOrCreate(evt.AccountID, evt.Market)
	pos.Size = evt.Size
	pos.EntryPrice = evt.EntryPrice
	pos.Version++
	return nil
}

func (c *SettlementCore) handleCollateralDeposit(evt *event.CollateralDeposit) error {
	if evt.Amount <= 0 {
		return fmt.Errorf("deposit %s: non-positive amount %d", evt.AccountID, evt.Amount)
	}

	bal := c.balances.Get(evt.AccountID)
	newCollateral, ok := checked.AddWide(bal.Collateral, big.NewInt(evt.Amount))
	if !ok {
		return fmt.Errorf("deposit %s: collateral overflow", evt.AccountID)
	}
	bal.Collateral = newCollateral
	bal.Version++
	return nil
}

// handleCollateralWithdraw debits collateral. Unlike settlement losses,
// withdrawals may not take collateral negative.
func (c *SettlementCore) handleCollateralWithdraw(evt *event.CollateralWithdraw) error {
	if evt.Amount <= 0 {
		return fmt.Errorf("withdraw %s: non-positive amount %d", evt.AccountID, evt.Amount)
	}

	bal := c.balances.Get(evt.AccountID)
	newCollateral, ok := checked.SubWide(bal.Collateral, big.NewInt(evt.Amount))
	if !ok {
		return fmt.Errorf("withdraw %s: collateral overflow", evt.AccountID)
	}
	if newCollateral.Sign() < 0 {
		return fmt.Errorf("withdraw %s: insufficient collateral (have=%s, want=%d)",
			evt.AccountID, bal.Collateral, evt.Amount)
	}
	bal.Collateral = newCollateral
	bal.Version++
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: the affected
// account's balance followed by its positions in sorted market order.
func (c *SettlementCore) computeStateDigest(evt event.Event) []byte {
	accountID := eventAccount(evt)

	digest := c.balances.Get(accountID).CanonicalBytes()
	for _, pos := range c.positions.ForAccount(accountID) {
		digest = append(digest, pos.CanonicalBytes()...)
	}
	return digest
}

// snapshotAccount copies the affected account's post-event state for the
// output. Settlement requests and syncs also carry the touched position.
func (c *SettlementCore) snapshotAccount(evt event.Event) AccountState {
	accountID := eventAccount(evt)
	bal := c.balances.Get(accountID)

	acct := AccountState{
		AccountID:      accountID,
		Collateral:     new(big.Int).Set(bal.Collateral),
		BalanceVersion: bal.Version,
	}

	if marketID := evt.MarketID(); marketID != nil {
		if pos := c.positions.Get(accountID, *marketID); pos != nil {
			posCopy := *pos
			acct.Position = &posCopy
		}
	}

	return acct
}

func eventAccount(evt event.Event) uuid.UUID {
	switch e := evt.(type) {
	case *event.SettlementRequest:
		return e.AccountID
	case *event.PositionSync:
		return e.AccountID
	case *event.CollateralDeposit:
		return e.AccountID
	case *event.CollateralWithdraw:
		return e.AccountID
	default:
		panic(fmt.Sprintf("FATAL: eventAccount called with unhandled event type %T", evt))
	}
}

func errorReason(err error) string {
	switch {
	case err == engine.ErrInvalidOraclePrice:
		return "invalid_oracle_price"
	case err == engine.ErrInvalidEntryPrice:
		return "invalid_entry_price"
	case err == engine.ErrFundingRateOutOfBounds:
		return "funding_out_of_bounds"
	case err == engine.ErrCalculationOverflow:
		return "overflow"
	default:
		return "other"
	}
}

func settleResult(out *engine.Outcome) string {
	if out.Flat {
		return "flat"
	}
	return "applied"
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Positions       []*state.Position
	Balances        []*state.Balance
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load the latest snapshot, then replay events past it.
func (c *SettlementCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	for _, pos := range snap.Positions {
		c.positions.Set(pos)
	}
	for _, bal := range snap.Balances {
		c.balances.Set(bal)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *SettlementCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *SettlementCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *SettlementCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *SettlementCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Positions:       c.positions.All(),
		Balances:        c.balances.All(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
