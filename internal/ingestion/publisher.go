package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes processed events to NATS for downstream
// consumers (risk, margin-call, reporting). Outbound events are informational;
// the event log in Postgres remains the source of truth.
// Subjects follow the pattern: margin.settlement.events.{event_type}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

// PublishableEvent is a processed event ready for outbound publishing.
// Wide settlement amounts are rendered as decimal strings; int64 cannot
// carry them and JSON numbers lose precision past 2^53.
type PublishableEvent struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	MarketID       *string   `json:"market_id,omitempty"`
	StateHash      []byte    `json:"state_hash"`
	Timestamp      time.Time `json:"timestamp"`

	// Settlement details, present only for executed settlements.
	Settlement *SettlementDetail `json:"settlement,omitempty"`
}

// SettlementDetail carries the executed settlement amounts.
type SettlementDetail struct {
	AccountID      string `json:"account_id"`
	Market         string `json:"market"`
	OraclePrice    int64  `json:"oracle_price"`
	FundingRate    int64  `json:"funding_rate"`
	UnrealizedPnL  string `json:"unrealized_pnl"`
	FundingPayment string `json:"funding_payment"`
	NetSettlement  string `json:"net_settlement"`
	NewCollateral  string `json:"new_collateral"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Subject: margin.settlement.events.{event_type}.{market_id}
	subject := fmt.Sprintf("margin.settlement.events.%s", evt.EventType)
	if evt.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.MarketID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MARGIN_SETTLEMENT_EVENTS",
		Subjects:  []string{"margin.settlement.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream MARGIN_SETTLEMENT_EVENTS")
	return nil
}
