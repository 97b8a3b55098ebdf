package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded settlement core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering (strict: gaps rejected).
// Used for position syncs and collateral transfers, where a missed event
// means missing money or exposure.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			return nil
		}
		// Out-of-order delivery of NEW event
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected: gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateRequestSequence validates settlement requests (gaps tolerated).
// Oracle-driven requests may skip IDs when observations are dropped upstream;
// a later request carries a complete picture, so skipping ahead is safe.
// Returns false for stale requests, which are ignored rather than failed.
func (sv *SequenceValidator) ValidateRequestSequence(
	partition string,
	requestSequence int64,
) bool {
	expected := sv.expectedNextSeq[partition]

	if requestSequence < expected {
		sv.metrics.RecordStaleRequest(partition)
		return false
	}

	if requestSequence > expected {
		sv.metrics.RecordRequestGap(partition, expected, requestSequence)
	}

	sv.expectedNextSeq[partition] = requestSequence + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (snapshot restore)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns the full partition map (snapshot capture)
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only accessed from the single-threaded settlement core.
type SequenceMetrics struct {
	gaps          map[string]int64 // partition -> gap count
	outOfOrder    map[string]int64
	requestGaps   map[string]int64
	staleRequests map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:          make(map[string]int64),
		outOfOrder:    make(map[string]int64),
		requestGaps:   make(map[string]int64),
		staleRequests: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordRequestGap(partition string, expected, got int64) {
	m.requestGaps[partition]++
}

func (m *SequenceMetrics) RecordStaleRequest(partition string) {
	m.staleRequests[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetRequestGaps(partition string) int64 {
	return m.requestGaps[partition]
}
