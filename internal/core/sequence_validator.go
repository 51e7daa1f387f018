package core

import (
	"fmt"

	"PerpSettle/internal/observability"
)

// SequenceValidator validates source sequences per partition. Sequences
// start at 1; a source sequence of 0 marks an unsequenced command.
// Not thread-safe, only accessed from the engine's processing lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

func (sv *SequenceValidator) expected(partition string) int64 {
	if next, ok := sv.expectedNextSeq[partition]; ok {
		return next
	}
	return 1
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	if sourceSequence == 0 {
		return nil
	}
	expected := sv.expected(partition)

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidatePriceSequence validates oracle commits. Gaps are tolerated and a
// stale sequence reports stale without error.
func (sv *SequenceValidator) ValidatePriceSequence(oracleID string, priceSequence int64) (stale bool) {
	if priceSequence == 0 {
		return false
	}
	partition := "oracle:" + oracleID
	expected := sv.expected(partition)

	if priceSequence < expected {
		return true
	}
	if priceSequence > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return false
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expected(partition)
}

// GetAllPartitions copies the expected sequence of every partition.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
