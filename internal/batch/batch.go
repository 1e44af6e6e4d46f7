// Package batch splits delta streams into bounded batches for transmission.
package batch

import (
	"encoding/json"

	"github.com/caravelhq/caravel-sync/internal/agent"
)

const (
	// DefaultBatchSize caps how many deltas travel in one batch.
	DefaultBatchSize = 100
	// DefaultMaxBatchBytes caps the estimated serialized size of one batch.
	DefaultMaxBatchBytes = 1 << 20

	// fallbackDeltaBytes is charged for a delta whose size cannot be
	// estimated because serialization failed.
	fallbackDeltaBytes = 1024
)

// Processor groups deltas into batches bounded by count and estimated size.
type Processor struct {
	batchSize     int
	maxBatchBytes int
}

// New returns a Processor with the given bounds. Non-positive bounds fall
// back to the defaults.
func New(batchSize, maxBatchBytes int) *Processor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultMaxBatchBytes
	}
	return &Processor{batchSize: batchSize, maxBatchBytes: maxBatchBytes}
}

// CreateBatches partitions deltas in order. A new batch starts when the
// current one holds batchSize deltas, or when adding the next delta would
// push a non-empty batch past maxBatchBytes. A single delta larger than
// maxBatchBytes still ships, alone in its own batch. Every input delta
// appears in exactly one output batch, in input order.
func (p *Processor) CreateBatches(deltas []agent.SyncDelta) [][]agent.SyncDelta {
	if len(deltas) == 0 {
		return nil
	}

	batches := make([][]agent.SyncDelta, 0, len(deltas)/p.batchSize+1)
	current := make([]agent.SyncDelta, 0, p.batchSize)
	currentBytes := 0

	for _, delta := range deltas {
		deltaBytes := estimateSize(delta)

		if len(current) > 0 && (len(current) >= p.batchSize || currentBytes+deltaBytes > p.maxBatchBytes) {
			batches = append(batches, current)
			current = make([]agent.SyncDelta, 0, p.batchSize)
			currentBytes = 0
		}

		current = append(current, delta)
		currentBytes += deltaBytes
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func estimateSize(delta agent.SyncDelta) int {
	encoded, err := json.Marshal(delta)
	if err != nil {
		return fallbackDeltaBytes
	}
	return len(encoded)
}
