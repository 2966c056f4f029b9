// Package batch provides per-variant accumulation of telemetry envelopes
// into bounded batches with size and age flush triggers.
//
// Each accumulator owns exactly one open batch at a time. A flush trigger
// atomically swaps the open batch for a fresh one and hands the sealed
// batch to the persistence writer over a bounded channel, so accumulation
// and flushing never block each other. Only one flush per variant is in
// flight at any instant; a trigger arriving while a flush is outstanding is
// suppressed and re-evaluated when the writer acknowledges.
package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360/edgesink/telemetry"
)

// Batch is an ordered sequence of same-variant envelopes. Ownership
// transfers to the persistence writer on handoff; the accumulator retains
// no reference to a flushed batch.
type Batch struct {
	// ID correlates a batch across accumulator, writer and store logs.
	ID        string
	Kind      telemetry.Kind
	Envelopes []telemetry.Envelope

	// OpenedAt is the insertion time of the first envelope, the reference
	// point for the age trigger.
	OpenedAt time.Time

	// Trigger records what sealed the batch: "size", "age" or "shutdown".
	Trigger string
}

// Len returns the number of envelopes in the batch
func (b *Batch) Len() int {
	return len(b.Envelopes)
}

// Age returns how long the batch has been open
func (b *Batch) Age(now time.Time) time.Duration {
	if b.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(b.OpenedAt)
}

func newBatch(kind telemetry.Kind, capacity int) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Kind:      kind,
		Envelopes: make([]telemetry.Envelope, 0, capacity),
	}
}
