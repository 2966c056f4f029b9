// Package store persists sealed telemetry batches to PostgreSQL, one bulk
// insert transaction per batch. Connectivity failures retry without bound
// through a resilient connection supervisor; schema and constraint
// violations discard the batch after logging an incident.
package store

// FlushOutcome is the result of one persistence attempt
type FlushOutcome struct {
	// Count is the number of envelopes committed (0 on failure)
	Count int

	// Err is nil on commit; otherwise the failure reason
	Err error

	// Retriable reports whether the failure is transient. False means the
	// batch will always fail (schema/constraint violation) and has been
	// discarded. Meaningful only when Err is non-nil.
	Retriable bool
}

// Committed reports whether the batch was fully committed
func (o FlushOutcome) Committed() bool {
	return o.Err == nil
}

// committed builds a successful outcome
func committed(count int) FlushOutcome {
	return FlushOutcome{Count: count}
}

// failed builds a failure outcome
func failed(err error, retriable bool) FlushOutcome {
	return FlushOutcome{Err: err, Retriable: retriable}
}
