// Package edgesink implements a telemetry ingestion and batch persistence
// service for distributed edge devices.
//
// # Architecture
//
// EdgeSink is a single-process pipeline of independently scheduled tasks
// communicating over bounded channels:
//
//	┌──────────────────────────────────────┐
//	│          Pipeline Supervisor         │  Lifecycle, wiring,
//	│   (start, stop, restart, monitor)    │  failure isolation
//	└──────────────────────────────────────┘
//	           ↓ orchestrates
//	device ──ws──▶ Ingress ──▶ Router ──▶ Accumulators ──▶ Writer ──▶ PostgreSQL
//	                                                          │
//	                                             resilient connection
//	                                                 supervisor
//	Heartbeat Actor ──nats──▶ liveness subject
//
// Each device holds one long-lived bidirectional WebSocket. Inbound frames
// decode into telemetry envelopes, are routed by variant to a per-variant
// batch accumulator, and are committed to the store in bulk transactions.
// Backpressure is end-to-end: a slow store fills the accumulators, which
// blocks the router, which suspends ingress reads.
//
// # Failure model
//
// Store writes are at-least-once: retriable failures back off and retry
// without bound while the batch is retained in memory; only constraint or
// schema violations discard a batch. Transport and store connections are
// wrapped in reconnect-with-backoff supervisors. Malformed frames are
// dropped without affecting their connection.
//
// # Packages
//
//   - telemetry: envelope variants and frame decoding
//   - ingress: WebSocket stream ingress adapter
//   - router: variant-tag dispatch to accumulators
//   - batch: per-variant accumulation with size/age flush triggers
//   - store: bulk persistence writer (pgx)
//   - resilient: generic reconnect-with-backoff connection supervisor
//   - heartbeat: periodic liveness publisher (NATS)
//   - pipeline: construction, wiring and supervision
//   - component, health, metric, config, errors: shared infrastructure
package edgesink
