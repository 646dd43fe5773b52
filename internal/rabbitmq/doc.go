// Package rabbitmq provides the broker plumbing of rmqbus.
//
// This package includes:
//   - ConnectionManager: owns the connection, reconnects with backoff across URLs
//   - ManagedChannel: a named channel whose setup re-runs after every reopen
//   - Driver: asserts exchanges, fallback exchanges, queues, fallback queues and bindings
//   - ExtractRoutingKey: recovers the original routing key of dead-lettered messages
//
// Conflicting topology is reported as ErrTopologyConflict and is fatal; see IsFatal.
package rabbitmq
