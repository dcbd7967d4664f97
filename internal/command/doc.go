// Package command dispatches operator commands to device agents with
// persistence, ordering, and timeout guarantees.
//
// # Overview
//
// Every command is persisted as a PENDING row before any delivery attempt,
// so a gateway crash never loses accepted work. Delivery is per-device
// FIFO with a single in-flight command: a device is never sent command N+1
// before command N has reached a terminal state.
//
// # Lifecycle
//
//	PENDING -> SENT -> EXECUTED
//	                -> FAILED
//
// Transitions into EXECUTED/FAILED happen exactly once; the store only
// applies them to rows still in SENT, so a late device response racing a
// timeout is discarded rather than double-settled.
//
// # Dispatcher
//
// Key operations:
//
//   - Enqueue(ctx, deviceID, command, payload, createdBy): Persist and
//     deliver (or queue) a command, returning its id
//   - OnResponse(ctx, commandID, success, response, errMsg): Settle the
//     in-flight command from a device response
//   - FlushPending(ctx, deviceID): Rebuild the queue from the store and
//     resume delivery, called on reconnect
//
// The dispatcher implements registry.Listener: DeviceOnline flushes,
// DeviceOffline stops the in-flight timer.
//
// # Reconnect Redelivery
//
// A command that was SENT when the device dropped is re-offered once,
// under the same id, when the device reconnects. Delivery is therefore
// at-least-once and the id doubles as the agent's idempotency key.
//
// # Timeouts
//
// Deadlines are per command kind: session and stream control commands
// fail fast, bulk transfer commands get a long window, everything else
// uses the default. A timeout fails the command with "no response" and
// frees the queue for the next one. Timers and the clock are injected so
// tests drive them directly.
package command
