// Package gateway wires the fleet coordination components together and
// serves the HTTP surface.
//
// # Overview
//
// The Gateway owns construction order (store -> registry -> dispatcher ->
// fanout -> sessions -> transfers), the HTTP server, and the adapters
// that let the core packages stay ignorant of each other: command
// delivery goes through a registry-backed transport, stream start/stop
// goes through the dispatcher so it obeys command ordering, and device
// offline events tear down fanout subscriptions.
//
// # Endpoints
//
// Health:
//
//   - GET /health - liveness
//   - GET /health/ready - 200 once at least one device is connected
//
// REST API (Bearer JWT when auth.jwt_secret is configured):
//
//   - GET  /api/devices - devices in the caller's org with telemetry
//   - POST /api/commands - enqueue a command
//   - GET  /api/commands/{id} - command status
//   - POST /api/sessions - request a remote session
//   - GET/DELETE /api/sessions/{id} - inspect or end a session
//
// Websockets:
//
//   - /ws/agent - device agents: hello, heartbeats, command responses,
//     screen frames, recording chunks
//   - /ws/console - operator consoles: stream subscribe/unsubscribe plus
//     pushed command, session, and transfer updates
//
// # Connection Isolation
//
// A malformed or protocol-violating message closes only the connection
// that sent it. Other agents and consoles are unaffected.
//
// # Lifecycle
//
// Run blocks until the context is cancelled or the listener fails, then
// drains: HTTP shutdown with a grace window, registry and transfer sweep
// loops stopped, store closed.
package gateway
