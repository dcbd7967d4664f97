// Package registry tracks live connections from device agents and
// operator consoles.
//
// # Overview
//
// The Registry is the gateway's source of truth for "who is connected
// right now". Device agents register after their hello message, consoles
// register after authentication. Everything else in the gateway (command
// dispatch, session teardown, stream fanout) keys off this state.
//
// # Registry
//
// Create a registry with injected timing:
//
//	r := registry.New(registry.Params{
//	    IdleThreshold: 90 * time.Second,
//	    SweepInterval: 30 * time.Second,
//	})
//
// Key operations:
//
//   - Register(info, handle): Add or replace a device connection
//   - Unregister(deviceID, handle): Remove a connection, ignoring stale handles
//   - Lookup(deviceID): Get the live handle for a device
//   - Touch(deviceID) / UpdateTelemetry: Record heartbeat activity
//   - IsOnline(deviceID): Handle present and heartbeat fresh
//   - ListDevices(orgID): Snapshot of devices with latest telemetry
//
// # Replacement Semantics
//
// A second Register for the same device id replaces the stored handle and
// closes the stale one exactly once. A late Unregister from the replaced
// connection is a no-op: eviction only happens when the caller still holds
// the current handle.
//
// # Liveness
//
// A device counts as online only while its last heartbeat is younger than
// the idle threshold. The sweep loop closes handles that have gone silent
// and notifies listeners, so a half-open TCP connection cannot keep a
// device "online" forever.
//
// # Listeners
//
// Components register Listener implementations to observe online/offline
// transitions. Notifications are dispatched outside the registry lock.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package registry
