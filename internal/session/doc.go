// Package session manages exclusive remote desktop sessions on devices.
//
// # Overview
//
// A device carries at most one live (PENDING or ACTIVE) session at a
// time. RequestSession checks and creates under a per-device critical
// section, so concurrent operators racing for the same device admit
// exactly one winner; the rest get ErrSessionConflict.
//
// # Lifecycle
//
//	PENDING -> ACTIVE  (agent acknowledges START_REMOTE_SESSION)
//	        -> ENDED   (ack timeout, operator stop, device disconnect)
//	ACTIVE  -> ENDED
//
// Ending is idempotent and records a reason; the first reason wins.
// Session rows are persisted and never deleted.
//
// # Session Key
//
// Each session gets an opaque random key delivered only in the
// START_REMOTE_SESSION payload and the creation response. The gateway
// does not interpret it; agent and console use it to pair the media
// channel.
//
// # Device Disconnect
//
// The manager implements the registry's offline notification: a device
// going offline ends its live session with reason "device disconnected".
// END_REMOTE_SESSION is sent best-effort and only while the device is
// online.
package session
