// Package store persists device commands and remote sessions in SQLite.
//
// # Overview
//
// The Store interface fronts a single SQLiteStore implementation
// (modernc.org/sqlite, WAL mode, inline schema). Rows are never deleted;
// status transitions are guarded in SQL so terminal transitions apply
// exactly once:
//
//   - CompleteCommand only updates rows still in SENT
//   - ActivateSession only updates rows still in PENDING
//
// A guarded update that matches no row returns ErrNotFound, which callers
// treat as "someone else settled this first".
//
// # Recovery Queries
//
// ListOpenCommands returns a device's PENDING and SENT rows in creation
// order, for rebuilding the delivery queue on reconnect.
// ActiveSessionForDevice returns the device's live session, if any, for
// exclusivity checks that survive a gateway restart.
package store
