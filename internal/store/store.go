// ABOUTME: Store interface and data types for fleet-gateway persistence
// ABOUTME: Defines DeviceCommand, RemoteSession structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Command status values. Pending and Sent are transient; Executed and Failed
// are terminal and the row is immutable afterward.
const (
	CommandPending  = "PENDING"
	CommandSent     = "SENT"
	CommandExecuted = "EXECUTED"
	CommandFailed   = "FAILED"
)

// Session status values.
const (
	SessionPending = "PENDING"
	SessionActive  = "ACTIVE"
	SessionEnded   = "ENDED"
)

// Session types.
const (
	SessionTypeView    = "VIEW"
	SessionTypeControl = "CONTROL"
	SessionTypeShell   = "SHELL"
)

// DeviceCommand is one operator-issued command addressed to a device.
// Rows are created in PENDING state before any delivery attempt so an
// accepted command survives a gateway restart.
type DeviceCommand struct {
	ID         string
	DeviceID   string
	Command    string
	Payload    []byte
	Status     string
	CreatedAt  time.Time
	SentAt     *time.Time
	ExecutedAt *time.Time
	Response   string
	Error      string
	CreatedBy  string
}

// Terminal reports whether the command has reached a final state.
func (c *DeviceCommand) Terminal() bool {
	return c.Status == CommandExecuted || c.Status == CommandFailed
}

// RemoteSession is one exclusive interactive engagement with a device.
// Rows are closed, never deleted, so the session history doubles as an
// audit trail.
type RemoteSession struct {
	ID          string
	DeviceID    string
	UserID      string
	SessionType string
	Status      string
	SessionKey  string
	StartedAt   *time.Time
	EndedAt     *time.Time
	EndReason   string
	CreatedAt   time.Time
}

// Open reports whether the session still holds the device's exclusivity slot.
func (s *RemoteSession) Open() bool {
	return s.Status == SessionPending || s.Status == SessionActive
}

// Store defines the persistence operations the coordination core needs.
// Historical querying and retention live in an external collaborator.
type Store interface {
	// Devices. The directory remembers which org a device last connected
	// under so org scoping holds while the device is offline.
	UpsertDevice(ctx context.Context, deviceID, orgID string, seenAt time.Time) error
	DeviceOrg(ctx context.Context, deviceID string) (string, error)

	// Commands
	CreateCommand(ctx context.Context, cmd *DeviceCommand) error
	GetCommand(ctx context.Context, id string) (*DeviceCommand, error)
	MarkCommandSent(ctx context.Context, id string, sentAt time.Time) error
	CompleteCommand(ctx context.Context, id, status, response, errMsg string, executedAt time.Time) error
	ListOpenCommands(ctx context.Context, deviceID string) ([]*DeviceCommand, error)

	// Sessions
	CreateSession(ctx context.Context, sess *RemoteSession) error
	GetSession(ctx context.Context, id string) (*RemoteSession, error)
	ActivateSession(ctx context.Context, id string, startedAt time.Time) error
	// EndSession closes an open session and reports whether this call
	// performed the transition.
	EndSession(ctx context.Context, id, reason string, endedAt time.Time) (bool, error)
	ActiveSessionForDevice(ctx context.Context, deviceID string) (*RemoteSession, error)

	// Close releases any resources held by the store
	Close() error
}
