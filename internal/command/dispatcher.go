// ABOUTME: Orders, delivers, and settles device commands with durable state.
// ABOUTME: Guarantees per-device FIFO delivery and exactly-once terminal transitions.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netwatch/fleet-gateway/internal/registry"
	"github.com/netwatch/fleet-gateway/internal/store"
	"github.com/netwatch/fleet-gateway/internal/wire"
)

// Transport delivers one command frame to a device. Implementations return
// an error when the device has no usable connection; the command then stays
// PENDING until the next flush.
type Transport interface {
	Deliver(deviceID, commandID, command string, payload []byte) error
}

// Notifier observes command state transitions, typically to forward them to
// the console that issued the command.
type Notifier interface {
	CommandUpdated(cmd *store.DeviceCommand)
}

// Timer is the stoppable handle returned by the dispatcher's timer source.
type Timer interface {
	Stop() bool
}

// Params configures a Dispatcher.
type Params struct {
	Store     store.Store
	Transport Transport
	Notifier  Notifier
	Logger    *slog.Logger

	// Timeouts by command class. Session and control commands expect a
	// near-immediate acknowledgment; file transfer commands run long.
	DefaultTimeout  time.Duration
	SessionTimeout  time.Duration
	TransferTimeout time.Duration

	// AfterFunc lets tests capture and fire timeout timers manually.
	// Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	// Now defaults to time.Now.
	Now func() time.Time
}

// deviceQueue serializes all command activity for one device. At most one
// command is in flight (SENT) at a time; the rest wait in enqueue order.
type deviceQueue struct {
	mu       sync.Mutex
	queue    []string
	inflight string
	timer    Timer
}

// Dispatcher owns the command lifecycle: PENDING on enqueue, SENT on
// delivery, EXECUTED or FAILED on response or timeout. Commands for the
// same device never overlap; command N+1 is not sent until N is terminal.
type Dispatcher struct {
	store     store.Store
	transport Transport
	notifier  Notifier
	logger    *slog.Logger

	defaultTimeout  time.Duration
	sessionTimeout  time.Duration
	transferTimeout time.Duration
	afterFunc       func(d time.Duration, f func()) Timer
	now             func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceQueue
}

// New creates a Dispatcher.
func New(p Params) *Dispatcher {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.AfterFunc == nil {
		p.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Dispatcher{
		store:           p.Store,
		transport:       p.Transport,
		notifier:        p.Notifier,
		logger:          p.Logger.With("component", "dispatch"),
		defaultTimeout:  p.DefaultTimeout,
		sessionTimeout:  p.SessionTimeout,
		transferTimeout: p.TransferTimeout,
		afterFunc:       p.AfterFunc,
		now:             p.Now,
		devices:         make(map[string]*deviceQueue),
	}
}

// Enqueue records a command durably and attempts immediate delivery. The
// record exists in PENDING state before any network attempt, so a crash
// between persist and send loses nothing. Returns the new command id.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID, command string, payload []byte, createdBy string) (string, error) {
	cmd := &store.DeviceCommand{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Command:   command,
		Payload:   payload,
		Status:    store.CommandPending,
		CreatedAt: d.now(),
		CreatedBy: createdBy,
	}
	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("persisting command: %w", err)
	}
	d.logger.Info("command enqueued", "command_id", cmd.ID, "device_id", deviceID, "command", command)
	d.notify(cmd)

	dq := d.queueFor(deviceID)
	dq.mu.Lock()
	dq.queue = append(dq.queue, cmd.ID)
	sent := d.deliverNextLocked(ctx, deviceID, dq)
	dq.mu.Unlock()

	for _, c := range sent {
		d.notify(c)
	}
	return cmd.ID, nil
}

// OnResponse settles a command with the outcome the device reported.
// Responses are only honored while the command is SENT; anything arriving
// after a timeout or a duplicate delivery is discarded quietly.
func (d *Dispatcher) OnResponse(ctx context.Context, commandID string, success bool, response, errMsg string) {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		d.logger.Debug("response for unknown command", "command_id", commandID)
		return
	}
	status := store.CommandExecuted
	if !success {
		status = store.CommandFailed
	}
	d.settle(ctx, cmd.DeviceID, commandID, status, response, errMsg)
}

// FlushPending resumes delivery for a device that just came online. The
// open set is reloaded from the store: a SENT command that never got a
// response is re-offered once under its original id (delivery is
// at-least-once; agents treat the id as idempotency key), then queued
// PENDING commands follow in order.
func (d *Dispatcher) FlushPending(ctx context.Context, deviceID string) {
	dq := d.queueFor(deviceID)
	dq.mu.Lock()

	// The open set must be read under the queue lock: a command committed by
	// a concurrent Enqueue either lands in this snapshot or appends itself
	// once the lock is released, so the rebuild below can never erase it.
	open, err := d.store.ListOpenCommands(ctx, deviceID)
	if err != nil {
		dq.mu.Unlock()
		d.logger.Error("listing open commands", "device_id", deviceID, "error", err)
		return
	}

	dq.queue = dq.queue[:0]
	var resend *store.DeviceCommand
	for _, cmd := range open {
		if cmd.Status == store.CommandSent {
			resend = cmd
			continue
		}
		dq.queue = append(dq.queue, cmd.ID)
	}

	var updated []*store.DeviceCommand
	if resend != nil {
		if err := d.transport.Deliver(deviceID, resend.ID, resend.Command, resend.Payload); err != nil {
			d.logger.Debug("re-offer failed", "command_id", resend.ID, "error", err)
		} else {
			d.logger.Info("re-offered unacknowledged command", "command_id", resend.ID, "device_id", deviceID)
		}
		// Keep it in flight either way; its timeout decides the outcome.
		dq.inflight = resend.ID
		if dq.timer == nil {
			d.armTimeoutLocked(dq, deviceID, resend.ID, resend.Command)
		}
	} else if dq.inflight == "" {
		updated = d.deliverNextLocked(ctx, deviceID, dq)
	}
	dq.mu.Unlock()

	for _, c := range updated {
		d.notify(c)
	}
}

// DeviceOnline implements registry.Listener: a registration (including a
// reconnect) flushes the device's open commands.
func (d *Dispatcher) DeviceOnline(identity registry.DeviceIdentity) {
	d.FlushPending(context.Background(), identity.DeviceID)
}

// DeviceOffline implements registry.Listener. In-flight commands are left
// SENT; their timeouts produce the terminal state.
func (d *Dispatcher) DeviceOffline(identity registry.DeviceIdentity) {}

// deliverNextLocked sends queued commands until one is in flight or
// delivery fails. Caller holds dq.mu. Returns the commands whose state
// changed so the caller can notify after unlocking.
func (d *Dispatcher) deliverNextLocked(ctx context.Context, deviceID string, dq *deviceQueue) []*store.DeviceCommand {
	var updated []*store.DeviceCommand
	for dq.inflight == "" && len(dq.queue) > 0 {
		id := dq.queue[0]
		cmd, err := d.store.GetCommand(ctx, id)
		if err != nil {
			// Row vanished; drop it from the queue and move on.
			d.logger.Warn("queued command missing from store", "command_id", id, "error", err)
			dq.queue = dq.queue[1:]
			continue
		}
		if cmd.Terminal() {
			dq.queue = dq.queue[1:]
			continue
		}
		if err := d.transport.Deliver(deviceID, cmd.ID, cmd.Command, cmd.Payload); err != nil {
			// Device unreachable: leave the head PENDING for the next flush.
			d.logger.Debug("delivery deferred", "command_id", cmd.ID, "device_id", deviceID, "error", err)
			return updated
		}
		sentAt := d.now()
		if err := d.store.MarkCommandSent(ctx, cmd.ID, sentAt); err != nil {
			d.logger.Error("marking command sent", "command_id", cmd.ID, "error", err)
			return updated
		}
		dq.queue = dq.queue[1:]
		dq.inflight = cmd.ID
		d.armTimeoutLocked(dq, deviceID, cmd.ID, cmd.Command)

		cmd.Status = store.CommandSent
		cmd.SentAt = &sentAt
		updated = append(updated, cmd)
	}
	return updated
}

func (d *Dispatcher) armTimeoutLocked(dq *deviceQueue, deviceID, commandID, command string) {
	timeout := d.timeoutFor(command)
	dq.timer = d.afterFunc(timeout, func() {
		d.settle(context.Background(), deviceID, commandID,
			store.CommandFailed, "", fmt.Sprintf("no response within %s", timeout))
	})
}

// settle moves a SENT command to a terminal state and releases the device
// queue for the next command. The store's SENT-only guard makes the
// transition exactly-once under racing response and timeout paths.
func (d *Dispatcher) settle(ctx context.Context, deviceID, commandID, status, response, errMsg string) {
	dq := d.queueFor(deviceID)
	dq.mu.Lock()

	if err := d.store.CompleteCommand(ctx, commandID, status, response, errMsg, d.now()); err != nil {
		dq.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Debug("discarding late or duplicate settlement", "command_id", commandID, "status", status)
		} else {
			d.logger.Error("completing command", "command_id", commandID, "error", err)
		}
		return
	}

	if dq.inflight == commandID {
		dq.inflight = ""
		if dq.timer != nil {
			dq.timer.Stop()
			dq.timer = nil
		}
	}
	sent := d.deliverNextLocked(ctx, deviceID, dq)
	dq.mu.Unlock()

	d.logger.Info("command settled", "command_id", commandID, "status", status)
	if cmd, err := d.store.GetCommand(ctx, commandID); err == nil {
		d.notify(cmd)
	}
	for _, c := range sent {
		d.notify(c)
	}
}

func (d *Dispatcher) timeoutFor(command string) time.Duration {
	switch command {
	case wire.CmdStartRemoteSession, wire.CmdEndRemoteSession,
		wire.CmdStartScreenStream, wire.CmdStopScreenStream:
		return d.sessionTimeout
	case wire.CmdSendFile, wire.CmdReceiveFile,
		wire.CmdStartRecording, wire.CmdStopRecording:
		return d.transferTimeout
	default:
		return d.defaultTimeout
	}
}

func (d *Dispatcher) queueFor(deviceID string) *deviceQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	dq, ok := d.devices[deviceID]
	if !ok {
		dq = &deviceQueue{}
		d.devices[deviceID] = dq
	}
	return dq
}

func (d *Dispatcher) notify(cmd *store.DeviceCommand) {
	if d.notifier != nil {
		d.notifier.CommandUpdated(cmd)
	}
}
