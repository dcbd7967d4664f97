// ABOUTME: Manages exclusive remote-control sessions per device.
// ABOUTME: Enforces one live session per device and ends sessions on disconnect or ack timeout.

package session

import (
	"context"
	"encoding/json"
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

// ErrSessionConflict is returned when a device already has a PENDING or
// ACTIVE session. Exclusivity is a hard invariant; callers must not retry
// until the existing session ends.
var ErrSessionConflict = errors.New("device already has a live session")

// Enqueuer issues commands toward devices. The command dispatcher
// implements this.
type Enqueuer interface {
	Enqueue(ctx context.Context, deviceID, command string, payload []byte, createdBy string) (string, error)
}

// Presence answers whether a device currently has a usable connection.
type Presence interface {
	IsOnline(deviceID string) bool
}

// Notifier observes session state transitions, typically to forward them
// to the owning console.
type Notifier interface {
	SessionChanged(sess *store.RemoteSession)
}

// Timer is the stoppable handle returned by the manager's timer source.
type Timer interface {
	Stop() bool
}

// startPayload is the body of a START_REMOTE_SESSION command. The session
// key is opaque out-of-band signaling material, never an authorization
// credential.
type startPayload struct {
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey"`
	Mode       string `json:"mode"`
}

type endPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Params configures a Manager.
type Params struct {
	Store    store.Store
	Enqueuer Enqueuer
	Presence Presence
	Notifier Notifier
	Logger   *slog.Logger

	// AckTimeout bounds how long a session may stay PENDING before the
	// device's confirmation is considered lost.
	AckTimeout time.Duration

	// AfterFunc lets tests capture and fire ack timers manually.
	// Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager owns the remote session lifecycle: PENDING on request, ACTIVE on
// device acknowledgment, ENDED on completion, rejection, timeout, or
// disconnect. At most one PENDING or ACTIVE session exists per device.
type Manager struct {
	store    store.Store
	enqueuer Enqueuer
	presence Presence
	notifier Notifier
	logger   *slog.Logger

	ackTimeout time.Duration
	afterFunc  func(d time.Duration, f func()) Timer
	now        func() time.Time

	mu sync.Mutex
	// locks serializes session activity per device so the
	// check-then-insert in RequestSession cannot race.
	locks map[string]*sync.Mutex
	// ackTimers is keyed by session id.
	ackTimers map[string]Timer
}

// New creates a Manager.
func New(p Params) *Manager {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.AfterFunc == nil {
		p.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Manager{
		store:      p.Store,
		enqueuer:   p.Enqueuer,
		presence:   p.Presence,
		notifier:   p.Notifier,
		logger:     p.Logger.With("component", "session"),
		ackTimeout: p.AckTimeout,
		afterFunc:  p.AfterFunc,
		now:        p.Now,
		locks:      make(map[string]*sync.Mutex),
		ackTimers:  make(map[string]Timer),
	}
}

// RequestSession creates a PENDING session for the device and asks the
// device to start it. Fails with ErrSessionConflict if the device already
// has a live session; the conflict check and the insert happen inside one
// per-device critical section.
func (m *Manager) RequestSession(ctx context.Context, deviceID, userID, sessionType string) (*store.RemoteSession, error) {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.ActiveSessionForDevice(ctx, deviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking live session: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionConflict, existing.ID, existing.Status)
	}

	sess := &store.RemoteSession{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		UserID:      userID,
		SessionType: sessionType,
		Status:      store.SessionPending,
		SessionKey:  uuid.New().String(),
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	payload, err := json.Marshal(startPayload{SessionID: sess.ID, SessionKey: sess.SessionKey, Mode: sessionType})
	if err != nil {
		return nil, fmt.Errorf("encoding session payload: %w", err)
	}
	if _, err := m.enqueuer.Enqueue(ctx, deviceID, wire.CmdStartRemoteSession, payload, userID); err != nil {
		// Roll the session back rather than leave a PENDING row no device
		// will ever acknowledge.
		m.endLocked(ctx, sess.ID, "failed to issue start command")
		return nil, fmt.Errorf("issuing start command: %w", err)
	}

	m.armAckTimer(sess.ID, deviceID)
	m.logger.Info("session requested", "session_id", sess.ID, "device_id", deviceID, "type", sessionType)
	m.notify(ctx, sess.ID)
	return sess, nil
}

// Acknowledge records the device's confirmation, moving PENDING to ACTIVE.
// Confirmations for sessions that already ended are discarded.
func (m *Manager) Acknowledge(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	lock := m.deviceLock(sess.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.ActivateSession(ctx, sessionID, m.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("discarding ack for non-pending session", "session_id", sessionID)
			return nil
		}
		return fmt.Errorf("activating session: %w", err)
	}
	m.stopAckTimer(sessionID)
	m.logger.Info("session active", "session_id", sessionID, "device_id", sess.DeviceID)
	m.notify(ctx, sessionID)
	return nil
}

// EndSession moves a session to ENDED and, if the device is still online,
// asks it to tear the session down. Ending an already-ended session is a
// no-op, so racing end paths (operator, timeout, disconnect) are safe.
func (m *Manager) EndSession(ctx context.Context, sessionID, reason string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	lock := m.deviceLock(sess.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the device lock; another end path may have won.
	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !sess.Open() {
		return nil
	}
	ended := m.endLocked(ctx, sessionID, reason)
	if !ended {
		return nil
	}

	if m.presence != nil && m.presence.IsOnline(sess.DeviceID) {
		payload, err := json.Marshal(endPayload{SessionID: sessionID, Reason: reason})
		if err == nil {
			if _, err := m.enqueuer.Enqueue(ctx, sess.DeviceID, wire.CmdEndRemoteSession, payload, sess.UserID); err != nil {
				m.logger.Warn("failed to issue end command", "session_id", sessionID, "error", err)
			}
		}
	}
	m.notify(ctx, sessionID)
	return nil
}

// DeviceOffline implements registry.Listener. Sessions never survive a
// disconnect because screen and input transport state cannot be resumed.
func (m *Manager) DeviceOffline(identity registry.DeviceIdentity) {
	ctx := context.Background()
	sess, err := m.store.ActiveSessionForDevice(ctx, identity.DeviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("looking up session for offline device", "device_id", identity.DeviceID, "error", err)
		}
		return
	}

	lock := m.deviceLock(identity.DeviceID)
	lock.Lock()
	ended := m.endLocked(ctx, sess.ID, "device disconnected")
	lock.Unlock()

	if ended {
		m.logger.Info("session ended by disconnect", "session_id", sess.ID, "device_id", identity.DeviceID)
		m.notify(ctx, sess.ID)
	}
}

// DeviceOnline implements registry.Listener.
func (m *Manager) DeviceOnline(identity registry.DeviceIdentity) {}

// endLocked performs the ENDED transition and timer cleanup. Caller holds
// the device lock. Reports whether this call performed the transition.
func (m *Manager) endLocked(ctx context.Context, sessionID, reason string) bool {
	ended, err := m.store.EndSession(ctx, sessionID, reason, m.now())
	if err != nil {
		m.logger.Error("ending session", "session_id", sessionID, "error", err)
		return false
	}
	if !ended {
		// Another end path already closed it and sent the notification.
		return false
	}
	m.stopAckTimer(sessionID)
	return true
}

func (m *Manager) armAckTimer(sessionID, deviceID string) {
	timer := m.afterFunc(m.ackTimeout, func() {
		ctx := context.Background()
		lock := m.deviceLock(deviceID)
		lock.Lock()
		sess, err := m.store.GetSession(ctx, sessionID)
		stillPending := err == nil && sess.Status == store.SessionPending
		var ended bool
		if stillPending {
			ended = m.endLocked(ctx, sessionID, "acknowledgment timeout")
		}
		lock.Unlock()

		if ended {
			m.logger.Warn("session never acknowledged", "session_id", sessionID, "device_id", deviceID)
			m.notify(ctx, sessionID)
		}
	})

	m.mu.Lock()
	m.ackTimers[sessionID] = timer
	m.mu.Unlock()
}

func (m *Manager) stopAckTimer(sessionID string) {
	m.mu.Lock()
	timer, ok := m.ackTimers[sessionID]
	if ok {
		delete(m.ackTimers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (m *Manager) deviceLock(deviceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[deviceID] = lock
	}
	return lock
}

func (m *Manager) notify(ctx context.Context, sessionID string) {
	if m.notifier == nil {
		return
	}
	if sess, err := m.store.GetSession(ctx, sessionID); err == nil {
		m.notifier.SessionChanged(sess)
	}
}
