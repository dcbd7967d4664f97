// ABOUTME: Tracks live agent and console connections and their heartbeat freshness.
// ABOUTME: Central lookup every other coordination component queries for online state.

package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/netwatch/fleet-gateway/internal/wire"
)

// Handle is one live transport connection. A handle belongs to exactly one
// device or one console for its whole life; reconnects produce new handles.
type Handle interface {
	// Send encodes and writes one message. Implementations must be safe for
	// concurrent use and must not block indefinitely on a dead peer.
	Send(msgType wire.MsgType, payload any) error
	// Close tears down the transport. Safe to call more than once.
	Close(reason string) error
}

// DeviceIdentity names a device within its organization. All console-facing
// lookups are scoped by OrgID.
type DeviceIdentity struct {
	DeviceID string
	OrgID    string
}

// AgentInfo describes a registering agent connection.
type AgentInfo struct {
	Identity DeviceIdentity
	Hostname string
	Version  string
}

// ConsoleInfo describes a registering console connection.
type ConsoleInfo struct {
	ConsoleID string
	UserID    string
	OrgID     string
}

// Telemetry is the most recent heartbeat payload from a device.
type Telemetry struct {
	CPU        float64
	Mem        float64
	Disk       float64
	Idle       int64
	ReceivedAt time.Time
}

// DeviceStatus is a point-in-time view of one registered device.
type DeviceStatus struct {
	Info       AgentInfo
	Online     bool
	LastSeenAt time.Time
	Telemetry  Telemetry
}

// Listener is notified when a device transitions online or offline.
// Callbacks run outside the registry lock; implementations may call back
// into the registry.
type Listener interface {
	DeviceOnline(identity DeviceIdentity)
	DeviceOffline(identity DeviceIdentity)
}

type agentEntry struct {
	info      AgentInfo
	handle    Handle
	lastSeen  time.Time
	telemetry Telemetry
}

type consoleEntry struct {
	info   ConsoleInfo
	handle Handle
}

// Params configures a Registry.
type Params struct {
	// IdleThreshold is how long a device may stay silent before it is
	// considered offline. Normally a small multiple of the heartbeat interval.
	IdleThreshold time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now lets tests advance virtual time. Defaults to time.Now.
	Now func() time.Time
}

// Registry is the bidirectional map of identity to live connection for both
// agents and consoles.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*agentEntry   // deviceID -> entry
	consoles  map[string]*consoleEntry // consoleID -> entry
	listeners []Listener

	idleThreshold time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Registry. The caller starts the idle sweep with Run.
func New(p Params) *Registry {
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = p.IdleThreshold / 2
	}
	return &Registry{
		agents:        make(map[string]*agentEntry),
		consoles:      make(map[string]*consoleEntry),
		idleThreshold: p.IdleThreshold,
		sweepInterval: p.SweepInterval,
		now:           p.Now,
		logger:        p.Logger.With("component", "registry"),
		done:          make(chan struct{}),
	}
}

// AddListener registers a component interested in online/offline transitions.
// Must be called during wiring, before connections arrive.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds an agent connection. If the device already has a live handle
// (a silent reconnect left a zombie behind), the old handle is closed and
// replaced; the identity is never bound to two sockets at once. Listeners are
// notified on every registration so queued work for the device is flushed.
func (r *Registry) Register(info AgentInfo, h Handle) {
	deviceID := info.Identity.DeviceID

	r.mu.Lock()
	old, existed := r.agents[deviceID]
	r.agents[deviceID] = &agentEntry{
		info:     info,
		handle:   h,
		lastSeen: r.now(),
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if existed {
		_ = old.handle.Close("replaced by new connection")
		r.logger.Info("agent reconnected, stale handle closed",
			"device_id", deviceID,
			"org_id", info.Identity.OrgID,
		)
	} else {
		r.logger.Info("agent connected",
			"device_id", deviceID,
			"org_id", info.Identity.OrgID,
			"hostname", info.Hostname,
		)
	}

	for _, l := range listeners {
		l.DeviceOnline(info.Identity)
	}
}

// Unregister removes an agent connection. The handle is compared so a
// replaced connection unregistering late cannot evict its successor.
func (r *Registry) Unregister(deviceID string, h Handle) {
	r.mu.Lock()
	entry, ok := r.agents[deviceID]
	if !ok || entry.handle != h {
		r.mu.Unlock()
		return
	}
	delete(r.agents, deviceID)
	identity := entry.info.Identity
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.logger.Info("agent disconnected", "device_id", deviceID)

	for _, l := range listeners {
		l.DeviceOffline(identity)
	}
}

// Lookup returns the live handle for a device.
func (r *Registry) Lookup(deviceID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[deviceID]
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// Identity returns the registered identity for a device.
func (r *Registry) Identity(deviceID string) (DeviceIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[deviceID]
	if !ok {
		return DeviceIdentity{}, false
	}
	return entry.info.Identity, true
}

// Touch refreshes the device's heartbeat timestamp.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[deviceID]; ok {
		entry.lastSeen = r.now()
	}
}

// UpdateTelemetry records the latest heartbeat payload and refreshes the
// heartbeat timestamp.
func (r *Registry) UpdateTelemetry(deviceID string, tel Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[deviceID]; ok {
		now := r.now()
		entry.lastSeen = now
		tel.ReceivedAt = now
		entry.telemetry = tel
	}
}

// IsOnline reports whether a device has a live handle with a fresh heartbeat.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[deviceID]
	if !ok {
		return false
	}
	return r.now().Sub(entry.lastSeen) < r.idleThreshold
}

// ListDevices returns the status of all registered devices in the given
// organization. An empty orgID returns every device.
func (r *Registry) ListDevices(orgID string) []DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]DeviceStatus, 0, len(r.agents))
	for _, entry := range r.agents {
		if orgID != "" && entry.info.Identity.OrgID != orgID {
			continue
		}
		out = append(out, DeviceStatus{
			Info:       entry.info,
			Online:     now.Sub(entry.lastSeen) < r.idleThreshold,
			LastSeenAt: entry.lastSeen,
			Telemetry:  entry.telemetry,
		})
	}
	return out
}

// RegisterConsole adds a console connection.
func (r *Registry) RegisterConsole(info ConsoleInfo, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consoles[info.ConsoleID] = &consoleEntry{info: info, handle: h}
	r.logger.Debug("console connected", "console_id", info.ConsoleID, "user_id", info.UserID)
}

// UnregisterConsole removes a console connection.
func (r *Registry) UnregisterConsole(consoleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consoles[consoleID]; ok {
		delete(r.consoles, consoleID)
		r.logger.Debug("console disconnected", "console_id", consoleID)
	}
}

// ConsolesForUser returns the live console handles owned by an operator.
// An operator may have several consoles open; updates go to all of them.
func (r *Registry) ConsolesForUser(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, entry := range r.consoles {
		if entry.info.UserID == userID {
			out = append(out, entry.handle)
		}
	}
	return out
}

// ConsolesInOrg returns the live console handles in an organization. An
// empty orgID returns every console.
func (r *Registry) ConsolesInOrg(orgID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, entry := range r.consoles {
		if orgID != "" && entry.info.OrgID != orgID {
			continue
		}
		out = append(out, entry.handle)
	}
	return out
}

// AgentCount returns the number of registered agent connections.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SweepIdle drops agents whose heartbeat is older than the idle threshold,
// closing their handles and notifying listeners. Exposed so tests can drive
// the sweep with virtual time instead of sleeping.
func (r *Registry) SweepIdle() {
	r.mu.Lock()
	now := r.now()
	var expired []*agentEntry
	for deviceID, entry := range r.agents {
		if now.Sub(entry.lastSeen) >= r.idleThreshold {
			delete(r.agents, deviceID)
			expired = append(expired, entry)
		}
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	for _, entry := range expired {
		_ = entry.handle.Close("heartbeat timeout")
		r.logger.Warn("agent timed out",
			"device_id", entry.info.Identity.DeviceID,
			"last_seen", entry.lastSeen,
		)
		for _, l := range listeners {
			l.DeviceOffline(entry.info.Identity)
		}
	}
}

// Run drives the periodic idle sweep until the context is canceled or the
// registry is closed.
func (r *Registry) Run(done <-chan struct{}) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepIdle()
		case <-done:
			return
		case <-r.done:
			return
		}
	}
}

// Close stops the sweep loop. Safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// snapshotListeners must be called with mu held.
func (r *Registry) snapshotListeners() []Listener {
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}
