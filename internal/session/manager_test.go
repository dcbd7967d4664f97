// ABOUTME: Tests for session exclusivity, acknowledgment, and teardown paths.
// ABOUTME: Includes a concurrent request race to prove the exclusivity invariant.

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwatch/fleet-gateway/internal/registry"
	"github.com/netwatch/fleet-gateway/internal/store"
	"github.com/netwatch/fleet-gateway/internal/wire"
)

type enqueuedCommand struct {
	deviceID string
	command  string
	payload  []byte
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	commands []enqueuedCommand
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, deviceID, command string, payload []byte, createdBy string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, enqueuedCommand{deviceID, command, payload})
	return "cmd-" + command, nil
}

func (e *fakeEnqueuer) snapshot() []enqueuedCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]enqueuedCommand, len(e.commands))
	copy(out, e.commands)
	return out
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) IsOnline(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[deviceID]
}

func (p *fakePresence) set(deviceID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == nil {
		p.online = make(map[string]bool)
	}
	p.online[deviceID] = online
}

type armedTimer struct {
	fire    func()
	stopped bool
}

func (t *armedTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

type timerSource struct {
	mu     sync.Mutex
	timers []*armedTimer
}

func (ts *timerSource) afterFunc(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &armedTimer{fire: f}
	ts.timers = append(ts.timers, t)
	return t
}

func (ts *timerSource) latest(t *testing.T) *armedTimer {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.timers)
	return ts.timers[len(ts.timers)-1]
}

type changeLog struct {
	mu      sync.Mutex
	changes []string
}

func (l *changeLog) SessionChanged(sess *store.RemoteSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, sess.ID+":"+sess.Status)
}

func (l *changeLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.changes))
	copy(out, l.changes)
	return out
}

type managerFixture struct {
	manager  *Manager
	store    store.Store
	enqueuer *fakeEnqueuer
	presence *fakePresence
	timers   *timerSource
	changes  *changeLog
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	enqueuer := &fakeEnqueuer{}
	presence := &fakePresence{}
	timers := &timerSource{}
	changes := &changeLog{}
	m := New(Params{
		Store:      s,
		Enqueuer:   enqueuer,
		Presence:   presence,
		Notifier:   changes,
		AckTimeout: 10 * time.Second,
		AfterFunc:  timers.afterFunc,
	})
	return &managerFixture{manager: m, store: s, enqueuer: enqueuer, presence: presence, timers: timers, changes: changes}
}

func TestRequestSessionHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPending, sess.Status)
	assert.NotEmpty(t, sess.SessionKey)

	commands := f.enqueuer.snapshot()
	require.Len(t, commands, 1)
	assert.Equal(t, wire.CmdStartRemoteSession, commands[0].command)

	var payload struct {
		SessionID  string `json:"sessionId"`
		SessionKey string `json:"sessionKey"`
		Mode       string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(commands[0].payload, &payload))
	assert.Equal(t, sess.ID, payload.SessionID)
	assert.Equal(t, sess.SessionKey, payload.SessionKey)
	assert.Equal(t, store.SessionTypeControl, payload.Mode)
}

func TestSecondSessionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)

	_, err = f.manager.RequestSession(ctx, "dev-1", "op-2", store.SessionTypeView)
	assert.ErrorIs(t, err, ErrSessionConflict)

	// A different device is unaffected.
	_, err = f.manager.RequestSession(ctx, "dev-2", "op-2", store.SessionTypeView)
	assert.NoError(t, err)
}

func TestConcurrentRequestsAdmitExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.RequestSession(ctx, "dev-race", "op-1", store.SessionTypeControl)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, conflicted int
	for err := range results {
		switch {
		case err == nil:
			won++
		case assert.ErrorIs(t, err, ErrSessionConflict):
			conflicted++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, racers-1, conflicted)
}

func TestAcknowledgeActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	require.NoError(t, f.manager.Acknowledge(ctx, sess.ID))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status)
	require.NotNil(t, got.StartedAt)

	// The ack stopped the timeout timer.
	assert.True(t, f.timers.latest(t).stopped)
}

func TestAckTimeoutEndsPendingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)

	f.timers.latest(t).fire()

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, got.Status)
	assert.Equal(t, "acknowledgment timeout", got.EndReason)

	// A straggling ack after the timeout is discarded.
	require.NoError(t, f.manager.Acknowledge(ctx, sess.ID))
	got, err = f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, got.Status)

	// The slot is free again.
	_, err = f.manager.RequestSession(ctx, "dev-1", "op-2", store.SessionTypeView)
	assert.NoError(t, err)
}

func TestEndSessionNotifiesOnlineDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.presence.set("dev-1", true)

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	require.NoError(t, f.manager.Acknowledge(ctx, sess.ID))
	require.NoError(t, f.manager.EndSession(ctx, sess.ID, "operator closed"))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, got.Status)
	assert.Equal(t, "operator closed", got.EndReason)

	commands := f.enqueuer.snapshot()
	require.Len(t, commands, 2)
	assert.Equal(t, wire.CmdEndRemoteSession, commands[1].command)
}

func TestEndSessionSkipsEndCommandWhenOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.presence.set("dev-1", false)

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	require.NoError(t, f.manager.EndSession(ctx, sess.ID, "operator closed"))

	commands := f.enqueuer.snapshot()
	require.Len(t, commands, 1, "no END_REMOTE_SESSION for an unreachable device")
}

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.presence.set("dev-1", true)

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	require.NoError(t, f.manager.EndSession(ctx, sess.ID, "first"))
	require.NoError(t, f.manager.EndSession(ctx, sess.ID, "second"))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.EndReason, "second end must not rewrite the reason")
	assert.Len(t, f.enqueuer.snapshot(), 2, "second end issues nothing")
}

func TestDeviceOfflineEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	require.NoError(t, f.manager.Acknowledge(ctx, sess.ID))

	f.manager.DeviceOffline(registry.DeviceIdentity{DeviceID: "dev-1", OrgID: "org-1"})

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, got.Status)
	assert.Equal(t, "device disconnected", got.EndReason)

	changes := f.changes.snapshot()
	assert.Equal(t, sess.ID+":"+store.SessionEnded, changes[len(changes)-1])
}

// gatedSessionStore pauses the first armed ActiveSessionForDevice lookup so a
// test can interleave two end paths.
type gatedSessionStore struct {
	store.Store
	mu            sync.Mutex
	armed         bool
	lookupEntered chan struct{}
	lookupGate    chan struct{}
}

func (g *gatedSessionStore) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedSessionStore) ActiveSessionForDevice(ctx context.Context, deviceID string) (*store.RemoteSession, error) {
	sess, err := g.Store.ActiveSessionForDevice(ctx, deviceID)
	g.mu.Lock()
	gated := g.armed
	g.armed = false
	g.mu.Unlock()
	if gated {
		close(g.lookupEntered)
		<-g.lookupGate
	}
	return sess, err
}

func TestDisconnectRacingOperatorEndNotifiesOnce(t *testing.T) {
	base, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	gs := &gatedSessionStore{
		Store:         base,
		lookupEntered: make(chan struct{}),
		lookupGate:    make(chan struct{}),
	}
	enqueuer := &fakeEnqueuer{}
	presence := &fakePresence{}
	timers := &timerSource{}
	changes := &changeLog{}
	m := New(Params{
		Store:      gs,
		Enqueuer:   enqueuer,
		Presence:   presence,
		Notifier:   changes,
		AckTimeout: 10 * time.Second,
		AfterFunc:  timers.afterFunc,
	})
	ctx := context.Background()
	presence.set("dev-1", true)

	sess, err := m.RequestSession(ctx, "dev-1", "op-1", store.SessionTypeControl)
	require.NoError(t, err)
	require.NoError(t, m.Acknowledge(ctx, sess.ID))

	// Hold the disconnect path after it has loaded the open session, let the
	// operator end win, then release the disconnect.
	gs.arm()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.DeviceOffline(registry.DeviceIdentity{DeviceID: "dev-1", OrgID: "org-1"})
	}()
	<-gs.lookupEntered

	require.NoError(t, m.EndSession(ctx, sess.ID, "operator closed"))
	close(gs.lookupGate)
	<-done

	got, err := base.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "operator closed", got.EndReason, "operator end wins the race")

	var endedNotices int
	for _, change := range changes.snapshot() {
		if change == sess.ID+":"+store.SessionEnded {
			endedNotices++
		}
	}
	assert.Equal(t, 1, endedNotices, "losing end path must not re-notify")
}

func TestDeviceOfflineWithoutSessionIsQuiet(t *testing.T) {
	f := newFixture(t)
	f.manager.DeviceOffline(registry.DeviceIdentity{DeviceID: "dev-idle", OrgID: "org-1"})
	assert.Empty(t, f.changes.snapshot())
}
