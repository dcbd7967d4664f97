// ABOUTME: Tests for command FIFO delivery, timeout settlement, and reconnect flush.
// ABOUTME: Uses a captured timer source so timeouts fire deterministically.

package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwatch/fleet-gateway/internal/registry"
	"github.com/netwatch/fleet-gateway/internal/store"
	"github.com/netwatch/fleet-gateway/internal/wire"
)

type delivery struct {
	deviceID  string
	commandID string
	command   string
}

type fakeTransport struct {
	mu         sync.Mutex
	deliveries []delivery
	offline    map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{offline: make(map[string]bool)}
}

func (tr *fakeTransport) Deliver(deviceID, commandID, command string, payload []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.offline[deviceID] {
		return errors.New("device offline")
	}
	tr.deliveries = append(tr.deliveries, delivery{deviceID, commandID, command})
	return nil
}

func (tr *fakeTransport) setOffline(deviceID string, off bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.offline[deviceID] = off
}

func (tr *fakeTransport) snapshot() []delivery {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]delivery, len(tr.deliveries))
	copy(out, tr.deliveries)
	return out
}

type armedTimer struct {
	d       time.Duration
	fire    func()
	stopped bool
}

func (t *armedTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// timerSource captures timers instead of scheduling them, so tests decide
// when a timeout fires.
type timerSource struct {
	mu     sync.Mutex
	timers []*armedTimer
}

func (ts *timerSource) afterFunc(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &armedTimer{d: d, fire: f}
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

type updateLog struct {
	mu      sync.Mutex
	updates []string
}

func (l *updateLog) CommandUpdated(cmd *store.DeviceCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, fmt.Sprintf("%s:%s", cmd.ID, cmd.Status))
}

func (l *updateLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.updates))
	copy(out, l.updates)
	return out
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      store.Store
	transport  *fakeTransport
	timers     *timerSource
	updates    *updateLog
}

func newFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	transport := newFakeTransport()
	timers := &timerSource{}
	updates := &updateLog{}
	d := New(Params{
		Store:           s,
		Transport:       transport,
		Notifier:        updates,
		DefaultTimeout:  30 * time.Second,
		SessionTimeout:  10 * time.Second,
		TransferTimeout: 5 * time.Minute,
		AfterFunc:       timers.afterFunc,
	})
	return &dispatcherFixture{dispatcher: d, store: s, transport: transport, timers: timers, updates: updates}
}

func TestEnqueueDeliversWhenOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdLock, nil, "op-1")
	require.NoError(t, err)

	deliveries := f.transport.snapshot()
	require.Len(t, deliveries, 1)
	assert.Equal(t, id, deliveries[0].commandID)

	cmd, err := f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, cmd.Status)
	require.NotNil(t, cmd.SentAt)
}

func TestEnqueueStaysPendingWhenOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.setOffline("dev-1", true)

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdLock, nil, "op-1")
	require.NoError(t, err)

	assert.Empty(t, f.transport.snapshot())
	cmd, err := f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)

	// Reconnect: the flush delivers it.
	f.transport.setOffline("dev-1", false)
	f.dispatcher.DeviceOnline(registry.DeviceIdentity{DeviceID: "dev-1", OrgID: "org-1"})

	deliveries := f.transport.snapshot()
	require.Len(t, deliveries, 1)
	assert.Equal(t, id, deliveries[0].commandID)
}

func TestPerDeviceFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdSetRestrictions, []byte(`{"v":1}`), "op-1")
	require.NoError(t, err)
	second, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdSetRestrictions, []byte(`{"v":2}`), "op-1")
	require.NoError(t, err)

	// Only the first command may be in flight until it settles.
	deliveries := f.transport.snapshot()
	require.Len(t, deliveries, 1)
	assert.Equal(t, first, deliveries[0].commandID)

	cmd, err := f.store.GetCommand(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)

	f.dispatcher.OnResponse(ctx, first, true, "ok", "")

	deliveries = f.transport.snapshot()
	require.Len(t, deliveries, 2)
	assert.Equal(t, second, deliveries[1].commandID)
}

func TestCrossDeviceNoOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdLock, nil, "op-1")
	require.NoError(t, err)
	_, err = f.dispatcher.Enqueue(ctx, "dev-2", wire.CmdLock, nil, "op-1")
	require.NoError(t, err)

	// Both devices have a command in flight simultaneously.
	assert.Len(t, f.transport.snapshot(), 2)
}

func TestTimeoutFailsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdExecute, []byte(`{"cmd":"ls"}`), "op-1")
	require.NoError(t, err)

	timer := f.timers.latest(t)
	assert.Equal(t, 30*time.Second, timer.d)
	timer.fire()

	cmd, err := f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, cmd.Status)
	assert.Contains(t, cmd.Error, "no response")

	// A late response after FAILED is discarded without altering state.
	f.dispatcher.OnResponse(ctx, id, true, "too late", "")
	cmd, err = f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, cmd.Status)
	assert.Empty(t, cmd.Response)
}

func TestResponseBeforeTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdExecute, nil, "op-1")
	require.NoError(t, err)

	f.dispatcher.OnResponse(ctx, id, false, "", "command not permitted")

	cmd, err := f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, cmd.Status)
	assert.Equal(t, "command not permitted", cmd.Error)

	// The timeout timer was stopped; firing it anyway must be harmless.
	timer := f.timers.latest(t)
	assert.True(t, timer.stopped)
	timer.fire()
	cmd, err = f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "command not permitted", cmd.Error)
}

func TestDuplicateResponseDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdLock, nil, "op-1")
	require.NoError(t, err)

	f.dispatcher.OnResponse(ctx, id, true, "locked", "")
	f.dispatcher.OnResponse(ctx, id, false, "", "bogus duplicate")

	cmd, err := f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandExecuted, cmd.Status)
	assert.Equal(t, "locked", cmd.Response)
	assert.Empty(t, cmd.Error)
}

func TestTimeoutClassByCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdStartRemoteSession, nil, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, f.timers.latest(t).d)

	_, err = f.dispatcher.Enqueue(ctx, "dev-2", wire.CmdSendFile, nil, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, f.timers.latest(t).d)
}

func TestFlushReoffersUnacknowledgedSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdMessage, []byte(`{"text":"hi"}`), "op-1")
	require.NoError(t, err)
	require.Len(t, f.transport.snapshot(), 1)

	// Device reconnects before responding: the SENT command is offered
	// again under the same id.
	f.dispatcher.DeviceOnline(registry.DeviceIdentity{DeviceID: "dev-1", OrgID: "org-1"})

	deliveries := f.transport.snapshot()
	require.Len(t, deliveries, 2)
	assert.Equal(t, id, deliveries[1].commandID)

	cmd, err := f.store.GetCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, cmd.Status, "re-offer does not change state")
}

// gatedStore lets a test hold a flush inside its open-set read while a
// concurrent enqueue commits a row.
type gatedStore struct {
	store.Store
	listEntered chan struct{}
	listGate    chan struct{}
	created     chan string
	gateOnce    sync.Once
}

func (g *gatedStore) ListOpenCommands(ctx context.Context, deviceID string) ([]*store.DeviceCommand, error) {
	g.gateOnce.Do(func() {
		close(g.listEntered)
		<-g.listGate
	})
	return g.Store.ListOpenCommands(ctx, deviceID)
}

func (g *gatedStore) CreateCommand(ctx context.Context, cmd *store.DeviceCommand) error {
	err := g.Store.CreateCommand(ctx, cmd)
	if err == nil {
		g.created <- cmd.ID
	}
	return err
}

func TestFlushKeepsConcurrentlyEnqueuedCommand(t *testing.T) {
	base, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	gs := &gatedStore{
		Store:       base,
		listEntered: make(chan struct{}),
		listGate:    make(chan struct{}),
		created:     make(chan string, 1),
	}
	transport := newFakeTransport()
	timers := &timerSource{}
	d := New(Params{
		Store:           gs,
		Transport:       transport,
		DefaultTimeout:  30 * time.Second,
		SessionTimeout:  10 * time.Second,
		TransferTimeout: 5 * time.Minute,
		AfterFunc:       timers.afterFunc,
	})
	ctx := context.Background()

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		d.FlushPending(ctx, "dev-1")
	}()
	<-gs.listEntered

	// A command committed while the flush holds the queue must not be
	// erased from the queue or overtaken by a later enqueue.
	var first string
	var enqErr error
	enqDone := make(chan struct{})
	go func() {
		defer close(enqDone)
		first, enqErr = d.Enqueue(ctx, "dev-1", wire.CmdLock, nil, "op-1")
	}()
	<-gs.created

	close(gs.listGate)
	<-flushDone
	<-enqDone
	require.NoError(t, enqErr)

	deliveries := transport.snapshot()
	require.Len(t, deliveries, 1, "the concurrent command is delivered exactly once")
	assert.Equal(t, first, deliveries[0].commandID)
	cmd, err := base.GetCommand(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSent, cmd.Status)

	second, err := d.Enqueue(ctx, "dev-1", wire.CmdUnlock, nil, "op-1")
	require.NoError(t, err)
	require.Len(t, transport.snapshot(), 1, "second command waits for the first to settle")

	d.OnResponse(ctx, first, true, "ok", "")
	deliveries = transport.snapshot()
	require.Len(t, deliveries, 2)
	assert.Equal(t, second, deliveries[1].commandID)
}

func TestNotifierSeesLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Enqueue(ctx, "dev-1", wire.CmdLock, nil, "op-1")
	require.NoError(t, err)
	f.dispatcher.OnResponse(ctx, id, true, "ok", "")

	assert.Equal(t, []string{
		id + ":" + store.CommandPending,
		id + ":" + store.CommandSent,
		id + ":" + store.CommandExecuted,
	}, f.updates.snapshot())
}
