// ABOUTME: Gateway orchestrator wiring the registry, dispatcher, sessions, and streams.
// ABOUTME: Manages the HTTP server, websocket endpoints, and component lifecycle.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/netwatch/fleet-gateway/internal/auth"
	"github.com/netwatch/fleet-gateway/internal/command"
	"github.com/netwatch/fleet-gateway/internal/config"
	"github.com/netwatch/fleet-gateway/internal/registry"
	"github.com/netwatch/fleet-gateway/internal/session"
	"github.com/netwatch/fleet-gateway/internal/store"
	"github.com/netwatch/fleet-gateway/internal/stream"
	"github.com/netwatch/fleet-gateway/internal/transfer"
	"github.com/netwatch/fleet-gateway/internal/wire"
)

// Gateway orchestrates the fleet-gateway server components. It owns the
// HTTP server that carries the REST API and both websocket endpoints, and
// wires the coordination components to each other.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	dispatcher *command.Dispatcher
	sessions   *session.Manager
	fanout     *stream.Fanout
	transfers  *transfer.Reassembler
	httpServer *http.Server
	logger     *slog.Logger

	// verifier is nil when no JWT secret is configured (anonymous mode).
	verifier *auth.JWTVerifier

	// transferMu guards transferOrgs, mapping in-flight transfer ids to the
	// org whose consoles receive state updates, and transferKinds, mapping
	// ids announced by file commands to the file timeout class.
	transferMu    sync.Mutex
	transferOrgs  map[string]string
	transferKinds map[string]transfer.Kind

	done      chan struct{}
	closeOnce sync.Once
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// registryTransport delivers command frames over the device's registered
// websocket handle.
type registryTransport struct {
	registry *registry.Registry
}

func (t *registryTransport) Deliver(deviceID, commandID, cmd string, payload []byte) error {
	h, ok := t.registry.Lookup(deviceID)
	if !ok {
		return fmt.Errorf("device %s offline", deviceID)
	}
	return h.Send(wire.MsgCommand, wire.Command{ID: commandID, Command: cmd, Payload: payload})
}

// dispatchStreamControl issues screen stream start/stop through the command
// dispatcher so stream control obeys the same per-device ordering as every
// other command.
type dispatchStreamControl struct {
	dispatcher *command.Dispatcher
}

type streamParams struct {
	Quality int `json:"quality"`
	FPS     int `json:"fps"`
}

func (c *dispatchStreamControl) StartStream(deviceID string, quality, fps int) error {
	payload, err := json.Marshal(streamParams{Quality: quality, FPS: fps})
	if err != nil {
		return err
	}
	_, err = c.dispatcher.Enqueue(context.Background(), deviceID, wire.CmdStartScreenStream, payload, "gateway")
	return err
}

func (c *dispatchStreamControl) StopStream(deviceID string) error {
	_, err := c.dispatcher.Enqueue(context.Background(), deviceID, wire.CmdStopScreenStream, nil, "gateway")
	return err
}

// deviceDirectory persists device-to-org bindings as devices connect, so org
// scoping holds for devices that are currently offline.
type deviceDirectory struct {
	store  store.Store
	logger *slog.Logger
}

func (d *deviceDirectory) DeviceOnline(identity registry.DeviceIdentity) {
	if err := d.store.UpsertDevice(context.Background(), identity.DeviceID, identity.OrgID, time.Now()); err != nil {
		d.logger.Error("recording device org", "device_id", identity.DeviceID, "error", err)
	}
}

func (d *deviceDirectory) DeviceOffline(identity registry.DeviceIdentity) {}

// fanoutListener tears down stream subscriptions when their device drops.
type fanoutListener struct {
	fanout *stream.Fanout
}

func (l *fanoutListener) DeviceOnline(identity registry.DeviceIdentity) {}

func (l *fanoutListener) DeviceOffline(identity registry.DeviceIdentity) {
	l.fanout.DropDevice(identity.DeviceID)
}

// New creates a Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:        cfg,
		store:         s,
		logger:        logger.With("component", "gateway"),
		transferOrgs:  make(map[string]string),
		transferKinds: make(map[string]transfer.Kind),
		done:          make(chan struct{}),
	}

	gw.registry = registry.New(registry.Params{
		IdleThreshold: cfg.Agents.IdleThreshold,
		SweepInterval: cfg.Agents.SweepInterval,
		Logger:        logger,
	})

	gw.dispatcher = command.New(command.Params{
		Store:           s,
		Transport:       &registryTransport{registry: gw.registry},
		Notifier:        gw,
		Logger:          logger,
		DefaultTimeout:  cfg.Commands.DefaultTimeout,
		SessionTimeout:  cfg.Commands.SessionTimeout,
		TransferTimeout: cfg.Commands.TransferTimeout,
	})

	gw.fanout = stream.New(stream.Params{
		Control:        &dispatchStreamControl{dispatcher: gw.dispatcher},
		DefaultQuality: cfg.Streams.DefaultQuality,
		DefaultFPS:     cfg.Streams.DefaultFPS,
		Logger:         logger,
	})

	gw.sessions = session.New(session.Params{
		Store:      s,
		Enqueuer:   gw.dispatcher,
		Presence:   gw.registry,
		Notifier:   gw,
		Logger:     logger,
		AckTimeout: cfg.Commands.SessionTimeout,
	})

	gw.transfers = transfer.New(transfer.Params{
		RecordingTimeout: cfg.Transfers.RecordingTimeout,
		FileTimeout:      cfg.Transfers.FileTimeout,
		SweepInterval:    cfg.Transfers.SweepInterval,
		Sink:             gw,
		Logger:           logger,
	})

	// Online/offline transitions fan out to the components that care.
	gw.registry.AddListener(gw.dispatcher)
	gw.registry.AddListener(gw.sessions)
	gw.registry.AddListener(&fanoutListener{fanout: gw.fanout})
	gw.registry.AddListener(&deviceDirectory{store: s, logger: gw.logger})

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("console auth enabled (JWT)")
	} else {
		logger.Warn("console auth disabled - no jwt_secret configured")
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	mux.HandleFunc("/ws/agent", gw.handleAgentSocket)
	mux.HandleFunc("/ws/console", gw.handleConsoleSocket)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled. Returns
// nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	go g.registry.Run(g.done)
	go g.transfers.Run(g.done)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.closeOnce.Do(func() { close(g.done) })

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.registry.Close()
	g.transfers.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.registry.AgentCount()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}

// CommandUpdated implements command.Notifier: every command transition is
// pushed to the consoles of the operator who issued it.
func (g *Gateway) CommandUpdated(cmd *store.DeviceCommand) {
	update := wire.CommandUpdate{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Status:    cmd.Status,
		Response:  cmd.Response,
		Error:     cmd.Error,
	}
	for _, h := range g.registry.ConsolesForUser(cmd.CreatedBy) {
		if err := h.Send(wire.MsgCommandUpdate, update); err != nil {
			g.logger.Debug("command update not delivered", "command_id", cmd.ID, "error", err)
		}
	}
}

// SessionChanged implements session.Notifier.
func (g *Gateway) SessionChanged(sess *store.RemoteSession) {
	update := wire.SessionUpdate{
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		Status:    sess.Status,
		Reason:    sess.EndReason,
	}
	for _, h := range g.registry.ConsolesForUser(sess.UserID) {
		if err := h.Send(wire.MsgSessionUpdate, update); err != nil {
			g.logger.Debug("session update not delivered", "session_id", sess.ID, "error", err)
		}
	}
}

// TransferComplete implements transfer.Sink: the assembled artifact is
// written under the artifacts directory and the owning org is notified.
func (g *Gateway) TransferComplete(transferID string, data []byte) {
	path := filepath.Join(g.config.Server.ArtifactsDir, transferID+".bin")
	if err := os.MkdirAll(g.config.Server.ArtifactsDir, 0o755); err != nil {
		g.logger.Error("creating artifacts dir", "error", err)
		g.TransferFailed(transferID, "artifact storage unavailable")
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		g.logger.Error("writing artifact", "transfer_id", transferID, "error", err)
		g.TransferFailed(transferID, "artifact write failed")
		return
	}
	g.logger.Info("artifact stored", "transfer_id", transferID, "path", path, "bytes", len(data))
	g.broadcastTransferState(transferID, "COMPLETE", "")
}

// TransferFailed implements transfer.Sink.
func (g *Gateway) TransferFailed(transferID string, reason string) {
	g.broadcastTransferState(transferID, "FAILED", reason)
}

func (g *Gateway) broadcastTransferState(transferID, state, errMsg string) {
	g.transferMu.Lock()
	orgID := g.transferOrgs[transferID]
	if state == "COMPLETE" || state == "FAILED" {
		delete(g.transferOrgs, transferID)
		delete(g.transferKinds, transferID)
	}
	g.transferMu.Unlock()

	update := wire.TransferState{TransferID: transferID, State: state, Error: errMsg}
	for _, h := range g.registry.ConsolesInOrg(orgID) {
		if err := h.Send(wire.MsgTransferState, update); err != nil {
			g.logger.Debug("transfer update not delivered", "transfer_id", transferID, "error", err)
		}
	}
}

func (g *Gateway) trackTransferOrg(transferID, orgID string) {
	g.transferMu.Lock()
	if _, ok := g.transferOrgs[transferID]; !ok {
		g.transferOrgs[transferID] = orgID
	}
	g.transferMu.Unlock()
}

// expectFileTransfer records that chunks arriving under this id carry a file,
// so the reassembler applies the file timeout instead of the recording one.
func (g *Gateway) expectFileTransfer(transferID string) {
	g.transferMu.Lock()
	g.transferKinds[transferID] = transfer.KindFile
	g.transferMu.Unlock()
}

func (g *Gateway) transferKind(transferID string) transfer.Kind {
	g.transferMu.Lock()
	defer g.transferMu.Unlock()
	if kind, ok := g.transferKinds[transferID]; ok {
		return kind
	}
	return transfer.KindRecording
}
