// ABOUTME: HTTP API handlers for device listing, command enqueue, and sessions.
// ABOUTME: Console frontends use these endpoints alongside the websocket push channel.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/netwatch/fleet-gateway/internal/auth"
	"github.com/netwatch/fleet-gateway/internal/session"
	"github.com/netwatch/fleet-gateway/internal/store"
	"github.com/netwatch/fleet-gateway/internal/wire"
)

type principalContextKey struct{}

// anonymousPrincipal is used when no JWT secret is configured.
var anonymousPrincipal = &auth.Principal{UserID: "anonymous"}

// validCommands is the set of command names a console may enqueue. Stream
// control verbs are excluded: those are issued by the fanout, not directly.
var validCommands = map[string]bool{
	wire.CmdLock:            true,
	wire.CmdUnlock:          true,
	wire.CmdShutdown:        true,
	wire.CmdRestart:         true,
	wire.CmdLogoff:          true,
	wire.CmdSleep:           true,
	wire.CmdMessage:         true,
	wire.CmdExecute:         true,
	wire.CmdKillProcess:     true,
	wire.CmdSetRestrictions: true,
	wire.CmdStartRecording:  true,
	wire.CmdStopRecording:   true,
	wire.CmdCancelTransfer:  true,
	wire.CmdSendFile:        true,
	wire.CmdReceiveFile:     true,
}

// EnqueueCommandRequest is the JSON request body for POST /api/commands.
type EnqueueCommandRequest struct {
	DeviceID string          `json:"device_id"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// EnqueueCommandResponse is the JSON response for POST /api/commands.
type EnqueueCommandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// CommandStatusResponse is the JSON response for GET /api/commands/{id}.
type CommandStatusResponse struct {
	CommandID  string `json:"command_id"`
	DeviceID   string `json:"device_id"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	SentAt     string `json:"sent_at,omitempty"`
	ExecutedAt string `json:"executed_at,omitempty"`
}

// DeviceResponse is one entry in the GET /api/devices listing.
type DeviceResponse struct {
	DeviceID   string  `json:"device_id"`
	OrgID      string  `json:"org_id"`
	Hostname   string  `json:"hostname,omitempty"`
	Version    string  `json:"version,omitempty"`
	Online     bool    `json:"online"`
	LastSeenAt string  `json:"last_seen_at"`
	CPU        float64 `json:"cpu"`
	Mem        float64 `json:"mem"`
	Disk       float64 `json:"disk"`
	Idle       int64   `json:"idle"`
}

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	DeviceID    string `json:"device_id"`
	SessionType string `json:"session_type"`
}

// SessionResponse is the JSON response for session operations.
type SessionResponse struct {
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	SessionType string `json:"session_type"`
	Status      string `json:"status"`
	SessionKey  string `json:"session_key,omitempty"`
	EndReason   string `json:"end_reason,omitempty"`
}

// registerAPIRoutes registers the REST endpoints, behind auth middleware
// when a JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.Handler { return h }
	if g.verifier != nil {
		wrap = func(h http.HandlerFunc) http.Handler { return g.requireAuth(h) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("/api/devices", wrap(g.handleListDevices))
	mux.Handle("/api/commands", wrap(g.handleCommands))
	mux.Handle("/api/commands/", wrap(g.handleCommandStatus))
	mux.Handle("/api/sessions", wrap(g.handleSessions))
	mux.Handle("/api/sessions/", wrap(g.handleSessionRoutes))
}

// requireAuth verifies the Bearer token and stashes the principal in the
// request context.
func (g *Gateway) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			g.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := g.verifier.Verify(token)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next(w, r.WithContext(ctx))
	})
}

func (g *Gateway) principalFrom(r *http.Request) *auth.Principal {
	if p, ok := r.Context().Value(principalContextKey{}).(*auth.Principal); ok {
		return p
	}
	return anonymousPrincipal
}

// handleListDevices handles GET /api/devices, returning every device in
// the caller's organization with its latest telemetry.
func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	principal := g.principalFrom(r)

	devices := g.registry.ListDevices(principal.OrgID)
	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceResponse{
			DeviceID:   d.Info.Identity.DeviceID,
			OrgID:      d.Info.Identity.OrgID,
			Hostname:   d.Info.Hostname,
			Version:    d.Info.Version,
			Online:     d.Online,
			LastSeenAt: d.LastSeenAt.UTC().Format(time.RFC3339),
			CPU:        d.Telemetry.CPU,
			Mem:        d.Telemetry.Mem,
			Disk:       d.Telemetry.Disk,
			Idle:       d.Telemetry.Idle,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleCommands handles POST /api/commands.
func (g *Gateway) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	principal := g.principalFrom(r)

	var req EnqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if !validCommands[req.Command] {
		g.sendJSONError(w, http.StatusBadRequest, "unknown command")
		return
	}
	if !g.deviceVisible(r.Context(), principal, req.DeviceID) {
		g.sendJSONError(w, http.StatusNotFound, "device not found")
		return
	}

	// File commands announce their transfer id up front so the first chunk
	// lands in the right timeout class.
	if req.Command == wire.CmdSendFile || req.Command == wire.CmdReceiveFile {
		var p struct {
			TransferID string `json:"transferId"`
		}
		if err := json.Unmarshal(req.Payload, &p); err == nil && p.TransferID != "" {
			g.expectFileTransfer(p.TransferID)
		}
	}

	id, err := g.dispatcher.Enqueue(r.Context(), req.DeviceID, req.Command, req.Payload, principal.UserID)
	if err != nil {
		g.logger.Error("enqueue failed", "device_id", req.DeviceID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}

	cmd, err := g.store.GetCommand(r.Context(), id)
	status := store.CommandPending
	if err == nil {
		status = cmd.Status
	}
	g.writeJSON(w, http.StatusAccepted, EnqueueCommandResponse{CommandID: id, Status: status})
}

// handleCommandStatus handles GET /api/commands/{id}.
func (g *Gateway) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := g.store.GetCommand(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "command not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load command")
		return
	}

	resp := CommandStatusResponse{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    cmd.Status,
		Response:  cmd.Response,
		Error:     cmd.Error,
		CreatedAt: cmd.CreatedAt.UTC().Format(time.RFC3339),
	}
	if cmd.SentAt != nil {
		resp.SentAt = cmd.SentAt.UTC().Format(time.RFC3339)
	}
	if cmd.ExecutedAt != nil {
		resp.ExecutedAt = cmd.ExecutedAt.UTC().Format(time.RFC3339)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSessions handles POST /api/sessions.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	principal := g.principalFrom(r)

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	switch req.SessionType {
	case store.SessionTypeView, store.SessionTypeControl, store.SessionTypeShell:
	default:
		g.sendJSONError(w, http.StatusBadRequest, "invalid session_type")
		return
	}
	if !g.deviceVisible(r.Context(), principal, req.DeviceID) {
		g.sendJSONError(w, http.StatusNotFound, "device not found")
		return
	}

	sess, err := g.sessions.RequestSession(r.Context(), req.DeviceID, principal.UserID, req.SessionType)
	if err != nil {
		if errors.Is(err, session.ErrSessionConflict) {
			g.sendJSONError(w, http.StatusConflict, "device already has a live session")
			return
		}
		g.logger.Error("session request failed", "device_id", req.DeviceID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	g.writeJSON(w, http.StatusCreated, SessionResponse{
		SessionID:   sess.ID,
		DeviceID:    sess.DeviceID,
		SessionType: sess.SessionType,
		Status:      sess.Status,
		SessionKey:  sess.SessionKey,
	})
}

// handleSessionRoutes handles GET and DELETE /api/sessions/{id}.
func (g *Gateway) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sess, err := g.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	// A foreign session is indistinguishable from a missing one.
	if !g.sessionVisible(r.Context(), g.principalFrom(r), sess) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		if err := g.sessions.EndSession(r.Context(), id, "ended by operator"); err != nil {
			g.logger.Error("ending session", "session_id", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to end session")
			return
		}
		sess, err = g.store.GetSession(r.Context(), id)
		if err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	g.writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:   sess.ID,
		DeviceID:    sess.DeviceID,
		SessionType: sess.SessionType,
		Status:      sess.Status,
		EndReason:   sess.EndReason,
	})
}

// deviceVisible reports whether the principal's org may address the device.
// Offline devices keep the org binding from their last connection; only a
// device that has never connected is visible to everyone, since commands for
// it queue until it first appears.
func (g *Gateway) deviceVisible(ctx context.Context, principal *auth.Principal, deviceID string) bool {
	if principal.OrgID == "" {
		return true
	}
	if identity, ok := g.registry.Identity(deviceID); ok {
		return identity.OrgID == principal.OrgID
	}
	orgID, err := g.store.DeviceOrg(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("loading device org", "device_id", deviceID, "error", err)
		}
		return true
	}
	return orgID == principal.OrgID
}

// sessionVisible reports whether the principal may see a session: its owner
// always can, anyone else needs the session's device in their org.
func (g *Gateway) sessionVisible(ctx context.Context, principal *auth.Principal, sess *store.RemoteSession) bool {
	if sess.UserID == principal.UserID {
		return true
	}
	return g.deviceVisible(ctx, principal, sess.DeviceID)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
