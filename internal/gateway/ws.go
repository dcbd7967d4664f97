// ABOUTME: Websocket endpoints for agent and console connections.
// ABOUTME: Owns the per-connection read loops and the shared send handle.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/netwatch/fleet-gateway/internal/auth"
	"github.com/netwatch/fleet-gateway/internal/registry"
	"github.com/netwatch/fleet-gateway/internal/stream"
	"github.com/netwatch/fleet-gateway/internal/transfer"
	"github.com/netwatch/fleet-gateway/internal/wire"
)

// helloTimeout bounds how long a new agent socket may sit silent before its
// identifying hello is required.
const helloTimeout = 10 * time.Second

// sendTimeout bounds every outbound write so a dead peer cannot wedge the
// components writing through its handle.
const sendTimeout = 5 * time.Second

// wsHandle adapts a websocket connection to registry.Handle. Writes are
// bounded by sendTimeout; the websocket library serializes concurrent
// writers internally.
type wsHandle struct {
	conn *websocket.Conn
}

func newWSHandle(conn *websocket.Conn) *wsHandle {
	return &wsHandle{conn: conn}
}

func (h *wsHandle) Send(msgType wire.MsgType, payload any) error {
	raw, err := wire.Encode(msgType, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return h.conn.Write(ctx, websocket.MessageText, raw)
}

func (h *wsHandle) Close(reason string) error {
	return h.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleAgentSocket upgrades an agent connection and runs its read loop.
// The first message must be a hello identifying the device; everything
// after is routed by type. A malformed message closes this connection only;
// no other device's state is touched.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("agent websocket accept failed", "error", err)
		return
	}

	hello, err := g.readHello(r.Context(), conn)
	if err != nil {
		g.logger.Warn("agent rejected", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid hello")
		return
	}

	identity := registry.DeviceIdentity{DeviceID: hello.DeviceID, OrgID: hello.OrgID}
	handle := newWSHandle(conn)
	g.registry.Register(registry.AgentInfo{
		Identity: identity,
		Hostname: hello.Hostname,
		Version:  hello.Version,
	}, handle)
	defer g.registry.Unregister(hello.DeviceID, handle)

	router := g.agentRouter(identity)
	g.runReadLoop(r.Context(), conn, router, "agent", hello.DeviceID)
}

// readHello reads and validates the identifying first message.
func (g *Gateway) readHello(ctx context.Context, conn *websocket.Conn) (*wire.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	env, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	if env.Type != wire.MsgHello {
		return nil, fmt.Errorf("expected hello, got %s", env.Type)
	}
	var hello wire.Hello
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		return nil, fmt.Errorf("parsing hello: %w", err)
	}
	if hello.DeviceID == "" || hello.OrgID == "" {
		return nil, errors.New("hello missing deviceId or orgId")
	}
	return &hello, nil
}

// agentRouter builds the typed message router for one agent connection.
func (g *Gateway) agentRouter(identity registry.DeviceIdentity) *wire.Router {
	deviceID := identity.DeviceID
	ctx := context.Background()

	return &wire.Router{
		Heartbeat: func(hb wire.Heartbeat) error {
			g.registry.UpdateTelemetry(deviceID, registry.Telemetry{
				CPU:  hb.CPU,
				Mem:  hb.Mem,
				Disk: hb.Disk,
				Idle: hb.Idle,
			})
			return nil
		},
		CommandResponse: func(resp wire.CommandResponse) error {
			g.handleSessionAck(ctx, resp)
			g.dispatcher.OnResponse(ctx, resp.CommandID, resp.Success, resp.Response, resp.Error)
			return nil
		},
		ScreenFrame: func(frame wire.ScreenFrame) error {
			g.fanout.PublishFrame(deviceID, frame.Bytes, frame.MonitorIndex)
			return nil
		},
		RecordingChunk: func(chunk wire.RecordingChunk) error {
			return g.handleRecordingChunk(identity, chunk)
		},
		RecordingStatus: func(status wire.RecordingStatus) error {
			g.handleRecordingStatus(identity, status)
			return nil
		},
	}
}

// handleSessionAck turns a response to a START_REMOTE_SESSION command into
// the session state transition before the dispatcher settles the command.
func (g *Gateway) handleSessionAck(ctx context.Context, resp wire.CommandResponse) {
	cmd, err := g.store.GetCommand(ctx, resp.CommandID)
	if err != nil || cmd.Command != wire.CmdStartRemoteSession {
		return
	}
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.SessionID == "" {
		return
	}
	if resp.Success {
		if err := g.sessions.Acknowledge(ctx, payload.SessionID); err != nil {
			g.logger.Warn("session ack failed", "session_id", payload.SessionID, "error", err)
		}
	} else {
		reason := resp.Error
		if reason == "" {
			reason = "device rejected session"
		}
		if err := g.sessions.EndSession(ctx, payload.SessionID, reason); err != nil {
			g.logger.Warn("ending rejected session", "session_id", payload.SessionID, "error", err)
		}
	}
}

// handleRecordingChunk feeds a chunk into the reassembler, beginning the
// transfer lazily on the first chunk seen for its id. Ids announced by a
// file command get the file timeout class; everything else is a recording.
func (g *Gateway) handleRecordingChunk(identity registry.DeviceIdentity, chunk wire.RecordingChunk) error {
	if !g.transfers.Active(chunk.TransferID) {
		if err := g.transfers.BeginTransfer(chunk.TransferID, chunk.TotalChunks, g.transferKind(chunk.TransferID)); err != nil {
			return fmt.Errorf("beginning transfer: %w", err)
		}
		g.trackTransferOrg(chunk.TransferID, identity.OrgID)
	}
	_, err := g.transfers.ReceiveChunk(chunk.TransferID, chunk.Index, chunk.Bytes)
	if err != nil {
		return fmt.Errorf("receiving chunk: %w", err)
	}
	return nil
}

// handleRecordingStatus forwards agent-side transfer progress to consoles
// and abandons transfers the agent reports as dead.
func (g *Gateway) handleRecordingStatus(identity registry.DeviceIdentity, status wire.RecordingStatus) {
	g.trackTransferOrg(status.TransferID, identity.OrgID)
	switch strings.ToUpper(status.State) {
	case "FAILED", "CANCELLED":
		g.transfers.Abandon(status.TransferID)
		g.broadcastTransferState(status.TransferID, "FAILED", "reported by device: "+status.State)
	default:
		g.broadcastTransferState(status.TransferID, strings.ToUpper(status.State), "")
	}
}

// handleConsoleSocket upgrades a console connection, authenticates it, and
// runs its read loop. Stream subscriptions die with the connection.
func (g *Gateway) handleConsoleSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := g.authenticateConsole(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("console websocket accept failed", "error", err)
		return
	}

	consoleID := uuid.New().String()
	handle := newWSHandle(conn)
	g.registry.RegisterConsole(registry.ConsoleInfo{
		ConsoleID: consoleID,
		UserID:    principal.UserID,
		OrgID:     principal.OrgID,
	}, handle)
	defer func() {
		g.fanout.UnsubscribeConsumer(consoleID)
		g.registry.UnregisterConsole(consoleID)
	}()

	router := g.consoleRouter(consoleID, principal, handle)
	g.runReadLoop(r.Context(), conn, router, "console", consoleID)
}

// authenticateConsole resolves the operator principal from the request.
// Without a configured JWT secret every console is anonymous.
func (g *Gateway) authenticateConsole(r *http.Request) (*auth.Principal, error) {
	if g.verifier == nil {
		return &auth.Principal{UserID: "anonymous"}, nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return g.verifier.Verify(token)
}

// consoleRouter builds the typed message router for one console connection.
func (g *Gateway) consoleRouter(consoleID string, principal *auth.Principal, handle *wsHandle) *wire.Router {
	return &wire.Router{
		SubscribeStream: func(req wire.SubscribeStream) error {
			ack := g.subscribeConsole(consoleID, principal, handle, req)
			return handle.Send(wire.MsgStreamSubscribed, ack)
		},
		UnsubscribeStream: func(req wire.UnsubscribeStream) error {
			if err := g.fanout.Unsubscribe(req.SubscriptionID); err != nil && !errors.Is(err, stream.ErrUnknownSubscription) {
				return err
			}
			return nil
		},
	}
}

// subscribeConsole attaches the console to a device stream and starts the
// goroutine that forwards frames until the subscription closes.
func (g *Gateway) subscribeConsole(consoleID string, principal *auth.Principal, handle *wsHandle, req wire.SubscribeStream) wire.StreamSubscribed {
	identity, ok := g.registry.Identity(req.DeviceID)
	if !ok {
		return wire.StreamSubscribed{DeviceID: req.DeviceID, Error: "device offline"}
	}
	if principal.OrgID != "" && identity.OrgID != principal.OrgID {
		return wire.StreamSubscribed{DeviceID: req.DeviceID, Error: "device not in organization"}
	}

	sub, err := g.fanout.Subscribe(req.DeviceID, consoleID, req.Quality, req.FPS)
	if err != nil {
		return wire.StreamSubscribed{DeviceID: req.DeviceID, Error: err.Error()}
	}

	go g.forwardFrames(sub, handle)
	return wire.StreamSubscribed{SubscriptionID: sub.ID, DeviceID: req.DeviceID}
}

// forwardFrames copies frames from a subscription to the console socket
// until the subscription's channel closes.
func (g *Gateway) forwardFrames(sub *stream.Subscription, handle *wsHandle) {
	for frame := range sub.Frames {
		err := handle.Send(wire.MsgScreenFrame, wire.ScreenFrame{
			DeviceID:     frame.DeviceID,
			MonitorIndex: frame.MonitorIndex,
			Bytes:        frame.Bytes,
		})
		if err != nil {
			// Socket is going away; the read loop's cleanup unsubscribes.
			g.logger.Debug("frame forward failed", "subscription_id", sub.ID, "error", err)
			return
		}
	}
}

// runReadLoop reads and dispatches messages until the connection dies. A
// decode or dispatch failure is isolated to this connection: log, close,
// and let the peer reconnect.
func (g *Gateway) runReadLoop(ctx context.Context, conn *websocket.Conn, router *wire.Router, kind, id string) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			g.logger.Debug("connection closed", "kind", kind, "id", id, "error", err)
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			g.logger.Warn("malformed message, closing connection", "kind", kind, "id", id, "error", err)
			_ = conn.Close(websocket.StatusPolicyViolation, "malformed message")
			return
		}
		if err := router.Dispatch(env); err != nil {
			if errors.Is(err, wire.ErrUnhandledMessage) {
				g.logger.Debug("ignoring unhandled message", "kind", kind, "id", id, "type", env.Type)
				continue
			}
			g.logger.Warn("message handling failed, closing connection", "kind", kind, "id", id, "type", env.Type, "error", err)
			_ = conn.Close(websocket.StatusPolicyViolation, "message handling failed")
			return
		}
	}
}

var (
	_ registry.Handle = (*wsHandle)(nil)
	_ transfer.Sink   = (*Gateway)(nil)
)
