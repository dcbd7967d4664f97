// ABOUTME: Typed wire messages exchanged with agents and consoles over websocket.
// ABOUTME: Defines the JSON envelope, payload structs, and command name constants.

package wire

import (
	"encoding/json"
	"fmt"
)

// MsgType identifies the payload carried by an Envelope.
type MsgType string

// Messages received from agents.
const (
	MsgHello           MsgType = "hello"
	MsgHeartbeat       MsgType = "heartbeat"
	MsgCommandResponse MsgType = "command_response"
	MsgScreenFrame     MsgType = "screen_frame"
	MsgRecordingChunk  MsgType = "recording_chunk"
	MsgRecordingStatus MsgType = "recording_status"
)

// Messages sent to agents and consoles.
const (
	MsgCommand          MsgType = "command"
	MsgCommandUpdate    MsgType = "command_update"
	MsgSessionUpdate    MsgType = "session_update"
	MsgTransferState    MsgType = "transfer_state"
	MsgStreamSubscribed MsgType = "stream_subscribed"
)

// Messages received from consoles.
const (
	MsgSubscribeStream   MsgType = "subscribe_stream"
	MsgUnsubscribeStream MsgType = "unsubscribe_stream"
)

// Command names carried in a Command envelope. The screen stream verbs keep
// their historical lowercase event names; everything else is uppercase.
const (
	CmdLock               = "LOCK"
	CmdUnlock             = "UNLOCK"
	CmdShutdown           = "SHUTDOWN"
	CmdRestart            = "RESTART"
	CmdLogoff             = "LOGOFF"
	CmdSleep              = "SLEEP"
	CmdMessage            = "MESSAGE"
	CmdExecute            = "EXECUTE"
	CmdKillProcess        = "KILL_PROCESS"
	CmdSetRestrictions    = "SET_RESTRICTIONS"
	CmdStartRecording     = "START_RECORDING"
	CmdStopRecording      = "STOP_RECORDING"
	CmdStartRemoteSession = "START_REMOTE_SESSION"
	CmdEndRemoteSession   = "END_REMOTE_SESSION"
	CmdCancelTransfer     = "CANCEL_TRANSFER"
	CmdSendFile           = "SEND_FILE"
	CmdReceiveFile        = "RECEIVE_FILE"
	CmdStartScreenStream  = "start_screen_stream"
	CmdStopScreenStream   = "stop_screen_stream"
)

// Envelope is the outer frame for every message on the wire.
type Envelope struct {
	Type MsgType         `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello is the first message an agent must send after connecting.
type Hello struct {
	DeviceID string `json:"deviceId"`
	OrgID    string `json:"orgId"`
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Heartbeat carries periodic device telemetry.
type Heartbeat struct {
	DeviceID string  `json:"deviceId"`
	CPU      float64 `json:"cpu"`
	Mem      float64 `json:"mem"`
	Disk     float64 `json:"disk"`
	Idle     int64   `json:"idle"`
}

// CommandResponse reports the outcome of a previously delivered command.
type CommandResponse struct {
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ScreenFrame is one captured frame from a live screen stream.
// Bytes is a JPEG image; JSON carries it base64-encoded.
type ScreenFrame struct {
	DeviceID     string `json:"deviceId"`
	MonitorIndex int    `json:"monitorIndex"`
	Bytes        []byte `json:"bytes"`
}

// RecordingChunk is one numbered fragment of a larger binary artifact.
// Indices run 0..TotalChunks-1 and may arrive in any order.
type RecordingChunk struct {
	TransferID  string `json:"transferId"`
	Index       int    `json:"index"`
	TotalChunks int    `json:"totalChunks"`
	Bytes       []byte `json:"bytes"`
}

// RecordingStatus reports a state change for an in-flight transfer.
type RecordingStatus struct {
	TransferID string `json:"transferId"`
	State      string `json:"state"` // RECORDING, UPLOADING, COMPLETE, FAILED
}

// Command is the generic envelope delivered to an agent.
type Command struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeStream is a console request to start consuming frames from a device.
type SubscribeStream struct {
	DeviceID string `json:"deviceId"`
	Quality  int    `json:"quality,omitempty"`
	FPS      int    `json:"fps,omitempty"`
}

// StreamSubscribed acknowledges a SubscribeStream request. Error is set and
// SubscriptionID empty when the request was rejected.
type StreamSubscribed struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	DeviceID       string `json:"deviceId"`
	Error          string `json:"error,omitempty"`
}

// UnsubscribeStream ends a console's frame subscription.
type UnsubscribeStream struct {
	SubscriptionID string `json:"subscriptionId"`
}

// CommandUpdate pushes a command status transition to the issuing console.
type CommandUpdate struct {
	CommandID string `json:"commandId"`
	DeviceID  string `json:"deviceId"`
	Status    string `json:"status"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionUpdate pushes a remote session transition to the owning console.
type SessionUpdate struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// TransferState pushes reassembly progress to the console that initiated it.
type TransferState struct {
	TransferID string `json:"transferId"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
}

// Encode wraps a payload in an Envelope and marshals it.
func Encode(msgType MsgType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// Decode parses raw bytes into an Envelope without touching the payload.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}
