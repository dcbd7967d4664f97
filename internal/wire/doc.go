// Package wire defines the JSON message envelopes exchanged with device
// agents and operator consoles, and a typed Router for dispatching them.
//
// # Envelope
//
// Every websocket message is a single JSON object:
//
//	{"type": "heartbeat", "payload": {...}}
//
// Decode returns the envelope with the payload left raw; the Router
// unmarshals it into the registered handler's typed argument. Handlers
// therefore receive concrete structs and state transitions are testable
// without a socket.
//
// # Vocabulary
//
// Inbound from agents: hello, heartbeat, command_response, screen_frame,
// recording_chunk, recording_status. Inbound from consoles:
// subscribe_stream, unsubscribe_stream. Outbound: command,
// command_update, session_update, transfer_state, stream_subscribed.
//
// Command verbs are uppercase (LOCK, SHUTDOWN, SEND_FILE, ...) except the
// stream control pair, which keeps the agent's lowercase event names
// (start_screen_stream, stop_screen_stream).
package wire
