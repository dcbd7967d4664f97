// ABOUTME: Typed dispatch of decoded envelopes to registered handlers.
// ABOUTME: Replaces stringly event callbacks so transitions are testable without a socket.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnhandledMessage indicates an envelope type with no registered handler.
var ErrUnhandledMessage = errors.New("unhandled message type")

// Router dispatches decoded envelopes to typed handlers. Handlers are
// registered once during wiring; a type without a handler yields
// ErrUnhandledMessage so the caller decides whether to drop or disconnect.
type Router struct {
	Hello             func(Hello) error
	Heartbeat         func(Heartbeat) error
	CommandResponse   func(CommandResponse) error
	ScreenFrame       func(ScreenFrame) error
	RecordingChunk    func(RecordingChunk) error
	RecordingStatus   func(RecordingStatus) error
	SubscribeStream   func(SubscribeStream) error
	UnsubscribeStream func(UnsubscribeStream) error
}

// Dispatch decodes the envelope payload and invokes the matching handler.
// Returns ErrUnhandledMessage for types without a handler and a decode error
// for malformed payloads.
func (r *Router) Dispatch(env *Envelope) error {
	switch env.Type {
	case MsgHello:
		return dispatch(env, r.Hello)
	case MsgHeartbeat:
		return dispatch(env, r.Heartbeat)
	case MsgCommandResponse:
		return dispatch(env, r.CommandResponse)
	case MsgScreenFrame:
		return dispatch(env, r.ScreenFrame)
	case MsgRecordingChunk:
		return dispatch(env, r.RecordingChunk)
	case MsgRecordingStatus:
		return dispatch(env, r.RecordingStatus)
	case MsgSubscribeStream:
		return dispatch(env, r.SubscribeStream)
	case MsgUnsubscribeStream:
		return dispatch(env, r.UnsubscribeStream)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledMessage, env.Type)
	}
}

func dispatch[T any](env *Envelope, handler func(T) error) error {
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrUnhandledMessage, env.Type)
	}
	var payload T
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return handler(payload)
}
