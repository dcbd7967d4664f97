// ABOUTME: Tests for wire envelope encoding and the typed message router.
// ABOUTME: Covers round-trips, malformed input, and handler dispatch rules.

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(MsgHeartbeat, Heartbeat{DeviceID: "dev-1", CPU: 12.5, Mem: 40, Disk: 71, Idle: 300})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, env.Type)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(env.Data, &hb))
	assert.Equal(t, "dev-1", hb.DeviceID)
	assert.Equal(t, 12.5, hb.CPU)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err, "envelope without a type is rejected")
}

func TestFrameBytesRoundTrip(t *testing.T) {
	frame := ScreenFrame{DeviceID: "dev-1", MonitorIndex: 1, Bytes: []byte{0xff, 0xd8, 0x00, 0x10}}
	raw, err := Encode(MsgScreenFrame, frame)
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)

	var got ScreenFrame
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, frame.Bytes, got.Bytes)
	assert.Equal(t, 1, got.MonitorIndex)
}

func TestRouterDispatch(t *testing.T) {
	var seen []string
	router := &Router{
		Heartbeat: func(hb Heartbeat) error {
			seen = append(seen, "heartbeat:"+hb.DeviceID)
			return nil
		},
		CommandResponse: func(resp CommandResponse) error {
			seen = append(seen, "response:"+resp.CommandID)
			return nil
		},
	}

	raw, err := Encode(MsgHeartbeat, Heartbeat{DeviceID: "dev-1"})
	require.NoError(t, err)
	env, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, router.Dispatch(env))

	raw, err = Encode(MsgCommandResponse, CommandResponse{CommandID: "cmd-1", Success: true})
	require.NoError(t, err)
	env, err = Decode(raw)
	require.NoError(t, err)
	require.NoError(t, router.Dispatch(env))

	assert.Equal(t, []string{"heartbeat:dev-1", "response:cmd-1"}, seen)
}

func TestRouterRejectsUnhandled(t *testing.T) {
	router := &Router{}

	env := &Envelope{Type: MsgScreenFrame, Data: []byte(`{}`)}
	err := router.Dispatch(env)
	assert.ErrorIs(t, err, ErrUnhandledMessage)

	env = &Envelope{Type: "nonsense", Data: []byte(`{}`)}
	err = router.Dispatch(env)
	assert.ErrorIs(t, err, ErrUnhandledMessage)
}

func TestRouterRejectsMalformedPayload(t *testing.T) {
	router := &Router{
		RecordingChunk: func(RecordingChunk) error { return nil },
	}
	env := &Envelope{Type: MsgRecordingChunk, Data: []byte(`{"index":"zero"}`)}
	assert.Error(t, router.Dispatch(env))
}
