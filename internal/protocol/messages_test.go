package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listentogether/internal/protocol"
)

func TestEncodeProducesSnakeCaseFields(t *testing.T) {
	data, err := protocol.Encode(protocol.MsgJoinRoom, protocol.JoinRoomPayload{
		RoomCode: "ABC123",
		Username: "alice",
	})
	require.NoError(t, err)

	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.JSONEq(t, `"join_room"`, string(frame["type"]))
	assert.JSONEq(t, `{"room_code":"ABC123","username":"alice"}`, string(frame["payload"]))
}

func TestEncodeWithoutPayload(t *testing.T) {
	data, err := protocol.Encode(protocol.MsgPing, nil)
	require.NoError(t, err)

	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgPing, msg.Type)
	assert.Empty(t, msg.Payload)
}

func TestDecodeLeavesPayloadRaw(t *testing.T) {
	wire := `{"type":"sync_playback","payload":{"action":"seek","position":42000,"seq":7,"server_time":1700000000000}}`

	msg, err := protocol.Decode([]byte(wire))
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgSyncPlayback, msg.Type)

	var p protocol.PlaybackActionPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ActionSeek, p.Action)
	require.NotNil(t, p.Position)
	assert.Equal(t, int64(42000), *p.Position)
	assert.Equal(t, uint64(7), p.Seq)
	assert.Equal(t, int64(1700000000000), p.ServerTime)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := protocol.Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestPlaybackActionOmitsAbsentPosition(t *testing.T) {
	data, err := json.Marshal(protocol.PlaybackActionPayload{Action: protocol.ActionPlay})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "position")

	// A pointer to zero must survive the round-trip; pausing at 0ms is not
	// the same as pausing with no position.
	zero := int64(0)
	data, err = json.Marshal(protocol.PlaybackActionPayload{
		Action:   protocol.ActionPause,
		Position: &zero,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"position":0`)
}

func TestRoomStateHostUser(t *testing.T) {
	state := protocol.RoomState{
		RoomCode: "ABC123",
		HostID:   "u1",
		Users: []protocol.UserInfo{
			{UserID: "u1", Username: "alice", IsHost: true},
			{UserID: "u2", Username: "bob"},
		},
	}

	host, ok := state.HostUser()
	assert.True(t, ok)
	assert.Equal(t, "alice", host.Username)

	state.Users = state.Users[1:]
	_, ok = state.HostUser()
	assert.False(t, ok)
}
