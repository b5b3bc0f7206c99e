package protocol

import "encoding/json"

// Message is the frame exchanged with the relay in both directions.
// The payload stays raw until the type is known.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> relay message types.
const (
	MsgCreateRoom        = "create_room"
	MsgJoinRoom          = "join_room"
	MsgLeaveRoom         = "leave_room"
	MsgApproveJoin       = "approve_join"
	MsgRejectJoin        = "reject_join"
	MsgPlaybackAction    = "playback_action"
	MsgBufferReady       = "buffer_ready"
	MsgKickUser          = "kick_user"
	MsgPing              = "ping"
	MsgChat              = "chat"
	MsgRequestSync       = "request_sync"
	MsgReconnect         = "reconnect"
	MsgSuggestTrack      = "suggest_track"
	MsgApproveSuggestion = "approve_suggestion"
	MsgRejectSuggestion  = "reject_suggestion"
)

// Relay -> client message types.
const (
	MsgRoomCreated        = "room_created"
	MsgJoinRequest        = "join_request"
	MsgJoinApproved       = "join_approved"
	MsgJoinRejected       = "join_rejected"
	MsgUserJoined         = "user_joined"
	MsgUserLeft           = "user_left"
	MsgSyncPlayback       = "sync_playback"
	MsgBufferWait         = "buffer_wait"
	MsgBufferComplete     = "buffer_complete"
	MsgError              = "error"
	MsgPong               = "pong"
	MsgRoomState          = "room_state"
	MsgChatMessage        = "chat_message"
	MsgHostChanged        = "host_changed"
	MsgKicked             = "kicked"
	MsgSyncState          = "sync_state"
	MsgReconnected        = "reconnected"
	MsgUserReconnected    = "user_reconnected"
	MsgUserDisconnected   = "user_disconnected"
	MsgSuggestionReceived = "suggestion_received"
	MsgSuggestionApproved = "suggestion_approved"
	MsgSuggestionRejected = "suggestion_rejected"
)

// Playback action verbs carried in PlaybackActionPayload.Action.
const (
	ActionPlay        = "play"
	ActionPause       = "pause"
	ActionSeek        = "seek"
	ActionSkipNext    = "skip_next"
	ActionSkipPrev    = "skip_prev"
	ActionChangeTrack = "change_track"
	ActionQueueAdd    = "queue_add"
	ActionQueueRemove = "queue_remove"
	ActionQueueClear  = "queue_clear"
	ActionSyncQueue   = "sync_queue"
)

// Error codes used by relays.
const (
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeRoomNotFound    = "room_not_found"
	ErrCodeRoomFull        = "room_full"
	ErrCodeNotHost         = "not_host"
	ErrCodeHostLeft        = "host_left"
)

// Encode builds a wire frame for the given type, marshaling the payload if
// one is provided.
func Encode(msgType string, payload any) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// Decode parses a wire frame. The payload is left raw.
func Decode(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}
