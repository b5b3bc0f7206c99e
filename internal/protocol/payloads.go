package protocol

// TrackInfo describes a track as it travels over the wire.
type TrackInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album,omitempty"`
	Duration    int64  `json:"duration"` // milliseconds
	Thumbnail   string `json:"thumbnail,omitempty"`
	SuggestedBy string `json:"suggested_by,omitempty"`
}

// UserInfo is one roster entry.
type UserInfo struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	IsHost      bool   `json:"is_host"`
	IsConnected bool   `json:"is_connected"`
}

// RoomState is the relay's full snapshot of a room.
type RoomState struct {
	RoomCode     string      `json:"room_code"`
	HostID       string      `json:"host_id"`
	Users        []UserInfo  `json:"users"`
	CurrentTrack *TrackInfo  `json:"current_track,omitempty"`
	IsPlaying    bool        `json:"is_playing"`
	Position     int64       `json:"position"`    // milliseconds
	LastUpdate   int64       `json:"last_update"` // unix millis
	Queue        []TrackInfo `json:"queue,omitempty"`
}

// HostUser returns the roster entry marked as host, if any.
func (rs *RoomState) HostUser() (UserInfo, bool) {
	for _, u := range rs.Users {
		if u.IsHost {
			return u, true
		}
	}
	return UserInfo{}, false
}

// Request payloads (client -> relay).

type CreateRoomPayload struct {
	Username string `json:"username"`
}

type JoinRoomPayload struct {
	RoomCode string `json:"room_code"`
	Username string `json:"username"`
}

type ApproveJoinPayload struct {
	UserID string `json:"user_id"`
}

type RejectJoinPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// PlaybackActionPayload carries one playback command. When sent by the host
// it is stamped with a monotonically increasing Seq so guests can discard
// duplicated or reordered deliveries; the relay stamps ServerTime on the way
// through so guests can compensate for one-way delay.
type PlaybackActionPayload struct {
	Action     string      `json:"action"`
	TrackID    string      `json:"track_id,omitempty"`
	Position   *int64      `json:"position,omitempty"` // milliseconds
	TrackInfo  *TrackInfo  `json:"track_info,omitempty"`
	InsertNext bool        `json:"insert_next,omitempty"`
	Queue      []TrackInfo `json:"queue,omitempty"`
	QueueTitle string      `json:"queue_title,omitempty"`
	Seq        uint64      `json:"seq,omitempty"`
	ServerTime int64       `json:"server_time,omitempty"` // unix millis
}

type BufferReadyPayload struct {
	TrackID string `json:"track_id"`
}

type KickUserPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type ChatPayload struct {
	Message string `json:"message"`
}

type ReconnectPayload struct {
	SessionToken string `json:"session_token"`
}

type SuggestTrackPayload struct {
	TrackInfo TrackInfo `json:"track_info"`
}

type ApproveSuggestionPayload struct {
	SuggestionID string `json:"suggestion_id"`
}

type RejectSuggestionPayload struct {
	SuggestionID string `json:"suggestion_id"`
	Reason       string `json:"reason,omitempty"`
}

// Response payloads (relay -> client).

type RoomCreatedPayload struct {
	RoomCode     string `json:"room_code"`
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token"`
}

type JoinRequestPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type JoinApprovedPayload struct {
	RoomCode     string    `json:"room_code"`
	UserID       string    `json:"user_id"`
	SessionToken string    `json:"session_token"`
	State        RoomState `json:"state"`
}

type JoinRejectedPayload struct {
	Reason string `json:"reason"`
}

type UserJoinedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type UserLeftPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type BufferWaitPayload struct {
	TrackID    string   `json:"track_id"`
	WaitingFor []string `json:"waiting_for"`
}

type BufferCompletePayload struct {
	TrackID string `json:"track_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChatMessagePayload struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type HostChangedPayload struct {
	NewHostID   string `json:"new_host_id"`
	NewHostName string `json:"new_host_name"`
}

type KickedPayload struct {
	Reason string `json:"reason"`
}

// SyncStatePayload answers a request_sync with the authoritative playback
// position as of LastUpdate.
type SyncStatePayload struct {
	CurrentTrack *TrackInfo  `json:"current_track,omitempty"`
	IsPlaying    bool        `json:"is_playing"`
	Position     int64       `json:"position"`
	LastUpdate   int64       `json:"last_update"`
	Queue        []TrackInfo `json:"queue,omitempty"`
}

type ReconnectedPayload struct {
	RoomCode string    `json:"room_code"`
	UserID   string    `json:"user_id"`
	State    RoomState `json:"state"`
	IsHost   bool      `json:"is_host"`
}

type UserReconnectedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type UserDisconnectedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type SuggestionReceivedPayload struct {
	SuggestionID string    `json:"suggestion_id"`
	FromUserID   string    `json:"from_user_id"`
	FromUsername string    `json:"from_username"`
	TrackInfo    TrackInfo `json:"track_info"`
}

type SuggestionApprovedPayload struct {
	SuggestionID string    `json:"suggestion_id"`
	TrackInfo    TrackInfo `json:"track_info"`
}

type SuggestionRejectedPayload struct {
	SuggestionID string `json:"suggestion_id"`
	Reason       string `json:"reason,omitempty"`
}
