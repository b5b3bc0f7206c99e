package client

import (
	"encoding/json"
	"fmt"
	"time"

	"listentogether/internal/protocol"
)

// handleMessage interprets one inbound relay frame. Runs on the loop
// goroutine. Malformed or unexpected messages are logged and ignored; they
// never take the engine down.
func (e *Engine) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgPong:
		e.logs.Append(LevelDebug, "pong received", "")

	case protocol.MsgRoomCreated:
		var p protocol.RoomCreatedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.handleRoomCreated(p)

	case protocol.MsgJoinRequest:
		var p protocol.JoinRequestPayload
		if !e.decode(msg, &p) {
			return
		}
		if e.store.Role() != RoleHost {
			e.logs.Append(LevelWarning, "join request ignored", "not host")
			return
		}
		e.store.AddPendingJoin(p)
		e.logs.Append(LevelInfo, "join request received", p.Username)
		e.events.Emit(EventJoinRequestReceived{UserID: p.UserID, Username: p.Username})

	case protocol.MsgJoinApproved:
		var p protocol.JoinApprovedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.handleJoinApproved(p)

	case protocol.MsgJoinRejected:
		var p protocol.JoinRejectedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.logs.Append(LevelWarning, "join rejected", p.Reason)
		e.events.Emit(EventJoinRejected{Reason: p.Reason})

	case protocol.MsgUserJoined:
		var p protocol.UserJoinedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.store.MutateRoom(func(room *protocol.RoomState) {
			room.Users = append(room.Users, protocol.UserInfo{
				UserID:      p.UserID,
				Username:    p.Username,
				IsConnected: true,
			})
		})
		e.store.RemovePendingJoin(p.UserID)
		e.logs.Append(LevelInfo, "user joined", p.Username)
		e.events.Emit(EventUserJoined{UserID: p.UserID, Username: p.Username})

	case protocol.MsgUserLeft:
		var p protocol.UserLeftPayload
		if !e.decode(msg, &p) {
			return
		}
		e.handleUserLeft(p)

	case protocol.MsgHostChanged:
		var p protocol.HostChangedPayload
		if !e.decode(msg, &p) {
			return
		}
		// Atomic from the observer's point of view: one mutation re-marks
		// the whole roster, so no reader ever sees zero or two hosts.
		e.store.MutateRoom(func(room *protocol.RoomState) {
			room.HostID = p.NewHostID
			for i := range room.Users {
				room.Users[i].IsHost = room.Users[i].UserID == p.NewHostID
			}
		})
		e.sessMu.Lock()
		e.wasHost = p.NewHostID == e.store.UserID()
		e.sessMu.Unlock()
		e.savePersistedSession()
		e.logs.Append(LevelInfo, "host changed", p.NewHostName)
		e.events.Emit(EventHostChanged{NewHostID: p.NewHostID, NewHostName: p.NewHostName})

	case protocol.MsgKicked:
		var p protocol.KickedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.logs.Append(LevelWarning, "kicked from room", p.Reason)
		e.clearSession()
		e.store.ClearRoom()
		e.clearPersistedSession()
		e.events.Emit(EventKicked{Reason: p.Reason})

	case protocol.MsgSyncPlayback:
		var p protocol.PlaybackActionPayload
		if !e.decode(msg, &p) {
			return
		}
		e.handleSyncPlayback(p)

	case protocol.MsgBufferWait:
		var p protocol.BufferWaitPayload
		if !e.decode(msg, &p) {
			return
		}
		e.store.SetBufferingUsers(p.WaitingFor)
		e.logs.Append(LevelDebug, "buffer wait", fmt.Sprintf("%d users not ready", len(p.WaitingFor)))
		e.events.Emit(EventBufferWait{TrackID: p.TrackID, WaitingFor: p.WaitingFor})

	case protocol.MsgBufferComplete:
		var p protocol.BufferCompletePayload
		if !e.decode(msg, &p) {
			return
		}
		e.store.SetBufferingUsers(nil)
		e.logs.Append(LevelInfo, "all users buffered", p.TrackID)
		e.events.Emit(EventBufferComplete{TrackID: p.TrackID})

	case protocol.MsgSyncState:
		var p protocol.SyncStatePayload
		if !e.decode(msg, &p) {
			return
		}
		e.logs.Append(LevelInfo, "sync state received",
			fmt.Sprintf("playing=%v position=%d", p.IsPlaying, p.Position))
		e.events.Emit(EventSyncState{State: p})

	case protocol.MsgRoomState:
		var p protocol.RoomState
		if !e.decode(msg, &p) {
			return
		}
		e.store.SetRoomState(&p)
		if _, ok := p.HostUser(); !ok {
			e.dissolveRoom("room has no host")
		}

	case protocol.MsgChatMessage:
		var p protocol.ChatMessagePayload
		if !e.decode(msg, &p) {
			return
		}
		e.logs.Append(LevelDebug, "chat message", p.Username)
		e.events.Emit(EventChatReceived{
			UserID:    p.UserID,
			Username:  p.Username,
			Message:   p.Message,
			Timestamp: p.Timestamp,
		})

	case protocol.MsgSuggestionReceived:
		var p protocol.SuggestionReceivedPayload
		if !e.decode(msg, &p) {
			return
		}
		if e.store.Role() != RoleHost {
			return
		}
		e.store.AddPendingSuggestion(p)
		e.logs.Append(LevelInfo, "suggestion received",
			p.FromUsername+": "+p.TrackInfo.Title)
		e.events.Emit(EventSuggestionReceived{Suggestion: p})

	case protocol.MsgSuggestionApproved:
		var p protocol.SuggestionApprovedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.store.RemovePendingSuggestion(p.SuggestionID)
		e.logs.Append(LevelInfo, "suggestion approved", p.TrackInfo.Title)

	case protocol.MsgSuggestionRejected:
		var p protocol.SuggestionRejectedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.store.RemovePendingSuggestion(p.SuggestionID)
		e.logs.Append(LevelInfo, "suggestion rejected", p.Reason)

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if !e.decode(msg, &p) {
			return
		}
		e.handleServerError(p)

	case protocol.MsgReconnected:
		var p protocol.ReconnectedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.handleReconnected(p)

	case protocol.MsgUserReconnected:
		var p protocol.UserReconnectedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.markConnected(p.UserID, true)
		e.logs.Append(LevelInfo, "user reconnected", p.Username)
		e.events.Emit(EventUserReconnected{UserID: p.UserID, Username: p.Username})

	case protocol.MsgUserDisconnected:
		var p protocol.UserDisconnectedPayload
		if !e.decode(msg, &p) {
			return
		}
		e.markConnected(p.UserID, false)
		e.logs.Append(LevelInfo, "user temporarily disconnected", p.Username)
		e.events.Emit(EventUserDisconnected{UserID: p.UserID, Username: p.Username})

	default:
		e.logs.Append(LevelWarning, "unknown message type", msg.Type)
	}
}

func (e *Engine) decode(msg protocol.Message, out any) bool {
	if len(msg.Payload) == 0 {
		e.logs.Append(LevelWarning, "message missing payload", msg.Type)
		return false
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		e.logs.Append(LevelWarning, "malformed payload ignored", msg.Type+": "+err.Error())
		return false
	}
	return true
}

func (e *Engine) handleRoomCreated(p protocol.RoomCreatedPayload) {
	now := time.Now()
	e.store.SetUserID(p.UserID)
	e.setSession(p.SessionToken, p.RoomCode, true, now)

	e.store.SetRoomState(&protocol.RoomState{
		RoomCode: p.RoomCode,
		HostID:   p.UserID,
		Users: []protocol.UserInfo{{
			UserID:      p.UserID,
			Username:    e.storedName(),
			IsHost:      true,
			IsConnected: true,
		}},
		LastUpdate: now.UnixMilli(),
	})
	e.savePersistedSession()
	e.logs.Append(LevelInfo, "room created", p.RoomCode)
	e.events.Emit(EventRoomCreated{RoomCode: p.RoomCode, UserID: p.UserID})
}

func (e *Engine) handleJoinApproved(p protocol.JoinApprovedPayload) {
	e.store.SetUserID(p.UserID)
	e.setSession(p.SessionToken, p.RoomCode, false, time.Now())
	e.store.SetRoomState(&p.State)
	e.savePersistedSession()
	e.logs.Append(LevelInfo, "joined room", p.RoomCode)
	e.events.Emit(EventJoinApproved{RoomCode: p.RoomCode, UserID: p.UserID, State: p.State})
}

func (e *Engine) handleUserLeft(p protocol.UserLeftPayload) {
	wasRoomHost := false
	if room := e.store.RoomState(); room != nil {
		wasRoomHost = room.HostID == p.UserID
	}

	e.store.MutateRoom(func(room *protocol.RoomState) {
		kept := room.Users[:0]
		for _, u := range room.Users {
			if u.UserID != p.UserID {
				kept = append(kept, u)
			}
		}
		room.Users = kept
	})
	e.store.RemovePendingJoin(p.UserID)
	e.logs.Append(LevelInfo, "user left", p.Username)
	e.events.Emit(EventUserLeft{UserID: p.UserID, Username: p.Username})

	// Without an explicit host_changed the room cannot outlive its host.
	if wasRoomHost {
		e.dissolveRoom("host left the room")
	}
}

func (e *Engine) dissolveRoom(reason string) {
	if !e.store.InRoom() {
		return
	}
	e.logs.Append(LevelWarning, "room dissolved", reason)
	e.clearSession()
	e.store.ClearRoom()
	e.clearPersistedSession()
	e.events.Emit(EventServerError{Code: protocol.ErrCodeHostLeft, Message: reason})
}

// handleSyncPlayback folds a playback command into the room snapshot before
// notifying the adapter through the event stream.
func (e *Engine) handleSyncPlayback(p protocol.PlaybackActionPayload) {
	e.logs.Append(LevelDebug, "playback sync", p.Action)

	e.store.MutateRoom(func(room *protocol.RoomState) {
		switch p.Action {
		case protocol.ActionPlay:
			room.IsPlaying = true
			if p.Position != nil {
				room.Position = *p.Position
			}
		case protocol.ActionPause:
			room.IsPlaying = false
			if p.Position != nil {
				room.Position = *p.Position
			}
		case protocol.ActionSeek:
			if p.Position != nil {
				room.Position = *p.Position
			}
		case protocol.ActionChangeTrack:
			room.CurrentTrack = p.TrackInfo
			room.IsPlaying = false
			room.Position = 0
		case protocol.ActionQueueAdd:
			if p.TrackInfo != nil {
				if p.InsertNext {
					room.Queue = append([]protocol.TrackInfo{*p.TrackInfo}, room.Queue...)
				} else {
					room.Queue = append(room.Queue, *p.TrackInfo)
				}
			}
		case protocol.ActionQueueRemove:
			if p.TrackID != "" {
				kept := room.Queue[:0]
				for _, t := range room.Queue {
					if t.ID != p.TrackID {
						kept = append(kept, t)
					}
				}
				room.Queue = kept
			}
		case protocol.ActionQueueClear:
			room.Queue = nil
		case protocol.ActionSyncQueue:
			room.Queue = append([]protocol.TrackInfo(nil), p.Queue...)
		}
		room.LastUpdate = time.Now().UnixMilli()
	})

	e.events.Emit(EventPlaybackSync{Action: p})
}

func (e *Engine) handleServerError(p protocol.ErrorPayload) {
	e.logs.Append(LevelError, "relay error", p.Code+": "+p.Message)

	if p.Code == protocol.ErrCodeSessionNotFound {
		e.sessMu.RLock()
		roomCode, username, wasHost := e.storedRoomCode, e.storedUsername, e.wasHost
		e.sessMu.RUnlock()

		switch {
		case roomCode != "" && username != "" && !wasHost:
			// The relay forgot us but the room may still exist: fall back
			// to a plain join.
			e.logs.Append(LevelWarning, "session expired on relay, rejoining", roomCode)
			e.clearSession()
			e.clearPersistedSession()
			e.send(protocol.MsgJoinRoom, protocol.JoinRoomPayload{RoomCode: roomCode, Username: username})
		default:
			// A host session cannot be resurrected by rejoining.
			e.clearSession()
			e.clearPersistedSession()
		}
	}

	e.events.Emit(EventServerError{Code: p.Code, Message: p.Message})
}

func (e *Engine) handleReconnected(p protocol.ReconnectedPayload) {
	e.store.SetUserID(p.UserID)
	e.setSession(e.token(), p.RoomCode, p.IsHost, time.Now())
	e.store.SetRoomState(&p.State)
	e.savePersistedSession()
	e.logs.Append(LevelInfo, "resumed session",
		fmt.Sprintf("room %s, host=%v", p.RoomCode, p.IsHost))
	e.events.Emit(EventReconnected{
		RoomCode: p.RoomCode,
		UserID:   p.UserID,
		State:    p.State,
		IsHost:   p.IsHost,
	})
}

func (e *Engine) token() string {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return e.sessionToken
}

func (e *Engine) markConnected(userID string, connected bool) {
	e.store.MutateRoom(func(room *protocol.RoomState) {
		for i := range room.Users {
			if room.Users[i].UserID == userID {
				room.Users[i].IsConnected = connected
			}
		}
	})
}
