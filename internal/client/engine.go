package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"listentogether/internal/protocol"
)

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingCreateRoom
	pendingJoinRoom
)

// pendingAction is a create/join issued before the link was up; it runs as
// soon as the connection opens.
type pendingAction struct {
	kind     pendingKind
	roomCode string
	username string
}

// Engine is the Listen Together protocol engine. All session state is
// mutated by a single loop goroutine; public methods post commands onto that
// loop and return immediately. Results are observed through the Store, the
// event stream, and the log buffer.
type Engine struct {
	cfg     Config
	store   *Store
	logs    *LogBuffer
	events  *eventStream
	persist *SessionStore

	ctx    context.Context
	cancel context.CancelFunc
	posts  chan func()
	wg     sync.WaitGroup

	link *link

	// Session fields are written only by the loop; the mutex lets the
	// snapshot accessors and the link's shouldReconnect read them safely.
	sessMu           sync.RWMutex
	sessionToken     string
	storedRoomCode   string
	storedUsername   string
	wasHost          bool
	sessionStartedAt time.Time
	pending          *pendingAction

	seq uint64 // outbound playback command sequence, host only
}

// New builds an engine. persist may be nil for a memory-only engine (used in
// tests); with a store, the last unexpired session is adopted for silent
// rejoin on the next Connect.
func New(cfg Config, persist *SessionStore) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		store:   NewStore(),
		logs:    NewLogBuffer(cfg.LogCapacity),
		events:  newEventStream(defaultEventBuffer),
		persist: persist,
		ctx:     ctx,
		cancel:  cancel,
		posts:   make(chan func(), 128),
	}
	e.link = newLink(cfg, e.logs, e.linkHooks())
	e.loadPersistedSession()

	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.posts:
			fn()
		}
	}
}

// post hands fn to the loop goroutine. Commands issued after Close are
// dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.posts <- fn:
	case <-e.ctx.Done():
	}
}

func (e *Engine) linkHooks() linkHooks {
	return linkHooks{
		onOpen: func() {
			e.post(e.handleLinkOpen)
		},
		onMessage: func(msg protocol.Message) {
			e.post(func() { e.handleMessage(msg) })
		},
		onReconnecting: func(attempt, max int) {
			e.post(func() { e.handleReconnecting(attempt, max) })
		},
		onFailed: func(err error) {
			e.post(func() { e.handleLinkFailed(err) })
		},
		shouldReconnect: e.wantsConnection,
	}
}

// wantsConnection reports whether a drop is worth retrying: an active or
// resumable session, or a queued create/join.
func (e *Engine) wantsConnection() bool {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return e.sessionToken != "" || e.pending != nil || e.store.InRoom()
}

func (e *Engine) loadPersistedSession() {
	if e.persist == nil {
		return
	}

	if e.cfg.Username == "" {
		if name, err := e.persist.Preference(PrefUsername); err == nil && name != "" {
			e.storedUsername = name
		}
	} else {
		e.storedUsername = e.cfg.Username
	}

	session, err := e.persist.LoadSession(e.cfg.ServerURL)
	if err != nil {
		e.logs.Append(LevelError, "failed to load persisted session", err.Error())
		return
	}
	if session == nil {
		return
	}
	if session.Age() >= e.cfg.SessionMaxAge {
		e.logs.Append(LevelWarning, "persisted session expired", fmt.Sprintf("age %s", session.Age().Round(time.Second)))
		if err := e.persist.ClearSession(e.cfg.ServerURL); err != nil {
			e.logs.Append(LevelError, "failed to clear stale session", err.Error())
		}
		return
	}

	e.sessionToken = session.SessionToken
	e.storedRoomCode = session.RoomCode
	e.wasHost = session.WasHost
	e.sessionStartedAt = session.SavedAt
	e.store.SetUserID(session.UserID)
	e.logs.Append(LevelInfo, "loaded persisted session",
		fmt.Sprintf("room %s, host=%v", session.RoomCode, session.WasHost))
}

func (e *Engine) savePersistedSession() {
	if e.persist == nil || e.sessionToken == "" {
		return
	}
	err := e.persist.SaveSession(e.cfg.ServerURL, PersistedSession{
		RoomCode:     e.storedRoomCode,
		SessionToken: e.sessionToken,
		UserID:       e.store.UserID(),
		WasHost:      e.wasHost,
		SavedAt:      e.sessionStartedAt,
	})
	if err != nil {
		e.logs.Append(LevelError, "failed to save session", err.Error())
	}
}

func (e *Engine) clearPersistedSession() {
	if e.persist == nil {
		return
	}
	if err := e.persist.ClearSession(e.cfg.ServerURL); err != nil {
		e.logs.Append(LevelError, "failed to clear session", err.Error())
	}
}

// setSession updates the loop-owned session fields under the snapshot lock.
func (e *Engine) setSession(token, roomCode string, wasHost bool, startedAt time.Time) {
	e.sessMu.Lock()
	e.sessionToken = token
	e.storedRoomCode = roomCode
	e.wasHost = wasHost
	e.sessionStartedAt = startedAt
	e.sessMu.Unlock()
}

func (e *Engine) clearSession() {
	e.setSession("", "", false, time.Time{})
}

func (e *Engine) setPending(p *pendingAction) {
	e.sessMu.Lock()
	e.pending = p
	e.sessMu.Unlock()
}

func (e *Engine) takePending() *pendingAction {
	e.sessMu.Lock()
	p := e.pending
	e.pending = nil
	e.sessMu.Unlock()
	return p
}

// Observable surface. Safe from any goroutine.

func (e *Engine) ConnectionState() ConnectionState { return e.store.ConnectionState() }
func (e *Engine) RoomState() *protocol.RoomState   { return e.store.RoomState() }
func (e *Engine) Role() Role                       { return e.store.Role() }
func (e *Engine) UserID() string                   { return e.store.UserID() }
func (e *Engine) InRoom() bool                     { return e.store.InRoom() }
func (e *Engine) IsHost() bool                     { return e.store.Role() == RoleHost }
func (e *Engine) PendingJoinRequests() []protocol.JoinRequestPayload {
	return e.store.PendingJoinRequests()
}
func (e *Engine) PendingSuggestions() []protocol.SuggestionReceivedPayload {
	return e.store.PendingSuggestions()
}
func (e *Engine) BufferingUsers() []string { return e.store.BufferingUsers() }
func (e *Engine) Logs() []LogEntry         { return e.logs.Snapshot() }
func (e *Engine) ClearLogs()               { e.logs.Clear() }
func (e *Engine) Events() <-chan Event     { return e.events.Events() }

// Watch exposes the store's change-notification channel for UI observers.
func (e *Engine) Watch() (<-chan struct{}, func()) { return e.store.Watch() }

// HasPersistedSession reports whether a resumable session is held in memory.
func (e *Engine) HasPersistedSession() bool {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return e.sessionToken != "" && e.storedRoomCode != ""
}

// PersistedRoomCode returns the resumable room code, or "" when the session
// is absent or older than the configured maximum age.
func (e *Engine) PersistedRoomCode() string {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	if e.sessionToken == "" || e.storedRoomCode == "" {
		return ""
	}
	if time.Since(e.sessionStartedAt) >= e.cfg.SessionMaxAge {
		return ""
	}
	return e.storedRoomCode
}

// SessionAge reports how old the current session is, zero when none.
func (e *Engine) SessionAge() time.Duration {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	if e.sessionStartedAt.IsZero() {
		return 0
	}
	return time.Since(e.sessionStartedAt)
}

// Commands. All fire-and-forget; completion is observed via state/events.

// Connect dials the relay. With a resumable session held, the engine sends
// a reconnect token as soon as the socket opens.
func (e *Engine) Connect() {
	e.post(func() {
		state := e.store.ConnectionState()
		if state == StateConnected || state == StateConnecting {
			e.logs.Append(LevelWarning, "already connected or connecting", "")
			return
		}
		e.store.SetConnectionState(StateConnecting)
		e.logs.Append(LevelInfo, "connecting to relay", e.cfg.ServerURL)
		e.link.Connect()
	})
}

// Disconnect tears the session down deliberately: socket, in-memory state,
// and the persisted record all go.
func (e *Engine) Disconnect() {
	e.post(func() {
		e.logs.Append(LevelInfo, "disconnecting from relay", "")
		e.link.Close()
		e.sessMu.Lock()
		e.link = newLink(e.cfg, e.logs, e.linkHooks())
		e.sessMu.Unlock()

		e.clearSession()
		e.setPending(nil)
		e.store.ClearRoom()
		e.store.SetUserID("")
		e.store.SetConnectionState(StateDisconnected)
		e.clearPersistedSession()
		e.events.Emit(EventDisconnected{})
	})
}

// Close shuts the engine down; all loops and timers stop. The engine is not
// reusable afterwards.
func (e *Engine) Close() {
	e.sessMu.RLock()
	link := e.link
	e.sessMu.RUnlock()
	link.Close()
	e.cancel()
	e.wg.Wait()
}

// CreateRoom asks the relay for a new room with the local user as host. Any
// held session is discarded first so this never turns into a reconnect.
func (e *Engine) CreateRoom(username string) {
	e.post(func() {
		e.clearSession()
		e.clearPersistedSession()
		e.rememberUsername(username)

		if e.store.ConnectionState() == StateConnected {
			e.send(protocol.MsgCreateRoom, protocol.CreateRoomPayload{Username: username})
			return
		}
		e.logs.Append(LevelInfo, "not connected, queueing create room", username)
		e.setPending(&pendingAction{kind: pendingCreateRoom, username: username})
		e.connectIfIdle()
	})
}

// JoinRoom requests membership in an existing room; the host must approve.
func (e *Engine) JoinRoom(roomCode, username string) {
	e.post(func() {
		code := protocol.NormalizeRoomCode(roomCode)
		if err := protocol.ValidateRoomCode(code); err != nil {
			e.logs.Append(LevelWarning, "invalid room code", err.Error())
			e.events.Emit(EventServerError{Code: protocol.ErrCodeRoomNotFound, Message: err.Error()})
			return
		}

		e.clearSession()
		e.clearPersistedSession()
		e.rememberUsername(username)

		if e.store.ConnectionState() == StateConnected {
			e.send(protocol.MsgJoinRoom, protocol.JoinRoomPayload{RoomCode: code, Username: username})
			return
		}
		e.logs.Append(LevelInfo, "not connected, queueing join room", code)
		e.setPending(&pendingAction{kind: pendingJoinRoom, roomCode: code, username: username})
		e.connectIfIdle()
	})
}

// LeaveRoom notifies the relay best-effort and clears local state regardless
// of any acknowledgment.
func (e *Engine) LeaveRoom() {
	e.post(func() {
		if !e.store.InRoom() {
			return
		}
		e.send(protocol.MsgLeaveRoom, nil)
		e.clearSession()
		e.setPending(nil)
		e.store.ClearRoom()
		e.store.SetUserID("")
		e.clearPersistedSession()
		e.logs.Append(LevelInfo, "left room", "")
	})
}

// ApproveJoin admits a pending requester. Host only.
func (e *Engine) ApproveJoin(userID string) {
	e.post(func() {
		if !e.requireHost("approve join") {
			return
		}
		e.send(protocol.MsgApproveJoin, protocol.ApproveJoinPayload{UserID: userID})
		e.store.RemovePendingJoin(userID)
	})
}

// RejectJoin declines a pending requester. Host only.
func (e *Engine) RejectJoin(userID, reason string) {
	e.post(func() {
		if !e.requireHost("reject join") {
			return
		}
		e.send(protocol.MsgRejectJoin, protocol.RejectJoinPayload{UserID: userID, Reason: reason})
		e.store.RemovePendingJoin(userID)
	})
}

// KickUser removes a member from the room. Host only.
func (e *Engine) KickUser(userID, reason string) {
	e.post(func() {
		if !e.requireHost("kick user") {
			return
		}
		e.send(protocol.MsgKickUser, protocol.KickUserPayload{UserID: userID, Reason: reason})
	})
}

// SendChat broadcasts a chat line to the room.
func (e *Engine) SendChat(message string) {
	e.post(func() {
		if !e.store.InRoom() {
			e.logs.Append(LevelWarning, "cannot send chat", "not in room")
			return
		}
		e.send(protocol.MsgChat, protocol.ChatPayload{Message: message})
	})
}

// SendPlaybackAction publishes a host playback command, stamped with the
// next sequence number. Guests never author playback commands; a guest call
// is refused here.
func (e *Engine) SendPlaybackAction(action protocol.PlaybackActionPayload) {
	e.post(func() {
		if !e.requireHost("control playback") {
			return
		}
		e.seq++
		action.Seq = e.seq
		e.send(protocol.MsgPlaybackAction, action)
	})
}

// SendBufferReady tells the relay the local player finished buffering the
// track, releasing this user from the barrier.
func (e *Engine) SendBufferReady(trackID string) {
	e.post(func() {
		e.send(protocol.MsgBufferReady, protocol.BufferReadyPayload{TrackID: trackID})
	})
}

// SuggestTrack proposes a track to the host. Guests only.
func (e *Engine) SuggestTrack(track protocol.TrackInfo) {
	e.post(func() {
		if !e.store.InRoom() {
			e.logs.Append(LevelWarning, "cannot suggest track", "not in room")
			return
		}
		if e.store.Role() == RoleHost {
			e.logs.Append(LevelWarning, "host does not suggest tracks", "")
			return
		}
		e.send(protocol.MsgSuggestTrack, protocol.SuggestTrackPayload{TrackInfo: track})
	})
}

// ApproveSuggestion accepts a pending suggestion. Host only.
func (e *Engine) ApproveSuggestion(suggestionID string) {
	e.post(func() {
		if !e.requireHost("approve suggestion") {
			return
		}
		e.send(protocol.MsgApproveSuggestion, protocol.ApproveSuggestionPayload{SuggestionID: suggestionID})
		e.store.RemovePendingSuggestion(suggestionID)
	})
}

// RejectSuggestion declines a pending suggestion. Host only.
func (e *Engine) RejectSuggestion(suggestionID, reason string) {
	e.post(func() {
		if !e.requireHost("reject suggestion") {
			return
		}
		e.send(protocol.MsgRejectSuggestion, protocol.RejectSuggestionPayload{SuggestionID: suggestionID, Reason: reason})
		e.store.RemovePendingSuggestion(suggestionID)
	})
}

// RequestSync asks the relay for the authoritative playback state.
func (e *Engine) RequestSync() {
	e.post(func() {
		if !e.store.InRoom() {
			e.logs.Append(LevelWarning, "cannot request sync", "not in room")
			return
		}
		e.send(protocol.MsgRequestSync, nil)
	})
}

// ForceReconnect resets backoff and redials immediately.
func (e *Engine) ForceReconnect() {
	e.post(func() {
		e.logs.Append(LevelInfo, "forcing reconnection", "")
		e.store.SetConnectionState(StateConnecting)
		e.link.ForceReconnect()
	})
}

// Loop-side helpers.

func (e *Engine) rememberUsername(username string) {
	e.sessMu.Lock()
	e.storedUsername = username
	e.sessMu.Unlock()
	if e.persist != nil {
		if err := e.persist.SetPreference(PrefUsername, username); err != nil {
			e.logs.Append(LevelError, "failed to save username", err.Error())
		}
	}
}

func (e *Engine) storedName() string {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return e.storedUsername
}

func (e *Engine) connectIfIdle() {
	state := e.store.ConnectionState()
	if state == StateDisconnected || state == StateError {
		e.store.SetConnectionState(StateConnecting)
		e.link.Connect()
	}
}

func (e *Engine) requireHost(action string) bool {
	if e.store.Role() != RoleHost {
		e.logs.Append(LevelWarning, "cannot "+action, "not host")
		return false
	}
	return true
}

// send encodes and writes a frame, surfacing queue overflow as a
// connection error event rather than dropping silently.
func (e *Engine) send(msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		e.logs.Append(LevelError, "failed to encode message", msgType+": "+err.Error())
		return
	}
	e.logs.Append(LevelDebug, "sending "+msgType, "")

	switch err := e.link.Send(frame); err {
	case nil:
	case errSendQueueFull:
		e.logs.Append(LevelWarning, "send queue overflow", msgType)
		e.events.Emit(EventConnectionError{Err: "send queue overflow, message dropped: " + msgType})
	default:
		e.logs.Append(LevelError, "failed to send message", msgType+": "+err.Error())
	}
}

func (e *Engine) handleLinkOpen() {
	e.store.SetConnectionState(StateConnected)
	e.logs.Append(LevelInfo, "connected to relay", "")

	e.sessMu.RLock()
	token, roomCode := e.sessionToken, e.storedRoomCode
	e.sessMu.RUnlock()

	if token != "" && roomCode != "" {
		e.logs.Append(LevelInfo, "resuming previous session", "room "+roomCode)
		e.send(protocol.MsgReconnect, protocol.ReconnectPayload{SessionToken: token})
		return
	}
	e.executePendingAction()
}

func (e *Engine) executePendingAction() {
	action := e.takePending()
	if action == nil {
		return
	}
	switch action.kind {
	case pendingCreateRoom:
		e.logs.Append(LevelInfo, "executing queued create room", action.username)
		e.send(protocol.MsgCreateRoom, protocol.CreateRoomPayload{Username: action.username})
	case pendingJoinRoom:
		e.logs.Append(LevelInfo, "executing queued join room", action.roomCode)
		e.send(protocol.MsgJoinRoom, protocol.JoinRoomPayload{RoomCode: action.roomCode, Username: action.username})
	}
}

func (e *Engine) handleReconnecting(attempt, max int) {
	e.store.SetConnectionState(StateReconnecting)
	// The room is kept: the relay holds our seat for the grace period.
	// Pending requests and the buffering set are connection-scoped.
	e.store.SetBufferingUsers(nil)
	e.events.Emit(EventReconnecting{Attempt: attempt, MaxAttempts: max})
}

func (e *Engine) handleLinkFailed(err error) {
	e.sessMu.RLock()
	hadSession := e.sessionToken != ""
	var age time.Duration
	if !e.sessionStartedAt.IsZero() {
		age = time.Since(e.sessionStartedAt)
	}
	e.sessMu.RUnlock()

	e.store.SetConnectionState(StateError)
	switch {
	case hadSession && age < e.cfg.SessionMaxAge:
		// Session kept for a manual ForceReconnect. The relay only honors
		// the token inside the grace window, so the seat may still be there.
		e.logs.Append(LevelError, "connection failed, session preserved", err.Error())
	case hadSession:
		// Past the grace window the relay has already freed the seat;
		// holding on to the room would show a roster nobody is in.
		e.logs.Append(LevelError, "connection failed, session expired", err.Error())
		e.clearSession()
		e.setPending(nil)
		e.store.ClearRoom()
		e.clearPersistedSession()
	default:
		e.logs.Append(LevelError, "connection failed", err.Error())
		e.setPending(nil)
		e.store.ClearRoom()
	}
	e.events.Emit(EventConnectionError{Err: err.Error()})
}
