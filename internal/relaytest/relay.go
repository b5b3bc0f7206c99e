// Package relaytest runs an in-process relay that speaks the room protocol
// over a real websocket. It implements just enough server behavior to
// exercise the client end to end: room lifecycle, join approval, playback
// fanout, the buffering barrier, chat, suggestions and session resumption.
package relaytest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"listentogether/internal/protocol"
)

type member struct {
	userID   string
	username string
	token    string
	isHost   bool

	mu        sync.Mutex // guards socket writes
	socket    *websocket.Conn
	connected bool
}

func (m *member) send(msgType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.socket == nil {
		return
	}
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("relaytest: encode %s: %v", msgType, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.socket.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("relaytest: write %s to %s: %v", msgType, m.userID, err)
	}
}

type room struct {
	code    string
	hostID  string
	members map[string]*member // userID → member
	pending map[string]*member // userID → awaiting approval

	currentTrack *protocol.TrackInfo
	isPlaying    bool
	position     int64
	lastUpdate   int64
	queue        []protocol.TrackInfo

	bufferTrack string
	waiting     map[string]bool // userID → still buffering
}

func (r *room) state() protocol.RoomState {
	users := make([]protocol.UserInfo, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, protocol.UserInfo{
			UserID:      m.userID,
			Username:    m.username,
			IsHost:      m.isHost,
			IsConnected: m.connected,
		})
	}
	return protocol.RoomState{
		RoomCode:     r.code,
		HostID:       r.hostID,
		Users:        users,
		CurrentTrack: r.currentTrack,
		IsPlaying:    r.isPlaying,
		Position:     r.position,
		LastUpdate:   r.lastUpdate,
		Queue:        append([]protocol.TrackInfo(nil), r.queue...),
	}
}

// broadcast sends to every connected member except those listed in skip.
func (r *room) broadcast(msgType string, payload any, skip ...string) {
	for id, m := range r.members {
		skipped := false
		for _, s := range skip {
			if id == s {
				skipped = true
				break
			}
		}
		if !skipped {
			m.send(msgType, payload)
		}
	}
}

// Relay is the fake server. Create one with New, point clients at URL(),
// and Close it when the test ends.
type Relay struct {
	srv *httptest.Server

	mu        sync.Mutex
	refusing  bool
	rooms     map[string]*room   // room code → room
	sessions  map[string]*member // session token → member
	memberOf  map[string]*room   // userID → room
	usedCodes map[string]bool
}

func New() *Relay {
	r := &Relay{
		rooms:     make(map[string]*room),
		sessions:  make(map[string]*member),
		memberOf:  make(map[string]*room),
		usedCodes: make(map[string]bool),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handleWS))
	return r
}

// URL returns the ws:// address clients should dial.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *Relay) Close() {
	r.srv.Close()
}

// Refuse severs every live connection and rejects new ones until Close.
// Simulates a relay outage the client cannot reconnect through.
func (r *Relay) Refuse() {
	r.mu.Lock()
	r.refusing = true
	var sockets []*websocket.Conn
	for _, rm := range r.rooms {
		for _, m := range rm.members {
			m.mu.Lock()
			if m.connected && m.socket != nil {
				sockets = append(sockets, m.socket)
			}
			m.mu.Unlock()
		}
	}
	r.mu.Unlock()
	// CloseClientConnections does not reach hijacked (websocket) conns, so
	// close the member sockets directly as well.
	for _, s := range sockets {
		s.Close(websocket.StatusGoingAway, "relay unavailable")
	}
	r.srv.CloseClientConnections()
}

// ForgetSession drops a session token, so the next reconnect with it fails
// with session_not_found. Simulates the server-side grace period expiring.
func (r *Relay) ForgetSession(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
}

// ForgetAllSessions wipes every session token at once.
func (r *Relay) ForgetAllSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*member)
}

// RoomCount reports how many rooms currently exist.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	refusing := r.refusing
	r.mu.Unlock()
	if refusing {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	socket, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "Server closing")

	ctx := req.Context()

	// The member bound to this socket, once it creates, joins or resumes.
	var self *member

	defer func() {
		if self != nil {
			r.markDisconnected(self, socket)
		}
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			sendTo(socket, ctx, protocol.MsgError, protocol.ErrorPayload{
				Code: "bad_request", Message: "invalid JSON",
			})
			continue
		}

		switch msg.Type {
		case protocol.MsgPing:
			sendTo(socket, ctx, protocol.MsgPong, struct{}{})

		case protocol.MsgCreateRoom:
			self = r.handleCreateRoom(socket, ctx, msg.Payload)

		case protocol.MsgJoinRoom:
			self = r.handleJoinRoom(socket, ctx, msg.Payload)

		case protocol.MsgReconnect:
			if m := r.handleReconnect(socket, ctx, msg.Payload); m != nil {
				self = m
			}

		case protocol.MsgApproveJoin:
			r.handleApproveJoin(self, msg.Payload)

		case protocol.MsgRejectJoin:
			r.handleRejectJoin(self, msg.Payload)

		case protocol.MsgLeaveRoom:
			r.handleLeaveRoom(self)
			self = nil

		case protocol.MsgKickUser:
			r.handleKickUser(self, msg.Payload)

		case protocol.MsgChat:
			r.handleChat(self, msg.Payload)

		case protocol.MsgPlaybackAction:
			r.handlePlaybackAction(self, msg.Payload)

		case protocol.MsgBufferReady:
			r.handleBufferReady(self, msg.Payload)

		case protocol.MsgRequestSync:
			r.handleRequestSync(self)

		case protocol.MsgSuggestTrack:
			r.handleSuggestTrack(self, msg.Payload)

		case protocol.MsgApproveSuggestion:
			r.handleSuggestionVerdict(self, msg.Payload, true)

		case protocol.MsgRejectSuggestion:
			r.handleSuggestionVerdict(self, msg.Payload, false)

		default:
			sendTo(socket, ctx, protocol.MsgError, protocol.ErrorPayload{
				Code: "bad_request", Message: "unknown message type: " + msg.Type,
			})
		}
	}
}

func sendTo(socket *websocket.Conn, ctx context.Context, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("relaytest: encode %s: %v", msgType, err)
		return
	}
	if err := socket.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("relaytest: write %s: %v", msgType, err)
	}
}

func (r *Relay) handleCreateRoom(socket *websocket.Conn, ctx context.Context, raw json.RawMessage) *member {
	var p protocol.CreateRoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code := protocol.GenerateRoomCode(r.usedCodes)
	r.usedCodes[code] = true

	host := &member{
		userID:    uuid.New().String(),
		username:  p.Username,
		token:     uuid.New().String(),
		isHost:    true,
		socket:    socket,
		connected: true,
	}
	rm := &room{
		code:    code,
		hostID:  host.userID,
		members: map[string]*member{host.userID: host},
		pending: make(map[string]*member),
		waiting: make(map[string]bool),
	}
	r.rooms[code] = rm
	r.sessions[host.token] = host
	r.memberOf[host.userID] = rm

	host.send(protocol.MsgRoomCreated, protocol.RoomCreatedPayload{
		RoomCode:     code,
		UserID:       host.userID,
		SessionToken: host.token,
	})
	return host
}

func (r *Relay) handleJoinRoom(socket *websocket.Conn, ctx context.Context, raw json.RawMessage) *member {
	var p protocol.JoinRoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[protocol.NormalizeRoomCode(p.RoomCode)]
	if !ok {
		sendTo(socket, ctx, protocol.MsgError, protocol.ErrorPayload{
			Code: protocol.ErrCodeRoomNotFound, Message: "no such room",
		})
		return nil
	}

	guest := &member{
		userID:    uuid.New().String(),
		username:  p.Username,
		token:     uuid.New().String(),
		socket:    socket,
		connected: true,
	}
	rm.pending[guest.userID] = guest

	if host, ok := rm.members[rm.hostID]; ok {
		host.send(protocol.MsgJoinRequest, protocol.JoinRequestPayload{
			UserID:   guest.userID,
			Username: guest.username,
		})
	}
	return guest
}

func (r *Relay) handleApproveJoin(self *member, raw json.RawMessage) {
	var p protocol.ApproveJoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.hostRoomLocked(self)
	if rm == nil {
		return
	}
	guest, ok := rm.pending[p.UserID]
	if !ok {
		return
	}
	delete(rm.pending, p.UserID)
	rm.members[guest.userID] = guest
	r.sessions[guest.token] = guest
	r.memberOf[guest.userID] = rm

	guest.send(protocol.MsgJoinApproved, protocol.JoinApprovedPayload{
		RoomCode:     rm.code,
		UserID:       guest.userID,
		SessionToken: guest.token,
		State:        rm.state(),
	})
	rm.broadcast(protocol.MsgUserJoined, protocol.UserJoinedPayload{
		UserID:   guest.userID,
		Username: guest.username,
	}, guest.userID)
}

func (r *Relay) handleRejectJoin(self *member, raw json.RawMessage) {
	var p protocol.RejectJoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.hostRoomLocked(self)
	if rm == nil {
		return
	}
	guest, ok := rm.pending[p.UserID]
	if !ok {
		return
	}
	delete(rm.pending, p.UserID)
	guest.send(protocol.MsgJoinRejected, protocol.JoinRejectedPayload{Reason: p.Reason})
}

func (r *Relay) handleLeaveRoom(self *member) {
	if self == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.memberOf[self.userID]
	if !ok {
		return
	}
	r.removeMemberLocked(rm, self)
	rm.broadcast(protocol.MsgUserLeft, protocol.UserLeftPayload{
		UserID:   self.userID,
		Username: self.username,
	})
	if self.isHost {
		// Room dies with its host; remaining clients dissolve on the
		// user_left they just received.
		delete(r.rooms, rm.code)
	}
}

func (r *Relay) handleKickUser(self *member, raw json.RawMessage) {
	var p protocol.KickUserPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.hostRoomLocked(self)
	if rm == nil {
		return
	}
	target, ok := rm.members[p.UserID]
	if !ok || target.isHost {
		return
	}
	r.removeMemberLocked(rm, target)
	target.send(protocol.MsgKicked, protocol.KickedPayload{Reason: p.Reason})
	rm.broadcast(protocol.MsgUserLeft, protocol.UserLeftPayload{
		UserID:   target.userID,
		Username: target.username,
	})
}

func (r *Relay) handleChat(self *member, raw json.RawMessage) {
	var p protocol.ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.roomOfLocked(self)
	if !ok {
		return
	}
	rm.broadcast(protocol.MsgChatMessage, protocol.ChatMessagePayload{
		UserID:    self.userID,
		Username:  self.username,
		Message:   p.Message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *Relay) handlePlaybackAction(self *member, raw json.RawMessage) {
	var p protocol.PlaybackActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.hostRoomLocked(self)
	if rm == nil {
		if m, ok := r.roomOfLocked(self); ok && m != nil {
			self.send(protocol.MsgError, protocol.ErrorPayload{
				Code: protocol.ErrCodeNotHost, Message: "only the host controls playback",
			})
		}
		return
	}

	p.ServerTime = time.Now().UnixMilli()
	rm.applyAction(p)
	rm.broadcast(protocol.MsgSyncPlayback, p, self.userID)

	// A track change raises the buffering barrier until every guest
	// reports buffer_ready.
	if p.Action == protocol.ActionChangeTrack && p.TrackInfo != nil {
		rm.bufferTrack = p.TrackInfo.ID
		rm.waiting = make(map[string]bool)
		for id, m := range rm.members {
			if !m.isHost && m.connected {
				rm.waiting[id] = true
			}
		}
		if len(rm.waiting) > 0 {
			rm.broadcast(protocol.MsgBufferWait, protocol.BufferWaitPayload{
				TrackID:    rm.bufferTrack,
				WaitingFor: keys(rm.waiting),
			})
		}
	}
}

func (rm *room) applyAction(p protocol.PlaybackActionPayload) {
	switch p.Action {
	case protocol.ActionPlay:
		rm.isPlaying = true
		if p.Position != nil {
			rm.position = *p.Position
		}
	case protocol.ActionPause:
		rm.isPlaying = false
		if p.Position != nil {
			rm.position = *p.Position
		}
	case protocol.ActionSeek:
		if p.Position != nil {
			rm.position = *p.Position
		}
	case protocol.ActionChangeTrack:
		rm.currentTrack = p.TrackInfo
		rm.isPlaying = false
		rm.position = 0
	case protocol.ActionQueueAdd:
		if p.TrackInfo != nil {
			if p.InsertNext {
				rm.queue = append([]protocol.TrackInfo{*p.TrackInfo}, rm.queue...)
			} else {
				rm.queue = append(rm.queue, *p.TrackInfo)
			}
		}
	case protocol.ActionQueueRemove:
		kept := rm.queue[:0]
		for _, t := range rm.queue {
			if t.ID != p.TrackID {
				kept = append(kept, t)
			}
		}
		rm.queue = kept
	case protocol.ActionQueueClear:
		rm.queue = nil
	case protocol.ActionSyncQueue:
		rm.queue = append([]protocol.TrackInfo(nil), p.Queue...)
	}
	rm.lastUpdate = time.Now().UnixMilli()
}

func (r *Relay) handleBufferReady(self *member, raw json.RawMessage) {
	var p protocol.BufferReadyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.roomOfLocked(self)
	if !ok || p.TrackID != rm.bufferTrack {
		return
	}
	delete(rm.waiting, self.userID)
	if len(rm.waiting) == 0 {
		rm.broadcast(protocol.MsgBufferComplete, protocol.BufferCompletePayload{
			TrackID: rm.bufferTrack,
		})
		rm.bufferTrack = ""
	} else {
		rm.broadcast(protocol.MsgBufferWait, protocol.BufferWaitPayload{
			TrackID:    rm.bufferTrack,
			WaitingFor: keys(rm.waiting),
		})
	}
}

func (r *Relay) handleRequestSync(self *member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.roomOfLocked(self)
	if !ok {
		return
	}
	self.send(protocol.MsgSyncState, protocol.SyncStatePayload{
		CurrentTrack: rm.currentTrack,
		IsPlaying:    rm.isPlaying,
		Position:     rm.position,
		LastUpdate:   rm.lastUpdate,
	})
}

func (r *Relay) handleSuggestTrack(self *member, raw json.RawMessage) {
	var p protocol.SuggestTrackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.roomOfLocked(self)
	if !ok || self.isHost {
		return
	}
	if host, ok := rm.members[rm.hostID]; ok {
		host.send(protocol.MsgSuggestionReceived, protocol.SuggestionReceivedPayload{
			SuggestionID: uuid.New().String(),
			FromUserID:   self.userID,
			FromUsername: self.username,
			TrackInfo:    p.TrackInfo,
		})
	}
}

func (r *Relay) handleSuggestionVerdict(self *member, raw json.RawMessage, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.hostRoomLocked(self)
	if rm == nil {
		return
	}
	if approved {
		var p protocol.ApproveSuggestionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		rm.broadcast(protocol.MsgSuggestionApproved, protocol.SuggestionApprovedPayload{
			SuggestionID: p.SuggestionID,
		})
		return
	}
	var p protocol.RejectSuggestionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	rm.broadcast(protocol.MsgSuggestionRejected, protocol.SuggestionRejectedPayload{
		SuggestionID: p.SuggestionID,
		Reason:       p.Reason,
	})
}

func (r *Relay) handleReconnect(socket *websocket.Conn, ctx context.Context, raw json.RawMessage) *member {
	var p protocol.ReconnectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.sessions[p.SessionToken]
	if !ok {
		sendTo(socket, ctx, protocol.MsgError, protocol.ErrorPayload{
			Code: protocol.ErrCodeSessionNotFound, Message: "session expired",
		})
		return nil
	}
	rm, ok := r.memberOf[m.userID]
	if !ok {
		delete(r.sessions, p.SessionToken)
		sendTo(socket, ctx, protocol.MsgError, protocol.ErrorPayload{
			Code: protocol.ErrCodeRoomNotFound, Message: "room closed",
		})
		return nil
	}

	m.mu.Lock()
	m.socket = socket
	m.connected = true
	m.mu.Unlock()

	m.send(protocol.MsgReconnected, protocol.ReconnectedPayload{
		RoomCode: rm.code,
		UserID:   m.userID,
		State:    rm.state(),
		IsHost:   m.isHost,
	})
	rm.broadcast(protocol.MsgUserReconnected, protocol.UserReconnectedPayload{
		UserID:   m.userID,
		Username: m.username,
	}, m.userID)
	return m
}

func (r *Relay) markDisconnected(self *member, socket *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self.mu.Lock()
	if self.socket != socket {
		// A newer connection already took over this member.
		self.mu.Unlock()
		return
	}
	self.connected = false
	self.socket = nil
	self.mu.Unlock()

	if rm, ok := r.memberOf[self.userID]; ok {
		rm.broadcast(protocol.MsgUserDisconnected, protocol.UserDisconnectedPayload{
			UserID:   self.userID,
			Username: self.username,
		}, self.userID)
	}
}

// hostRoomLocked returns the caller's room only if the caller is its host.
func (r *Relay) hostRoomLocked(self *member) *room {
	if self == nil || !self.isHost {
		return nil
	}
	rm, ok := r.memberOf[self.userID]
	if !ok {
		return nil
	}
	return rm
}

func (r *Relay) roomOfLocked(self *member) (*room, bool) {
	if self == nil {
		return nil, false
	}
	rm, ok := r.memberOf[self.userID]
	return rm, ok
}

func (r *Relay) removeMemberLocked(rm *room, m *member) {
	delete(rm.members, m.userID)
	delete(r.memberOf, m.userID)
	delete(r.sessions, m.token)
	delete(rm.waiting, m.userID)
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
