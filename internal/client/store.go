package client

import (
	"sync"

	"listentogether/internal/protocol"
)

// Store is the single source of truth for observable session state. Only the
// engine loop writes it; any goroutine may read. Readers get copies, never
// references into live state.
type Store struct {
	mu sync.RWMutex

	connState       ConnectionState
	userID          string
	room            *protocol.RoomState
	pendingJoins    []protocol.JoinRequestPayload
	pendingSuggests []protocol.SuggestionReceivedPayload
	buffering       []string

	watchers map[chan struct{}]struct{}
}

func NewStore() *Store {
	return &Store{
		watchers: make(map[chan struct{}]struct{}),
	}
}

// Watch registers a change-notification channel. Each state mutation posts a
// non-blocking tick; a lagging watcher simply coalesces ticks.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

func (s *Store) SetConnectionState(state ConnectionState) {
	s.mu.Lock()
	s.connState = state
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Store) SetUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.notifyLocked()
	s.mu.Unlock()
}

// RoomState returns a deep copy of the current room, or nil when not in one.
func (s *Store) RoomState() *protocol.RoomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRoom(s.room)
}

func (s *Store) SetRoomState(room *protocol.RoomState) {
	s.mu.Lock()
	s.room = copyRoom(room)
	s.notifyLocked()
	s.mu.Unlock()
}

// MutateRoom applies fn to the live room under the write lock. fn must not
// retain references. No-op when not in a room.
func (s *Store) MutateRoom(fn func(room *protocol.RoomState)) {
	s.mu.Lock()
	if s.room != nil {
		fn(s.room)
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// Role derives the local role from userID and the roster.
func (s *Store) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RoleOf(s.userID, s.room)
}

func (s *Store) InRoom() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room != nil
}

func (s *Store) PendingJoinRequests() []protocol.JoinRequestPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.JoinRequestPayload, len(s.pendingJoins))
	copy(out, s.pendingJoins)
	return out
}

// AddPendingJoin appends a request, replacing any earlier one from the same
// user so arrival order tracks the latest attempt.
func (s *Store) AddPendingJoin(req protocol.JoinRequestPayload) {
	s.mu.Lock()
	s.pendingJoins = removeJoin(s.pendingJoins, req.UserID)
	s.pendingJoins = append(s.pendingJoins, req)
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Store) RemovePendingJoin(userID string) {
	s.mu.Lock()
	s.pendingJoins = removeJoin(s.pendingJoins, userID)
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Store) PendingSuggestions() []protocol.SuggestionReceivedPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.SuggestionReceivedPayload, len(s.pendingSuggests))
	copy(out, s.pendingSuggests)
	return out
}

func (s *Store) AddPendingSuggestion(sug protocol.SuggestionReceivedPayload) {
	s.mu.Lock()
	s.pendingSuggests = append(s.pendingSuggests, sug)
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Store) RemovePendingSuggestion(suggestionID string) {
	s.mu.Lock()
	kept := s.pendingSuggests[:0]
	for _, sug := range s.pendingSuggests {
		if sug.SuggestionID != suggestionID {
			kept = append(kept, sug)
		}
	}
	s.pendingSuggests = kept
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Store) BufferingUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.buffering))
	copy(out, s.buffering)
	return out
}

func (s *Store) SetBufferingUsers(users []string) {
	s.mu.Lock()
	s.buffering = append([]string(nil), users...)
	s.notifyLocked()
	s.mu.Unlock()
}

// ClearRoom drops the room and everything scoped to it.
func (s *Store) ClearRoom() {
	s.mu.Lock()
	s.room = nil
	s.pendingJoins = nil
	s.pendingSuggests = nil
	s.buffering = nil
	s.notifyLocked()
	s.mu.Unlock()
}

func removeJoin(reqs []protocol.JoinRequestPayload, userID string) []protocol.JoinRequestPayload {
	kept := reqs[:0]
	for _, r := range reqs {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	return kept
}

func copyRoom(room *protocol.RoomState) *protocol.RoomState {
	if room == nil {
		return nil
	}
	dup := *room
	dup.Users = append([]protocol.UserInfo(nil), room.Users...)
	dup.Queue = append([]protocol.TrackInfo(nil), room.Queue...)
	if room.CurrentTrack != nil {
		track := *room.CurrentTrack
		dup.CurrentTrack = &track
	}
	return &dup
}
