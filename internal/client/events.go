package client

import (
	"sync"

	"listentogether/internal/protocol"
)

// Event is the one-shot notification surface. Each produced event is
// delivered at most once, to whoever is currently draining Events().
type Event interface {
	event()
}

type EventRoomCreated struct {
	RoomCode string
	UserID   string
}

type EventJoinRequestReceived struct {
	UserID   string
	Username string
}

type EventJoinApproved struct {
	RoomCode string
	UserID   string
	State    protocol.RoomState
}

type EventJoinRejected struct {
	Reason string
}

type EventUserJoined struct {
	UserID   string
	Username string
}

type EventUserLeft struct {
	UserID   string
	Username string
}

type EventHostChanged struct {
	NewHostID   string
	NewHostName string
}

type EventKicked struct {
	Reason string
}

type EventReconnecting struct {
	Attempt     int
	MaxAttempts int
}

type EventReconnected struct {
	RoomCode string
	UserID   string
	State    protocol.RoomState
	IsHost   bool
}

type EventUserReconnected struct {
	UserID   string
	Username string
}

type EventUserDisconnected struct {
	UserID   string
	Username string
}

type EventPlaybackSync struct {
	Action protocol.PlaybackActionPayload
}

type EventBufferWait struct {
	TrackID    string
	WaitingFor []string
}

type EventBufferComplete struct {
	TrackID string
}

type EventSyncState struct {
	State protocol.SyncStatePayload
}

type EventChatReceived struct {
	UserID    string
	Username  string
	Message   string
	Timestamp int64
}

type EventSuggestionReceived struct {
	Suggestion protocol.SuggestionReceivedPayload
}

type EventConnectionError struct {
	Err string
}

type EventServerError struct {
	Code    string
	Message string
}

type EventDisconnected struct{}

func (EventRoomCreated) event()         {}
func (EventJoinRequestReceived) event() {}
func (EventJoinApproved) event()        {}
func (EventJoinRejected) event()        {}
func (EventUserJoined) event()          {}
func (EventUserLeft) event()            {}
func (EventHostChanged) event()         {}
func (EventKicked) event()              {}
func (EventReconnecting) event()        {}
func (EventReconnected) event()         {}
func (EventUserReconnected) event()     {}
func (EventUserDisconnected) event()    {}
func (EventPlaybackSync) event()        {}
func (EventBufferWait) event()          {}
func (EventBufferComplete) event()      {}
func (EventSyncState) event()           {}
func (EventChatReceived) event()        {}
func (EventSuggestionReceived) event()  {}
func (EventConnectionError) event()     {}
func (EventServerError) event()         {}
func (EventDisconnected) event()        {}

// eventStream is a buffered single-consumer queue. Emission never blocks the
// engine; if the consumer lags past the buffer, the oldest undelivered event
// is dropped and counted.
type eventStream struct {
	mu      sync.Mutex
	ch      chan Event
	dropped int
}

func newEventStream(buffer int) *eventStream {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &eventStream{ch: make(chan Event, buffer)}
}

func (s *eventStream) Events() <-chan Event {
	return s.ch
}

// Emit enqueues ev, evicting the oldest queued event when full. Returns
// whether an eviction happened.
func (s *eventStream) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- ev:
		return false
	default:
	}

	// Full: drop the oldest and retry once. The consumer may race us and
	// drain in between, in which case the send just succeeds.
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return true
}

func (s *eventStream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
