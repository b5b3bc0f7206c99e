package playback

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"listentogether/internal/client"
	"listentogether/internal/protocol"
)

type fakeSession struct {
	mu       sync.Mutex
	role     client.Role
	sent     []protocol.PlaybackActionPayload
	buffered []string
}

func (s *fakeSession) Role() client.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *fakeSession) SendPlaybackAction(action protocol.PlaybackActionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, action)
}

func (s *fakeSession) SendBufferReady(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = append(s.buffered, trackID)
}

func (s *fakeSession) sentActions() []protocol.PlaybackActionPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PlaybackActionPayload(nil), s.sent...)
}

// fakePlayer records every command in order.
type fakePlayer struct {
	mu    sync.Mutex
	calls []string
	pos   time.Duration
}

func (p *fakePlayer) Load(track protocol.TrackInfo) error {
	p.record("load:" + track.ID)
	return nil
}

func (p *fakePlayer) Play() error  { p.record("play"); return nil }
func (p *fakePlayer) Pause() error { p.record("pause"); return nil }

func (p *fakePlayer) Seek(position time.Duration) error {
	p.record(fmt.Sprintf("seek:%d", position.Milliseconds()))
	p.mu.Lock()
	p.pos = position
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePlayer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func guestAdapter() (*Adapter, *fakeSession, *fakePlayer) {
	session := &fakeSession{role: client.RoleGuest}
	player := &fakePlayer{}
	return NewAdapter(session, player), session, player
}

func syncEvent(action string, seq uint64, position int64) client.EventPlaybackSync {
	return client.EventPlaybackSync{Action: protocol.PlaybackActionPayload{
		Action:   action,
		Seq:      seq,
		Position: &position,
	}}
}

func TestAdapterAppliesRemotePlay(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(syncEvent(protocol.ActionPlay, 1, 3000))

	assert.Equal(t, []string{"seek:3000", "play"}, player.log())
}

func TestAdapterDiscardsStaleAndDuplicateSeq(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(syncEvent(protocol.ActionPlay, 3, 0))
	before := len(player.log())

	// A redelivered and two late commands must all be dropped.
	a.HandleEvent(syncEvent(protocol.ActionPause, 3, 0))
	a.HandleEvent(syncEvent(protocol.ActionPause, 1, 0))
	a.HandleEvent(syncEvent(protocol.ActionPause, 2, 0))
	assert.Equal(t, before, len(player.log()))

	// The next fresh command still lands.
	a.HandleEvent(syncEvent(protocol.ActionPause, 4, 5000))
	assert.Equal(t, []string{"pause", "seek:5000"}, player.log()[before:])
}

func TestSeqStartsOverInNextRoom(t *testing.T) {
	a, _, player := guestAdapter()

	// Ride the first room's numbering up to 5, then join another room.
	a.HandleEvent(syncEvent(protocol.ActionPlay, 5, 3000))
	a.HandleEvent(client.EventJoinApproved{
		RoomCode: "NEW123",
		State: protocol.RoomState{
			CurrentTrack: &protocol.TrackInfo{ID: "track-9"},
		},
	})
	before := len(player.log())

	// The new room counts from 1 again; its early commands must apply.
	a.HandleEvent(syncEvent(protocol.ActionPause, 1, 0))
	a.HandleEvent(syncEvent(protocol.ActionSeek, 2, 7000))

	assert.Equal(t, []string{"pause", "seek:0", "seek:7000"}, player.log()[before:])
}

func TestAdapterHostIgnoresRemoteCommands(t *testing.T) {
	session := &fakeSession{role: client.RoleHost}
	player := &fakePlayer{}
	a := NewAdapter(session, player)

	a.HandleEvent(syncEvent(protocol.ActionPlay, 1, 0))

	assert.Empty(t, player.log())
}

func TestAdapterLatencyCompensation(t *testing.T) {
	a, _, player := guestAdapter()
	sent := time.Now().Add(-200 * time.Millisecond)
	a.now = func() time.Time { return sent.Add(200 * time.Millisecond) }

	pos := int64(10000)
	a.HandleEvent(client.EventPlaybackSync{Action: protocol.PlaybackActionPayload{
		Action:     protocol.ActionSeek,
		Seq:        1,
		Position:   &pos,
		ServerTime: sent.UnixMilli(),
	}})

	// 10s broadcast position plus the 200ms it spent in flight.
	assert.Equal(t, []string{"seek:10200"}, player.log())
}

func TestAdapterChangeTrackLoads(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(client.EventPlaybackSync{Action: protocol.PlaybackActionPayload{
		Action:    protocol.ActionChangeTrack,
		Seq:       1,
		TrackID:   "track-7",
		TrackInfo: &protocol.TrackInfo{ID: "track-7", Title: "Song"},
	}})

	assert.Equal(t, []string{"load:track-7"}, player.log())
}

func TestBufferBarrierParksPlayUntilComplete(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(client.EventBufferWait{TrackID: "t1", WaitingFor: []string{"u2"}})
	assert.Equal(t, []string{"pause"}, player.log())

	// A play arriving behind the barrier is parked as pending.
	a.HandleEvent(syncEvent(protocol.ActionPlay, 1, 0))
	assert.Equal(t, []string{"pause"}, player.log())

	a.HandleEvent(client.EventBufferComplete{TrackID: "t1"})
	assert.Equal(t, []string{"pause", "seek:0", "play"}, player.log())

	// A stray second completion must not replay anything.
	a.HandleEvent(client.EventBufferComplete{TrackID: "t1"})
	assert.Equal(t, []string{"pause", "seek:0", "play"}, player.log())
}

func TestBufferBarrierResumesExactlyOnce(t *testing.T) {
	a, _, player := guestAdapter()

	// The guest was playing when the barrier went up.
	a.HandleEvent(syncEvent(protocol.ActionPlay, 1, 0))
	a.HandleEvent(client.EventBufferWait{TrackID: "t1", WaitingFor: []string{"u2"}})
	a.HandleEvent(client.EventBufferComplete{TrackID: "t1"})
	a.HandleEvent(client.EventBufferComplete{TrackID: "t1"})

	assert.Equal(t, []string{"seek:0", "play", "pause", "play"}, player.log())
}

func TestBufferBarrierDoesNotResumePausedRoom(t *testing.T) {
	a, _, player := guestAdapter()

	// A track change leaves the room paused; the barrier lowering must not
	// start playback on its own.
	a.HandleEvent(client.EventPlaybackSync{Action: protocol.PlaybackActionPayload{
		Action:    protocol.ActionChangeTrack,
		Seq:       1,
		TrackID:   "t1",
		TrackInfo: &protocol.TrackInfo{ID: "t1"},
	}})
	a.HandleEvent(client.EventBufferWait{TrackID: "t1", WaitingFor: []string{"u2"}})
	a.HandleEvent(client.EventBufferComplete{TrackID: "t1"})

	assert.Equal(t, []string{"load:t1", "pause"}, player.log())
}

func TestBufferBarrierPausesAndResumesHost(t *testing.T) {
	session := &fakeSession{role: client.RoleHost}
	player := &fakePlayer{}
	a := NewAdapter(session, player)

	a.NotifyPlay()
	a.HandleEvent(client.EventBufferWait{TrackID: "t1", WaitingFor: []string{"u2"}})
	a.HandleEvent(client.EventBufferComplete{TrackID: "t1"})

	// The host's clock stops with the barrier and restarts when it clears.
	assert.Equal(t, []string{"pause", "play"}, player.log())
	// Neither barrier transition may echo back into the room.
	assert.Len(t, session.sentActions(), 1)
}

func TestSnapshotSeatsGuest(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(client.EventJoinApproved{
		RoomCode: "ABC123",
		State: protocol.RoomState{
			CurrentTrack: &protocol.TrackInfo{ID: "track-2"},
			IsPlaying:    false,
			Position:     42000,
		},
	})

	assert.Equal(t, []string{"load:track-2", "seek:42000"}, player.log())
}

func TestSnapshotWithoutTrackPauses(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(client.EventSyncState{State: protocol.SyncStatePayload{}})

	assert.Equal(t, []string{"pause"}, player.log())
}

func TestNotifyForwardsHostActions(t *testing.T) {
	session := &fakeSession{role: client.RoleHost}
	player := &fakePlayer{pos: 9 * time.Second}
	a := NewAdapter(session, player)

	a.NotifyPlay()
	a.NotifySeek(30 * time.Second)
	a.NotifyQueueClear()

	sent := session.sentActions()
	assert.Len(t, sent, 3)
	assert.Equal(t, protocol.ActionPlay, sent[0].Action)
	assert.Equal(t, int64(9000), *sent[0].Position)
	assert.Equal(t, protocol.ActionSeek, sent[1].Action)
	assert.Equal(t, int64(30000), *sent[1].Position)
	assert.Equal(t, protocol.ActionQueueClear, sent[2].Action)
}

func TestNotifyBufferedReportsTrack(t *testing.T) {
	a, session, _ := guestAdapter()

	a.NotifyBuffered("track-3")

	assert.Equal(t, []string{"track-3"}, session.buffered)
}

func TestRoomExitResetsAdapter(t *testing.T) {
	a, _, player := guestAdapter()

	a.HandleEvent(syncEvent(protocol.ActionPlay, 5, 0))
	a.HandleEvent(client.EventKicked{Reason: "bye"})

	// Sequence numbering starts over in the next room, so an early seq must
	// apply again.
	a.HandleEvent(syncEvent(protocol.ActionPause, 1, 0))

	log := player.log()
	assert.Equal(t, "pause", log[len(log)-1])
}
