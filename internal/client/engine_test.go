package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listentogether/internal/client"
	"listentogether/internal/protocol"
	"listentogether/internal/relaytest"
)

const testTimeout = 5 * time.Second

func testConfig(serverURL string) client.Config {
	return client.Config{
		ServerURL:      serverURL,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		MaxReconnects:  5,
	}
}

func newTestEngine(t *testing.T, serverURL string) *client.Engine {
	t.Helper()
	eng := client.New(testConfig(serverURL), nil)
	t.Cleanup(eng.Close)
	return eng
}

// waitForEvent drains the engine's event stream until match accepts an
// event, failing the test on timeout.
func waitForEvent(t *testing.T, eng *client.Engine, match func(client.Event) bool) client.Event {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-eng.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func eventOfType[T client.Event](t *testing.T, eng *client.Engine) T {
	t.Helper()
	ev := waitForEvent(t, eng, func(ev client.Event) bool {
		_, ok := ev.(T)
		return ok
	})
	return ev.(T)
}

func waitForCondition(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// createRoom spins up a host engine and returns it with its room code.
func createRoom(t *testing.T, relay *relaytest.Relay, username string) (*client.Engine, string) {
	t.Helper()
	host := newTestEngine(t, relay.URL())
	host.CreateRoom(username)
	created := eventOfType[client.EventRoomCreated](t, host)
	return host, created.RoomCode
}

// joinRoom walks a guest through request and approval against host.
func joinRoom(t *testing.T, relay *relaytest.Relay, host *client.Engine, roomCode, username string) *client.Engine {
	t.Helper()
	guest := newTestEngine(t, relay.URL())
	guest.JoinRoom(roomCode, username)

	req := eventOfType[client.EventJoinRequestReceived](t, host)
	host.ApproveJoin(req.UserID)

	eventOfType[client.EventJoinApproved](t, guest)
	eventOfType[client.EventUserJoined](t, host)
	return guest
}

func TestCreateRoom(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host := newTestEngine(t, relay.URL())
	host.CreateRoom("alice")

	created := eventOfType[client.EventRoomCreated](t, host)
	assert.Len(t, created.RoomCode, 6)
	assert.NotEmpty(t, created.UserID)

	assert.Equal(t, client.StateConnected, host.ConnectionState())
	assert.True(t, host.IsHost())
	assert.True(t, host.HasPersistedSession())

	room := host.RoomState()
	require.NotNil(t, room)
	assert.Equal(t, created.RoomCode, room.RoomCode)
	require.Len(t, room.Users, 1)
	assert.Equal(t, "alice", room.Users[0].Username)
	assert.True(t, room.Users[0].IsHost)
}

func TestJoinApprovalFlow(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")

	guest := newTestEngine(t, relay.URL())
	guest.JoinRoom(code, "bob")

	req := eventOfType[client.EventJoinRequestReceived](t, host)
	assert.Equal(t, "bob", req.Username)
	waitForCondition(t, func() bool { return len(host.PendingJoinRequests()) == 1 },
		"join request never became pending")

	host.ApproveJoin(req.UserID)

	approved := eventOfType[client.EventJoinApproved](t, guest)
	assert.Equal(t, code, approved.RoomCode)
	assert.Equal(t, client.RoleGuest, guest.Role())

	eventOfType[client.EventUserJoined](t, host)
	assert.Len(t, host.RoomState().Users, 2)
	assert.Empty(t, host.PendingJoinRequests())
}

func TestJoinRejected(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")

	guest := newTestEngine(t, relay.URL())
	guest.JoinRoom(code, "bob")

	req := eventOfType[client.EventJoinRequestReceived](t, host)
	host.RejectJoin(req.UserID, "room is private")

	rejected := eventOfType[client.EventJoinRejected](t, guest)
	assert.Equal(t, "room is private", rejected.Reason)
	assert.False(t, guest.InRoom())
}

func TestJoinInvalidCodeFailsLocally(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	guest := newTestEngine(t, relay.URL())
	guest.JoinRoom("nope", "bob")

	errEv := eventOfType[client.EventServerError](t, guest)
	assert.Equal(t, protocol.ErrCodeRoomNotFound, errEv.Code)
	// Nothing was sent, so the engine never even dialed.
	assert.Equal(t, client.StateDisconnected, guest.ConnectionState())
}

func TestJoinUnknownRoom(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	guest := newTestEngine(t, relay.URL())
	guest.JoinRoom("ZZZZ99", "bob")

	errEv := eventOfType[client.EventServerError](t, guest)
	assert.Equal(t, protocol.ErrCodeRoomNotFound, errEv.Code)
}

func TestKickUser(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	guestID := guest.UserID()
	host.KickUser(guestID, "breaking the vibe")

	kicked := eventOfType[client.EventKicked](t, guest)
	assert.Equal(t, "breaking the vibe", kicked.Reason)
	assert.False(t, guest.InRoom())
	assert.False(t, guest.HasPersistedSession())

	left := eventOfType[client.EventUserLeft](t, host)
	assert.Equal(t, guestID, left.UserID)
	assert.Len(t, host.RoomState().Users, 1)
}

func TestChatBroadcast(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	guest.SendChat("hello everyone")

	msg := eventOfType[client.EventChatReceived](t, host)
	assert.Equal(t, "bob", msg.Username)
	assert.Equal(t, "hello everyone", msg.Message)
	assert.NotZero(t, msg.Timestamp)
}

func TestHostLeavingDissolvesRoom(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	host.LeaveRoom()
	waitForCondition(t, func() bool { return !host.InRoom() }, "host still in room")

	errEv := eventOfType[client.EventServerError](t, guest)
	assert.Equal(t, protocol.ErrCodeHostLeft, errEv.Code)
	assert.False(t, guest.InRoom())
	assert.Equal(t, 0, relay.RoomCount())
}

func TestPlaybackFanout(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	pos := int64(1500)
	host.SendPlaybackAction(protocol.PlaybackActionPayload{
		Action:   protocol.ActionPlay,
		Position: &pos,
	})

	sync := eventOfType[client.EventPlaybackSync](t, guest)
	assert.Equal(t, protocol.ActionPlay, sync.Action.Action)
	assert.Equal(t, uint64(1), sync.Action.Seq)
	assert.NotZero(t, sync.Action.ServerTime)

	room := guest.RoomState()
	require.NotNil(t, room)
	assert.True(t, room.IsPlaying)
	assert.Equal(t, pos, room.Position)
}

func TestGuestCannotControlPlayback(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	guest.SendPlaybackAction(protocol.PlaybackActionPayload{Action: protocol.ActionPlay})

	// The command is refused locally; the host's room never starts playing.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, host.RoomState().IsPlaying)
}

func TestBufferingBarrier(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	track := protocol.TrackInfo{ID: "track-1", Title: "Song", Artist: "Band"}
	host.SendPlaybackAction(protocol.PlaybackActionPayload{
		Action:    protocol.ActionChangeTrack,
		TrackID:   track.ID,
		TrackInfo: &track,
	})

	wait := eventOfType[client.EventBufferWait](t, host)
	assert.Equal(t, "track-1", wait.TrackID)
	assert.Len(t, wait.WaitingFor, 1)
	waitForCondition(t, func() bool { return len(host.BufferingUsers()) == 1 },
		"barrier never raised on host")

	eventOfType[client.EventBufferWait](t, guest)
	guest.SendBufferReady("track-1")

	done := eventOfType[client.EventBufferComplete](t, host)
	assert.Equal(t, "track-1", done.TrackID)
	eventOfType[client.EventBufferComplete](t, guest)

	assert.Empty(t, host.BufferingUsers())
	assert.Empty(t, guest.BufferingUsers())
}

func TestSuggestionFlow(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	guest.SuggestTrack(protocol.TrackInfo{ID: "track-9", Title: "Deep Cut"})

	received := eventOfType[client.EventSuggestionReceived](t, host)
	assert.Equal(t, "bob", received.Suggestion.FromUsername)
	assert.Equal(t, "Deep Cut", received.Suggestion.TrackInfo.Title)
	waitForCondition(t, func() bool { return len(host.PendingSuggestions()) == 1 },
		"suggestion never became pending")

	host.ApproveSuggestion(received.Suggestion.SuggestionID)
	waitForCondition(t, func() bool { return len(host.PendingSuggestions()) == 0 },
		"suggestion not cleared after approval")
}

func TestSilentResumeAfterDrop(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	// Drop and redial; the held token resumes the same seat.
	guest.ForceReconnect()

	resumed := eventOfType[client.EventReconnected](t, guest)
	assert.Equal(t, code, resumed.RoomCode)
	assert.False(t, resumed.IsHost)
	assert.True(t, guest.InRoom())
	assert.Equal(t, client.RoleGuest, guest.Role())

	eventOfType[client.EventUserReconnected](t, host)
}

func TestSessionNotFoundFallsBackToJoin(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	// The relay forgets everyone; the guest's resume attempt must turn into
	// a fresh join request instead of a dead end.
	relay.ForgetAllSessions()
	guest.ForceReconnect()

	req := eventOfType[client.EventJoinRequestReceived](t, host)
	assert.Equal(t, "bob", req.Username)
	host.ApproveJoin(req.UserID)

	approved := eventOfType[client.EventJoinApproved](t, guest)
	assert.Equal(t, code, approved.RoomCode)
	assert.True(t, guest.InRoom())
}

func TestRequestSync(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, code := createRoom(t, relay, "alice")
	guest := joinRoom(t, relay, host, code, "bob")

	pos := int64(60000)
	host.SendPlaybackAction(protocol.PlaybackActionPayload{
		Action:   protocol.ActionPlay,
		Position: &pos,
	})
	eventOfType[client.EventPlaybackSync](t, guest)

	guest.RequestSync()

	state := eventOfType[client.EventSyncState](t, guest)
	assert.True(t, state.State.IsPlaying)
	assert.Equal(t, pos, state.State.Position)
}

func TestSessionPersistsAcrossRestart(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	dir := t.TempDir()
	persist, err := client.OpenSessionStore(dir)
	require.NoError(t, err)

	cfg := testConfig(relay.URL())
	first := client.New(cfg, persist)
	first.CreateRoom("alice")
	created := eventOfType[client.EventRoomCreated](t, first)

	first.Close()
	require.NoError(t, persist.Close())

	// A relaunched client adopts the saved session and resumes silently.
	persist, err = client.OpenSessionStore(dir)
	require.NoError(t, err)
	defer persist.Close()

	second := client.New(cfg, persist)
	defer second.Close()

	assert.Equal(t, created.RoomCode, second.PersistedRoomCode())
	second.Connect()

	resumed := eventOfType[client.EventReconnected](t, second)
	assert.Equal(t, created.RoomCode, resumed.RoomCode)
	assert.True(t, resumed.IsHost)
	assert.True(t, second.IsHost())
}

func TestStalePersistedSessionIgnored(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	dir := t.TempDir()
	persist, err := client.OpenSessionStore(dir)
	require.NoError(t, err)
	defer persist.Close()

	cfg := testConfig(relay.URL())
	require.NoError(t, persist.SaveSession(cfg.ServerURL, client.PersistedSession{
		RoomCode:     "OLD123",
		SessionToken: "stale-token",
		UserID:       "u-old",
		SavedAt:      time.Now().Add(-time.Hour),
	}))

	eng := client.New(cfg, persist)
	defer eng.Close()

	assert.Equal(t, "", eng.PersistedRoomCode())
	assert.False(t, eng.HasPersistedSession())

	// The stale record is gone from disk too.
	loaded, err := persist.LoadSession(cfg.ServerURL)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestOutageWithinGraceKeepsRoom(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	cfg := testConfig(relay.URL())
	cfg.MaxReconnects = 2
	host := client.New(cfg, nil)
	t.Cleanup(host.Close)

	host.CreateRoom("alice")
	code := eventOfType[client.EventRoomCreated](t, host).RoomCode

	relay.Refuse()
	eventOfType[client.EventConnectionError](t, host)

	// The relay may still hold the seat, so the room stays visible for a
	// manual ForceReconnect.
	assert.Equal(t, client.StateError, host.ConnectionState())
	require.NotNil(t, host.RoomState())
	assert.Equal(t, code, host.RoomState().RoomCode)
	assert.True(t, host.HasPersistedSession())
}

func TestOutagePastGraceClearsRoom(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	cfg := testConfig(relay.URL())
	cfg.MaxReconnects = 3
	cfg.SessionMaxAge = 100 * time.Millisecond
	host := client.New(cfg, nil)
	t.Cleanup(host.Close)

	host.CreateRoom("alice")
	eventOfType[client.EventRoomCreated](t, host)

	// Three backoff rounds take well past the 100ms grace window, so by the
	// time the engine gives up the relay has already freed the seat.
	relay.Refuse()
	eventOfType[client.EventConnectionError](t, host)

	assert.Equal(t, client.StateError, host.ConnectionState())
	assert.False(t, host.InRoom())
	assert.Nil(t, host.RoomState())
	assert.False(t, host.HasPersistedSession())
}

func TestDisconnectClearsEverything(t *testing.T) {
	relay := relaytest.New()
	defer relay.Close()

	host, _ := createRoom(t, relay, "alice")

	host.Disconnect()

	eventOfType[client.EventDisconnected](t, host)
	assert.False(t, host.InRoom())
	assert.False(t, host.HasPersistedSession())
	assert.Equal(t, client.StateDisconnected, host.ConnectionState())
	assert.Equal(t, "", host.UserID())
}
