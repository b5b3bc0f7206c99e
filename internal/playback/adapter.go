package playback

import (
	"log"
	"sync"
	"time"

	"listentogether/internal/client"
	"listentogether/internal/protocol"
)

// Session is the slice of the room engine the adapter needs. Satisfied by
// *client.Engine.
type Session interface {
	Role() client.Role
	SendPlaybackAction(action protocol.PlaybackActionPayload)
	SendBufferReady(trackID string)
}

// Adapter keeps one local Player in step with the room. Feed it every
// engine event through HandleEvent; call the Notify* methods from the
// player UI when the local user does something.
//
// All methods are safe for concurrent use. The adapter never calls back
// into the Session while holding its lock.
type Adapter struct {
	session Session
	player  Player
	now     func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	applying bool // remote command in flight; local notifications must not echo

	buffering    bool
	playing      bool // what the player is doing right now
	wasPlaying   bool // playing state when the buffering barrier went up
	currentTrack string
	pendingSync  *protocol.PlaybackActionPayload
}

func NewAdapter(session Session, player Player) *Adapter {
	return &Adapter{session: session, player: player, now: time.Now}
}

// HandleEvent folds one engine event into the player. Events the adapter
// does not care about are ignored.
func (a *Adapter) HandleEvent(ev client.Event) {
	switch ev := ev.(type) {
	case client.EventPlaybackSync:
		a.applyRemote(ev.Action)
	case client.EventBufferWait:
		a.handleBufferWait(ev)
	case client.EventBufferComplete:
		a.handleBufferComplete(ev)
	case client.EventJoinApproved:
		a.applySnapshot(ev.State.CurrentTrack, ev.State.IsPlaying, ev.State.Position, ev.State.LastUpdate)
	case client.EventReconnected:
		a.applySnapshot(ev.State.CurrentTrack, ev.State.IsPlaying, ev.State.Position, ev.State.LastUpdate)
	case client.EventSyncState:
		a.applySnapshot(ev.State.CurrentTrack, ev.State.IsPlaying, ev.State.Position, ev.State.LastUpdate)
	case client.EventKicked, client.EventDisconnected:
		a.mu.Lock()
		a.lastSeq = 0
		a.buffering = false
		a.playing = false
		a.wasPlaying = false
		a.pendingSync = nil
		a.currentTrack = ""
		a.mu.Unlock()
		if err := a.player.Pause(); err != nil {
			log.Printf("playback: pause on room exit: %v", err)
		}
	}
}

// applyRemote executes one broadcast command. Guests discard anything they
// have already applied or that arrived behind a newer command.
func (a *Adapter) applyRemote(p protocol.PlaybackActionPayload) {
	a.mu.Lock()
	if a.session.Role() == client.RoleHost {
		// The host's player already reflects its own commands.
		a.mu.Unlock()
		return
	}
	if p.Seq != 0 {
		if p.Seq <= a.lastSeq {
			a.mu.Unlock()
			return
		}
		a.lastSeq = p.Seq
	}
	if a.buffering && p.Action == protocol.ActionPlay {
		// Barrier is up: remember the command and run it on buffer_complete.
		cp := p
		a.pendingSync = &cp
		a.mu.Unlock()
		return
	}
	a.applying = true
	a.mu.Unlock()

	a.execute(p)

	a.mu.Lock()
	a.applying = false
	a.mu.Unlock()
}

func (a *Adapter) execute(p protocol.PlaybackActionPayload) {
	var err error
	switch p.Action {
	case protocol.ActionPlay:
		if p.Position != nil {
			err = a.player.Seek(a.compensate(*p.Position, p.ServerTime))
		}
		if err == nil {
			err = a.player.Play()
		}
	case protocol.ActionPause:
		err = a.player.Pause()
		if err == nil && p.Position != nil {
			err = a.player.Seek(time.Duration(*p.Position) * time.Millisecond)
		}
	case protocol.ActionSeek:
		if p.Position != nil {
			err = a.player.Seek(a.compensate(*p.Position, p.ServerTime))
		}
	case protocol.ActionChangeTrack, protocol.ActionSkipNext, protocol.ActionSkipPrev:
		if p.TrackInfo != nil {
			a.mu.Lock()
			a.currentTrack = p.TrackInfo.ID
			a.mu.Unlock()
			err = a.player.Load(*p.TrackInfo)
		}
	case protocol.ActionQueueAdd, protocol.ActionQueueRemove,
		protocol.ActionQueueClear, protocol.ActionSyncQueue:
		// Queue edits live in the room state; nothing for the player to do.
	}
	if err != nil {
		log.Printf("playback: apply %s: %v", p.Action, err)
		return
	}
	switch p.Action {
	case protocol.ActionPlay:
		a.setPlaying(true)
	case protocol.ActionPause, protocol.ActionChangeTrack,
		protocol.ActionSkipNext, protocol.ActionSkipPrev:
		a.setPlaying(false)
	}
}

func (a *Adapter) setPlaying(v bool) {
	a.mu.Lock()
	a.playing = v
	a.mu.Unlock()
}

// compensate adds the one-way delivery delay to a broadcast position so the
// guest lands where the host is now, not where it was when it sent.
func (a *Adapter) compensate(positionMillis, serverTime int64) time.Duration {
	pos := positionMillis
	if serverTime > 0 {
		if lag := a.now().UnixMilli() - serverTime; lag > 0 {
			pos += lag
		}
	}
	return time.Duration(pos) * time.Millisecond
}

// handleBufferWait raises the barrier: the play clock stops for everyone,
// the host included, until every waiting member reports buffer_ready.
func (a *Adapter) handleBufferWait(ev client.EventBufferWait) {
	a.mu.Lock()
	a.buffering = true
	a.wasPlaying = a.playing
	a.applying = true
	a.mu.Unlock()
	if err := a.player.Pause(); err != nil {
		log.Printf("playback: pause for buffering: %v", err)
	}
	a.mu.Lock()
	a.playing = false
	a.applying = false
	a.mu.Unlock()
}

// handleBufferComplete lowers the barrier. The parked command, if any, runs
// exactly once; otherwise playback resumes if the barrier interrupted it.
func (a *Adapter) handleBufferComplete(ev client.EventBufferComplete) {
	a.mu.Lock()
	pending := a.pendingSync
	resume := a.wasPlaying && pending == nil
	a.pendingSync = nil
	a.buffering = false
	a.wasPlaying = false
	a.mu.Unlock()

	if pending != nil {
		// The parked command already passed the seq check when it was
		// parked; run it directly.
		a.mu.Lock()
		a.applying = true
		a.mu.Unlock()
		a.execute(*pending)
		a.mu.Lock()
		a.applying = false
		a.mu.Unlock()
		return
	}
	if resume {
		a.mu.Lock()
		a.applying = true
		a.mu.Unlock()
		if err := a.player.Play(); err != nil {
			log.Printf("playback: resume after buffering: %v", err)
		} else {
			a.setPlaying(true)
		}
		a.mu.Lock()
		a.applying = false
		a.mu.Unlock()
	}
}

// applySnapshot seats the player on an authoritative room snapshot, used on
// join, resync and reconnect.
func (a *Adapter) applySnapshot(track *protocol.TrackInfo, playing bool, position, lastUpdate int64) {
	if a.session.Role() == client.RoleHost {
		return
	}
	a.mu.Lock()
	a.applying = true
	a.lastSeq = 0 // seq numbering starts over with the snapshot
	a.buffering = false
	a.wasPlaying = false
	a.playing = playing && track != nil
	a.pendingSync = nil
	if track != nil {
		a.currentTrack = track.ID
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.applying = false
		a.mu.Unlock()
	}()

	if track == nil {
		if err := a.player.Pause(); err != nil {
			log.Printf("playback: pause on empty snapshot: %v", err)
		}
		return
	}
	if err := a.player.Load(*track); err != nil {
		log.Printf("playback: load snapshot track: %v", err)
		return
	}
	pos := position
	if playing {
		pos = a.compensate(position, lastUpdate).Milliseconds()
	}
	if err := a.player.Seek(time.Duration(pos) * time.Millisecond); err != nil {
		log.Printf("playback: seek snapshot position: %v", err)
	}
	if playing {
		if err := a.player.Play(); err != nil {
			log.Printf("playback: start snapshot playback: %v", err)
		}
	}
}

// NotifyBuffered tells the room the local player finished loading a track.
// Call it from the player once Load has enough data to start.
func (a *Adapter) NotifyBuffered(trackID string) {
	a.session.SendBufferReady(trackID)
}

// The Notify* methods below are for the host's player UI. Each broadcasts
// the action; the engine ignores them unless this client is the host.
// Notifications raised while the adapter itself is applying a remote
// command are swallowed so remote commands never echo back into the room.

func (a *Adapter) NotifyPlay() {
	if a.notify(protocol.PlaybackActionPayload{
		Action:   protocol.ActionPlay,
		Position: int64Ptr(a.player.Position().Milliseconds()),
	}) {
		a.setPlaying(true)
	}
}

func (a *Adapter) NotifyPause() {
	if a.notify(protocol.PlaybackActionPayload{
		Action:   protocol.ActionPause,
		Position: int64Ptr(a.player.Position().Milliseconds()),
	}) {
		a.setPlaying(false)
	}
}

func (a *Adapter) NotifySeek(position time.Duration) {
	a.notify(protocol.PlaybackActionPayload{
		Action:   protocol.ActionSeek,
		Position: int64Ptr(position.Milliseconds()),
	})
}

func (a *Adapter) NotifyTrackChanged(track protocol.TrackInfo) {
	a.mu.Lock()
	a.currentTrack = track.ID
	a.mu.Unlock()
	if a.notify(protocol.PlaybackActionPayload{
		Action:    protocol.ActionChangeTrack,
		TrackID:   track.ID,
		TrackInfo: &track,
	}) {
		a.setPlaying(false)
	}
}

func (a *Adapter) NotifyQueueAdd(track protocol.TrackInfo, insertNext bool) {
	a.notify(protocol.PlaybackActionPayload{
		Action:     protocol.ActionQueueAdd,
		TrackID:    track.ID,
		TrackInfo:  &track,
		InsertNext: insertNext,
	})
}

func (a *Adapter) NotifyQueueRemove(trackID string) {
	a.notify(protocol.PlaybackActionPayload{
		Action:  protocol.ActionQueueRemove,
		TrackID: trackID,
	})
}

func (a *Adapter) NotifyQueueClear() {
	a.notify(protocol.PlaybackActionPayload{Action: protocol.ActionQueueClear})
}

func (a *Adapter) NotifyQueueSync(queue []protocol.TrackInfo, title string) {
	a.notify(protocol.PlaybackActionPayload{
		Action:     protocol.ActionSyncQueue,
		Queue:      queue,
		QueueTitle: title,
	})
}

func (a *Adapter) notify(p protocol.PlaybackActionPayload) bool {
	a.mu.Lock()
	echo := a.applying
	a.mu.Unlock()
	if echo {
		return false
	}
	a.session.SendPlaybackAction(p)
	return true
}

func int64Ptr(v int64) *int64 { return &v }
