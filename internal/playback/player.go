// Package playback bridges the room engine and a local media player. The
// host side turns local player actions into broadcast commands; the guest
// side applies remote commands to the local player with latency
// compensation and duplicate suppression.
package playback

import (
	"time"

	"listentogether/internal/protocol"
)

// Player is the control surface the adapter drives on the local media
// player. Implementations talk to whatever actually produces audio; the
// adapter never assumes anything beyond these calls.
type Player interface {
	// Load prepares a track for playback without starting it. The adapter
	// reports readiness separately via Adapter.NotifyBuffered.
	Load(track protocol.TrackInfo) error
	Play() error
	Pause() error
	Seek(position time.Duration) error
	// Position reports the current playhead.
	Position() time.Duration
}

// NopPlayer discards every command. Useful for headless clients that only
// want room membership and chat.
type NopPlayer struct{}

func (NopPlayer) Load(protocol.TrackInfo) error { return nil }
func (NopPlayer) Play() error                   { return nil }
func (NopPlayer) Pause() error                  { return nil }
func (NopPlayer) Seek(time.Duration) error      { return nil }
func (NopPlayer) Position() time.Duration       { return 0 }
