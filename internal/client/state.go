package client

import "listentogether/internal/protocol"

// ConnectionState tracks the transport link's lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Role is the local user's standing in the current room. It is always
// derived from the roster, never stored on its own.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// RoleOf derives the local role from the roster. A missing room or a local
// user not on the roster means no role.
func RoleOf(localUserID string, room *protocol.RoomState) Role {
	if room == nil || localUserID == "" {
		return RoleNone
	}
	for _, u := range room.Users {
		if u.UserID == localUserID {
			if u.IsHost {
				return RoleHost
			}
			return RoleGuest
		}
	}
	return RoleNone
}
