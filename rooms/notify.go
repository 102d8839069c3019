package rooms

import "collab-editor/core"

// Audience selects the recipients of a room event relative to the
// connection that caused it.
type Audience int

const (
	// Caller is only the originating connection.
	Caller Audience = iota
	// Others is every connection bound to the room except the originator.
	Others
	// Everyone is every connection bound to the room.
	Everyone
)

func (a Audience) String() string {
	switch a {
	case Caller:
		return "caller"
	case Others:
		return "others"
	case Everyone:
		return "everyone"
	default:
		return "unknown"
	}
}

// Notifier delivers room events. Rooms call it while holding their lock, so
// implementations must not block and must not call back into the room.
type Notifier interface {
	Notify(roomID string, to Audience, originConn string, evt core.Event)
}

// Actor identifies who performs a room operation.
type Actor struct {
	ConnID   string
	Username string
}
