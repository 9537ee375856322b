// Package processing sequences inbound chat events and decides when the bot
// speaks. It runs one event loop per channel; channels are independent.
package processing

import "time"

// EventKind discriminates the inbound event union.
type EventKind int

const (
	// KindMessage is an ordinary user chat line.
	KindMessage EventKind = iota
	// KindDeleteMessage removes a single message by id.
	KindDeleteMessage
	// KindClearUser removes every stored message of one user (timeout or ban).
	KindClearUser
	// KindClearChannel removes the whole stored context of a channel.
	KindClearChannel
	// KindSystem is a notice without an author; it is ignored.
	KindSystem
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindDeleteMessage:
		return "delete"
	case KindClearUser:
		return "clear_user"
	case KindClearChannel:
		return "clear_channel"
	default:
		return "system"
	}
}

// Event is the normalized inbound shape produced by the chat adapter.
type Event struct {
	Kind            EventKind
	Channel         string
	MessageID       string
	UserID          string
	UserLogin       string
	UserDisplayName string
	Content         string
	IsBroadcaster   bool
	IsModerator     bool
	Time            time.Time
}

// Privileged reports whether the author may issue configuration commands.
func (e *Event) Privileged() bool {
	return e.IsBroadcaster || e.IsModerator
}
