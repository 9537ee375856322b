package store

import "time"

// Message is a stored chat message. Rows are created when an inbound user
// message passes input filtering, deleted by moderation events or retention
// cleanup, and never updated.
type Message struct {
	ID              int64
	MessageID       string
	Channel         string
	UserID          string
	UserDisplayName string
	Content         string
	CreatedTs       int64
}

// CreatedAt returns the message timestamp as time.Time.
func (m *Message) CreatedAt() time.Time {
	return time.Unix(m.CreatedTs, 0)
}

// FindMessage filters message queries. Channel is mandatory: every read of the
// messages table is scoped to exactly one channel.
type FindMessage struct {
	Channel string
	Limit   int
}
