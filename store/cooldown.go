package store

// UserResponseCooldown tracks when the bot last replied to a user in a
// channel. Rows are upserted on every response emission and pruned by Cleanup.
type UserResponseCooldown struct {
	ID             int64
	Channel        string
	UserID         string
	LastResponseTs int64
}
