package store

// ChannelConfig is the per-channel tuning row. A row is created lazily from
// Defaults the first time a channel persists anything; until then reads return
// a synthesized config.
type ChannelConfig struct {
	Channel             string
	MessageThreshold    int
	SpontaneousCooldown int // seconds
	ResponseCooldown    int // seconds
	ContextLimit        int
	Model               string // empty inherits the global default model
	MessageCount        int
	LastSpontaneousTs   int64 // unix seconds, 0 means never
	CreatedTs           int64
	UpdatedTs           int64
}

// ConfigDefaults seeds ChannelConfig rows for channels seen for the first time.
type ConfigDefaults struct {
	MessageThreshold    int
	SpontaneousCooldown int
	ResponseCooldown    int
	ContextLimit        int
}

// UpdateChannelConfig carries a partial update; nil fields are left untouched.
type UpdateChannelConfig struct {
	Channel             string
	MessageThreshold    *int
	SpontaneousCooldown *int
	ResponseCooldown    *int
	ContextLimit        *int
	Model               *string
}
