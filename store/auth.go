package store

// AuthToken holds the OAuth token material for the bot account. At most one
// row exists; PutAuthToken replaces it. The access and refresh tokens are
// encrypted by the Store facade before they reach a driver, so drivers only
// ever see ciphertext (or plaintext when no key is configured, which the
// profile restricts to the embedded backend).
type AuthToken struct {
	ID           int64
	AccessToken  string
	RefreshToken string
	ExpiresTs    int64 // unix seconds, 0 means unknown
	BotUsername  string
	CreatedTs    int64
}
