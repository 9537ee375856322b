package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/clankbot/clank/store"
)

// refreshSkew renews tokens slightly before their recorded expiry.
const refreshSkew = 5 * time.Minute

// AuthManager owns the bot's chat credentials. Token material lives in the
// Store, encrypted at rest when a key is configured; only the Supervisor
// writes through this type.
type AuthManager struct {
	store *store.Store
	conf  *oauth2.Config
}

func NewAuthManager(s *store.Store, clientID, clientSecret string) *AuthManager {
	return &AuthManager{
		store: s,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.Twitch,
		},
	}
}

// Load returns a usable access token and the bot username. An expired token
// is refreshed once and persisted; a failed refresh is fatal to startup.
func (a *AuthManager) Load(ctx context.Context) (*store.AuthToken, error) {
	token, err := a.store.GetAuthToken(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("no auth token stored; run `clank auth` with a fresh token first")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load auth token")
	}

	if token.ExpiresTs == 0 || time.Now().Add(refreshSkew).Unix() < token.ExpiresTs {
		return token, nil
	}
	return a.Refresh(ctx, token)
}

// Refresh exchanges the refresh token for a new access token and persists the
// result.
func (a *AuthManager) Refresh(ctx context.Context, token *store.AuthToken) (*store.AuthToken, error) {
	if token.RefreshToken == "" {
		return nil, errors.New("stored token expired and no refresh token is available")
	}

	source := a.conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: token.RefreshToken,
		Expiry:       time.Unix(token.ExpiresTs, 0),
	})
	fresh, err := source.Token()
	if err != nil {
		return nil, errors.Wrap(err, "token refresh failed")
	}

	updated := &store.AuthToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresTs:    fresh.Expiry.Unix(),
		BotUsername:  token.BotUsername,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = token.RefreshToken
	}
	if err := a.store.PutAuthToken(ctx, updated); err != nil {
		return nil, errors.Wrap(err, "failed to persist refreshed token")
	}
	slog.Info("auth token refreshed", slog.Int64("expires_ts", updated.ExpiresTs))
	return updated, nil
}

// Seed stores initial token material supplied by the operator.
func (a *AuthManager) Seed(ctx context.Context, accessToken, refreshToken, username string, expiresIn time.Duration) error {
	token := &store.AuthToken{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		BotUsername:  username,
	}
	if expiresIn > 0 {
		token.ExpiresTs = time.Now().Add(expiresIn).Unix()
	}
	return a.store.PutAuthToken(ctx, token)
}
