package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/kapu/nominator-track-go/internal/constants"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// TokenAcquirer obtains a fresh token interactively.
type TokenAcquirer interface {
	Acquire(ctx context.Context) (*oauth2.Token, error)
}

// NewOAuthConfig returns the osu! authorization-code configuration rooted at baseURL.
func NewOAuthConfig(baseURL, clientID, clientSecret, callbackAddr string) *oauth2.Config {
	if baseURL == "" {
		baseURL = constants.OsuConfig.BaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if callbackAddr == "" {
		callbackAddr = constants.OAuthConfig.CallbackAddr
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   baseURL + constants.OsuConfig.AuthorizePath,
			TokenURL:  baseURL + constants.OsuConfig.TokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: fmt.Sprintf("http://%s/", callbackAddr),
		Scopes:      constants.OsuConfig.Scopes,
	}
}

// Authenticator resolves the token used by the API client: the persisted token
// wins over a configured one, and the interactive flow runs only when neither exists.
type Authenticator struct {
	config   *oauth2.Config
	store    TokenStore
	acquirer TokenAcquirer
	initial  *oauth2.Token
	logger   *zap.Logger
}

func NewAuthenticator(config *oauth2.Config, store TokenStore, acquirer TokenAcquirer, initial *oauth2.Token, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		config:   config,
		store:    store,
		acquirer: acquirer,
		initial:  initial,
		logger:   logger,
	}
}

// Token returns a usable token and persists it.
func (a *Authenticator) Token(ctx context.Context) (*oauth2.Token, error) {
	token, err := a.store.Load()
	if err != nil {
		a.logger.Warn("Stored token unreadable, ignoring", zap.Error(err))
		token = nil
	}

	source := "token_file"
	if token == nil && a.initial != nil {
		token = a.initial
		source = "config"
	}
	if token == nil {
		if a.acquirer == nil {
			return nil, fmt.Errorf("no token available and no acquirer configured")
		}
		token, err = a.acquirer.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("token acquisition failed: %w", err)
		}
		source = "authorization_code"
	}

	if err := a.store.Save(token); err != nil {
		return nil, fmt.Errorf("unable to save token: %w", err)
	}

	a.logger.Info("OAuth token ready",
		zap.String("source", source),
		zap.Bool("has_refresh_token", token.RefreshToken != ""))

	return token, nil
}

// HTTPClient returns a client that authorizes requests and refreshes the token,
// persisting every refreshed token. ctx bounds refresh requests.
func (a *Authenticator) HTTPClient(ctx context.Context) (*http.Client, error) {
	token, err := a.Token(ctx)
	if err != nil {
		return nil, err
	}

	src := &persistingTokenSource{
		base:   a.config.TokenSource(ctx, token),
		store:  a.store,
		last:   token.AccessToken,
		logger: a.logger,
	}
	return oauth2.NewClient(ctx, src), nil
}

type persistingTokenSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *zap.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		if err := s.store.Save(token); err != nil {
			s.logger.Warn("Failed to persist refreshed token", zap.Error(err))
		} else {
			s.logger.Info("Refreshed OAuth token persisted")
		}
		s.last = token.AccessToken
	}
	return token, nil
}
