package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/kaichen/piggy-bank-agent/internal/config"
	"github.com/kaichen/piggy-bank-agent/internal/metrics"
)

var (
	// ErrAPIKeyUnsupported is returned when the deployment configures an API
	// key: the Live WebSocket endpoint only accepts OAuth2 bearer tokens.
	ErrAPIKeyUnsupported = errors.New("API keys are not supported for the Gemini Live WebSocket, use OAuth2")

	// ErrEmptyToken is returned when a refresh succeeds but yields no token.
	ErrEmptyToken = errors.New("credential refresh returned an empty access token")
)

const (
	// expiryMargin is how long before expiry a cached token stops being handed out.
	expiryMargin = 60 * time.Second

	// fallbackValidity is assumed when the provider reports no expiry.
	fallbackValidity = 55 * time.Minute
)

// fetchFunc obtains a fresh token from the identity provider.
type fetchFunc func(ctx context.Context) (*oauth2.Token, error)

// TokenSource provides bearer tokens for the upstream connection. It is safe
// for concurrent use across sessions; at most one refresh is in flight at a
// time and concurrent callers observe its outcome.
type TokenSource struct {
	override  string
	apiKeySet bool
	scope     string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	fetch  fetchFunc // materialized on first refresh, reused afterwards
	token  string
	expiry time.Time

	// now is replaceable in tests
	now func() time.Time
}

// NewTokenSource creates the process-wide token source from the Gemini
// connection configuration.
func NewTokenSource(cfg config.GeminiConfig, logger *slog.Logger, m *metrics.Metrics) *TokenSource {
	return &TokenSource{
		override:  cfg.AccessToken,
		apiKeySet: cfg.APIKey != "",
		scope:     cfg.OAuthScope,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Token returns a bearer token valid for at least the expiry margin. A static
// override token is returned unconditionally. An API-key configuration fails
// before any network I/O.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if s.override != "" {
		return s.override, nil
	}

	if s.apiKeySet {
		return "", ErrAPIKeyUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.expiry.Sub(s.now()) > expiryMargin {
		return s.token, nil
	}

	if s.fetch == nil {
		fetch, err := s.defaultFetch(ctx)
		if err != nil {
			s.metrics.RecordTokenRefresh(err)
			return "", fmt.Errorf("failed to load default credentials: %w", err)
		}
		s.fetch = fetch
	}

	token, err := s.fetch(ctx)
	if err != nil {
		s.metrics.RecordTokenRefresh(err)
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}

	if token == nil || token.AccessToken == "" {
		s.metrics.RecordTokenRefresh(ErrEmptyToken)
		return "", ErrEmptyToken
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = s.now().Add(fallbackValidity)
	}

	s.token = token.AccessToken
	s.expiry = expiry.UTC()
	s.metrics.RecordTokenRefresh(nil)

	s.logger.Info("Access token refreshed",
		slog.Time("expiry", s.expiry),
		slog.Duration("validity", s.expiry.Sub(s.now())),
	)

	return s.token, nil
}

// defaultFetch materializes the underlying Application Default Credentials.
// The credentials object is created once and reused across refreshes.
func (s *TokenSource) defaultFetch(ctx context.Context) (fetchFunc, error) {
	creds, err := google.FindDefaultCredentials(ctx, s.scope)
	if err != nil {
		return nil, err
	}

	return func(context.Context) (*oauth2.Token, error) {
		return creds.TokenSource.Token()
	}, nil
}
