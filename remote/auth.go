package remote

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config holds the client-credentials settings for authenticating
// against a record store's token endpoint.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// OAuth2TokenSource returns a TokenSource backed by the OAuth2 client
// credentials flow. Tokens are cached and refreshed automatically by the
// underlying oauth2 source.
//
// ctx must outlive the TokenSource: if ctx is canceled, silent token
// refresh will fail. Callers should pass context.Background() for
// long-lived engines.
func OAuth2TokenSource(ctx context.Context, cfg OAuth2Config, logger *slog.Logger) TokenSource {
	if logger == nil {
		logger = slog.Default()
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	return &tokenBridge{src: cc.TokenSource(ctx), logger: logger}
}

// tokenBridge adapts oauth2.TokenSource to remote.TokenSource.
// Logs every token acquisition so refresh activity is visible.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("remote: obtaining token: %w", err)
	}

	b.logger.Debug("token acquired",
		slog.Time("expiry", t.Expiry),
		slog.Bool("valid", t.Valid()),
	)

	return t.AccessToken, nil
}

// StaticTokenSource returns a TokenSource that always yields the same
// token. Intended for development stores and tests.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (s staticToken) Token() (string, error) {
	return string(s), nil
}
