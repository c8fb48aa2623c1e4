package platform

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuthRefreshConfig is the subset of pkg/config.OAuthRefreshConfig a
// platform constructor needs to stand up a self-refreshing bearer
// client, kept here rather than importing pkg/config directly so this
// package doesn't reach upward into the config layer.
type OAuthRefreshConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
}

// NewOAuthHTTPClient builds an http.Client that transparently refreshes
// its bearer token via the standard OAuth2 refresh-token grant,
// for platforms whose bot
// credentials expire and rotate (Slack's token-rotation opt-in being
// the concrete case; Discord apps using bearer bot tokens fit the same
// shape). Adapters whose config has no RefreshToken set never call
// this and fall back to their static bot token as a bearer credential.
func NewOAuthHTTPClient(ctx context.Context, cfg OAuthRefreshConfig) *http.Client {
	oc := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.TokenURL,
		},
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	return oc.Client(ctx, token)
}
