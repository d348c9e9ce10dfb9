package services

import (
	"context"

	"github.com/finlink-dev/finlink/provider"
)

// TokenRefresher is the slice of the provider client the refresh engine needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error)
}

// OAuthExchanger is the slice of the provider client the connect flow needs.
type OAuthExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*provider.TokenSet, error)
	Connections(ctx context.Context, accessToken string) ([]provider.Organization, error)
}
