// Package provider talks to the external financial data provider's OAuth2
// endpoints. The authorize/exchange leg rides on golang.org/x/oauth2; the
// refresh grant is an explicit POST because outcome classification needs the
// raw error body.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	finerrors "github.com/finlink-dev/finlink/errors"
)

// requestTimeout bounds every provider call so a wedged endpoint cannot stall
// a batch run indefinitely.
const requestTimeout = 10 * time.Second

// Config carries the provider endpoints and client credentials.
type Config struct {
	ClientID       string
	ClientSecret   string
	AuthorizeURL   string
	TokenURL       string
	ConnectionsURL string
	RedirectURL    string
	Scopes         []string
}

// TokenSet is the provider's token endpoint response. The refresh token
// rotates on every use: the returned one invalidates the one just spent.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Organization is one remote org the user authorized, from the connections
// endpoint.
type Organization struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
}

// Client is the concrete provider client.
type Client struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// AuthCodeURL builds the provider authorize URL carrying the signed state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for the initial token pair.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, translateOAuthError(err)
	}

	expiresIn := int(time.Until(tok.Expiry).Seconds())
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// Refresh spends a refresh token against the token endpoint. Returns a
// *errors.ProviderError when the provider answered with an OAuth error body;
// any other error is infrastructure-level and transient.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token endpoint response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseErrorBody(resp.StatusCode, body)
	}

	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("malformed token endpoint response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	if tokens.RefreshToken == "" {
		// No rotation this time: the submitted refresh token stays valid.
		// Persisting an empty one would strand the grant at the next cycle.
		tokens.RefreshToken = refreshToken
	}
	return &tokens, nil
}

// Connections lists the remote organizations authorized under the access
// token. Used once at initial connection time.
func (c *Client) Connections(ctx context.Context, accessToken string) ([]Organization, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ConnectionsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connections endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("connections endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var orgs []Organization
	if err := json.NewDecoder(resp.Body).Decode(&orgs); err != nil {
		return nil, fmt.Errorf("malformed connections response: %w", err)
	}
	return orgs, nil
}

// parseErrorBody maps a non-2xx token endpoint response to a ProviderError.
// 5xx responses without a recognizable error code stay generic (transient).
func parseErrorBody(statusCode int, body []byte) error {
	var errBody struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Error != "" {
		return finerrors.NewProviderError(errBody.Error, errBody.Description, statusCode)
	}
	return fmt.Errorf("token endpoint returned %d: %s", statusCode, string(body))
}

// translateOAuthError surfaces the machine-readable code from an
// oauth2.RetrieveError so exchange failures classify the same way refresh
// failures do.
func translateOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
		return finerrors.NewProviderError(retrieveErr.ErrorCode, retrieveErr.ErrorDescription, retrieveErr.Response.StatusCode)
	}
	return err
}
