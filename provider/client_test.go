package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	finerrors "github.com/finlink-dev/finlink/errors"
)

func newTestClient(tokenURL, connectionsURL string) *Client {
	return NewClient(Config{
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		TokenURL:       tokenURL,
		ConnectionsURL: connectionsURL,
	})
}

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800}`))
	}))
	defer srv.Close()

	tokens, err := newTestClient(srv.URL, "").Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tokens.AccessToken)
	assert.Equal(t, "new-refresh", tokens.RefreshToken)
	assert.Equal(t, 1800, tokens.ExpiresIn)
}

func TestRefreshWithoutRotationKeepsSpentToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","expires_in":1800}`))
	}))
	defer srv.Close()

	// The provider skipped rotation: the submitted refresh token is still the
	// valid one and must come back instead of an empty string.
	tokens, err := newTestClient(srv.URL, "").Refresh(context.Background(), "still-valid-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tokens.AccessToken)
	assert.Equal(t, "still-valid-refresh", tokens.RefreshToken)
}

func TestRefreshInvalidGrantIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Refresh(context.Background(), "revoked")
	require.Error(t, err)

	assert.True(t, finerrors.IsPermanent(err))

	var pe *finerrors.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, finerrors.InvalidGrant, pe.Code)
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Refresh(context.Background(), "rt")
	require.Error(t, err)
	assert.False(t, finerrors.IsPermanent(err))
}

func TestRefreshNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused

	_, err := newTestClient(srv.URL, "").Refresh(context.Background(), "rt")
	require.Error(t, err)
	assert.False(t, finerrors.IsPermanent(err))
}

func TestConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"tenantId":"t-1","tenantName":"Acme Ltd"},{"tenantId":"t-2","tenantName":"Beta LLC"}]`))
	}))
	defer srv.Close()

	orgs, err := newTestClient("", srv.URL).Connections(context.Background(), "access-token")
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "Acme Ltd", orgs[0].TenantName)
}
