package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/finlink-dev/finlink/domain"
	"github.com/finlink-dev/finlink/internal/crypto"
	"github.com/finlink-dev/finlink/internal/locks"
	"github.com/finlink-dev/finlink/provider"
)

// --- Mock ConnectionRepository ---

type MockConnectionRepository struct{ mock.Mock }

func (m *MockConnectionRepository) Insert(ctx context.Context, conn *domain.Connection) error {
	return m.Called(ctx, conn).Error(0)
}

func (m *MockConnectionRepository) GetByID(ctx context.Context, id string) (*domain.Connection, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Connection), args.Error(1)
}

func (m *MockConnectionRepository) GetActiveByBusiness(ctx context.Context, businessID string) (*domain.Connection, error) {
	args := m.Called(ctx, businessID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Connection), args.Error(1)
}

func (m *MockConnectionRepository) ListActive(ctx context.Context) ([]*domain.Connection, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Connection), args.Error(1)
}

func (m *MockConnectionRepository) UpdateTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error {
	return m.Called(ctx, id, accessTokenEnc, refreshTokenEnc, expiresAt).Error(0)
}

func (m *MockConnectionRepository) ReplaceTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error {
	return m.Called(ctx, id, accessTokenEnc, refreshTokenEnc, expiresAt).Error(0)
}

func (m *MockConnectionRepository) SetStatus(ctx context.Context, id string, status domain.ConnectionStatus, reason string) error {
	return m.Called(ctx, id, status, reason).Error(0)
}

func (m *MockConnectionRepository) DeactivateForBusiness(ctx context.Context, businessID, reason string) error {
	return m.Called(ctx, businessID, reason).Error(0)
}

func (m *MockConnectionRepository) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

// --- Mock provider client ---

type MockProvider struct{ mock.Mock }

func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.TokenSet), args.Error(1)
}

func (m *MockProvider) AuthCodeURL(state string) string {
	return m.Called(state).String(0)
}

func (m *MockProvider) Exchange(ctx context.Context, code string) (*provider.TokenSet, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.TokenSet), args.Error(1)
}

func (m *MockProvider) Connections(ctx context.Context, accessToken string) ([]provider.Organization, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.Organization), args.Error(1)
}

// --- Shared fixtures ---

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(crypto.CipherConfig{Key: "services-test-key"})
	require.NoError(t, err)
	return c
}

// newTestEngine wires a refresh engine around mocks with an in-memory locker.
func newTestEngine(t *testing.T, repo *MockConnectionRepository, prov *MockProvider) (*RefreshService, *crypto.Cipher) {
	t.Helper()
	cipher := newTestCipher(t)
	engine := NewRefreshService(repo, prov, cipher, locks.NewMemoryLocker())
	return engine, cipher
}

// newTestConnection builds an active connection whose tokens are encrypted
// with cipher.
func newTestConnection(t *testing.T, cipher *crypto.Cipher, id string, expiresAt time.Time) *domain.Connection {
	t.Helper()
	accessEnc, err := cipher.Encrypt("access-" + id)
	require.NoError(t, err)
	refreshEnc, err := cipher.Encrypt("refresh-" + id)
	require.NoError(t, err)

	now := time.Now()
	return &domain.Connection{
		ID:                    id,
		BusinessID:            "biz-" + id,
		ProviderTenantID:      "tenant-" + id,
		ProviderTenantName:    "Tenant " + id,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		ExpiresAt:             expiresAt,
		Status:                domain.StatusActive,
		CreatedAt:             now.Add(-time.Hour),
		UpdatedAt:             now.Add(-time.Hour),
	}
}

// cloneConn returns a copy so mocks can hand back fresh state on re-read.
func cloneConn(conn *domain.Connection) *domain.Connection {
	clone := *conn
	return &clone
}
