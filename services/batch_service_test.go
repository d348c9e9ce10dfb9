package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/finlink-dev/finlink/domain"
	finerrors "github.com/finlink-dev/finlink/errors"
	"github.com/finlink-dev/finlink/provider"
)

func newTestBatch(t *testing.T, repo *MockConnectionRepository, prov *MockProvider) (*BatchService, *RefreshService) {
	t.Helper()
	engine, _ := newTestEngine(t, repo, prov)
	batch := NewBatchService(repo, engine)
	batch.delay = 0 // no pacing in tests
	return batch, engine
}

func TestBatchMixedOutcomes(t *testing.T) {
	repo := new(MockConnectionRepository)
	prov := new(MockProvider)
	engine, cipher := newTestEngine(t, repo, prov)
	batch := NewBatchService(repo, engine)
	batch.delay = 0

	fresh := newTestConnection(t, cipher, "fresh", time.Now().Add(time.Hour))
	expired := newTestConnection(t, cipher, "expired", time.Now().Add(-time.Minute))
	revoked := newTestConnection(t, cipher, "revoked", time.Now().Add(-time.Minute))

	repo.On("ListActive", mock.Anything).
		Return([]*domain.Connection{fresh, expired, revoked}, nil)
	repo.On("GetByID", mock.Anything, "expired").Return(cloneConn(expired), nil)
	repo.On("GetByID", mock.Anything, "revoked").Return(cloneConn(revoked), nil)

	prov.On("Refresh", mock.Anything, "refresh-expired").
		Return(&provider.TokenSet{AccessToken: "a", RefreshToken: "r", ExpiresIn: 1800}, nil)
	prov.On("Refresh", mock.Anything, "refresh-revoked").
		Return(nil, finerrors.NewProviderError(finerrors.InvalidGrant, "revoked", 400))

	repo.On("UpdateTokens", mock.Anything, "expired", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("SetStatus", mock.Anything, "revoked", domain.StatusInactive, domain.ReasonGrantRevoked).Return(nil)

	summary, err := batch.RefreshAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.StillValid)
	assert.Equal(t, 1, summary.Refreshed)
	assert.Equal(t, 1, summary.Deactivated)
	assert.Equal(t, 0, summary.Failed)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, OutcomeStillValid, summary.Results[0].Outcome)
	assert.Equal(t, OutcomeRefreshed, summary.Results[1].Outcome)
	assert.Equal(t, OutcomeDeactivated, summary.Results[2].Outcome)
}

func TestBatchIsolatesPanics(t *testing.T) {
	repo := new(MockConnectionRepository)
	prov := new(MockProvider)
	batch, _ := newTestBatch(t, repo, prov)
	cipher := newTestCipher(t)

	first := newTestConnection(t, cipher, "first", time.Now().Add(time.Hour))
	bad := newTestConnection(t, cipher, "bad", time.Now().Add(-time.Minute))
	third := newTestConnection(t, cipher, "third", time.Now().Add(time.Hour))

	repo.On("ListActive", mock.Anything).
		Return([]*domain.Connection{first, bad, third}, nil)
	repo.On("GetByID", mock.Anything, "bad").
		Run(func(mock.Arguments) { panic("database driver bug") }).
		Return(nil, nil)

	summary, err := batch.RefreshAll(context.Background())
	require.NoError(t, err)

	// The panicking middle connection must not prevent the others.
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.StillValid)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, OutcomeFailed, summary.Results[1].Outcome)
	assert.Contains(t, summary.Results[1].Error, "panic")
	assert.Equal(t, OutcomeStillValid, summary.Results[2].Outcome)
}

func TestBatchEmptyRun(t *testing.T) {
	repo := new(MockConnectionRepository)
	prov := new(MockProvider)
	batch, _ := newTestBatch(t, repo, prov)

	repo.On("ListActive", mock.Anything).Return([]*domain.Connection{}, nil)

	summary, err := batch.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Empty(t, summary.Results)
}

func TestBatchStopsOnContextCancel(t *testing.T) {
	repo := new(MockConnectionRepository)
	prov := new(MockProvider)
	engine, cipher := newTestEngine(t, repo, prov)
	batch := NewBatchService(repo, engine)
	batch.delay = 10 * time.Millisecond

	conns := []*domain.Connection{
		newTestConnection(t, cipher, "a", time.Now().Add(time.Hour)),
		newTestConnection(t, cipher, "b", time.Now().Add(time.Hour)),
	}
	repo.On("ListActive", mock.Anything).Return(conns, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := batch.RefreshAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// Already-processed connections stay in the partial summary.
	assert.Len(t, summary.Results, 1)
}
