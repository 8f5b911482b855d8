package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/pubsub"
)

type fakeCredentialRepo struct {
	mu            sync.Mutex
	byRoutingID   map[string]*domain.Credential
	invalidateErr error
}

func (f *fakeCredentialRepo) GetByRoutingID(_ context.Context, routingID string) (*domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byRoutingID[routingID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCredentialRepo) Invalidate(_ context.Context, routingID, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidateErr != nil {
		return false, f.invalidateErr
	}
	c, ok := f.byRoutingID[routingID]
	if !ok {
		return false, nil
	}
	c.IsValid = false
	c.InvalidReason = &reason
	c.InvalidatedAt = &at
	return true, nil
}

func (f *fakeCredentialRepo) ListValid(_ context.Context, tenantID int64) ([]domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Credential
	for _, c := range f.byRoutingID {
		if c.TenantID == tenantID && c.IsValid {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeTenantRepo struct {
	tenants map[int64]*domain.Tenant
	routing map[string]int64
}

func (f *fakeTenantRepo) GetByID(_ context.Context, id int64) (*domain.Tenant, error) {
	return f.tenants[id], nil
}

func (f *fakeTenantRepo) GetByRoutingID(_ context.Context, routingID string) (*domain.Tenant, error) {
	id, ok := f.routing[routingID]
	if !ok {
		return nil, nil
	}
	return f.tenants[id], nil
}

func newFixture() (*Store, *fakeCredentialRepo, *pubsub.MemoryBroker) {
	reason := "token revoked"
	creds := &fakeCredentialRepo{byRoutingID: map[string]*domain.Credential{
		"1065": {ID: 1, TenantID: 7, RoutingID: "1065", AccessToken: "enc", IsValid: true},
		"2077": {ID: 2, TenantID: 7, RoutingID: "2077", AccessToken: "enc", IsValid: false, InvalidReason: &reason},
	}}
	tenants := &fakeTenantRepo{
		tenants: map[int64]*domain.Tenant{7: {ID: 7, Name: "Acme", Status: domain.TenantActive}},
		routing: map[string]int64{"1065": 7, "2077": 7},
	}
	broker := pubsub.NewMemoryBroker()
	return NewStore(creds, tenants, broker), creds, broker
}

func TestGetValidCredential(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newFixture()

	c, err := store.GetValidCredential(ctx, "1065")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ID)

	_, err = store.GetValidCredential(ctx, "9999")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	_, err = store.GetValidCredential(ctx, "2077")
	var invalid *domain.CredentialInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "token revoked", invalid.Reason)
}

func TestInvalidateCredential_FlagsAndPublishes(t *testing.T) {
	ctx := context.Background()
	store, creds, broker := newFixture()
	events, unsub := broker.Subscribe(ctx, 4)
	defer unsub()

	store.InvalidateCredential(ctx, "1065", "provider rejected credential: expired")

	_, err := store.GetValidCredential(ctx, "1065")
	var invalid *domain.CredentialInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "provider rejected credential: expired", invalid.Reason)
	assert.NotNil(t, creds.byRoutingID["1065"].InvalidatedAt)

	select {
	case e := <-events:
		assert.Equal(t, domain.EventCredentialInvalidate, e.Type)
		assert.Equal(t, int64(7), e.TenantID)
	case <-time.After(time.Second):
		t.Fatal("no credential.invalidated event")
	}
}

func TestInvalidateCredential_SwallowsStoreErrors(t *testing.T) {
	store, creds, _ := newFixture()
	creds.invalidateErr = errors.New("connection reset")

	assert.NotPanics(t, func() {
		store.InvalidateCredential(context.Background(), "1065", "whatever")
	})
	assert.True(t, creds.byRoutingID["1065"].IsValid)
}

func TestListValidCredentials(t *testing.T) {
	store, _, _ := newFixture()

	list, err := store.ListValidCredentials(context.Background(), 7)

	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1065", list[0].RoutingID)
}

func TestResolveTenantByRoutingID(t *testing.T) {
	store, _, _ := newFixture()

	tenant, err := store.ResolveTenantByRoutingID(context.Background(), "1065")
	require.NoError(t, err)
	assert.Equal(t, int64(7), tenant.ID)

	tenant, err = store.ResolveTenantByRoutingID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tenant)
}

func TestEnsureTenantActive(t *testing.T) {
	tests := []struct {
		status domain.TenantStatus
		want   error
	}{
		{domain.TenantActive, nil},
		{domain.TenantTrial, nil},
		{domain.TenantSuspended, domain.ErrTenantSuspended},
		{domain.TenantCancelled, domain.ErrTenantCancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			err := EnsureTenantActive(&domain.Tenant{ID: 1, Status: tt.status})
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	assert.ErrorIs(t, EnsureTenantActive(nil), domain.ErrTenantNotFound)
}
