// Package credentials resolves tenants and provider credentials for the
// delivery path and tracks credential health.
package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/pubsub"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

type credentialRepository interface {
	GetByRoutingID(ctx context.Context, routingID string) (*domain.Credential, error)
	Invalidate(ctx context.Context, routingID, reason string, at time.Time) (bool, error)
	ListValid(ctx context.Context, tenantID int64) ([]domain.Credential, error)
}

type tenantRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Tenant, error)
	GetByRoutingID(ctx context.Context, routingID string) (*domain.Tenant, error)
}

type Store struct {
	credentials credentialRepository
	tenants     tenantRepository
	events      pubsub.Publisher
	now         func() time.Time
}

func NewStore(credentials credentialRepository, tenants tenantRepository, events pubsub.Publisher) *Store {
	if events == nil {
		events = pubsub.Nop{}
	}
	return &Store{
		credentials: credentials,
		tenants:     tenants,
		events:      events,
		now:         time.Now,
	}
}

// ResolveTenantByRoutingID returns nil, nil when no tenant owns routingID.
func (s *Store) ResolveTenantByRoutingID(ctx context.Context, routingID string) (*domain.Tenant, error) {
	return s.tenants.GetByRoutingID(ctx, routingID)
}

func (s *Store) GetTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error) {
	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, domain.ErrTenantNotFound)
	}
	return tenant, nil
}

// GetValidCredential fails with domain.ErrCredentialNotFound when nothing is
// stored for routingID and with *domain.CredentialInvalidError when the
// stored credential has been flagged invalid.
func (s *Store) GetValidCredential(ctx context.Context, routingID string) (*domain.Credential, error) {
	credential, err := s.credentials.GetByRoutingID(ctx, routingID)
	if err != nil {
		return nil, err
	}
	if credential == nil {
		return nil, fmt.Errorf("routing id %s: %w", routingID, domain.ErrCredentialNotFound)
	}
	if !credential.IsValid {
		reason := ""
		if credential.InvalidReason != nil {
			reason = *credential.InvalidReason
		}
		return nil, &domain.CredentialInvalidError{RoutingID: routingID, Reason: reason}
	}
	return credential, nil
}

// InvalidateCredential flags the credential for routingID as invalid. It is
// called from error paths, so failures are logged and never returned.
func (s *Store) InvalidateCredential(ctx context.Context, routingID, reason string) {
	// The triggering job may be out of time already; the write should still land.
	ctx = context.WithoutCancel(ctx)

	changed, err := s.credentials.Invalidate(ctx, routingID, reason, s.now())
	if err != nil {
		logger.Errorf("Failed to invalidate credential %s: %v", routingID, err)
		return
	}
	if !changed {
		logger.Warnf("No credential found to invalidate for routing id %s", routingID)
		return
	}

	logger.Warnf("Credential %s marked invalid: %s", routingID, reason)

	var tenantID int64
	if tenant, err := s.tenants.GetByRoutingID(ctx, routingID); err == nil && tenant != nil {
		tenantID = tenant.ID
	}
	s.events.Publish(ctx, domain.Event{
		Type:     domain.EventCredentialInvalidate,
		TenantID: tenantID,
		Data:     map[string]string{"routingId": routingID, "reason": reason},
		Time:     s.now(),
	})
}

func (s *Store) ListValidCredentials(ctx context.Context, tenantID int64) ([]domain.Credential, error) {
	return s.credentials.ListValid(ctx, tenantID)
}

// EnsureTenantActive rejects suspended and cancelled tenants.
func EnsureTenantActive(tenant *domain.Tenant) error {
	if tenant == nil {
		return domain.ErrTenantNotFound
	}
	switch tenant.Status {
	case domain.TenantSuspended:
		return fmt.Errorf("tenant %d: %w", tenant.ID, domain.ErrTenantSuspended)
	case domain.TenantCancelled:
		return fmt.Errorf("tenant %d: %w", tenant.ID, domain.ErrTenantCancelled)
	}
	return nil
}
