package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// TenantStore holds tenant configuration in memory.
type TenantStore struct {
	mu      sync.RWMutex
	tenants map[string]capture.Tenant
	tokens  map[string]string
}

// NewTenantStore seeds a TenantStore with the given tenants.
func NewTenantStore(tenants ...capture.Tenant) *TenantStore {
	s := &TenantStore{
		tenants: make(map[string]capture.Tenant),
		tokens:  make(map[string]string),
	}
	for _, t := range tenants {
		_ = s.Put(t)
	}
	return s
}

// Put inserts or replaces a tenant.
func (s *TenantStore) Put(tenant capture.Tenant) error {
	if tenant.ID == "" {
		return errors.New("tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tenants[tenant.ID]; ok && prev.WebhookToken != "" {
		delete(s.tokens, prev.WebhookToken)
	}
	s.tenants[tenant.ID] = tenant
	if tenant.WebhookToken != "" {
		s.tokens[tenant.WebhookToken] = tenant.ID
	}
	return nil
}

// GetTenant fetches a tenant by ID.
func (s *TenantStore) GetTenant(_ context.Context, tenantID string) (capture.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return capture.Tenant{}, capture.ErrNotFound
	}
	return t, nil
}

// FindByWebhookToken resolves the tenant owning token.
func (s *TenantStore) FindByWebhookToken(_ context.Context, token string) (capture.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return capture.Tenant{}, capture.ErrNotFound
	}
	return s.tenants[id], nil
}

// IncrementUsage bumps the tenant's monthly signal counter.
func (s *TenantStore) IncrementUsage(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return capture.ErrNotFound
	}
	t.SignalsUsed++
	s.tenants[tenantID] = t
	return nil
}
