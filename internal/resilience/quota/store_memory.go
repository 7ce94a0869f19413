package quota

import (
	"context"
	"fmt"
	"sync"

	"accesslens/pkg/platform/sentinel"
)

// MemoryAccountSource is an in-memory AccountSource for tests and local
// development.
type MemoryAccountSource struct {
	mu       sync.RWMutex
	accounts map[string]Account
	defaults *Account
}

func NewMemoryAccounts() *MemoryAccountSource {
	return &MemoryAccountSource{accounts: make(map[string]Account)}
}

// Put stores or replaces an account.
func (s *MemoryAccountSource) Put(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.TenantID] = account
}

// SetDefaults makes unknown tenants resolve to the given standing allowance
// instead of failing the lookup. Local development runs without a tenant
// record store; every tenant gets the configured default.
func (s *MemoryAccountSource) SetDefaults(credits, maxSlots int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = &Account{ScanCredits: credits, MaxConcurrentScans: maxSlots}
}

func (s *MemoryAccountSource) Account(_ context.Context, tenantID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[tenantID]
	if !ok {
		if s.defaults != nil {
			return &Account{
				TenantID:           tenantID,
				ScanCredits:        s.defaults.ScanCredits,
				MaxConcurrentScans: s.defaults.MaxConcurrentScans,
			}, nil
		}
		return nil, fmt.Errorf("tenant %s: %w", tenantID, sentinel.ErrNotFound)
	}
	return &account, nil
}
