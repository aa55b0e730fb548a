package tenant

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrTenantNotFound is returned for tenants that are not provisioned.
var ErrTenantNotFound = eris.New("tenant not found")

// Registry holds the provisioned tenants. Each tenant owns its own Config
// value; there is no cross-tenant state.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Config
	rules   RuleChecker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*Config)}
}

// SetRuleChecker installs the checker used on provisioning and updates.
func (r *Registry) SetRuleChecker(fn RuleChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = fn
}

// Provision registers or replaces a tenant after validating its settings.
func (r *Registry) Provision(cfg *Config) error {
	if err := r.check(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[cfg.TenantID] = cfg
	return nil
}

// Offboard removes a tenant. It reports whether the tenant existed.
func (r *Registry) Offboard(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tenants[tenantID]
	delete(r.tenants, tenantID)
	return ok
}

// Get returns the tenant's current settings.
func (r *Registry) Get(tenantID string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.tenants[tenantID]
	if !ok {
		return nil, eris.Wrapf(ErrTenantNotFound, "tenant %q", tenantID)
	}
	return cfg, nil
}

// Update validates and swaps in a partial settings change.
func (r *Registry) Update(tenantID string, u ConfigUpdate) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.tenants[tenantID]
	if !ok {
		return nil, eris.Wrapf(ErrTenantNotFound, "tenant %q", tenantID)
	}

	next := cfg.Apply(u)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	r.tenants[tenantID] = next
	return next, nil
}

// IDs returns the provisioned tenant IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of provisioned tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

func (r *Registry) check(cfg *Config) error {
	if cfg == nil {
		return eris.Wrap(ErrInvalidConfig, "nil tenant config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()
	if rules != nil {
		if err := rules(cfg.ActionRules); err != nil {
			return eris.Wrapf(ErrInvalidConfig, "tenant %q: action rules: %v", cfg.TenantID, err)
		}
	}
	return nil
}
