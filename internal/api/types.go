package api

import (
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
)

// TenantSummary is one entry of the tenant list.
type TenantSummary struct {
	TenantID  string   `json:"tenant_id"`
	Name      string   `json:"name,omitempty"`
	Platforms []string `json:"platforms"`
}

// TenantListResponse represents the provisioned tenants
type TenantListResponse struct {
	Tenants []TenantSummary `json:"tenants"`
}

// TransitionsResponse represents a tenant's gate transition history
type TransitionsResponse struct {
	TenantID    string            `json:"tenant_id"`
	Transitions []gate.Transition `json:"transitions"`
}

// HistoryResponse represents a tenant's daily snapshots
type HistoryResponse struct {
	TenantID  string             `json:"tenant_id"`
	Days      int                `json:"days"`
	Platform  string             `json:"platform,omitempty"`
	Snapshots []*health.Snapshot `json:"snapshots"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents readiness check response
type ReadyResponse struct {
	Ready   bool     `json:"ready"`
	Tenants int      `json:"tenants"`
	Reasons []string `json:"reasons,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
