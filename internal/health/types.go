// Package health turns normalized platform signals into a scored tenant
// snapshot and an attribution variance summary.
package health

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/tenant"
)

// Status is the bucketed signal health of a tenant or platform.
type Status string

const (
	StatusOK       Status = "ok"
	StatusRisk     Status = "risk"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusNoData   Status = "no_data"
)

// Rank orders statuses from best (0) to worst.
func (s Status) Rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusRisk:
		return 1
	case StatusDegraded:
		return 2
	case StatusCritical:
		return 3
	default:
		return 4
	}
}

// BlocksAutomation reports whether the status forbids autonomous execution.
func (s Status) BlocksAutomation() bool {
	return s == StatusDegraded || s == StatusCritical || s == StatusNoData
}

// VarianceStatus buckets attribution variance.
type VarianceStatus string

const (
	VarianceHealthy  VarianceStatus = "healthy"
	VarianceMinor    VarianceStatus = "minor_variance"
	VarianceModerate VarianceStatus = "moderate_variance"
	VarianceHigh     VarianceStatus = "high_variance"
)

// Rank orders variance statuses from healthy (0) to high (3). Unknown values
// rank above everything.
func (v VarianceStatus) Rank() int {
	switch v {
	case VarianceHealthy:
		return 0
	case VarianceMinor:
		return 1
	case VarianceModerate:
		return 2
	case VarianceHigh:
		return 3
	default:
		return 4
	}
}

// AtLeast reports whether v is as severe as threshold or worse.
func (v VarianceStatus) AtLeast(threshold VarianceStatus) bool {
	return v.Rank() >= threshold.Rank()
}

// BannerType is the display severity of a banner.
type BannerType string

const (
	BannerError   BannerType = "error"
	BannerWarning BannerType = "warning"
	BannerInfo    BannerType = "info"
)

// Banner is a human-readable notice derived from health and gate state.
type Banner struct {
	Type    BannerType `json:"type"`
	Class   string     `json:"class"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Actions []string   `json:"actions"`
	At      time.Time  `json:"at"`
}

// DimensionScores are the per-dimension 0-100 contributions. Nil means the
// dimension had no data.
type DimensionScores struct {
	EMQ         *float64 `json:"emq"`
	Loss        *float64 `json:"loss"`
	Freshness   *float64 `json:"freshness"`
	Reliability *float64 `json:"reliability"`
}

// Count returns how many dimensions have data.
func (d DimensionScores) Count() int {
	n := 0
	for _, v := range []*float64{d.EMQ, d.Loss, d.Freshness, d.Reliability} {
		if v != nil {
			n++
		}
	}
	return n
}

// PlatformRow is one platform's contribution to a snapshot.
type PlatformRow struct {
	Platform    string                 `json:"platform"`
	DisplayName string                 `json:"display_name"`
	Included    bool                   `json:"included"`
	Weight      float64                `json:"weight"`
	Score       *float64               `json:"score"`
	Status      Status                 `json:"status"`
	Dimensions  DimensionScores        `json:"dimensions"`
	Signal      *signal.PlatformSignal `json:"signal,omitempty"`
	SourceError string                 `json:"source_error,omitempty"`
}

// Snapshot is a tenant's scored signal health for one day. Status and
// AutomationBlocked are always derived from OverallScore.
type Snapshot struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Date              time.Time         `json:"date"`
	ComputedAt        time.Time         `json:"computed_at"`
	OverallScore      *float64          `json:"overall_score"`
	Status            Status            `json:"status"`
	AutomationBlocked bool              `json:"automation_blocked"`
	PlatformRows      []PlatformRow     `json:"platform_rows"`
	Issues            []string          `json:"issues"`
	Banners           []Banner          `json:"banners"`
	Variance          *VarianceSnapshot `json:"variance,omitempty"`
	Thresholds        tenant.Thresholds `json:"thresholds"`
}

// Row returns the snapshot row for a platform.
func (s *Snapshot) Row(platform string) (PlatformRow, bool) {
	for _, r := range s.PlatformRows {
		if r.Platform == platform {
			return r, true
		}
	}
	return PlatformRow{}, false
}

// ForPlatform returns a copy of the snapshot with only the named platform's row.
func (s *Snapshot) ForPlatform(platform string) *Snapshot {
	out := *s
	out.PlatformRows = nil
	for _, r := range s.PlatformRows {
		if r.Platform == platform {
			out.PlatformRows = append(out.PlatformRows, r)
		}
	}
	return &out
}

// PlatformVariance is one platform's attribution divergence.
type PlatformVariance struct {
	Platform           string          `json:"platform"`
	RevenueDeltaPct    decimal.Decimal `json:"revenue_delta_pct"`
	ConversionDeltaPct decimal.Decimal `json:"conversion_delta_pct"`
	Confidence         float64         `json:"confidence"`
	Weight             float64         `json:"weight"`
	Included           bool            `json:"included"`
}

// VarianceSnapshot aggregates attribution variance across platforms.
type VarianceSnapshot struct {
	OverallRevenueVariancePct    decimal.Decimal    `json:"overall_revenue_variance_pct"`
	OverallConversionVariancePct decimal.Decimal    `json:"overall_conversion_variance_pct"`
	Status                       VarianceStatus     `json:"status"`
	Confidence                   float64            `json:"confidence"`
	Platforms                    []PlatformVariance `json:"platforms"`
}
