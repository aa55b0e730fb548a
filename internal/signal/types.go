// Package signal defines the normalized per-platform records consumed by the
// scoring cycle and the source contract that produces them.
package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for signal dates.
const DateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// Source yields normalized signals. Both methods return (nil, nil) when the
// platform has no data for the date.
type Source interface {
	GetPlatformSignal(ctx context.Context, tenantID, platform string, date time.Time) (*PlatformSignal, error)
	GetVarianceSignal(ctx context.Context, tenantID, platform string, date time.Time) (*VarianceSignal, error)
}

// PlatformSignal is one platform's signal quality reading for a day.
// Nil metrics are missing, not zero.
type PlatformSignal struct {
	TenantID         string           `json:"tenant_id"`
	Platform         string           `json:"platform"`
	Date             time.Time        `json:"date"`
	EMQScore         *float64         `json:"emq_score,omitempty"`
	EventLossPct     *float64         `json:"event_loss_pct,omitempty"`
	FreshnessMinutes *float64         `json:"freshness_minutes,omitempty"`
	APIErrorRate     *float64         `json:"api_error_rate,omitempty"`
	Spend            *decimal.Decimal `json:"spend,omitempty"`
	RecordedAt       time.Time        `json:"recorded_at"`
}

// VarianceSignal compares an analytics source against the ad platform's own
// reporting for the same day. Deltas are always derived from the raw figures.
type VarianceSignal struct {
	TenantID             string          `json:"tenant_id"`
	Platform             string          `json:"platform"`
	Date                 time.Time       `json:"date"`
	AnalyticsRevenue     decimal.Decimal `json:"analytics_revenue"`
	PlatformRevenue      decimal.Decimal `json:"platform_revenue"`
	AnalyticsConversions int64           `json:"analytics_conversions"`
	PlatformConversions  int64           `json:"platform_conversions"`
	Confidence           float64         `json:"confidence"`
	RecordedAt           time.Time       `json:"recorded_at"`
}

// RevenueDeltaPct is the platform's revenue divergence from analytics, in percent.
func (v VarianceSignal) RevenueDeltaPct() decimal.Decimal {
	return DeltaPct(v.AnalyticsRevenue, v.PlatformRevenue)
}

// ConversionDeltaPct is the platform's conversion divergence from analytics, in percent.
func (v VarianceSignal) ConversionDeltaPct() decimal.Decimal {
	return DeltaPct(decimal.NewFromInt(v.AnalyticsConversions), decimal.NewFromInt(v.PlatformConversions))
}

// MarshalJSON emits the raw figures together with the derived deltas.
func (v VarianceSignal) MarshalJSON() ([]byte, error) {
	type raw VarianceSignal
	return json.Marshal(struct {
		raw
		RevenueDeltaPct    decimal.Decimal `json:"revenue_delta_pct"`
		ConversionDeltaPct decimal.Decimal `json:"conversion_delta_pct"`
	}{
		raw:                raw(v),
		RevenueDeltaPct:    v.RevenueDeltaPct().Round(4),
		ConversionDeltaPct: v.ConversionDeltaPct().Round(4),
	})
}

// DeltaPct returns (observed - reference) / reference * 100. A zero reference
// yields 0 when observed is also zero and 100 otherwise.
func DeltaPct(reference, observed decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		if observed.IsZero() {
			return decimal.Zero
		}
		return hundred
	}
	return observed.Sub(reference).Div(reference).Mul(hundred)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Float returns a pointer to v. Handy for building signals in code.
func Float(v float64) *float64 {
	return &v
}
