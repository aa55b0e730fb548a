package banner

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
)

var (
	computedAt = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	enteredAt  = computedAt.Add(-2 * time.Hour)
)

func classes(banners []health.Banner) []string {
	out := make([]string, 0, len(banners))
	for _, b := range banners {
		out = append(out, b.Class)
	}
	return out
}

func snapshot(status health.Status, score *float64, issues ...string) *health.Snapshot {
	return &health.Snapshot{
		TenantID:     "acme",
		Date:         time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		ComputedAt:   computedAt,
		OverallScore: score,
		Status:       status,
		Issues:       issues,
		PlatformRows: []health.PlatformRow{
			{Platform: "google", DisplayName: "Google", Status: health.StatusOK},
			{Platform: "meta", DisplayName: "Meta", Status: status},
		},
	}
}

func ptr(v float64) *float64 { return &v }

func TestComposeBanners_HealthyPassIsQuiet(t *testing.T) {
	state := &gate.State{CurrentStatus: gate.StatusPass, EnteredAt: enteredAt}
	banners := ComposeBanners(snapshot(health.StatusOK, ptr(94)), nil, state)
	assert.NotNil(t, banners)
	assert.Empty(t, banners)
}

func TestComposeBanners_NoData(t *testing.T) {
	state := &gate.State{CurrentStatus: gate.StatusBlock, EnteredAt: enteredAt}
	banners := ComposeBanners(snapshot(health.StatusNoData, nil, "Meta: no signal data"), nil, state)

	assert.Equal(t, []string{ClassNoData, ClassAutomationBlocked}, classes(banners))
	assert.Equal(t, "No platform reported signal data for 2026-03-14.", banners[0].Message)
}

func TestComposeBanners_NilInputsFailClosed(t *testing.T) {
	banners := ComposeBanners(nil, nil, nil)
	assert.Equal(t, []string{ClassAutomationBlocked, ClassNoData}, classes(banners))
}

func TestComposeBanners_HeldWithRisk(t *testing.T) {
	state := &gate.State{CurrentStatus: gate.StatusHold, EnteredAt: enteredAt}
	banners := ComposeBanners(snapshot(health.StatusRisk, ptr(55.5), "Meta: event loss 30.0% above 10.0%"), nil, state)

	assert.Equal(t, []string{ClassSignalRisk, ClassAutomationHeld, ClassPlatformIssues}, classes(banners))
	assert.Equal(t, "Overall signal health score is 55.5. Affected: Meta.", banners[0].Message)
	assert.Equal(t, "1 signal issue", banners[2].Title)
}

func TestCompose_OrderingAndCap(t *testing.T) {
	state := &gate.State{CurrentStatus: gate.StatusBlock, EnteredAt: enteredAt, LastSnapshotAt: enteredAt.Add(-time.Hour)}
	variance := &health.VarianceSnapshot{
		Status:                       health.VarianceHigh,
		OverallRevenueVariancePct:    decimal.NewFromFloat(42.25),
		OverallConversionVariancePct: decimal.NewFromInt(-8),
	}
	in := Input{
		Snapshot: snapshot(health.StatusCritical, ptr(12), "a", "b", "c"),
		Variance: variance,
		State:    state,
		Stale:    true,
	}

	banners := Compose(in)
	require.Len(t, banners, MaxBanners)
	assert.Equal(t, []string{
		ClassSignalCritical,
		ClassAutomationBlocked,
		ClassStaleState,
		ClassHighVariance,
		ClassPlatformIssues,
	}, classes(banners))
	assert.Equal(t, "Ad platforms differ from analytics by 42.3% in revenue and -8.0% in conversions.", banners[3].Message)
	assert.Equal(t, "a (and 2 more)", banners[4].Message)

	assert.Equal(t, banners, Compose(in), "composition is stable across calls")
}

func TestCompose_TiesBreakOnClass(t *testing.T) {
	state := &gate.State{CurrentStatus: gate.StatusHold, EnteredAt: computedAt}
	variance := &health.VarianceSnapshot{Status: health.VarianceHigh}

	banners := Compose(Input{Snapshot: snapshot(health.StatusDegraded, ptr(30)), Variance: variance, State: state})
	assert.Equal(t, []string{ClassAutomationHeld, ClassHighVariance, ClassSignalDegraded}, classes(banners))
}

func TestCompose_ModerateVarianceIsInfo(t *testing.T) {
	state := &gate.State{CurrentStatus: gate.StatusPass}
	banners := Compose(Input{
		Snapshot: snapshot(health.StatusOK, ptr(90)),
		Variance: &health.VarianceSnapshot{Status: health.VarianceModerate},
		State:    state,
	})
	require.Len(t, banners, 1)
	assert.Equal(t, health.BannerInfo, banners[0].Type)
	assert.Equal(t, ClassModerateVariance, banners[0].Class)
}
