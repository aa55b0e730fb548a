package health

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/tenant"
)

// Dimension weights before renormalization over the dimensions present.
const (
	WeightEMQ         = 0.35
	WeightLoss        = 0.30
	WeightFreshness   = 0.20
	WeightReliability = 0.15
)

// Freshness scores 100 up to freshFullMinutes and reaches 0 at freshZeroMinutes.
const (
	freshFullMinutes = 60.0
	freshZeroMinutes = 1440.0
)

// Options carries the tenant settings a snapshot is computed under.
type Options struct {
	Thresholds  tenant.Thresholds
	Floors      tenant.WarningFloors
	Variance    tenant.VarianceConfig
	Platforms   []string
	SpendShares map[string]float64
	// SourceErrors records platforms whose signal fetch failed.
	SourceErrors map[string]string
	ComputedAt   time.Time
}

// OptionsFor builds scoring options from a tenant's config.
func OptionsFor(cfg *tenant.Config, computedAt time.Time) Options {
	return Options{
		Thresholds:  cfg.Thresholds,
		Floors:      cfg.WarningFloors,
		Variance:    cfg.Variance,
		Platforms:   cfg.PlatformNames(),
		SpendShares: cfg.SpendShares(),
		ComputedAt:  computedAt,
	}
}

// ComputeSnapshot scores a tenant's signals for a day. It is a pure function
// of its arguments; the caller assigns the snapshot ID.
func ComputeSnapshot(tenantID string, date time.Time, platforms []*signal.PlatformSignal, variance []*signal.VarianceSignal, opts Options) *Snapshot {
	latest := latestPlatformSignals(platforms)

	snap := &Snapshot{
		TenantID:   tenantID,
		Date:       signal.Day(date),
		ComputedAt: opts.ComputedAt,
		Thresholds: opts.Thresholds,
		Issues:     []string{},
		Banners:    []Banner{},
	}

	for _, name := range platformUniverse(opts, latest) {
		row := PlatformRow{
			Platform:    name,
			DisplayName: DisplayName(name),
			Signal:      latest[name],
			SourceError: opts.SourceErrors[name],
			Status:      StatusNoData,
		}
		if sig := latest[name]; sig != nil {
			row.Dimensions = ScoreDimensions(sig)
			if score, ok := PlatformScore(row.Dimensions); ok {
				row.Included = true
				row.Score = &score
				row.Status = Classify(&score, opts.Thresholds)
			}
		}
		snap.PlatformRows = append(snap.PlatformRows, row)
	}

	weights := spendWeights(includedNames(snap.PlatformRows), spendBySignal(latest), opts.SpendShares)
	var sum float64
	var n int
	for i := range snap.PlatformRows {
		row := &snap.PlatformRows[i]
		if !row.Included {
			continue
		}
		row.Weight = weights[row.Platform]
		sum += *row.Score * row.Weight
		n++
	}
	if n > 0 {
		score := round2(sum)
		snap.OverallScore = &score
	}
	snap.Status = Classify(snap.OverallScore, opts.Thresholds)
	snap.AutomationBlocked = snap.Status.BlocksAutomation()

	snap.Variance = ComputeVariance(variance, weights, opts.Variance)

	for _, row := range snap.PlatformRows {
		snap.Issues = append(snap.Issues, platformIssues(row, opts.Floors)...)
	}
	if v := snap.Variance; v != nil && v.Status.AtLeast(VarianceModerate) {
		snap.Issues = append(snap.Issues, fmt.Sprintf(
			"Attribution variance is %s (revenue %s%%, conversions %s%%)",
			strings.ReplaceAll(string(v.Status), "_", " "),
			v.OverallRevenueVariancePct.StringFixed(1),
			v.OverallConversionVariancePct.StringFixed(1),
		))
	}

	return snap
}

// Classify buckets a score under the given thresholds. A nil score is no_data.
func Classify(score *float64, th tenant.Thresholds) Status {
	if score == nil {
		return StatusNoData
	}
	switch s := *score; {
	case s >= th.Healthy:
		return StatusOK
	case s >= th.Degraded:
		return StatusRisk
	case s >= th.Critical:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// ScoreDimensions converts raw metrics to 0-100 contributions.
func ScoreDimensions(sig *signal.PlatformSignal) DimensionScores {
	var d DimensionScores
	if sig.EMQScore != nil {
		d.EMQ = ptr(clip(*sig.EMQScore))
	}
	if sig.EventLossPct != nil {
		d.Loss = ptr(clip(100 - *sig.EventLossPct))
	}
	if sig.FreshnessMinutes != nil {
		d.Freshness = ptr(freshnessScore(*sig.FreshnessMinutes))
	}
	if sig.APIErrorRate != nil {
		d.Reliability = ptr(clip(100 * (1 - *sig.APIErrorRate)))
	}
	return d
}

// PlatformScore is the weighted mean of the dimensions present, renormalized
// over their weights. It reports false when no dimension has data.
func PlatformScore(d DimensionScores) (float64, bool) {
	var sum, weight float64
	for _, dim := range []struct {
		v *float64
		w float64
	}{
		{d.EMQ, WeightEMQ},
		{d.Loss, WeightLoss},
		{d.Freshness, WeightFreshness},
		{d.Reliability, WeightReliability},
	} {
		if dim.v == nil {
			continue
		}
		sum += *dim.v * dim.w
		weight += dim.w
	}
	if weight == 0 {
		return 0, false
	}
	return round2(sum / weight), true
}

// DisplayName renders a platform identifier for humans.
func DisplayName(platform string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(platform, "_", " "))
}

func freshnessScore(minutes float64) float64 {
	switch {
	case minutes <= freshFullMinutes:
		return 100
	case minutes >= freshZeroMinutes:
		return 0
	default:
		return 100 * (freshZeroMinutes - minutes) / (freshZeroMinutes - freshFullMinutes)
	}
}

func platformIssues(row PlatformRow, floors tenant.WarningFloors) []string {
	var issues []string
	name := row.DisplayName
	if row.SourceError != "" {
		issues = append(issues, fmt.Sprintf("%s: signal source error: %s", name, row.SourceError))
	}

	sig := row.Signal
	if sig == nil || !row.Included {
		issues = append(issues, fmt.Sprintf("%s: no signal data", name))
		return issues
	}

	var missing []string
	if sig.EMQScore == nil {
		missing = append(missing, "emq_score")
	}
	if sig.EventLossPct == nil {
		missing = append(missing, "event_loss_pct")
	}
	if sig.FreshnessMinutes == nil {
		missing = append(missing, "freshness_minutes")
	}
	if sig.APIErrorRate == nil {
		missing = append(missing, "api_error_rate")
	}
	if len(missing) > 0 {
		issues = append(issues, fmt.Sprintf("%s: missing %s", name, strings.Join(missing, ", ")))
	}

	if v := sig.FreshnessMinutes; v != nil && *v > floors.FreshnessMinutes {
		issues = append(issues, fmt.Sprintf("%s: data is %.0f minutes old (limit %.0f)", name, *v, floors.FreshnessMinutes))
	}
	if v := sig.APIErrorRate; v != nil && *v > floors.APIErrorRate {
		issues = append(issues, fmt.Sprintf("%s: API error rate %.1f%% above %.1f%%", name, *v*100, floors.APIErrorRate*100))
	}
	if v := sig.EventLossPct; v != nil && *v > floors.EventLossPct {
		issues = append(issues, fmt.Sprintf("%s: event loss %.1f%% above %.1f%%", name, *v, floors.EventLossPct))
	}
	if v := sig.EMQScore; v != nil && *v < floors.EMQScore {
		issues = append(issues, fmt.Sprintf("%s: EMQ score %.1f below %.1f", name, *v, floors.EMQScore))
	}
	return issues
}

// latestPlatformSignals keeps the most recently recorded signal per platform.
func latestPlatformSignals(signals []*signal.PlatformSignal) map[string]*signal.PlatformSignal {
	latest := make(map[string]*signal.PlatformSignal, len(signals))
	for _, s := range signals {
		if s == nil || s.Platform == "" {
			continue
		}
		if cur, ok := latest[s.Platform]; !ok || s.RecordedAt.After(cur.RecordedAt) {
			latest[s.Platform] = s
		}
	}
	return latest
}

// platformUniverse is every configured platform plus any that reported, sorted.
func platformUniverse(opts Options, latest map[string]*signal.PlatformSignal) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, n := range opts.Platforms {
		add(n)
	}
	for n := range latest {
		add(n)
	}
	for n := range opts.SourceErrors {
		add(n)
	}
	sort.Strings(names)
	return names
}

func includedNames(rows []PlatformRow) []string {
	var names []string
	for _, r := range rows {
		if r.Included {
			names = append(names, r.Platform)
		}
	}
	return names
}

func spendBySignal(latest map[string]*signal.PlatformSignal) map[string]decimal.Decimal {
	spend := make(map[string]decimal.Decimal)
	for name, s := range latest {
		if s.Spend != nil {
			spend[name] = *s.Spend
		}
	}
	return spend
}

// spendWeights normalizes per-platform weights over names. Reported spend wins
// when every platform has it, then configured shares, then an equal split.
func spendWeights(names []string, spend map[string]decimal.Decimal, shares map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(names))
	if len(names) == 0 {
		return weights
	}

	total := decimal.Zero
	complete := true
	for _, n := range names {
		s, ok := spend[n]
		if !ok || s.IsNegative() {
			complete = false
			break
		}
		total = total.Add(s)
	}
	if complete && total.IsPositive() {
		for _, n := range names {
			weights[n] = spend[n].Div(total).InexactFloat64()
		}
		return weights
	}

	var shareTotal float64
	complete = true
	for _, n := range names {
		s, ok := shares[n]
		if !ok {
			complete = false
			break
		}
		shareTotal += s
	}
	if complete && shareTotal > 0 {
		for _, n := range names {
			weights[n] = shares[n] / shareTotal
		}
		return weights
	}

	for _, n := range names {
		weights[n] = 1 / float64(len(names))
	}
	return weights
}

func clip(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr(v float64) *float64 {
	return &v
}
