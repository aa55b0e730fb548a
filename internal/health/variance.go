package health

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/tenant"
)

// ComputeVariance aggregates per-platform attribution deltas into a tenant
// variance summary. Readings below cfg.MinConfidence are reported but left
// out of the aggregate. It returns nil when no reading qualifies.
//
// weights are the platforms' spend weights; when any qualifying platform has
// none, the aggregate falls back to an equal split.
func ComputeVariance(signals []*signal.VarianceSignal, weights map[string]float64, cfg tenant.VarianceConfig) *VarianceSnapshot {
	latest := make(map[string]*signal.VarianceSignal, len(signals))
	for _, s := range signals {
		if s == nil || s.Platform == "" {
			continue
		}
		if cur, ok := latest[s.Platform]; !ok || s.RecordedAt.After(cur.RecordedAt) {
			latest[s.Platform] = s
		}
	}
	if len(latest) == 0 {
		return nil
	}

	names := make([]string, 0, len(latest))
	for n := range latest {
		names = append(names, n)
	}
	sort.Strings(names)

	out := &VarianceSnapshot{Platforms: make([]PlatformVariance, 0, len(names))}
	var included []string
	for _, n := range names {
		s := latest[n]
		pv := PlatformVariance{
			Platform:           n,
			RevenueDeltaPct:    s.RevenueDeltaPct().Round(4),
			ConversionDeltaPct: s.ConversionDeltaPct().Round(4),
			Confidence:         s.Confidence,
			Included:           s.Confidence >= cfg.MinConfidence,
		}
		if pv.Included {
			included = append(included, n)
		}
		out.Platforms = append(out.Platforms, pv)
	}
	if len(included) == 0 {
		return nil
	}

	w := varianceWeights(included, weights)
	revenue, conversions := decimal.Zero, decimal.Zero
	var confidence float64
	for i := range out.Platforms {
		pv := &out.Platforms[i]
		if !pv.Included {
			continue
		}
		pv.Weight = w[pv.Platform]
		dw := decimal.NewFromFloat(pv.Weight)
		revenue = revenue.Add(latest[pv.Platform].RevenueDeltaPct().Mul(dw))
		conversions = conversions.Add(latest[pv.Platform].ConversionDeltaPct().Mul(dw))
		confidence += pv.Confidence * pv.Weight
	}

	out.OverallRevenueVariancePct = revenue.Round(4)
	out.OverallConversionVariancePct = conversions.Round(4)
	out.Confidence = math.Round(confidence*1e4) / 1e4
	out.Status = ClassifyVariance(out.OverallRevenueVariancePct, out.OverallConversionVariancePct, cfg)
	return out
}

// ClassifyVariance buckets the larger of the absolute revenue and conversion
// deltas.
func ClassifyVariance(revenuePct, conversionPct decimal.Decimal, cfg tenant.VarianceConfig) VarianceStatus {
	worst := decimal.Max(revenuePct.Abs(), conversionPct.Abs())
	switch {
	case worst.LessThanOrEqual(decimal.NewFromFloat(cfg.HealthyPct)):
		return VarianceHealthy
	case worst.LessThanOrEqual(decimal.NewFromFloat(cfg.MinorPct)):
		return VarianceMinor
	case worst.LessThanOrEqual(decimal.NewFromFloat(cfg.ModeratePct)):
		return VarianceModerate
	default:
		return VarianceHigh
	}
}

func varianceWeights(names []string, weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	var total float64
	complete := true
	for _, n := range names {
		w, ok := weights[n]
		if !ok || w <= 0 {
			complete = false
			break
		}
		total += w
	}
	for _, n := range names {
		if complete {
			out[n] = weights[n] / total
		} else {
			out[n] = 1 / float64(len(names))
		}
	}
	return out
}
