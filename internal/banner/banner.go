// Package banner derives display banners from health, variance and gate state.
package banner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
)

// MaxBanners caps how many banners are returned.
const MaxBanners = 5

// Banner classes. There is at most one banner per class.
const (
	ClassNoData            = "no_data"
	ClassAutomationBlocked = "automation_blocked"
	ClassStaleState        = "stale_state"
	ClassSignalCritical    = "signal_critical"
	ClassSignalDegraded    = "signal_degraded"
	ClassAutomationHeld    = "automation_held"
	ClassSignalRisk        = "signal_risk"
	ClassHighVariance      = "high_variance"
	ClassModerateVariance  = "moderate_variance"
	ClassPlatformIssues    = "platform_issues"
)

// Input is everything a banner set is derived from. Snapshot, Variance and
// State may be nil.
type Input struct {
	Snapshot *health.Snapshot
	Variance *health.VarianceSnapshot
	State    *gate.State
	Stale    bool
}

// ComposeBanners derives banners from a snapshot, its variance and the gate state.
func ComposeBanners(snap *health.Snapshot, variance *health.VarianceSnapshot, state *gate.State) []health.Banner {
	return Compose(Input{Snapshot: snap, Variance: variance, State: state})
}

// Compose derives banners, ordered by severity, then most recent first, then
// class, and capped at MaxBanners.
func Compose(in Input) []health.Banner {
	var out []health.Banner
	var snapAt time.Time
	if in.Snapshot != nil {
		snapAt = in.Snapshot.ComputedAt
	}

	if in.Snapshot == nil || in.Snapshot.Status == health.StatusNoData {
		out = append(out, noDataBanner(in.Snapshot))
	}

	gateStatus := gate.StatusBlock
	var enteredAt time.Time
	if in.State != nil {
		gateStatus = in.State.CurrentStatus
		enteredAt = in.State.EnteredAt
	}
	switch gateStatus {
	case gate.StatusHold:
		out = append(out, health.Banner{
			Type:    health.BannerWarning,
			Class:   ClassAutomationHeld,
			Title:   "Automation on hold",
			Message: "Automated actions need human approval until signal health recovers.",
			Actions: []string{"review_recommendations", "view_signal_health"},
			At:      enteredAt,
		})
	case gate.StatusPass:
	default:
		out = append(out, health.Banner{
			Type:    health.BannerError,
			Class:   ClassAutomationBlocked,
			Title:   "Automation blocked",
			Message: "Signal health does not support autonomous execution. Automated actions are blocked.",
			Actions: []string{"view_signal_health"},
			At:      enteredAt,
		})
	}

	if in.Stale {
		var at time.Time
		if in.State != nil {
			at = in.State.LastSnapshotAt
		}
		out = append(out, health.Banner{
			Type:    health.BannerError,
			Class:   ClassStaleState,
			Title:   "Signal health is out of date",
			Message: "No health snapshot arrived within the freshness window, so automation is blocked.",
			Actions: []string{"check_scoring_cycle"},
			At:      at,
		})
	}

	if in.Snapshot != nil {
		if b, ok := signalBanner(in.Snapshot); ok {
			out = append(out, b)
		}
	}

	if v := in.Variance; v != nil {
		switch v.Status {
		case health.VarianceHigh:
			out = append(out, varianceBanner(v, health.BannerWarning, ClassHighVariance, "High attribution variance", snapAt))
		case health.VarianceModerate:
			out = append(out, varianceBanner(v, health.BannerInfo, ClassModerateVariance, "Moderate attribution variance", snapAt))
		}
	}

	if in.Snapshot != nil && len(in.Snapshot.Issues) > 0 && in.Snapshot.Status != health.StatusNoData {
		issues := in.Snapshot.Issues
		msg := issues[0]
		if len(issues) > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, len(issues)-1)
		}
		out = append(out, health.Banner{
			Type:    health.BannerInfo,
			Class:   ClassPlatformIssues,
			Title:   plural(len(issues), "signal issue"),
			Message: msg,
			Actions: []string{"view_issues"},
			At:      snapAt,
		})
	}

	sortBanners(out)
	if len(out) > MaxBanners {
		out = out[:MaxBanners]
	}
	if out == nil {
		out = []health.Banner{}
	}
	return out
}

func noDataBanner(snap *health.Snapshot) health.Banner {
	b := health.Banner{
		Type:    health.BannerError,
		Class:   ClassNoData,
		Title:   "No signal data",
		Message: "No platform has reported signal data yet.",
		Actions: []string{"check_connectors"},
	}
	if snap != nil {
		b.Message = fmt.Sprintf("No platform reported signal data for %s.", snap.Date.Format("2006-01-02"))
		b.At = snap.ComputedAt
	}
	return b
}

func signalBanner(snap *health.Snapshot) (health.Banner, bool) {
	b := health.Banner{At: snap.ComputedAt, Actions: []string{"view_signal_health"}}
	switch snap.Status {
	case health.StatusCritical:
		b.Type, b.Class, b.Title = health.BannerError, ClassSignalCritical, "Signal health critical"
	case health.StatusDegraded:
		b.Type, b.Class, b.Title = health.BannerWarning, ClassSignalDegraded, "Signal health degraded"
	case health.StatusRisk:
		b.Type, b.Class, b.Title = health.BannerWarning, ClassSignalRisk, "Signal health at risk"
	default:
		return health.Banner{}, false
	}

	msg := fmt.Sprintf("Overall signal health score is %.1f.", *snap.OverallScore)
	if names := affectedPlatforms(snap); len(names) > 0 {
		msg += " Affected: " + strings.Join(names, ", ") + "."
	}
	b.Message = msg
	return b, true
}

func varianceBanner(v *health.VarianceSnapshot, typ health.BannerType, class, title string, at time.Time) health.Banner {
	return health.Banner{
		Type:  typ,
		Class: class,
		Title: title,
		Message: fmt.Sprintf("Ad platforms differ from analytics by %s%% in revenue and %s%% in conversions.",
			v.OverallRevenueVariancePct.StringFixed(1), v.OverallConversionVariancePct.StringFixed(1)),
		Actions: []string{"review_attribution"},
		At:      at,
	}
}

func affectedPlatforms(snap *health.Snapshot) []string {
	var names []string
	for _, r := range snap.PlatformRows {
		if r.Status != health.StatusOK {
			names = append(names, r.DisplayName)
		}
	}
	return names
}

func severity(t health.BannerType) int {
	switch t {
	case health.BannerError:
		return 0
	case health.BannerWarning:
		return 1
	default:
		return 2
	}
}

func sortBanners(b []health.Banner) {
	sort.SliceStable(b, func(i, j int) bool {
		if si, sj := severity(b[i].Type), severity(b[j].Type); si != sj {
			return si < sj
		}
		if !b[i].At.Equal(b[j].At) {
			return b[i].At.After(b[j].At)
		}
		return b[i].Class < b[j].Class
	})
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
