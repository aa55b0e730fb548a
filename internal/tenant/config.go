package tenant

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidConfig is returned when tenant settings fail validation.
var ErrInvalidConfig = eris.New("invalid tenant configuration")

// Defaults applied to omitted policy fields.
const (
	DefaultHealthyThreshold            = 70.0
	DefaultDegradedThreshold           = 40.0
	DefaultCriticalThreshold           = 20.0
	DefaultHysteresisCycles            = 2
	DefaultRevenueSensitiveVarianceCap = "high_variance"
	DefaultSnapshotStalenessSLAMinutes = 120
	DefaultEvaluationInterval          = 5 * time.Minute
	DefaultCycleTimeout                = 30 * time.Second

	DefaultVarianceHealthyPct    = 5.0
	DefaultVarianceMinorPct      = 15.0
	DefaultVarianceModeratePct   = 30.0
	DefaultVarianceMinConfidence = 0.3

	DefaultFreshnessFloorMinutes = 240.0
	DefaultAPIErrorRateFloor     = 0.05
	DefaultEventLossFloorPct     = 10.0
	DefaultEMQFloor              = 50.0

	spendShareTolerance = 1e-6
)

// VarianceCaps lists the accepted revenue_sensitive_variance_cap values, least
// to most severe.
var VarianceCaps = []string{"minor_variance", "moderate_variance", "high_variance"}

// Thresholds bucket an overall score into a status.
type Thresholds struct {
	Healthy  float64 `json:"healthy_threshold"`
	Degraded float64 `json:"degraded_threshold"`
	Critical float64 `json:"critical_threshold"`
}

// DefaultThresholds returns the stock 70/40/20 thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Healthy:  DefaultHealthyThreshold,
		Degraded: DefaultDegradedThreshold,
		Critical: DefaultCriticalThreshold,
	}
}

// VarianceConfig buckets attribution variance.
type VarianceConfig struct {
	HealthyPct    float64 `json:"healthy_pct"`
	MinorPct      float64 `json:"minor_pct"`
	ModeratePct   float64 `json:"moderate_pct"`
	MinConfidence float64 `json:"min_confidence"`
}

// WarningFloors are the per-dimension limits that produce issues.
type WarningFloors struct {
	FreshnessMinutes float64 `json:"freshness_minutes"`
	APIErrorRate     float64 `json:"api_error_rate"`
	EventLossPct     float64 `json:"event_loss_pct"`
	EMQScore         float64 `json:"emq_score"`
}

// Config is a tenant's resolved runtime settings. Values are treated as
// immutable once registered; updates produce a new Config.
type Config struct {
	TenantID                    string           `json:"tenant_id"`
	Name                        string           `json:"name,omitempty"`
	Thresholds                  Thresholds       `json:"thresholds"`
	HysteresisCycles            int              `json:"hysteresis_cycles"`
	RevenueSensitiveVarianceCap string           `json:"revenue_sensitive_variance_cap"`
	SnapshotStalenessSLAMinutes int              `json:"snapshot_staleness_sla_minutes"`
	EvaluationInterval          time.Duration    `json:"-"`
	CycleTimeout                time.Duration    `json:"-"`
	Platforms                   []Platform       `json:"platforms"`
	Variance                    VarianceConfig   `json:"variance"`
	WarningFloors               WarningFloors    `json:"warning_floors"`
	ActionRules                 ActionRules      `json:"action_rules"`
	EntityOverrides             []EntityOverride `json:"entity_overrides,omitempty"`
	AllowOverrideOnBlock        bool             `json:"allow_override_on_block"`
}

// NewConfig returns a Config with every default applied for the given platforms.
func NewConfig(tenantID string, platforms ...string) *Config {
	cfg := &Config{
		TenantID:                    tenantID,
		Thresholds:                  DefaultThresholds(),
		HysteresisCycles:            DefaultHysteresisCycles,
		RevenueSensitiveVarianceCap: DefaultRevenueSensitiveVarianceCap,
		SnapshotStalenessSLAMinutes: DefaultSnapshotStalenessSLAMinutes,
		EvaluationInterval:          DefaultEvaluationInterval,
		CycleTimeout:                DefaultCycleTimeout,
		Variance: VarianceConfig{
			HealthyPct:    DefaultVarianceHealthyPct,
			MinorPct:      DefaultVarianceMinorPct,
			ModeratePct:   DefaultVarianceModeratePct,
			MinConfidence: DefaultVarianceMinConfidence,
		},
		WarningFloors: WarningFloors{
			FreshnessMinutes: DefaultFreshnessFloorMinutes,
			APIErrorRate:     DefaultAPIErrorRateFloor,
			EventLossPct:     DefaultEventLossFloorPct,
			EMQScore:         DefaultEMQFloor,
		},
	}
	for _, p := range platforms {
		cfg.Platforms = append(cfg.Platforms, Platform{Name: p})
	}
	return cfg
}

// StalenessSLA is the snapshot age past which the gate is treated as BLOCK.
func (c *Config) StalenessSLA() time.Duration {
	return time.Duration(c.SnapshotStalenessSLAMinutes) * time.Minute
}

// PlatformNames returns the configured platforms in declaration order.
func (c *Config) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		names = append(names, p.Name)
	}
	return names
}

// SpendShares returns the known spend share per platform.
func (c *Config) SpendShares() map[string]float64 {
	shares := make(map[string]float64, len(c.Platforms))
	for _, p := range c.Platforms {
		if p.SpendShare != nil {
			shares[p.Name] = *p.SpendShare
		}
	}
	return shares
}

// EntityOverride returns the override pinned to the entity, if any.
func (c *Config) EntityOverride(entityType, entityID string) (EntityOverride, bool) {
	for _, o := range c.EntityOverrides {
		if o.EntityType == entityType && o.EntityID == entityID {
			return o, true
		}
	}
	return EntityOverride{}, false
}

// Validate rejects out-of-range settings. Nothing is clamped.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.TenantID == "" {
		add("tenant id is required")
	}

	th := c.Thresholds
	for _, t := range []struct {
		name  string
		value float64
	}{
		{"healthy_threshold", th.Healthy},
		{"degraded_threshold", th.Degraded},
		{"critical_threshold", th.Critical},
	} {
		if math.IsNaN(t.value) || t.value < 0 || t.value > 100 {
			add("%s %.2f outside [0,100]", t.name, t.value)
		}
	}
	if th.Degraded >= th.Healthy {
		add("degraded_threshold %.2f must be below healthy_threshold %.2f", th.Degraded, th.Healthy)
	}
	if th.Critical >= th.Degraded {
		add("critical_threshold %.2f must be below degraded_threshold %.2f", th.Critical, th.Degraded)
	}

	if c.HysteresisCycles < 1 {
		add("hysteresis_cycles must be at least 1, got %d", c.HysteresisCycles)
	}
	if c.SnapshotStalenessSLAMinutes < 1 {
		add("snapshot_staleness_sla_minutes must be at least 1, got %d", c.SnapshotStalenessSLAMinutes)
	}
	if !validVarianceCap(c.RevenueSensitiveVarianceCap) {
		add("revenue_sensitive_variance_cap %q must be one of %s", c.RevenueSensitiveVarianceCap, strings.Join(VarianceCaps, ", "))
	}
	if c.EvaluationInterval <= 0 {
		add("evaluation interval must be positive")
	}
	if c.CycleTimeout <= 0 {
		add("cycle timeout must be positive")
	}

	v := c.Variance
	if v.HealthyPct < 0 || v.HealthyPct > v.MinorPct || v.MinorPct > v.ModeratePct {
		add("variance thresholds must satisfy 0 <= healthy <= minor <= moderate")
	}
	if v.MinConfidence < 0 || v.MinConfidence > 1 {
		add("variance min_confidence %.2f outside [0,1]", v.MinConfidence)
	}

	f := c.WarningFloors
	if f.FreshnessMinutes < 0 {
		add("warning floor freshness_minutes must not be negative")
	}
	if f.APIErrorRate < 0 || f.APIErrorRate > 1 {
		add("warning floor api_error_rate outside [0,1]")
	}
	if f.EventLossPct < 0 || f.EventLossPct > 100 {
		add("warning floor event_loss_pct outside [0,100]")
	}
	if f.EMQScore < 0 || f.EMQScore > 100 {
		add("warning floor emq_score outside [0,100]")
	}

	if len(c.Platforms) == 0 {
		add("at least one platform is required")
	}
	seen := make(map[string]bool, len(c.Platforms))
	var shareSum float64
	for i, p := range c.Platforms {
		if p.Name == "" {
			add("platforms[%d] has no name", i)
			continue
		}
		if seen[p.Name] {
			add("platform %q listed more than once", p.Name)
		}
		seen[p.Name] = true
		if p.SpendShare != nil {
			if *p.SpendShare < 0 || *p.SpendShare > 1 {
				add("platform %q spend share %.3f outside [0,1]", p.Name, *p.SpendShare)
			}
			shareSum += *p.SpendShare
		}
	}
	if shareSum > 1+spendShareTolerance {
		add("spend shares sum to %.3f, more than 1", shareSum)
	}

	for i, o := range c.EntityOverrides {
		if o.EntityType == "" || o.EntityID == "" {
			add("entity_overrides[%d] needs entity type and id", i)
		}
		if o.Mode != OverrideManualOnly && o.Mode != OverrideBlock {
			add("entity_overrides[%d] mode %q must be %s or %s", i, o.Mode, OverrideManualOnly, OverrideBlock)
		}
	}

	if len(problems) > 0 {
		return eris.Wrapf(ErrInvalidConfig, "tenant %q: %s", c.TenantID, strings.Join(problems, "; "))
	}
	return nil
}

// ConfigUpdate carries a partial runtime change to a tenant's settings.
type ConfigUpdate struct {
	HealthyThreshold            *float64 `json:"healthy_threshold,omitempty"`
	DegradedThreshold           *float64 `json:"degraded_threshold,omitempty"`
	CriticalThreshold           *float64 `json:"critical_threshold,omitempty"`
	HysteresisCycles            *int     `json:"hysteresis_cycles,omitempty"`
	RevenueSensitiveVarianceCap *string  `json:"revenue_sensitive_variance_cap,omitempty"`
	SnapshotStalenessSLAMinutes *int     `json:"snapshot_staleness_sla_minutes,omitempty"`
	AllowOverrideOnBlock        *bool    `json:"allow_override_on_block,omitempty"`
}

// Apply returns a copy of c with the update's fields replaced.
func (c *Config) Apply(u ConfigUpdate) *Config {
	next := *c
	if u.HealthyThreshold != nil {
		next.Thresholds.Healthy = *u.HealthyThreshold
	}
	if u.DegradedThreshold != nil {
		next.Thresholds.Degraded = *u.DegradedThreshold
	}
	if u.CriticalThreshold != nil {
		next.Thresholds.Critical = *u.CriticalThreshold
	}
	if u.HysteresisCycles != nil {
		next.HysteresisCycles = *u.HysteresisCycles
	}
	if u.RevenueSensitiveVarianceCap != nil {
		next.RevenueSensitiveVarianceCap = *u.RevenueSensitiveVarianceCap
	}
	if u.SnapshotStalenessSLAMinutes != nil {
		next.SnapshotStalenessSLAMinutes = *u.SnapshotStalenessSLAMinutes
	}
	if u.AllowOverrideOnBlock != nil {
		next.AllowOverrideOnBlock = *u.AllowOverrideOnBlock
	}
	return &next
}

// Resolve applies defaults to a policy document and validates the result.
func (p *Policy) Resolve() (*Config, error) {
	cfg := NewConfig(p.Metadata.ID)
	cfg.Name = p.Metadata.Name
	s := p.Spec

	setFloat(&cfg.Thresholds.Healthy, s.Thresholds.Healthy)
	setFloat(&cfg.Thresholds.Degraded, s.Thresholds.Degraded)
	setFloat(&cfg.Thresholds.Critical, s.Thresholds.Critical)
	if s.HysteresisCycles != nil {
		cfg.HysteresisCycles = *s.HysteresisCycles
	}
	if s.RevenueSensitiveVarianceCap != "" {
		cfg.RevenueSensitiveVarianceCap = s.RevenueSensitiveVarianceCap
	}
	if s.SnapshotStalenessSLAMinutes != nil {
		cfg.SnapshotStalenessSLAMinutes = *s.SnapshotStalenessSLAMinutes
	}
	if s.EvaluationInterval != "" {
		d, err := ParseDuration(s.EvaluationInterval)
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidConfig, "tenant %q: evaluationInterval: %v", p.Metadata.ID, err)
		}
		cfg.EvaluationInterval = d
	}
	if s.CycleTimeout != "" {
		d, err := ParseDuration(s.CycleTimeout)
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidConfig, "tenant %q: cycleTimeout: %v", p.Metadata.ID, err)
		}
		cfg.CycleTimeout = d
	}

	cfg.Platforms = append([]Platform(nil), s.Platforms...)

	setFloat(&cfg.Variance.HealthyPct, s.Variance.HealthyPct)
	setFloat(&cfg.Variance.MinorPct, s.Variance.MinorPct)
	setFloat(&cfg.Variance.ModeratePct, s.Variance.ModeratePct)
	setFloat(&cfg.Variance.MinConfidence, s.Variance.MinConfidence)

	setFloat(&cfg.WarningFloors.FreshnessMinutes, s.WarningFloors.FreshnessMinutes)
	setFloat(&cfg.WarningFloors.APIErrorRate, s.WarningFloors.APIErrorRate)
	setFloat(&cfg.WarningFloors.EventLossPct, s.WarningFloors.EventLossPct)
	setFloat(&cfg.WarningFloors.EMQScore, s.WarningFloors.EMQScore)

	cfg.ActionRules = s.ActionRules
	cfg.EntityOverrides = append([]EntityOverride(nil), s.EntityOverrides...)
	cfg.AllowOverrideOnBlock = s.AllowOverrideOnBlock

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func validVarianceCap(s string) bool {
	for _, c := range VarianceCaps {
		if c == s {
			return true
		}
	}
	return false
}
