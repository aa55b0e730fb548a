package tenant

// Policy is a tenant policy document as written on disk.
type Policy struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata identifies the tenant.
type Metadata struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Spec holds the tenant's gating knobs. Pointer fields distinguish an
// omitted value (default applies) from an explicit one.
type Spec struct {
	Thresholds                  ThresholdSpec    `yaml:"thresholds,omitempty"`
	HysteresisCycles            *int             `yaml:"hysteresisCycles,omitempty"`
	RevenueSensitiveVarianceCap string           `yaml:"revenueSensitiveVarianceCap,omitempty"`
	SnapshotStalenessSLAMinutes *int             `yaml:"snapshotStalenessSLAMinutes,omitempty"`
	EvaluationInterval          string           `yaml:"evaluationInterval,omitempty"`
	CycleTimeout                string           `yaml:"cycleTimeout,omitempty"`
	Platforms                   []Platform       `yaml:"platforms"`
	Variance                    VarianceSpec     `yaml:"variance,omitempty"`
	WarningFloors               FloorSpec        `yaml:"warningFloors,omitempty"`
	ActionRules                 ActionRules      `yaml:"actionRules,omitempty"`
	EntityOverrides             []EntityOverride `yaml:"entityOverrides,omitempty"`
	AllowOverrideOnBlock        bool             `yaml:"allowOverrideOnBlock,omitempty"`
}

// ThresholdSpec is the on-disk form of Thresholds.
type ThresholdSpec struct {
	Healthy  *float64 `yaml:"healthy,omitempty"`
	Degraded *float64 `yaml:"degraded,omitempty"`
	Critical *float64 `yaml:"critical,omitempty"`
}

// VarianceSpec is the on-disk form of VarianceConfig.
type VarianceSpec struct {
	HealthyPct    *float64 `yaml:"healthyPct,omitempty"`
	MinorPct      *float64 `yaml:"minorPct,omitempty"`
	ModeratePct   *float64 `yaml:"moderatePct,omitempty"`
	MinConfidence *float64 `yaml:"minConfidence,omitempty"`
}

// FloorSpec is the on-disk form of WarningFloors.
type FloorSpec struct {
	FreshnessMinutes *float64 `yaml:"freshnessMinutes,omitempty"`
	APIErrorRate     *float64 `yaml:"apiErrorRate,omitempty"`
	EventLossPct     *float64 `yaml:"eventLossPct,omitempty"`
	EMQScore         *float64 `yaml:"emqScore,omitempty"`
}

// Platform is an ad platform the tenant runs automation on.
type Platform struct {
	Name       string   `yaml:"name" json:"name"`
	SpendShare *float64 `yaml:"spendShare,omitempty" json:"spend_share,omitempty"`
}

// ActionRules are CEL expressions evaluated against the attempted action.
type ActionRules struct {
	RevenueSensitiveWhen string `yaml:"revenueSensitiveWhen,omitempty" json:"revenue_sensitive_when,omitempty"`
	ManualOnlyWhen       string `yaml:"manualOnlyWhen,omitempty" json:"manual_only_when,omitempty"`
}

// Entity override modes.
const (
	OverrideManualOnly = "manual_only"
	OverrideBlock      = "block"
)

// EntityOverride pins a specific entity to a restrictive mode.
type EntityOverride struct {
	EntityType string `yaml:"entityType" json:"entity_type"`
	EntityID   string `yaml:"entityId" json:"entity_id"`
	Mode       string `yaml:"mode" json:"mode"`
}

// PolicyWithFile pairs a policy with its source file path.
type PolicyWithFile struct {
	Policy *Policy
	File   string
	// Document is the raw decoded YAML, validated against the JSON schema.
	Document any
}

// ValidationError represents a validation error for a specific file
type ValidationError struct {
	File    string
	Path    string
	Message string
}

// Error implements the error interface
func (e ValidationError) Error() string {
	if e.Path != "" {
		return e.File + ": " + e.Path + ": " + e.Message
	}
	return e.File + ": " + e.Message
}
