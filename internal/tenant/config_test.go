package tenant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func strPtr(v string) *string     { return &v }

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "healthy above 100",
			mutate:  func(c *Config) { c.Thresholds.Healthy = 101 },
			wantErr: "healthy_threshold 101.00 outside [0,100]",
		},
		{
			name:    "negative degraded",
			mutate:  func(c *Config) { c.Thresholds.Degraded = -1 },
			wantErr: "degraded_threshold -1.00 outside [0,100]",
		},
		{
			name:    "degraded equal to healthy",
			mutate:  func(c *Config) { c.Thresholds.Degraded = 70 },
			wantErr: "must be below healthy_threshold",
		},
		{
			name:    "critical above degraded",
			mutate:  func(c *Config) { c.Thresholds.Critical = 45 },
			wantErr: "must be below degraded_threshold",
		},
		{
			name:    "zero hysteresis",
			mutate:  func(c *Config) { c.HysteresisCycles = 0 },
			wantErr: "hysteresis_cycles",
		},
		{
			name:    "unknown cap",
			mutate:  func(c *Config) { c.RevenueSensitiveVarianceCap = "healthy" },
			wantErr: "revenue_sensitive_variance_cap",
		},
		{
			name:    "zero sla",
			mutate:  func(c *Config) { c.SnapshotStalenessSLAMinutes = 0 },
			wantErr: "snapshot_staleness_sla_minutes",
		},
		{
			name:    "no platforms",
			mutate:  func(c *Config) { c.Platforms = nil },
			wantErr: "at least one platform",
		},
		{
			name: "duplicate platform",
			mutate: func(c *Config) {
				c.Platforms = append(c.Platforms, Platform{Name: "meta"})
			},
			wantErr: `platform "meta" listed more than once`,
		},
		{
			name: "bad entity override",
			mutate: func(c *Config) {
				c.EntityOverrides = []EntityOverride{{EntityType: "campaign", EntityID: "1", Mode: "pause"}}
			},
			wantErr: "mode \"pause\"",
		},
		{
			name:    "variance thresholds out of order",
			mutate:  func(c *Config) { c.Variance.MinorPct = 40 },
			wantErr: "variance thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("acme", "meta", "google")
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ApplyDoesNotMutateOriginal(t *testing.T) {
	cfg := NewConfig("acme", "meta")
	next := cfg.Apply(ConfigUpdate{
		HealthyThreshold:            floatPtr(80),
		DegradedThreshold:           floatPtr(50),
		HysteresisCycles:            intPtr(3),
		RevenueSensitiveVarianceCap: strPtr("moderate_variance"),
	})

	assert.Equal(t, 80.0, next.Thresholds.Healthy)
	assert.Equal(t, 50.0, next.Thresholds.Degraded)
	assert.Equal(t, 3, next.HysteresisCycles)
	assert.Equal(t, "moderate_variance", next.RevenueSensitiveVarianceCap)

	assert.Equal(t, DefaultHealthyThreshold, cfg.Thresholds.Healthy)
	assert.Equal(t, DefaultHysteresisCycles, cfg.HysteresisCycles)
}

func TestPolicy_ResolveRejectsBadDuration(t *testing.T) {
	p := &Policy{
		Metadata: Metadata{ID: "acme"},
		Spec: Spec{
			EvaluationInterval: "5 minutes",
			Platforms:          []Platform{{Name: "meta"}},
		},
	}
	_, err := p.Resolve()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "evaluationInterval")
}

func TestPolicy_ResolveKeepsExplicitValues(t *testing.T) {
	p := &Policy{
		Metadata: Metadata{ID: "acme"},
		Spec: Spec{
			Thresholds:                  ThresholdSpec{Healthy: floatPtr(80), Degraded: floatPtr(55), Critical: floatPtr(0)},
			HysteresisCycles:            intPtr(4),
			SnapshotStalenessSLAMinutes: intPtr(30),
			CycleTimeout:                "10s",
			Platforms:                   []Platform{{Name: "meta", SpendShare: floatPtr(1)}},
		},
	}
	cfg, err := p.Resolve()
	require.NoError(t, err)
	assert.Equal(t, Thresholds{Healthy: 80, Degraded: 55, Critical: 0}, cfg.Thresholds)
	assert.Equal(t, 4, cfg.HysteresisCycles)
	assert.Equal(t, 30, cfg.SnapshotStalenessSLAMinutes)
	assert.Equal(t, "30m", FormatDuration(cfg.StalenessSLA()))
	assert.Equal(t, "10s", FormatDuration(cfg.CycleTimeout))
}
