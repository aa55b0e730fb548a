package tenant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Provision(NewConfig("globex", "meta")))
	require.NoError(t, r.Provision(NewConfig("acme", "google")))

	assert.Equal(t, []string{"acme", "globex"}, r.IDs())
	assert.Equal(t, 2, r.Len())

	cfg, err := r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.TenantID)

	assert.True(t, r.Offboard("acme"))
	assert.False(t, r.Offboard("acme"))

	_, err = r.Get("acme")
	assert.True(t, errors.Is(err, ErrTenantNotFound))
}

func TestRegistry_ProvisionRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	cfg := NewConfig("acme", "meta")
	cfg.Thresholds.Degraded = 90

	err := r.Provision(cfg)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ProvisionRunsRuleChecker(t *testing.T) {
	r := NewRegistry()
	r.SetRuleChecker(func(ActionRules) error { return errors.New("syntax error") })

	err := r.Provision(NewConfig("acme", "meta"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "syntax error")
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Provision(NewConfig("acme", "meta")))
	before, _ := r.Get("acme")

	t.Run("valid update swaps config", func(t *testing.T) {
		next, err := r.Update("acme", ConfigUpdate{HealthyThreshold: floatPtr(75)})
		require.NoError(t, err)
		assert.Equal(t, 75.0, next.Thresholds.Healthy)

		current, _ := r.Get("acme")
		assert.Same(t, next, current)
		assert.Equal(t, DefaultHealthyThreshold, before.Thresholds.Healthy)
	})

	t.Run("invalid update is rejected, not clamped", func(t *testing.T) {
		_, err := r.Update("acme", ConfigUpdate{DegradedThreshold: floatPtr(80)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfig))

		current, _ := r.Get("acme")
		assert.Equal(t, DefaultDegradedThreshold, current.Thresholds.Degraded)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		_, err := r.Update("nobody", ConfigUpdate{})
		assert.True(t, errors.Is(err, ErrTenantNotFound))
	})
}
