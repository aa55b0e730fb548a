package synthetic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/signal"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func TestAdapter_LoadPath(t *testing.T) {
	a := NewAdapter()
	require.NoError(t, a.LoadPath("testdata"))
	ctx := context.Background()

	t.Run("latest record wins", func(t *testing.T) {
		s, err := a.GetPlatformSignal(ctx, "acme", "meta", day.Add(13*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, 8.1, *s.EMQScore)
		assert.True(t, decimal.RequireFromString("1200.50").Equal(*s.Spend))
	})

	t.Run("missing metrics stay nil", func(t *testing.T) {
		s, err := a.GetPlatformSignal(ctx, "acme", "google", day)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Nil(t, s.EMQScore)
		assert.Nil(t, s.APIErrorRate)
	})

	t.Run("absent platform", func(t *testing.T) {
		s, err := a.GetPlatformSignal(ctx, "acme", "tiktok", day)
		require.NoError(t, err)
		assert.Nil(t, s)

		v, err := a.GetVarianceSignal(ctx, "acme", "google", day)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("variance", func(t *testing.T) {
		v, err := a.GetVarianceSignal(ctx, "acme", "meta", day)
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, "18", v.RevenueDeltaPct().String())
		assert.Equal(t, "10", v.ConversionDeltaPct().String())
	})

	assert.Equal(t, []string{"acme"}, a.Tenants())
}

func TestAdapter_Fail(t *testing.T) {
	a := NewAdapter()
	a.PutSignal(signal.PlatformSignal{TenantID: "acme", Platform: "meta", Date: day, EMQScore: signal.Float(9)})
	ctx := context.Background()

	boom := errors.New("connector down")
	a.Fail("acme", "meta", boom)
	_, err := a.GetPlatformSignal(ctx, "acme", "meta", day)
	assert.ErrorIs(t, err, boom)
	_, err = a.GetVarianceSignal(ctx, "acme", "meta", day)
	assert.ErrorIs(t, err, boom)

	a.Fail("acme", "meta", nil)
	s, err := a.GetPlatformSignal(ctx, "acme", "meta", day)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestAdapter_CancelledContext(t *testing.T) {
	a := NewAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.GetPlatformSignal(ctx, "acme", "meta", day)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapter_LoadErrors(t *testing.T) {
	a := NewAdapter()
	assert.Error(t, a.LoadPath("testdata/missing.json"))
	assert.Error(t, a.LoadFixture("adapter.go"))
}
