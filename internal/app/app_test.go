package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/config"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/engine"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage/memory"
	"github.com/stratumai/trustgate/internal/tenant"
)

const acmePolicy = `apiVersion: trustgate/v1
kind: TenantPolicy
metadata:
  id: acme
spec:
  platforms:
    - name: meta
    - name: google
  actionRules:
    revenueSensitiveWhen: 'action.action_type == "budget_increase"'
`

// acmeFixture returns healthy signals for day.
func acmeFixture(day time.Time) string {
	return fmt.Sprintf(`{
  "signals": [
    {"tenant_id": "acme", "platform": "meta", "date": "%[1]sT00:00:00Z",
     "emq_score": 90, "event_loss_pct": 1, "freshness_minutes": 5, "api_error_rate": 0.01,
     "recorded_at": "%[1]sT00:00:00Z"},
    {"tenant_id": "acme", "platform": "google", "date": "%[1]sT00:00:00Z",
     "emq_score": 88, "event_loss_pct": 2, "freshness_minutes": 5, "api_error_rate": 0.01,
     "recorded_at": "%[1]sT00:00:00Z"}
  ]
}`, day.Format(time.DateOnly))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "policies", "acme.yaml"), acmePolicy)
	writeFile(t, filepath.Join(dir, "fixtures", "acme.json"), acmeFixture(signal.Day(time.Now())))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = "memory"
	cfg.Tenants.PolicyDir = filepath.Join(dir, "policies")
	cfg.Adapter.FixturesPath = filepath.Join(dir, "fixtures")
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Scheduler.Enabled = false
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNew_WiresEngine(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, []string{"acme"}, a.Engine().Tenants())

	res, err := a.Engine().RunCycle(context.Background(), "acme", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeOK, res.Outcome)

	_, err = a.Engine().RunCycle(context.Background(), "acme", time.Now().AddDate(0, 0, -2))
	assert.True(t, errors.Is(err, engine.ErrInvalidCycleDate))

	snap, err := a.Store().LatestSnapshot(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.PlatformRows, 2)
}

func TestNew_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "missing fixtures", mutate: func(c *config.Config) { c.Adapter.FixturesPath = filepath.Join(t.TempDir(), "none") }},
		{name: "missing policies", mutate: func(c *config.Config) { c.Tenants.PolicyDir = filepath.Join(t.TempDir(), "none") }},
		{name: "postgres lock on memory store", mutate: func(c *config.Config) { c.Lock.Driver = "postgres" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(context.Background(), config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)

	s, err = OpenStore(context.Background(), config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "tg.db")})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())

	_, err = OpenStore(context.Background(), config.StorageConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestLoadTenants_RejectsBadRule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "acme.yaml"), `apiVersion: trustgate/v1
kind: TenantPolicy
metadata:
  id: acme
spec:
  platforms:
    - name: meta
  actionRules:
    manualOnlyWhen: 'action.action_type =='
`)
	rules, err := decision.NewRules()
	require.NoError(t, err)

	_, err = LoadTenants(dir, rules)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tenant.ErrInvalidConfig))
}

func TestStateBackend_DefaultsToStore(t *testing.T) {
	cfg := testConfig(t)
	store := memory.NewStore()

	b, err := stateBackend(context.Background(), cfg, store)
	require.NoError(t, err)
	assert.Same(t, store, b.states)
	assert.Nil(t, b.locker)
	assert.Nil(t, b.redis)
}
