package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/engine"
	"github.com/stratumai/trustgate/internal/tenant"
)

type fakeCycler struct {
	mu       sync.Mutex
	tenants  map[string]*tenant.Config
	calls    map[string]int
	fail     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeCycler(interval time.Duration, ids ...string) *fakeCycler {
	f := &fakeCycler{
		tenants: make(map[string]*tenant.Config),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
	}
	for _, id := range ids {
		cfg := tenant.NewConfig(id, "meta")
		cfg.EvaluationInterval = interval
		f.tenants[id] = cfg
	}
	return f
}

func (f *fakeCycler) Tenants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tenants))
	for id := range f.tenants {
		out = append(out, id)
	}
	return out
}

func (f *fakeCycler) TenantConfig(id string) (*tenant.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.tenants[id]
	if !ok {
		return nil, eris.Wrapf(tenant.ErrTenantNotFound, "tenant %q", id)
	}
	return cfg, nil
}

func (f *fakeCycler) RunCycle(ctx context.Context, id string, _ time.Time) (*engine.CycleResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tenants[id]; !ok {
		return nil, eris.Wrapf(tenant.ErrTenantNotFound, "tenant %q", id)
	}
	f.calls[id]++
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	return &engine.CycleResult{TenantID: id, Outcome: engine.OutcomeOK}, nil
}

func (f *fakeCycler) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeCycler) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tenants, id)
}

func TestRunOnce_IsolatesFailures(t *testing.T) {
	f := newFakeCycler(time.Minute, "acme", "globex", "initech")
	f.fail["globex"] = errors.New("store down")
	s := New(f, Options{}, zerolog.Nop())

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "globex")
	assert.NotContains(t, err.Error(), "acme")

	for _, id := range []string{"acme", "globex", "initech"} {
		assert.Equal(t, 1, f.count(id), id)
	}
}

func TestRunOnce_BoundsConcurrency(t *testing.T) {
	f := newFakeCycler(time.Minute, "a", "b", "c", "d", "e", "f")
	f.delay = 20 * time.Millisecond
	s := New(f, Options{MaxTenantConcurrency: 2}, zerolog.Nop())

	require.NoError(t, s.RunOnce(context.Background()))
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFakeCycler(20*time.Millisecond, "acme", "globex")
	s := New(f, Options{}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, []string{"acme", "globex"}, s.Active())

	assert.Eventually(t, func() bool {
		return f.count("acme") >= 2 && f.count("globex") >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Empty(t, s.Active())
	stopped := f.count("acme")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, f.count("acme"))
}

func TestScheduler_SyncStopsOffboardedTenants(t *testing.T) {
	f := newFakeCycler(time.Hour, "acme", "globex")
	s := New(f, Options{}, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return f.count("globex") == 1 }, time.Second, 5*time.Millisecond)

	f.remove("globex")
	assert.Equal(t, 1, s.Sync())
	assert.Equal(t, []string{"acme"}, s.Active())

	f.mu.Lock()
	f.tenants["initech"] = tenant.NewConfig("initech", "meta")
	f.mu.Unlock()
	assert.Equal(t, 2, s.Sync())
	assert.Equal(t, []string{"acme", "initech"}, s.Active())
}

func TestScheduler_StartupDelay(t *testing.T) {
	f := newFakeCycler(time.Hour, "acme")
	s := New(f, Options{StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	s.Stop()
	assert.Zero(t, f.count("acme"))
}

func TestNextTick(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 7, 30, 0, time.UTC)

	tests := []struct {
		name     string
		interval time.Duration
		align    bool
		want     time.Time
	}{
		{name: "relative", interval: 5 * time.Minute, want: now.Add(5 * time.Minute)},
		{name: "aligned", interval: 5 * time.Minute, align: true, want: time.Date(2026, 3, 14, 9, 10, 0, 0, time.UTC)},
		{name: "aligned on boundary", interval: 30 * time.Second, align: true, want: time.Date(2026, 3, 14, 9, 8, 0, 0, time.UTC)},
		{name: "zero interval uses default", interval: 0, want: now.Add(tenant.DefaultEvaluationInterval)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextTick(now, tt.interval, tt.align))
		})
	}
}
