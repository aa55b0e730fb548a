package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/tenant"
)

func TestViewCache_Basics(t *testing.T) {
	cache := newViewCache(30 * time.Second)
	assert.Zero(t, cache.size())

	state := gate.Initial("acme", testStart)
	cache.set("acme", &View{State: &state, LoadedAt: testStart})
	assert.Equal(t, 1, cache.size())

	v, ok := cache.get("acme")
	require.True(t, ok)
	assert.Equal(t, "acme", v.State.TenantID)

	cache.delete("acme")
	_, ok = cache.get("acme")
	assert.False(t, ok)
}

func TestViewCache_RefreshKeepsNewerState(t *testing.T) {
	cache := newViewCache(time.Minute)

	blocked := gate.Initial("acme", testStart)
	blocked.CurrentStatus = gate.StatusBlock
	blocked.Version = 5
	newer := &View{State: &blocked, LoadedAt: testStart}
	cache.set("acme", newer)

	passed := gate.Initial("acme", testStart)
	passed.CurrentStatus = gate.StatusPass
	passed.Version = 4

	tests := []struct {
		name string
		in   *View
		want *View
	}{
		{name: "older state", in: &View{State: &passed, LoadedAt: testStart.Add(time.Second)}, want: newer},
		{name: "no state", in: &View{LoadedAt: testStart.Add(time.Second)}, want: newer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, cache.refresh("acme", tt.in))
			v, _ := cache.get("acme")
			assert.Same(t, tt.want, v)
		})
	}

	same := &View{State: &blocked, LoadedAt: testStart.Add(time.Minute)}
	assert.Same(t, same, cache.refresh("acme", same))
}

func TestView_Fresh(t *testing.T) {
	v := &View{LoadedAt: testStart}

	tests := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{name: "just loaded", age: 0, want: true},
		{name: "at ttl", age: 30 * time.Second, want: true},
		{name: "past ttl", age: time.Minute, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.fresh(testStart.Add(tt.age), 30*time.Second))
		})
	}
}

func TestViewCache_Concurrency(t *testing.T) {
	cache := newViewCache(time.Minute)
	var wg sync.WaitGroup

	for i := range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cache.set(fmt.Sprintf("t-%d", i%26), &View{LoadedAt: testStart})
		}()
		go func() {
			defer wg.Done()
			cache.get(fmt.Sprintf("t-%d", i%26))
		}()
	}
	wg.Wait()

	assert.Equal(t, 26, cache.size())
}

func TestEngineView_RefreshesAfterTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.eng.view(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, first.State)

	// A write that bypasses the engine only shows once the view expires.
	state := gate.Initial("acme", testStart)
	state.Version = 1
	require.NoError(t, h.store.SaveState(ctx, state, nil))

	again, err := h.eng.view(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, first, again)

	h.clock.Advance(DefaultViewTTL + time.Second)
	refreshed, err := h.eng.view(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, refreshed.State)
	assert.EqualValues(t, 1, refreshed.State.Version)
}

// pausingStates holds one armed GetState call after it has read the store.
type pausingStates struct {
	storage.StateStore
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (p *pausingStates) GetState(ctx context.Context, tenantID string) (*gate.State, error) {
	st, err := p.StateStore.GetState(ctx, tenantID)
	if p.armed.CompareAndSwap(true, false) {
		p.reached <- struct{}{}
		<-p.release
	}
	return st, err
}

func TestEngineView_SlowReloadDoesNotOverwriteCycle(t *testing.T) {
	states := &pausingStates{reached: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(o *Options, _ *tenant.Config) {
		states.StateStore = o.States
		o.States = states
	})
	ctx := context.Background()
	h.toPass(t)

	h.clock.Advance(24 * time.Hour)
	states.armed.Store(true)
	type loaded struct {
		v   *View
		err error
	}
	done := make(chan loaded, 1)
	go func() {
		v, err := h.eng.view(ctx, "acme")
		done <- loaded{v, err}
	}()
	<-states.reached

	res := h.cycle(t)
	require.Equal(t, gate.StatusBlock, res.State.CurrentStatus)
	close(states.release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, gate.StatusBlock, got.v.State.CurrentStatus)
	assert.Equal(t, res.State.Version, got.v.State.Version)

	ev, err := h.eng.Evaluate(ctx, "acme", action())
	require.NoError(t, err)
	assert.Equal(t, decision.TypeBlock, ev.Decision.DecisionType)
}
