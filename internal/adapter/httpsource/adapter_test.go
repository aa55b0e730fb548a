package httpsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.Timeout = 2 * time.Second
	cfg.RatePerSecond = 0
	return cfg
}

func TestAdapter_GetPlatformSignal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tenants/acme/platforms/meta/signals/2026-03-10" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"emq_score":      8.4,
			"event_loss_pct": 1.5,
			"recorded_at":    "2026-03-10T06:00:00Z",
		})
	}))
	defer server.Close()

	a := NewAdapter(testConfig(server.URL), zerolog.Nop())

	s, err := a.GetPlatformSignal(context.Background(), "acme", "meta", day.Add(9*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "acme", s.TenantID)
	assert.Equal(t, "meta", s.Platform)
	assert.Equal(t, day, s.Date)
	assert.Equal(t, 8.4, *s.EMQScore)
	assert.Nil(t, s.FreshnessMinutes)

	s, err = a.GetPlatformSignal(context.Background(), "acme", "google", day)
	require.NoError(t, err)
	assert.Nil(t, s, "404 means the platform has no data")
}

func TestAdapter_GetVarianceSignal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/acme/platforms/meta/variance/2026-03-10", r.URL.Path)
		w.Write([]byte(`{"analytics_revenue":"100","platform_revenue":"150","analytics_conversions":10,"platform_conversions":10,"confidence":0.8}`))
	}))
	defer server.Close()

	a := NewAdapter(testConfig(server.URL), zerolog.Nop())
	v, err := a.GetVarianceSignal(context.Background(), "acme", "meta", day)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "50", v.RevenueDeltaPct().String())
	assert.Equal(t, 0.8, v.Confidence)
}

func TestAdapter_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{name: "transient then ok", statuses: []int{503, 200}, wantCalls: 2},
		{name: "rate limited then ok", statuses: []int{429, 429, 200}, wantCalls: 3},
		{name: "client error not retried", statuses: []int{400}, wantCalls: 1, wantErr: true},
		{name: "gives up", statuses: []int{502, 502, 502, 502}, wantCalls: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
				if status == http.StatusOK {
					w.Write([]byte(`{"emq_score":7}`))
				}
			}))
			defer server.Close()

			a := NewAdapter(testConfig(server.URL), zerolog.Nop())
			a.retry.InitialBackoff = time.Millisecond
			a.retry.MaxBackoff = 2 * time.Millisecond

			s, err := a.GetPlatformSignal(context.Background(), "acme", "meta", day)
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 7.0, *s.EMQScore)
		})
	}
}

func TestAdapter_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxConcurrency = 2
	a := NewAdapter(cfg, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.GetPlatformSignal(context.Background(), "acme", "meta", day)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAdapter_PathEscaping(t *testing.T) {
	a := NewAdapter(testConfig("http://connector/"), zerolog.Nop())
	got := a.path("acme corp", "meta/ads", "signals", day)
	assert.Equal(t, "http://connector/v1/tenants/acme%20corp/platforms/meta%2Fads/signals/2026-03-10", got)
}
