// Package synthetic serves platform signals from JSON fixtures and records
// added in code. It backs offline scoring, demos and tests.
package synthetic

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/signal"
)

// Fixture is the on-disk format: any mix of platform and variance records.
type Fixture struct {
	Signals  []signal.PlatformSignal `json:"signals"`
	Variance []signal.VarianceSignal `json:"variance"`
}

type key struct {
	tenant   string
	platform string
	day      time.Time
}

// Adapter implements signal.Source over in-memory records. When several
// records share a (tenant, platform, day), the latest RecordedAt wins.
type Adapter struct {
	mu       sync.RWMutex
	signals  map[key]signal.PlatformSignal
	variance map[key]signal.VarianceSignal
	failures map[string]error
}

var _ signal.Source = (*Adapter)(nil)

// NewAdapter creates an empty adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		signals:  make(map[key]signal.PlatformSignal),
		variance: make(map[key]signal.VarianceSignal),
		failures: make(map[string]error),
	}
}

// LoadFixture reads one fixture file.
func (a *Adapter) LoadFixture(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "synthetic: read fixture %s", path)
	}

	var fx Fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return eris.Wrapf(err, "synthetic: parse fixture %s", path)
	}

	a.Add(fx)
	return nil
}

// LoadPath loads a fixture file, or every .json file under a directory.
func (a *Adapter) LoadPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return eris.Wrapf(err, "synthetic: stat %s", path)
	}
	if !info.IsDir() {
		return a.LoadFixture(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".json") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "synthetic: walk %s", path)
	}
	sort.Strings(files)

	for _, f := range files {
		if err := a.LoadFixture(f); err != nil {
			return err
		}
	}
	return nil
}

// Add merges the fixture's records into the adapter.
func (a *Adapter) Add(fx Fixture) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range fx.Signals {
		k := key{s.TenantID, s.Platform, signal.Day(s.Date)}
		if cur, ok := a.signals[k]; !ok || !s.RecordedAt.Before(cur.RecordedAt) {
			a.signals[k] = s
		}
	}
	for _, v := range fx.Variance {
		k := key{v.TenantID, v.Platform, signal.Day(v.Date)}
		if cur, ok := a.variance[k]; !ok || !v.RecordedAt.Before(cur.RecordedAt) {
			a.variance[k] = v
		}
	}
}

// PutSignal adds one platform record.
func (a *Adapter) PutSignal(s signal.PlatformSignal) {
	a.Add(Fixture{Signals: []signal.PlatformSignal{s}})
}

// PutVariance adds one variance record.
func (a *Adapter) PutVariance(v signal.VarianceSignal) {
	a.Add(Fixture{Variance: []signal.VarianceSignal{v}})
}

// Fail makes every fetch for the tenant's platform return err until cleared
// with a nil err.
func (a *Adapter) Fail(tenantID, platform string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := tenantID + "/" + platform
	if err == nil {
		delete(a.failures, k)
		return
	}
	a.failures[k] = err
}

func (a *Adapter) GetPlatformSignal(ctx context.Context, tenantID, platform string, date time.Time) (*signal.PlatformSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.failures[tenantID+"/"+platform]; err != nil {
		return nil, err
	}
	s, ok := a.signals[key{tenantID, platform, signal.Day(date)}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (a *Adapter) GetVarianceSignal(ctx context.Context, tenantID, platform string, date time.Time) (*signal.VarianceSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.failures[tenantID+"/"+platform]; err != nil {
		return nil, err
	}
	v, ok := a.variance[key{tenantID, platform, signal.Day(date)}]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// Tenants lists the tenants that have any record, sorted.
func (a *Adapter) Tenants() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range a.signals {
		seen[k.tenant] = true
	}
	for k := range a.variance {
		seen[k.tenant] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
