// Package audit records gate decisions and answers audit log queries. A
// decision that cannot be written is queued per tenant and retried in order.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/stratumai/trustgate/internal/alerting"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/telemetry"
)

// ErrQueued is returned by Record when the decision was not persisted yet.
var ErrQueued = eris.New("audit: decision queued for retry")

// DefaultMaxPending bounds each tenant's in-memory queue.
const DefaultMaxPending = 1000

// Options configures a Recorder.
type Options struct {
	MaxPending int
	Notifier   alerting.Notifier
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Recorder appends decisions to the audit store.
type Recorder struct {
	store      storage.AuditStore
	maxPending int
	notifier   alerting.Notifier
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string][]decision.GateDecision
	outage  bool
}

// NewRecorder creates a recorder over store.
func NewRecorder(store storage.AuditStore, opts Options) *Recorder {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:      store,
		maxPending: opts.MaxPending,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "audit").Logger(),
		now:        opts.Now,
		pending:    make(map[string][]decision.GateDecision),
	}
}

// Record persists d. When the store is failing, or the tenant already has
// queued decisions, d is queued and ErrQueued is returned.
func (r *Recorder) Record(ctx context.Context, d decision.GateDecision) error {
	r.mu.Lock()
	behind := len(r.pending[d.TenantID]) > 0
	if behind {
		r.enqueueLocked(ctx, d)
		r.mu.Unlock()
		return ErrQueued
	}
	r.mu.Unlock()

	err := r.store.AppendDecision(ctx, d)
	if err == nil {
		return nil
	}

	r.metrics.RecordAuditFailure(ctx, d.TenantID)
	r.logger.Error().Err(err).
		Str("tenant_id", d.TenantID).
		Str("decision_id", d.ID).
		Msg("audit write failed, queueing decision")

	r.mu.Lock()
	r.enqueueLocked(ctx, d)
	first := !r.outage
	r.outage = true
	r.mu.Unlock()

	if first {
		r.notify(ctx, alerting.Alert{
			Kind:     alerting.KindAuditWriteFailure,
			Severity: alerting.SeverityCritical,
			TenantID: d.TenantID,
			Title:    "Audit writes failing",
			Message:  "gate decisions are being queued until the audit store recovers",
			Fields:   map[string]string{"error": err.Error()},
			At:       r.now(),
		})
	}
	return eris.Wrapf(ErrQueued, "append failed: %v", err)
}

// enqueueLocked queues d, or writes it to the reconciliation log when the
// tenant's queue is full. r.mu must be held.
func (r *Recorder) enqueueLocked(ctx context.Context, d decision.GateDecision) {
	q := r.pending[d.TenantID]
	if len(q) >= r.maxPending {
		body, err := json.Marshal(d)
		if err != nil {
			r.logger.Error().Err(err).Str("decision_id", d.ID).Msg("audit_reconciliation: cannot encode decision")
			return
		}
		r.logger.Error().
			Bool("audit_reconciliation", true).
			Str("tenant_id", d.TenantID).
			Str("decision_id", d.ID).
			RawJSON("decision", body).
			Msg("audit queue full, decision written to reconciliation log")
		return
	}
	r.pending[d.TenantID] = append(q, d)
	r.metrics.AddAuditPending(ctx, 1)
}

// Pending reports how many decisions are queued for the tenant.
func (r *Recorder) Pending(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[tenantID])
}

// Flush retries queued decisions tenant by tenant, oldest first. A tenant
// stops at its first failure so its order is kept.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	tenants := make([]string, 0, len(r.pending))
	for t := range r.pending {
		tenants = append(tenants, t)
	}
	r.mu.Unlock()
	sort.Strings(tenants)

	var lastErr error
	for _, t := range tenants {
		if err := r.flushTenant(ctx, t); err != nil {
			lastErr = err
		}
	}

	r.mu.Lock()
	recovered := r.outage && len(r.pending) == 0
	if recovered {
		r.outage = false
	}
	r.mu.Unlock()

	if recovered {
		r.logger.Info().Msg("audit store recovered, queue drained")
		r.notify(ctx, alerting.Alert{
			Kind:     alerting.KindAuditRecovered,
			Severity: alerting.SeverityInfo,
			Title:    "Audit writes recovered",
			Message:  "all queued gate decisions were written",
			At:       r.now(),
		})
	}
	return lastErr
}

func (r *Recorder) flushTenant(ctx context.Context, tenantID string) error {
	written := 0
	defer func() {
		if written > 0 {
			r.logger.Info().Str("tenant_id", tenantID).Int("written", written).Msg("flushed queued decisions")
		}
	}()

	for {
		r.mu.Lock()
		q := r.pending[tenantID]
		if len(q) == 0 {
			delete(r.pending, tenantID)
			r.mu.Unlock()
			return nil
		}
		head := q[0]
		r.mu.Unlock()

		if err := r.store.AppendDecision(ctx, head); err != nil {
			return eris.Wrapf(err, "audit: flush tenant %s", tenantID)
		}

		r.mu.Lock()
		if q := r.pending[tenantID]; len(q) > 0 && q[0].ID == head.ID {
			r.pending[tenantID] = q[1:]
		}
		r.mu.Unlock()
		r.metrics.AddAuditPending(ctx, -1)
		written++
	}
}

// Run flushes on every tick until ctx ends.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("audit flush incomplete")
			}
		}
	}
}

func (r *Recorder) notify(ctx context.Context, a alerting.Alert) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.notifier.Notify(ctx, a); err != nil {
		r.logger.Warn().Err(err).Str("kind", a.Kind).Msg("alert delivery failed")
	}
}
