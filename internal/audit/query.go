package audit

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/storage"
)

// Page size limits.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidQuery is returned for malformed audit queries.
var ErrInvalidQuery = eris.New("invalid audit query")

// Query filters one tenant's audit log.
type Query struct {
	From         *time.Time
	To           *time.Time
	DecisionType string
	EntityType   string
	Limit        int
	Offset       int
}

// Summary aggregates every entry matching the query, not just the page.
type Summary struct {
	Total    int     `json:"total"`
	Executed int     `json:"executed"`
	Held     int     `json:"held"`
	Blocked  int     `json:"blocked"`
	PassRate float64 `json:"pass_rate"`
}

type DateRange struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Page is one audit query result.
type Page struct {
	Entries    []decision.GateDecision `json:"entries"`
	Summary    Summary                 `json:"summary"`
	DateRange  DateRange               `json:"date_range"`
	Pagination Pagination              `json:"pagination"`
}

// Normalize validates q and applies the paging defaults.
func (q Query) Normalize() (Query, error) {
	if q.DecisionType != "" && !decision.Type(q.DecisionType).Valid() {
		return q, eris.Wrapf(ErrInvalidQuery, "unknown decision_type %q", q.DecisionType)
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return q, eris.Wrap(ErrInvalidQuery, "start_date is after end_date")
	}
	if q.Offset < 0 {
		return q, eris.Wrap(ErrInvalidQuery, "offset must not be negative")
	}
	switch {
	case q.Limit < 0:
		return q, eris.Wrap(ErrInvalidQuery, "limit must not be negative")
	case q.Limit == 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	return q, nil
}

// Query returns one page of the tenant's decisions, newest first.
func (r *Recorder) Query(ctx context.Context, tenantID string, q Query) (*Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	filter := storage.AuditFilter{
		TenantID:     tenantID,
		From:         q.From,
		To:           q.To,
		DecisionType: q.DecisionType,
		EntityType:   q.EntityType,
		Limit:        q.Limit + 1,
		Offset:       q.Offset,
	}
	entries, err := r.store.QueryDecisions(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "audit: query decisions")
	}
	hasMore := len(entries) > q.Limit
	if hasMore {
		entries = entries[:q.Limit]
	}
	if entries == nil {
		entries = []decision.GateDecision{}
	}

	sum, err := r.store.SummarizeDecisions(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "audit: summarize decisions")
	}

	page := &Page{
		Entries:    entries,
		Summary:    summarize(sum),
		DateRange:  DateRange{Start: q.From, End: q.To},
		Pagination: Pagination{Limit: q.Limit, Offset: q.Offset, HasMore: hasMore},
	}
	if page.DateRange.Start == nil && !sum.First.IsZero() {
		first := sum.First
		page.DateRange.Start = &first
	}
	if page.DateRange.End == nil && !sum.Last.IsZero() {
		last := sum.Last
		page.DateRange.End = &last
	}
	return page, nil
}

func summarize(s storage.AuditSummary) Summary {
	out := Summary{Total: s.Total, Executed: s.Executed, Held: s.Held, Blocked: s.Blocked}
	if s.Total > 0 {
		out.PassRate = math.Round(float64(s.Passed)/float64(s.Total)*1000) / 10
	}
	return out
}
