package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/engine"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/tenant"
)

var errBadRequest = eris.New("bad request")

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return eris.Wrapf(errBadRequest, "invalid request body: %v", err)
	}
	return nil
}

func queryDate(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	d, err := signal.ParseDate(raw)
	if err != nil {
		return nil, eris.Wrapf(errBadRequest, "%s must be YYYY-MM-DD", name)
	}
	return &d, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, eris.Wrapf(errBadRequest, "%s must be an integer", name)
	}
	return n, nil
}

// handleTenantList handles GET /v1/tenants
func (s *Server) handleTenantList(w http.ResponseWriter, r *http.Request) {
	resp := TenantListResponse{Tenants: []TenantSummary{}}
	for _, id := range s.engine.Tenants() {
		cfg, err := s.engine.TenantConfig(id)
		if err != nil {
			continue
		}
		resp.Tenants = append(resp.Tenants, TenantSummary{
			TenantID:  cfg.TenantID,
			Name:      cfg.Name,
			Platforms: cfg.PlatformNames(),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleEvaluate handles POST /v1/tenants/{tenantID}/gate/evaluate
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var action decision.Action
	if err := decodeBody(w, r, &action); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.engine.Evaluate(r.Context(), chi.URLParam(r, "tenantID"), action)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleState handles GET /v1/tenants/{tenantID}/gate/state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.GetCurrentState(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// handleTransitions handles GET /v1/tenants/{tenantID}/gate/transitions
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	trs, err := s.engine.ListTransitions(r.Context(), tenantID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, TransitionsResponse{TenantID: tenantID, Transitions: trs})
}

// handleCycle handles POST /v1/tenants/{tenantID}/gate/cycle
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r, "date")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var day time.Time
	if date != nil {
		day = *date
	}
	res, err := s.engine.RunCycle(r.Context(), chi.URLParam(r, "tenantID"), day)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleSnapshot handles GET /v1/tenants/{tenantID}/health/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r, "date")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	snap, err := s.engine.GetSnapshot(r.Context(), chi.URLParam(r, "tenantID"), date)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleHistory handles GET /v1/tenants/{tenantID}/health/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if days <= 0 {
		days = engine.DefaultHistoryDays
	}
	if days > engine.MaxHistoryDays {
		days = engine.MaxHistoryDays
	}
	tenantID := chi.URLParam(r, "tenantID")
	platform := r.URL.Query().Get("platform")

	snaps, err := s.engine.GetSnapshotHistory(r.Context(), tenantID, days, platform)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{TenantID: tenantID, Days: days, Platform: platform, Snapshots: snaps})
}

// handleTrustStatus handles GET /v1/tenants/{tenantID}/trust-status
func (s *Server) handleTrustStatus(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r, "date")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ts, err := s.engine.GetTrustStatus(r.Context(), chi.URLParam(r, "tenantID"), date)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ts)
}

// handleAudit handles GET /v1/tenants/{tenantID}/audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q, err := auditQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	page, err := s.engine.QueryAuditLog(r.Context(), chi.URLParam(r, "tenantID"), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// auditQuery parses the audit filters. end_date covers its whole day.
func auditQuery(r *http.Request) (audit.Query, error) {
	var q audit.Query
	var err error
	if q.From, err = queryDate(r, "start_date"); err != nil {
		return q, err
	}
	if q.To, err = queryDate(r, "end_date"); err != nil {
		return q, err
	}
	if q.To != nil {
		end := q.To.Add(24*time.Hour - time.Nanosecond)
		q.To = &end
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		return q, err
	}
	q.DecisionType = r.URL.Query().Get("decision_type")
	q.EntityType = r.URL.Query().Get("entity_type")
	return q, nil
}

// handleConfigUpdate handles PUT /v1/tenants/{tenantID}/config
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var u tenant.ConfigUpdate
	if err := decodeBody(w, r, &u); err != nil {
		s.respondError(w, r, err)
		return
	}
	cfg, err := s.engine.UpdateTenantConfig(r.Context(), chi.URLParam(r, "tenantID"), u)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// handleApprove handles POST /v1/tenants/{tenantID}/recommendations/{recommendationID}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var a engine.Approval
	if err := decodeBody(w, r, &a); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.engine.ApproveRecommendation(r.Context(),
		chi.URLParam(r, "tenantID"), chi.URLParam(r, "recommendationID"), a)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
