package admin

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

// auditQueryResponse is the JSON response for GET /admin/api/audit.
type auditQueryResponse struct {
	Events     []audit.Event `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
	Count      int           `json:"count"`
}

// decisionQueryResponse is the JSON response for GET /admin/api/decisions.
type decisionQueryResponse struct {
	Decisions  []audit.DecisionLog `json:"decisions"`
	NextCursor string              `json:"next_cursor,omitempty"`
	Count      int                 `json:"count"`
}

// --- Audit event handlers ---

// handleQueryAudit returns audit events matching the query filter,
// newest first.
// GET /admin/api/audit?start=...&end=...&type=...&principal=...&decision=...&severity=...&limit=N&cursor=...
func (h *AdminAPIHandler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditStore == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, nextCursor, err := h.auditStore.Query(r.Context(), filter)
	if errors.Is(err, audit.ErrInvalidRange) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	h.respondJSON(w, http.StatusOK, auditQueryResponse{
		Events:     events,
		NextCursor: nextCursor,
		Count:      len(events),
	})
}

// handleAuditExport streams matching events as CSV (default) or JSON
// for offline analysis. Export pages through the store until the
// filter range is exhausted.
// GET /admin/api/audit/export?format=csv|json&...
func (h *AdminAPIHandler) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if h.auditStore == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = audit.MaxQueryLimit

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	switch format {
	case "csv":
		h.exportCSV(w, r, filter)
	case "json":
		h.exportJSON(w, r, filter)
	default:
		h.respondError(w, http.StatusBadRequest, "invalid format: must be 'csv' or 'json'")
	}
}

// exportCSV writes every matching event as CSV rows. Details maps are
// flattened to JSON in the final column.
func (h *AdminAPIHandler) exportCSV(w http.ResponseWriter, r *http.Request, filter audit.Filter) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=audit-export.csv")
	w.WriteHeader(http.StatusOK)

	writer := csv.NewWriter(w)
	defer writer.Flush()
	_ = writer.Write([]string{
		"timestamp", "event_type", "severity", "principal_id", "resource_id",
		"capability_id", "decision", "reason", "request_id", "session_id",
		"client_ip", "protocol", "latency_micros", "details",
	})

	for {
		events, nextCursor, err := h.auditStore.Query(r.Context(), filter)
		if err != nil {
			h.logger.Error("audit export failed", "error", err)
			return
		}
		for _, ev := range events {
			var details string
			if len(ev.Details) > 0 {
				if raw, err := json.Marshal(ev.Details); err == nil {
					details = string(raw)
				}
			}
			_ = writer.Write([]string{
				ev.Timestamp.UTC().Format(time.RFC3339),
				ev.EventType,
				string(ev.Severity),
				ev.PrincipalID,
				ev.ResourceID,
				ev.CapabilityID,
				ev.Decision,
				ev.Reason,
				ev.RequestID,
				ev.SessionID,
				ev.ClientIP,
				ev.Protocol,
				strconv.FormatInt(ev.LatencyMicros, 10),
				details,
			})
		}
		if nextCursor == "" {
			return
		}
		filter.Cursor = nextCursor
	}
}

// exportJSON writes every matching event as a JSON array.
func (h *AdminAPIHandler) exportJSON(w http.ResponseWriter, r *http.Request, filter audit.Filter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=audit-export.json")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	_, _ = w.Write([]byte("[\n"))
	first := true
	for {
		events, nextCursor, err := h.auditStore.Query(r.Context(), filter)
		if err != nil {
			h.logger.Error("audit export failed", "error", err)
			break
		}
		for _, ev := range events {
			if !first {
				_, _ = w.Write([]byte(",\n"))
			}
			first = false
			_ = enc.Encode(ev)
		}
		if nextCursor == "" {
			break
		}
		filter.Cursor = nextCursor
	}
	_, _ = w.Write([]byte("]\n"))
}

// parseAuditFilter builds an event filter from query parameters. The
// time range defaults to the trailing 24 hours.
func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{}

	if decision := q.Get("decision"); decision != "" {
		if decision != audit.DecisionAllow && decision != audit.DecisionDeny && decision != audit.DecisionError {
			return filter, fmt.Errorf("invalid decision filter: must be 'allow', 'deny', or 'error'")
		}
		filter.Decision = decision
	}
	if severity := q.Get("severity"); severity != "" {
		level := audit.Severity(severity)
		if !level.IsValid() {
			return filter, fmt.Errorf("invalid severity filter: %q", severity)
		}
		filter.MinSeverity = level
	}
	if types := q.Get("type"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	filter.PrincipalID = q.Get("principal")
	filter.ResourceID = q.Get("resource")
	filter.CapabilityID = q.Get("capability")
	filter.RequestID = q.Get("request_id")

	if startStr := q.Get("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return filter, fmt.Errorf("invalid start time: %w", err)
		}
		filter.Start = t
	} else {
		filter.Start = time.Now().UTC().Add(-24 * time.Hour)
	}
	if endStr := q.Get("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return filter, fmt.Errorf("invalid end time: %w", err)
		}
		filter.End = t
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit: must be a positive integer")
		}
		filter.Limit = limit
	}
	filter.Cursor = q.Get("cursor")
	return filter, nil
}

// --- Decision log handlers ---

// handleQueryDecisions returns flattened policy decision rows, newest
// first.
// GET /admin/api/decisions?start=...&end=...&user=...&action=...&result=...&sensitivity=...&limit=N&cursor=...
func (h *AdminAPIHandler) handleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	if h.decisionStore == nil {
		h.respondError(w, http.StatusServiceUnavailable, "decision store not configured")
		return
	}
	filter, err := parseDecisionFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, nextCursor, err := h.decisionStore.QueryDecisions(r.Context(), filter)
	if errors.Is(err, audit.ErrInvalidRange) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("decision query failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "decision query failed")
		return
	}
	h.respondJSON(w, http.StatusOK, decisionQueryResponse{
		Decisions:  rows,
		NextCursor: nextCursor,
		Count:      len(rows),
	})
}

// handleDecisionAnalytics aggregates decision rows over a time range:
// allow/deny totals, cache hits, latency percentiles, and breakdowns
// by action, sensitivity, and role.
// GET /admin/api/decisions/analytics?start=...&end=...
func (h *AdminAPIHandler) handleDecisionAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.decisionStore == nil {
		h.respondError(w, http.StatusServiceUnavailable, "decision store not configured")
		return
	}
	q := r.URL.Query()

	start := time.Now().UTC().Add(-24 * time.Hour)
	if startStr := q.Get("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		start = t
	}
	end := time.Now().UTC()
	if endStr := q.Get("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		end = t
	}
	if end.Before(start) {
		h.respondError(w, http.StatusBadRequest, "end must not precede start")
		return
	}

	analytics, err := h.decisionStore.DecisionAnalytics(r.Context(), start, end)
	if err != nil {
		h.logger.Error("decision analytics failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "decision analytics failed")
		return
	}
	h.respondJSON(w, http.StatusOK, analytics)
}

// parseDecisionFilter builds a decision filter from query parameters.
func parseDecisionFilter(r *http.Request) (audit.DecisionFilter, error) {
	q := r.URL.Query()
	filter := audit.DecisionFilter{
		UserID:           q.Get("user"),
		Action:           q.Get("action"),
		SensitivityLevel: q.Get("sensitivity"),
		Cursor:           q.Get("cursor"),
	}

	if result := q.Get("result"); result != "" {
		if result != audit.DecisionAllow && result != audit.DecisionDeny {
			return filter, fmt.Errorf("invalid result filter: must be 'allow' or 'deny'")
		}
		filter.Result = result
	}
	if startStr := q.Get("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return filter, fmt.Errorf("invalid start time: %w", err)
		}
		filter.Start = t
	} else {
		filter.Start = time.Now().UTC().Add(-24 * time.Hour)
	}
	if endStr := q.Get("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return filter, fmt.Errorf("invalid end time: %w", err)
		}
		filter.End = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit: must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}
