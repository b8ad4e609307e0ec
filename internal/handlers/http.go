// Package handlers exposes the core over HTTP: telemetry and detection
// ingress, query egress, rule reload and the snapshot boundary.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/havenwatch/sentinel/internal/alerting"
	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/core"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/scheduler"
	"github.com/havenwatch/sentinel/internal/snapshot"
)

// HTTPHandler serves the core's REST API.
type HTTPHandler struct {
	logger *slog.Logger
	core   *core.Core
	runner *scheduler.Runner
}

// NewHTTPHandler creates the handler.
func NewHTTPHandler(logger *slog.Logger, c *core.Core, runner *scheduler.Runner) *HTTPHandler {
	return &HTTPHandler{
		logger: logger.With("component", "http"),
		core:   c,
		runner: runner,
	}
}

// RegisterRoutes registers all routes on the router.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/telemetry/samples", h.handleRecordSample).Methods("POST")

	v1.HandleFunc("/alerts/active", h.handleActiveAlerts).Methods("GET")
	v1.HandleFunc("/alerts/stats", h.handleAlertStats).Methods("GET")
	v1.HandleFunc("/alerts/{id}/resolve", h.alertStatusHandler(alerting.StatusResolved)).Methods("POST")
	v1.HandleFunc("/alerts/{id}/suppress", h.alertStatusHandler(alerting.StatusSuppressed)).Methods("POST")
	v1.HandleFunc("/alerts/{id}/ignore", h.alertStatusHandler(alerting.StatusIgnored)).Methods("POST")

	v1.HandleFunc("/incidents", h.handleReportIncident).Methods("POST")
	v1.HandleFunc("/incidents/summary", h.handleIncidentSummary).Methods("GET")
	v1.HandleFunc("/incidents/{id}", h.handleGetIncident).Methods("GET")
	v1.HandleFunc("/incidents/{id}/resolve", h.handleResolveIncident).Methods("POST")
	v1.HandleFunc("/incidents/{id}/records", h.handleIncidentRecords).Methods("GET")

	v1.HandleFunc("/response/rules/{id}/enable", h.responseRuleToggleHandler(true)).Methods("POST")
	v1.HandleFunc("/response/rules/{id}/disable", h.responseRuleToggleHandler(false)).Methods("POST")

	v1.HandleFunc("/config/rules", h.handleSetConfig).Methods("PUT")

	v1.HandleFunc("/snapshot", h.handleExport).Methods("GET")
	v1.HandleFunc("/snapshot", h.handleImport).Methods("POST")

	v1.HandleFunc("/tasks", h.handleTasks).Methods("GET")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type sampleRequest struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (h *HTTPHandler) handleRecordSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("body", "malformed request body: %v", err))
		return
	}
	if err := h.core.RecordSample(req.Metric, req.Value, req.Timestamp); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *HTTPHandler) handleActiveAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts, err := h.core.GetActiveAlerts()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (h *HTTPHandler) handleAlertStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.core.GetAlertStats()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) alertStatusHandler(status alerting.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.core.Alerts.UpdateStatus(id, status); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": string(status)})
	}
}

type incidentRequest struct {
	Kind             string   `json:"kind"`
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Source           string   `json:"source"`
	AffectedSubjects []string `json:"affected_subjects"`
	SubjectID        string   `json:"subject_id"`
	SubjectRole      string   `json:"subject_role"`
	Evidence         []string `json:"evidence"`
}

func (h *HTTPHandler) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("body", "malformed request body: %v", err))
		return
	}
	sev, err := domain.ParseSeverity(req.Severity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := h.core.ReportIncident(r.Context(), incident.CreateParams{
		Kind:             req.Kind,
		Severity:         sev,
		Title:            req.Title,
		Description:      req.Description,
		Source:           req.Source,
		AffectedSubjects: req.AffectedSubjects,
		SubjectID:        req.SubjectID,
		SubjectRole:      req.SubjectRole,
		Evidence:         req.Evidence,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"incident_id": id})
}

func (h *HTTPHandler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.core.Incidents.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

type resolveRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by"`
}

func (h *HTTPHandler) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("body", "malformed request body: %v", err))
		return
	}
	if err := h.core.Incidents.Resolve(id, req.Notes, req.ResolvedBy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"incident_id": id, "status": string(incident.StatusResolved)})
}

func (h *HTTPHandler) handleIncidentSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.core.GetIncidentSummary(r.URL.Query().Get("subject_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

func (h *HTTPHandler) handleIncidentRecords(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.core.Incidents.Get(id); err != nil {
		h.writeError(w, err)
		return
	}
	records, err := h.core.Responses.Records(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (h *HTTPHandler) responseRuleToggleHandler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.core.Responses.SetRuleEnabled(id, enabled); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"rule_id": id, "enabled": enabled})
	}
}

type setConfigRequest struct {
	AlertRules    []config.AlertRuleConfig    `json:"alert_rules"`
	ResponseRules []config.ResponseRuleConfig `json:"response_rules"`
}

func (h *HTTPHandler) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("body", "malformed request body: %v", err))
		return
	}
	if err := h.core.SetConfig(req.AlertRules, req.ResponseRules); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_rules":    len(req.AlertRules),
		"response_rules": len(req.ResponseRules),
	})
}

func (h *HTTPHandler) handleExport(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.core.Export()
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *HTTPHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, errs.Validation("body", "failed to read body: %v", err))
		return
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.core.Import(snap); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func (h *HTTPHandler) handleTasks(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": h.runner.Stats()})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrLockTimeout):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
