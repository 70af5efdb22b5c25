/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes run results via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the pipeline and stores.

ENDPOINTS:
  Runs:
    GET    /api/runs                         List all runs
    POST   /api/runs                         Trigger a recompute run
    GET    /api/runs/{id}                    Run status and stage checkpoints

  Per-run read surface:
    GET    /api/runs/{id}/proposals          Published proposals
    GET    /api/runs/{id}/hierarchies        Published hierarchies
    GET    /api/runs/{id}/exceptions         PHA exception queue
    GET    /api/runs/{id}/conformance        Per-group conformance stats
    GET    /api/runs/{id}/journal            GL entries (?broker= filter)
    GET    /api/runs/{id}/traceability       All premium reports
    GET    /api/runs/{id}/traceability/{premiumID}  One premium, per-broker

ARCHITECTURE:
  Handler holds a read Store (memory or sqlite - both satisfy the same
  interface) and an optional Runner for triggering recomputes.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Run or premium not found
  - 409: Fatal invariant violation aborted the run (hash collision)
  - 500: Internal errors
  - 503: Runner not configured (read-only deployment)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/pipeline"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the read surface the API serves. Both the in-memory store and
// the SQLite store satisfy it.
type Store interface {
	ListRuns(ctx context.Context) ([]pipeline.RunRecord, error)
	GetRun(ctx context.Context, runID string) (pipeline.RunRecord, []pipeline.CheckpointRecord, bool, error)
	PublishedProposals(ctx context.Context, runID string) ([]commission.Proposal, error)
	PublishedHierarchies(ctx context.Context, runID string) ([]commission.Hierarchy, error)
	Exceptions(ctx context.Context, runID string) ([]commission.PolicyHierarchyAssignment, error)
	Conformance(ctx context.Context, runID string) ([]commission.GroupConformanceStats, error)
	Journal(ctx context.Context, runID string, broker commission.BrokerID) ([]commission.GLJournalEntry, error)
	Traceability(ctx context.Context, runID string) ([]commission.TraceabilityReport, error)
	TraceabilityFor(ctx context.Context, runID string, premium commission.PremiumID) (commission.TraceabilityReport, []commission.BrokerTraceability, bool, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  Store
	Runner *pipeline.Runner // nil in read-only deployments
}

// NewHandler creates a new handler backed by the given store.
func NewHandler(store Store, runner *pipeline.Runner) *Handler {
	return &Handler{Store: store, Runner: runner}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// ListRuns returns all runs, oldest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns a run with its stage checkpoints.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, cps, found, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load run", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run, cps))
}

// TriggerRun executes a full recompute synchronously and returns a summary.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "Run trigger not configured", nil)
		return
	}

	result, err := h.Runner.Execute(r.Context())
	if err != nil {
		if commission.IsFatal(err) {
			writeError(w, http.StatusConflict, "Run aborted by invariant violation", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Run failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, TriggerRunResponse{
		RunID:       result.RunID,
		Status:      string(result.Status),
		Hierarchies: len(result.Staging.Hierarchies),
		Proposals:   len(result.Staging.Proposals),
		Exceptions:  len(result.Staging.Exceptions),
		GLEntries:   len(result.Output.Journal),
	})
}

// =============================================================================
// PER-RUN READ SURFACE
// =============================================================================

// ListProposals returns the run's published proposals. Proposals of
// withheld groups are not served here.
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !h.runExists(w, r, runID) {
		return
	}
	proposals, err := h.Store.PublishedProposals(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load proposals", err)
		return
	}
	dtos := make([]ProposalDTO, len(proposals))
	for i, p := range proposals {
		dtos[i] = toProposalDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListHierarchies returns the run's published hierarchies.
func (h *Handler) ListHierarchies(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !h.runExists(w, r, runID) {
		return
	}
	hierarchies, err := h.Store.PublishedHierarchies(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load hierarchies", err)
		return
	}
	dtos := make([]HierarchyDTO, len(hierarchies))
	for i, hh := range hierarchies {
		dtos[i] = toHierarchyDTO(hh)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListExceptions returns the run's PHA exception queue.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !h.runExists(w, r, runID) {
		return
	}
	exceptions, err := h.Store.Exceptions(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load exceptions", err)
		return
	}
	dtos := make([]ExceptionDTO, len(exceptions))
	for i, e := range exceptions {
		dtos[i] = ExceptionDTO{
			CertificateID: string(e.CertificateID),
			GroupID:       string(e.GroupID),
			SplitSequence: e.SplitSequence,
			Reason:        string(e.Reason),
			Participants:  toParticipantDTOs(e.Participants),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListConformance returns per-group conformance stats.
func (h *Handler) ListConformance(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !h.runExists(w, r, runID) {
		return
	}
	stats, err := h.Store.Conformance(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load conformance", err)
		return
	}
	dtos := make([]ConformanceDTO, len(stats))
	for i, s := range stats {
		dtos[i] = ConformanceDTO{
			GroupID:                   string(s.GroupID),
			TotalCertificates:         s.TotalCertificates,
			ConformantCertificates:    s.ConformantCertificates,
			NonConformantCertificates: s.NonConformantCertificates,
			ConformancePercentage:     s.ConformancePercentage.StringFixed(2),
			Classification:            string(s.Classification),
			Exportable:                s.Exportable(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListJournal returns GL entries, optionally filtered by ?broker=.
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !h.runExists(w, r, runID) {
		return
	}
	broker := commission.BrokerID(r.URL.Query().Get("broker"))
	entries, err := h.Store.Journal(r.Context(), runID, broker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load journal", err)
		return
	}
	dtos := make([]JournalEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toJournalEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListTraceability returns every premium's report for the run.
func (h *Handler) ListTraceability(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !h.runExists(w, r, runID) {
		return
	}
	reports, err := h.Store.Traceability(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load traceability", err)
		return
	}
	dtos := make([]TraceabilityDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toTraceabilityDTO(rep, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTraceability returns one premium's report with per-broker rows.
func (h *Handler) GetTraceability(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	premiumID := commission.PremiumID(chi.URLParam(r, "premiumID"))
	if !h.runExists(w, r, runID) {
		return
	}
	report, brokers, found, err := h.Store.TraceabilityFor(r.Context(), runID, premiumID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load traceability", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Premium not found in run", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTraceabilityDTO(report, brokers))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) runExists(w http.ResponseWriter, r *http.Request, runID string) bool {
	_, _, found, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load run", err)
		return false
	}
	if !found {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
