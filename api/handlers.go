/*
handlers.go - HTTP API handlers for the eligibility engine

PURPOSE:
  Exposes the eligibility engine to the portal. Handles HTTP
  request/response, JSON serialization, and delegates to the engine and
  the directory.

ENDPOINTS:
  Status:
    GET    /api/odoo/status?documentNumber=     Decision for one identity
    POST   /api/odoo/status/bulk                Decisions for many identities
    POST   /api/odoo/cache/clear                Drop one or all cached decisions

  Billing:
    GET    /api/odoo/invoices?documentNumber=|partnerId=   Customer invoices
    GET    /api/odoo/partner-contract-type?documentNumber= Special contract type

  Scenarios (local directory only):
    GET    /api/scenarios              List demo populations
    GET    /api/scenarios/current      Currently loaded population
    POST   /api/scenarios/load         Load a demo population

  Health:
    GET    /healthz                    Engine counters

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: Cached decisions
  - Directory: Partner lookups for the billing endpoints
  - Invoices: Invoice listings with payment links
  - Scenarios: Optional seedable store

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Missing or blank input
  - 502: Billing system unreachable, rejecting credentials, or returning
         unexpected data. Remote payloads are never echoed.
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The service is meant to sit behind the portal.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/eligibility-engine/eligibility"
)

// sessionReporter is implemented by directories that hold a remote session.
type sessionReporter interface {
	SessionState() string
}

// InvoiceSource lists one partner's customer invoices, latest due date first.
type InvoiceSource interface {
	ListInvoices(ctx context.Context, partnerID int64) ([]eligibility.Invoice, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *eligibility.Engine
	Directory eligibility.Directory
	Invoices  InvoiceSource

	// Scenarios is nil unless the directory is local.
	Scenarios ScenarioStore

	backend       string
	legacyReasons bool
	logger        *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithLegacyReasons makes decisions carry the legacy reason strings.
func WithLegacyReasons(enabled bool) HandlerOption {
	return func(h *Handler) { h.legacyReasons = enabled }
}

// WithScenarios enables the demo scenario endpoints.
func WithScenarios(s ScenarioStore) HandlerOption {
	return func(h *Handler) { h.Scenarios = s }
}

// WithBackend names the directory backend in health reports.
func WithBackend(name string) HandlerOption {
	return func(h *Handler) { h.backend = name }
}

// NewHandler creates a new handler.
func NewHandler(engine *eligibility.Engine, dir eligibility.Directory, invoices InvoiceSource, opts ...HandlerOption) *Handler {
	h := &Handler{
		Engine:    engine,
		Directory: dir,
		Invoices:  invoices,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// STATUS HANDLERS
// =============================================================================

// GetStatus returns the decision for ?documentNumber=.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("documentNumber")
	if strings.TrimSpace(doc) == "" {
		writeError(w, http.StatusBadRequest, "documentNumber is required", nil)
		return
	}

	decision, err := h.Engine.StatusOf(r.Context(), eligibility.Identity(doc))
	if err != nil {
		h.writeEngineError(w, r, "status lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(decision, h.legacyReasons))
}

// GetStatusBulk returns a decision per requested identity, keyed by the
// trimmed identity.
func (h *Handler) GetStatusBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.DocumentNumbers) == 0 {
		writeError(w, http.StatusBadRequest, "documentNumbers must be a non-empty array", nil)
		return
	}

	ids := make([]eligibility.Identity, len(req.DocumentNumbers))
	for i, doc := range req.DocumentNumbers {
		ids[i] = eligibility.Identity(doc)
	}

	decisions, err := h.Engine.StatusOfMany(r.Context(), ids)
	if err != nil {
		h.writeEngineError(w, r, "bulk status lookup failed", err)
		return
	}

	resp := make(map[string]DecisionDTO, len(decisions))
	for id, d := range decisions {
		resp[id.String()] = toDecisionDTO(d, h.legacyReasons)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearCache drops one identity's decision, or all of them when the body
// names none.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	var req CacheClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if strings.TrimSpace(req.DocumentNumber) == "" {
		h.Engine.Clear()
		writeJSON(w, http.StatusOK, CacheClearResponse{
			Success:     true,
			Invalidated: true,
			Message:     "cache cleared",
		})
		return
	}

	existed, err := h.Engine.Invalidate(eligibility.Identity(req.DocumentNumber))
	if err != nil {
		h.writeEngineError(w, r, "cache invalidation failed", err)
		return
	}

	msg := "no cached decision for " + strings.TrimSpace(req.DocumentNumber)
	if existed {
		msg = "cached decision removed for " + strings.TrimSpace(req.DocumentNumber)
	}
	writeJSON(w, http.StatusOK, CacheClearResponse{Success: true, Invalidated: existed, Message: msg})
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// ListInvoices returns a partner's customer invoices, found by partnerId or
// by documentNumber. An unknown document yields an empty list.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var partnerID int64
	switch {
	case q.Get("partnerId") != "":
		id, err := strconv.ParseInt(q.Get("partnerId"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "partnerId must be a positive integer", nil)
			return
		}
		partnerID = id

	case strings.TrimSpace(q.Get("documentNumber")) != "":
		partner, err := h.findPartner(ctx, q.Get("documentNumber"))
		if err != nil {
			h.writeEngineError(w, r, "partner lookup failed", err)
			return
		}
		if partner == nil {
			writeJSON(w, http.StatusOK, []InvoiceDTO{})
			return
		}
		partnerID = partner.ID

	default:
		writeError(w, http.StatusBadRequest, "documentNumber or partnerId is required", nil)
		return
	}

	invoices, err := h.Invoices.ListInvoices(ctx, partnerID)
	if err != nil {
		h.writeEngineError(w, r, "invoice listing failed", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetContractType returns the special contract type of ?documentNumber=.
func (h *Handler) GetContractType(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("documentNumber")
	if strings.TrimSpace(doc) == "" {
		writeError(w, http.StatusBadRequest, "documentNumber is required", nil)
		return
	}

	partner, err := h.findPartner(r.Context(), doc)
	if err != nil {
		h.writeEngineError(w, r, "partner lookup failed", err)
		return
	}

	var resp ContractTypeDTO
	if partner != nil && partner.ContractType != "" {
		ct := partner.ContractType
		resp.ContractType = &ct
	}
	writeJSON(w, http.StatusOK, resp)
}

// findPartner returns the first partner holding raw, or nil.
func (h *Handler) findPartner(ctx context.Context, raw string) (*eligibility.Partner, error) {
	id, err := eligibility.NormalizeIdentity(raw)
	if err != nil {
		return nil, err
	}
	partners, err := h.Directory.FindPartnersByIdentity(ctx, []eligibility.Identity{id})
	if err != nil {
		return nil, err
	}
	for i := range partners {
		if partners[i].Identity == id {
			return &partners[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness and engine counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	scenario := h.currentScenario
	h.mu.Unlock()

	resp := HealthDTO{
		Status:    "ok",
		Backend:   h.backend,
		Engine:    h.Engine.Stats(),
		Scenario:  scenario,
		CheckedAt: time.Now().UTC(),
	}
	if sr, ok := h.Directory.(sessionReporter); ok {
		resp.Session = sr.SessionState()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeEngineError maps engine and directory errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID(r)),
		zap.Error(err),
	}

	switch {
	case eligibility.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case eligibility.IsRemoteFailure(err):
		h.logger.Error(msg, fields...)
		writeError(w, http.StatusBadGateway, "Billing system unavailable", nil)
	case errors.Is(err, context.Canceled):
		h.logger.Info(msg, fields...)
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", nil)
	default:
		h.logger.Error(msg, fields...)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
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
