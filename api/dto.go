/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON shapes exchanged with portal clients. Domain types stay
  free of wire concerns; conversion happens here.

NAMING:
  Field names follow what deployed clients already parse: camelCase request
  fields, Odoo field names for invoices, and "enlacePago" for the payment
  link.

SEE ALSO:
  - handlers.go: Uses these DTOs
  - eligibility/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/eligibility-engine/eligibility"
)

// =============================================================================
// STATUS DTOs
// =============================================================================

// DecisionDTO is the answer for one identity.
type DecisionDTO struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// BulkStatusRequest asks for many identities at once.
type BulkStatusRequest struct {
	DocumentNumbers []string `json:"documentNumbers"`
}

// CacheClearRequest drops one identity, or the whole cache when empty.
type CacheClearRequest struct {
	DocumentNumber string `json:"documentNumber,omitempty"`
}

// CacheClearResponse reports what a cache clear did.
type CacheClearResponse struct {
	Success     bool   `json:"success"`
	Invalidated bool   `json:"invalidated"`
	Message     string `json:"message"`
}

// =============================================================================
// BILLING DTOs
// =============================================================================

// InvoiceDTO is one customer invoice as shown in the portal.
type InvoiceDTO struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	AmountTotal    float64 `json:"amount_total"`
	State          string  `json:"state"`
	DueDate        *string `json:"invoice_date_due"`
	AmountResidual float64 `json:"amount_residual"`
	PaymentLink    string  `json:"enlacePago"`
}

// ContractTypeDTO carries a partner's special contract type, null when the
// partner is unknown or has none.
type ContractTypeDTO struct {
	ContractType *string `json:"contractType"`
}

// =============================================================================
// SCENARIO & HEALTH DTOs
// =============================================================================

// ScenarioDTO describes a demo population.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Partners    int    `json:"partners"`
}

// LoadScenarioRequest selects a demo population.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// HealthDTO is the liveness payload.
type HealthDTO struct {
	Status    string            `json:"status"`
	Backend   string            `json:"backend"`
	Engine    eligibility.Stats `json:"engine"`
	Session   string            `json:"session,omitempty"`
	Scenario  string            `json:"scenario,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toDecisionDTO(d eligibility.Decision, legacy bool) DecisionDTO {
	reason := d.Reason.String()
	if legacy {
		reason = d.Reason.LegacyString()
	}
	return DecisionDTO{Allowed: d.Allowed, Reason: reason}
}

func toInvoiceDTO(inv eligibility.Invoice) InvoiceDTO {
	total, _ := inv.AmountTotal.Float64()
	residual, _ := inv.ResidualAmount.Float64()

	dto := InvoiceDTO{
		ID:             inv.ID,
		Name:           inv.Number,
		AmountTotal:    total,
		State:          string(inv.State),
		AmountResidual: residual,
		PaymentLink:    inv.PaymentURL,
	}
	if inv.DueDate != nil {
		due := inv.DueDate.Format(time.DateOnly)
		dto.DueDate = &due
	}
	return dto
}
