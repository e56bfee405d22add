/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built partner populations for the local SQLite directory,
	so the portal can be exercised without an Odoo instance. Each scenario
	creates partners and invoices that land on specific decisions.

AVAILABLE SCENARIOS:

	mixed-cohort:  One partner per decision reason, plus a duplicated identity
	all-current:   Every partner paid up
	overdue-wave:  Most partners in arrears after a missed billing cycle

HOW SCENARIOS WORK:
 1. Reset the directory (clear all data)
 2. Create partners
 3. Create invoices with due dates relative to today
 4. Clear the decision cache so no stale answer survives

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mixed-cohort"}

ADDING NEW SCENARIOS:
 1. Add a scenario entry with ID, name, description and population
 2. Nothing else: LoadScenario dispatches on the ID

NOTE:

	Scenarios reset the directory. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Health reports the loaded scenario
  - store/sqlite/sqlite.go: The seeded store
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/eligibility-engine/eligibility"
)

// ScenarioStore is a directory that can be wiped and seeded.
type ScenarioStore interface {
	Reset(ctx context.Context) error
	SavePartner(ctx context.Context, p eligibility.Partner) error
	SaveInvoice(ctx context.Context, inv eligibility.Invoice) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// invoiceSeed describes an invoice relative to the load date. A nil
// dueInDays leaves the due date unset.
type invoiceSeed struct {
	state     eligibility.InvoiceState
	dueInDays *int
	total     string
	residual  string
}

type partnerSeed struct {
	id           int64
	identity     string
	name         string
	contractType string
	invoices     []invoiceSeed
}

type scenario struct {
	ScenarioDTO
	partners []partnerSeed
}

func days(n int) *int { return &n }

func paid(dueInDays int, total string) invoiceSeed {
	return invoiceSeed{state: eligibility.InvoicePaid, dueInDays: days(dueInDays), total: total, residual: "0"}
}

func open(dueInDays int, total, residual string) invoiceSeed {
	return invoiceSeed{state: eligibility.InvoicePosted, dueInDays: days(dueInDays), total: total, residual: residual}
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "mixed-cohort",
			Name:        "Mixed Cohort",
			Description: "One student per decision: current, overdue, scholarship, IFARHU, no invoices, duplicated document",
		},
		partners: []partnerSeed{
			{id: 101, identity: "8-100-1001", name: "Ana Current", invoices: []invoiceSeed{
				paid(-40, "120.00"), open(10, "120.00", "120.00"),
			}},
			{id: 102, identity: "8-100-1002", name: "Bruno Overdue", invoices: []invoiceSeed{
				paid(-70, "120.00"), open(-5, "120.00", "45.50"),
			}},
			{id: 103, identity: "8-100-1003", name: "Carla Scholarship", contractType: eligibility.ContractScholarship, invoices: []invoiceSeed{
				open(-90, "120.00", "120.00"),
			}},
			{id: 104, identity: "8-100-1004", name: "Diego IFARHU", contractType: eligibility.ContractIFARHU},
			{id: 105, identity: "8-100-1005", name: "Elena No Invoices"},
			{id: 106, identity: "8-100-1006", name: "Fabio Draft Only", invoices: []invoiceSeed{
				{state: eligibility.InvoiceDraft, total: "120.00", residual: "120.00"},
			}},
			// Same document on two partners: the lower id wins.
			{id: 107, identity: "8-100-1007", name: "Gina Duplicate (current)", invoices: []invoiceSeed{
				open(15, "120.00", "120.00"),
			}},
			{id: 108, identity: "8-100-1007", name: "Gina Duplicate (overdue)", invoices: []invoiceSeed{
				open(-15, "120.00", "120.00"),
			}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "all-current",
			Name:        "All Current",
			Description: "Every student has paid past invoices and an upcoming one",
		},
		partners: cohort(201, "8-200-", 10, func(i int) []invoiceSeed {
			return []invoiceSeed{paid(-30, "95.00"), open(i+1, "95.00", "95.00")}
		}),
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overdue-wave",
			Name:        "Overdue Wave",
			Description: "A missed billing cycle: two out of three students owe a past-due balance",
		},
		partners: cohort(301, "8-300-", 12, func(i int) []invoiceSeed {
			if i%3 == 0 {
				return []invoiceSeed{paid(-3, "95.00")}
			}
			return []invoiceSeed{open(-3, "95.00", fmt.Sprintf("%d.00", 20+i))}
		}),
	},
}

// cohort builds n numbered partners starting at firstID.
func cohort(firstID int64, prefix string, n int, invoices func(i int) []invoiceSeed) []partnerSeed {
	out := make([]partnerSeed, n)
	for i := 0; i < n; i++ {
		out[i] = partnerSeed{
			id:       firstID + int64(i),
			identity: fmt.Sprintf("%s%04d", prefix, i+1),
			name:     fmt.Sprintf("Student %d", i+1),
			invoices: invoices(i),
		}
	}
	return out
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
		dtos[i].Partners = len(s.partners)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	dto := s.ScenarioDTO
	dto.Partners = len(s.partners)
	writeJSON(w, http.StatusOK, dto)
}

// LoadScenario resets the directory and seeds a predefined population.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Scenarios.Reset(ctx); err != nil {
		h.logger.Error("scenario reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to reset directory", err)
		return
	}
	if err := seed(ctx, h.Scenarios, s.partners, time.Now().UTC()); err != nil {
		h.logger.Error("scenario seed failed", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.Engine.Clear()
	h.currentScenario = s.ID

	h.logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.Int("partners", len(s.partners)))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": s.ID,
	})
}

// seed writes partners and their invoices, due dates relative to today.
func seed(ctx context.Context, store ScenarioStore, partners []partnerSeed, now time.Time) error {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	nextInvoiceID := int64(1)

	for _, p := range partners {
		partner := eligibility.Partner{
			ID:           p.id,
			Identity:     eligibility.Identity(p.identity),
			Name:         p.name,
			ContractType: p.contractType,
		}
		if err := store.SavePartner(ctx, partner); err != nil {
			return fmt.Errorf("partner %d: %w", p.id, err)
		}

		for _, is := range p.invoices {
			inv := eligibility.Invoice{
				ID:             nextInvoiceID,
				PartnerID:      p.id,
				Number:         fmt.Sprintf("INV/%d/%05d", today.Year(), nextInvoiceID),
				State:          is.state,
				AmountTotal:    decimal.RequireFromString(is.total),
				ResidualAmount: decimal.RequireFromString(is.residual),
				PaymentURL:     fmt.Sprintf("/my/invoices/%d", nextInvoiceID),
			}
			if is.dueInDays != nil {
				due := today.AddDate(0, 0, *is.dueInDays)
				inv.DueDate = &due
			}
			if err := store.SaveInvoice(ctx, inv); err != nil {
				return fmt.Errorf("invoice %d: %w", inv.ID, err)
			}
			nextInvoiceID++
		}
	}
	return nil
}
