package eligibility

import "time"

// =============================================================================
// EXEMPT CONTRACTS
// =============================================================================

// Contract categories that grant access regardless of billing state.
const (
	ContractScholarship = "Beca"
	ContractIFARHU      = "IFARHU"
)

// IsExempt reports whether contractType bypasses invoice checks.
// Matching is exact and case-sensitive.
func IsExempt(contractType string) bool {
	return contractType == ContractScholarship || contractType == ContractIFARHU
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluate computes the decision for a partner and its invoices at now.
// A nil partner means the identity has no directory record.
func Evaluate(partner *Partner, invoices []Invoice, now time.Time) Decision {
	if partner == nil {
		return DecisionFor(ReasonNoContractOrUser)
	}
	if IsExempt(partner.ContractType) {
		return DecisionFor(ReasonExempt)
	}
	if len(invoices) == 0 {
		return DecisionFor(ReasonNoInvoices)
	}
	for _, inv := range invoices {
		if IsOverdue(inv, now) {
			return DecisionFor(ReasonOverdue)
		}
	}
	return DecisionFor(ReasonCurrent)
}

// IsOverdue reports whether an unpaid invoice is past due with money owed.
// Invoices without a due date are never overdue; a zero residual never counts.
func IsOverdue(inv Invoice, now time.Time) bool {
	return inv.State != InvoicePaid &&
		inv.DueDate != nil &&
		inv.DueDate.Before(now) &&
		inv.ResidualAmount.IsPositive()
}
