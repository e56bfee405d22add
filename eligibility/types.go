/*
Package eligibility provides the access eligibility engine.

PURPOSE:
  Decides whether an identity (a document/tax-ID number) may access the
  downstream service, based on the contract and invoice records held by the
  billing system of record. The engine sits in front of that system and
  absorbs the many near-duplicate lookups that arrive in short windows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identity: the normalized document number, the only cache key
  - Partner: the billing customer matched to an identity
  - Invoice: a customer invoice with state, due date and residual amount
  - ReasonCode/Decision: the closed set of outcomes and the cached artifact

DESIGN PRINCIPLES:
  1. Decisions are values: built once by DecisionFor, never mutated
  2. Precision: invoice amounts use decimal.Decimal
  3. Allowed is derived from the reason, so the two can never disagree

SEE ALSO:
  - evaluator.go: The eligibility rule
  - engine.go: Cache + batching coordinator
  - store.go: Store and Directory contracts
*/
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is a normalized document/tax-ID number.
type Identity string

// NormalizeIdentity trims surrounding whitespace. Blank input is rejected.
func NormalizeIdentity(raw string) (Identity, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	return Identity(s), nil
}

func (id Identity) String() string { return string(id) }

// =============================================================================
// DIRECTORY RECORDS
// =============================================================================

// Partner is the billing customer matched to an identity.
type Partner struct {
	ID       int64
	Identity Identity
	Name     string

	// ContractType is the special contract category. Empty when unset.
	ContractType string
}

// InvoiceState mirrors the billing system's invoice state. Values outside
// the constants below are carried through unchanged.
type InvoiceState string

const (
	InvoiceDraft     InvoiceState = "draft"
	InvoicePosted    InvoiceState = "posted"
	InvoicePaid      InvoiceState = "paid"
	InvoiceCancelled InvoiceState = "cancel"
)

// Invoice is a customer invoice. The eligibility rule reads only PartnerID,
// State, DueDate and ResidualAmount; the rest is filled by detailed listings.
type Invoice struct {
	ID             int64
	PartnerID      int64
	Number         string
	State          InvoiceState
	DueDate        *time.Time // nil when the invoice has no due date
	AmountTotal    decimal.Decimal
	ResidualAmount decimal.Decimal
	PaymentURL     string
}

// =============================================================================
// DECISION
// =============================================================================

// ReasonCode is the closed set of eligibility outcomes.
type ReasonCode int

const (
	ReasonNoContractOrUser ReasonCode = iota
	ReasonExempt
	ReasonNoInvoices
	ReasonOverdue
	ReasonCurrent
)

// String returns the wire form of the reason.
func (r ReasonCode) String() string {
	switch r {
	case ReasonNoContractOrUser:
		return "no_contract_or_user"
	case ReasonExempt:
		return "exempt"
	case ReasonNoInvoices:
		return "no_invoices"
	case ReasonOverdue:
		return "overdue"
	case ReasonCurrent:
		return "current"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// LegacyString returns the reason string emitted by the first generation of
// the proxy. Older portal clients still match on these.
func (r ReasonCode) LegacyString() string {
	switch r {
	case ReasonNoContractOrUser:
		return "sin_contrato_o_usuario"
	case ReasonExempt:
		return "becado"
	case ReasonNoInvoices:
		return "sincontrato"
	case ReasonOverdue:
		return "mora"
	case ReasonCurrent:
		return "al_dia"
	default:
		return r.String()
	}
}

// allows reports whether the reason grants access.
func (r ReasonCode) allows() bool {
	switch r {
	case ReasonExempt, ReasonCurrent:
		return true
	case ReasonNoContractOrUser, ReasonNoInvoices, ReasonOverdue:
		return false
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r ReasonCode) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ReasonCode) UnmarshalText(b []byte) error {
	for _, c := range []ReasonCode{ReasonNoContractOrUser, ReasonExempt, ReasonNoInvoices, ReasonOverdue, ReasonCurrent} {
		if c.String() == string(b) || c.LegacyString() == string(b) {
			*r = c
			return nil
		}
	}
	return fmt.Errorf("unknown reason code %q", string(b))
}

// Decision is the allow/deny outcome for an identity.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reason"`
}

// DecisionFor builds the decision for a reason.
func DecisionFor(reason ReasonCode) Decision {
	return Decision{Allowed: reason.allows(), Reason: reason}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed (" + d.Reason.String() + ")"
	}
	return "denied (" + d.Reason.String() + ")"
}
