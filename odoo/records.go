package odoo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/eligibility-engine/eligibility"
)

// XML-RPC replies decode into untyped values: structs become
// map[string]interface{}, arrays []interface{}, and unset many2one or char
// fields come back as boolean false.

type record map[string]interface{}

func asRecords(reply interface{}) ([]record, error) {
	items, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array of records, got %T", reply)
	}
	out := make([]record, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %d: expected struct, got %T", i, item)
		}
		out = append(out, record(m))
	}
	return out, nil
}

func (r record) int64(field string) (int64, error) {
	v, ok := r[field]
	if !ok {
		return 0, fmt.Errorf("missing field %q", field)
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("field %q: expected integer, got %T", field, v)
	}
	return n, nil
}

// optString returns "" for missing or false values.
func (r record) optString(field string) (string, error) {
	switch v := r[field].(type) {
	case nil:
		return "", nil
	case bool:
		if v {
			return "", fmt.Errorf("field %q: unexpected boolean true", field)
		}
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("field %q: expected string, got %T", field, v)
	}
}

func (r record) str(field string) (string, error) {
	v, ok := r[field].(string)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", field, r[field])
	}
	return v, nil
}

func (r record) amount(field string) (decimal.Decimal, error) {
	switch v := r[field].(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("missing field %q", field)
	default:
		n, ok := toInt64(v)
		if !ok {
			return decimal.Zero, fmt.Errorf("field %q: expected number, got %T", field, v)
		}
		return decimal.NewFromInt(n), nil
	}
}

// many2one reads a [id, display_name] pair. A bare integer is accepted.
func (r record) many2one(field string) (int64, error) {
	switch v := r[field].(type) {
	case []interface{}:
		if len(v) == 0 {
			return 0, fmt.Errorf("field %q: empty reference", field)
		}
		n, ok := toInt64(v[0])
		if !ok {
			return 0, fmt.Errorf("field %q: expected integer id, got %T", field, v[0])
		}
		return n, nil
	default:
		n, ok := toInt64(v)
		if !ok {
			return 0, fmt.Errorf("field %q: expected reference, got %T", field, v)
		}
		return n, nil
	}
}

// date reads a YYYY-MM-DD field as UTC midnight. Unset dates are nil.
func (r record) date(field string) (*time.Time, error) {
	switch v := r[field].(type) {
	case nil, bool:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		t, err := time.ParseInLocation(time.DateOnly, v, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("field %q: expected date string, got %T", field, v)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// =============================================================================
// DOMAIN DECODERS
// =============================================================================

func decodePartner(r record, identityField, contractField string) (eligibility.Partner, error) {
	id, err := r.int64("id")
	if err != nil {
		return eligibility.Partner{}, err
	}
	identity, err := r.str(identityField)
	if err != nil {
		return eligibility.Partner{}, err
	}
	name, err := r.optString("name")
	if err != nil {
		return eligibility.Partner{}, err
	}
	contractType, err := r.optString(contractField)
	if err != nil {
		return eligibility.Partner{}, err
	}
	return eligibility.Partner{
		ID:           id,
		Identity:     eligibility.Identity(identity),
		Name:         name,
		ContractType: contractType,
	}, nil
}

func decodeInvoice(r record) (eligibility.Invoice, error) {
	var inv eligibility.Invoice
	var err error

	if inv.ID, err = r.int64("id"); err != nil {
		return inv, err
	}
	if inv.PartnerID, err = r.many2one("partner_id"); err != nil {
		return inv, err
	}
	state, err := r.str("state")
	if err != nil {
		return inv, err
	}
	inv.State = eligibility.InvoiceState(state)
	if inv.DueDate, err = r.date("invoice_date_due"); err != nil {
		return inv, err
	}
	if inv.ResidualAmount, err = r.amount("amount_residual"); err != nil {
		return inv, err
	}

	// Detail fields, present only in invoice listings.
	if _, ok := r["amount_total"]; ok {
		if inv.AmountTotal, err = r.amount("amount_total"); err != nil {
			return inv, err
		}
	}
	if inv.Number, err = r.optString("name"); err != nil {
		return inv, err
	}
	if inv.PaymentURL, err = r.optString("access_url"); err != nil {
		return inv, err
	}
	return inv, nil
}
