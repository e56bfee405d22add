package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/eligibility-engine/eligibility"
)

var ctx = context.Background()

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestPartners_FindByIdentity(t *testing.T) {
	// GIVEN: Three partners, two sharing an identity
	s := newTestStore(t)
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 2, Identity: "8-1-1", Name: "Ana", ContractType: "Beca"}))
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "8-1-1", Name: "Ana (old)"}))
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 3, Identity: "8-2-2", Name: "Luis"}))

	// WHEN: Looking up one known and one unknown identity
	partners, err := s.FindPartnersByIdentity(ctx, []eligibility.Identity{"8-1-1", "missing"})

	// THEN: Both duplicates come back in id order
	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, int64(1), partners[0].ID)
	assert.Equal(t, eligibility.Partner{ID: 2, Identity: "8-1-1", Name: "Ana", ContractType: "Beca"}, partners[1])
}

func TestPartners_SaveUpdatesExisting(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "8-1-1", Name: "Ana"}))
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "8-1-1", Name: "Ana", ContractType: "IFARHU"}))

	partners, err := s.FindPartnersByIdentity(ctx, []eligibility.Identity{"8-1-1"})

	require.NoError(t, err)
	require.Len(t, partners, 1)
	assert.Equal(t, "IFARHU", partners[0].ContractType)
}

func TestPartners_EmptyLookup(t *testing.T) {
	s := newTestStore(t)

	partners, err := s.FindPartnersByIdentity(ctx, nil)

	assert.NoError(t, err)
	assert.Empty(t, partners)
}

func TestInvoices_RoundTripAndOrder(t *testing.T) {
	// GIVEN: Two partners with invoices, one invoice without a due date
	s := newTestStore(t)
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "a"}))
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 2, Identity: "b"}))

	older := eligibility.Invoice{
		ID: 10, PartnerID: 1, Number: "INV/1", State: eligibility.InvoicePaid,
		DueDate: date(2025, time.January, 5), AmountTotal: decimal.RequireFromString("40.00"),
		ResidualAmount: decimal.Zero,
	}
	newer := eligibility.Invoice{
		ID: 11, PartnerID: 1, Number: "INV/2", State: eligibility.InvoicePosted,
		DueDate: date(2025, time.March, 5), AmountTotal: decimal.RequireFromString("40.00"),
		ResidualAmount: decimal.RequireFromString("12.50"), PaymentURL: "/my/invoices/11",
	}
	undated := eligibility.Invoice{ID: 12, PartnerID: 1, State: eligibility.InvoiceDraft, ResidualAmount: decimal.NewFromInt(5)}
	other := eligibility.Invoice{ID: 20, PartnerID: 2, State: eligibility.InvoicePosted, DueDate: date(2025, time.February, 1)}
	for _, inv := range []eligibility.Invoice{older, undated, newer, other} {
		require.NoError(t, s.SaveInvoice(ctx, inv))
	}

	// WHEN: Listing partner 1
	invoices, err := s.ListInvoices(ctx, 1)

	// THEN: Latest due date first, undated last, values intact
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	assert.Equal(t, []int64{11, 10, 12}, []int64{invoices[0].ID, invoices[1].ID, invoices[2].ID})

	got := invoices[0]
	assert.Equal(t, "INV/2", got.Number)
	assert.Equal(t, eligibility.InvoicePosted, got.State)
	assert.True(t, got.DueDate.Equal(*newer.DueDate))
	assert.True(t, newer.ResidualAmount.Equal(got.ResidualAmount))
	assert.True(t, newer.AmountTotal.Equal(got.AmountTotal))
	assert.Equal(t, "/my/invoices/11", got.PaymentURL)
	assert.Nil(t, invoices[2].DueDate)
}

func TestInvoices_FindByPartnerIDs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "a"}))
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 2, Identity: "b"}))
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 3, Identity: "c"}))
	require.NoError(t, s.SaveInvoice(ctx, eligibility.Invoice{ID: 10, PartnerID: 1, State: eligibility.InvoicePosted}))
	require.NoError(t, s.SaveInvoice(ctx, eligibility.Invoice{ID: 20, PartnerID: 2, State: eligibility.InvoicePosted}))
	require.NoError(t, s.SaveInvoice(ctx, eligibility.Invoice{ID: 30, PartnerID: 3, State: eligibility.InvoicePosted}))

	invoices, err := s.FindInvoicesByPartnerIDs(ctx, []int64{1, 3})

	require.NoError(t, err)
	ids := []int64{}
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	assert.ElementsMatch(t, []int64{10, 30}, ids)
}

func TestInvoices_UnknownPartnerIsEmpty(t *testing.T) {
	s := newTestStore(t)

	invoices, err := s.ListInvoices(ctx, 99)

	require.NoError(t, err)
	assert.NotNil(t, invoices)
	assert.Empty(t, invoices)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "a"}))
	require.NoError(t, s.SaveInvoice(ctx, eligibility.Invoice{ID: 10, PartnerID: 1, State: eligibility.InvoicePosted}))

	partners, invoices, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, partners)
	assert.Equal(t, 1, invoices)

	require.NoError(t, s.Reset(ctx))

	partners, invoices, err = s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, partners)
	assert.Zero(t, invoices)
}

func TestStore_DrivesEngine(t *testing.T) {
	// GIVEN: A partner with an overdue balance
	s := newTestStore(t)
	require.NoError(t, s.SavePartner(ctx, eligibility.Partner{ID: 1, Identity: "8-1-1"}))
	require.NoError(t, s.SaveInvoice(ctx, eligibility.Invoice{
		ID: 10, PartnerID: 1, State: eligibility.InvoicePosted,
		DueDate: date(2025, time.January, 1), ResidualAmount: decimal.NewFromInt(30),
	}))

	partners, err := s.FindPartnersByIdentity(ctx, []eligibility.Identity{"8-1-1"})
	require.NoError(t, err)
	invoices, err := s.FindInvoicesByPartnerIDs(ctx, []int64{1})
	require.NoError(t, err)

	// WHEN: Evaluating in June
	d := eligibility.Evaluate(&partners[0], invoices, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))

	// THEN: Access is denied for arrears
	assert.Equal(t, eligibility.DecisionFor(eligibility.ReasonOverdue), d)
}
