/*
Package sqlite provides a SQLite-backed eligibility directory.

PURPOSE:
  Holds partners and customer invoices locally so the engine can run
  without an Odoo instance: demos, development, and integration tests.
  Serves the same queries the Odoo adapter serves.

INTERFACES IMPLEMENTED:
  eligibility.Directory: Partner and invoice lookups for the engine
  api.InvoiceSource:     Per-partner invoice listing

KEY TABLES:
  partners: id, identity, name, contract_type
  invoices: customer invoices, amounts stored as decimal text

INDEXES:
  - idx_partners_identity: Identity lookup (hot path)
  - idx_invoices_partner_due: Invoices per partner, latest due date first

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, like the other stores.

USAGE:
  store, err := sqlite.New("./data/directory.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := eligibility.NewEngine(store, cache)

SEE ALSO:
  - eligibility/store.go: Directory contract
  - odoo/client.go: Remote implementation
  - api/scenarios.go: Demo populations seeded through this store
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/eligibility-engine/eligibility"
)

// Store implements the directory interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partners (
		id INTEGER PRIMARY KEY,
		identity TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		contract_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Not unique: the billing system tolerates duplicate identities
	CREATE INDEX IF NOT EXISTS idx_partners_identity
		ON partners(identity);

	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY,
		partner_id INTEGER NOT NULL REFERENCES partners(id) ON DELETE CASCADE,
		number TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		due_date TEXT,
		amount_total TEXT NOT NULL DEFAULT '0',
		amount_residual TEXT NOT NULL DEFAULT '0',
		access_url TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_partner_due
		ON invoices(partner_id, due_date DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PARTNERS
// =============================================================================

// SavePartner inserts or replaces a partner. Rows are returned in id order,
// so the lowest id wins when identities collide.
func (s *Store) SavePartner(ctx context.Context, p eligibility.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO partners (id, identity, name, contract_type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identity = excluded.identity,
			name = excluded.name,
			contract_type = excluded.contract_type
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, string(p.Identity), p.Name, p.ContractType,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// FindPartnersByIdentity returns every partner whose identity is listed.
func (s *Store) FindPartnersByIdentity(ctx context.Context, identities []eligibility.Identity) ([]eligibility.Partner, error) {
	const op = "sqlite.partners"
	if len(identities) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, len(identities))
	for i, id := range identities {
		args[i] = string(id)
	}
	query := "SELECT id, identity, name, contract_type FROM partners WHERE identity IN (" +
		placeholders(len(args)) + ") ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteUnavailable, err)
	}
	defer rows.Close()

	var partners []eligibility.Partner
	for rows.Next() {
		var p eligibility.Partner
		var identity string
		if err := rows.Scan(&p.ID, &identity, &p.Name, &p.ContractType); err != nil {
			return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteData, err)
		}
		p.Identity = eligibility.Identity(identity)
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteUnavailable, err)
	}
	return partners, nil
}

// =============================================================================
// INVOICES
// =============================================================================

// SaveInvoice inserts or replaces a customer invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv eligibility.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO invoices (id, partner_id, number, state, due_date, amount_total, amount_residual, access_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partner_id = excluded.partner_id,
			number = excluded.number,
			state = excluded.state,
			due_date = excluded.due_date,
			amount_total = excluded.amount_total,
			amount_residual = excluded.amount_residual,
			access_url = excluded.access_url
	`

	var due sql.NullString
	if inv.DueDate != nil {
		due = sql.NullString{String: inv.DueDate.UTC().Format(time.DateOnly), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, inv.PartnerID, inv.Number, string(inv.State), due,
		inv.AmountTotal.String(), inv.ResidualAmount.String(), inv.PaymentURL,
	)
	return err
}

// FindInvoicesByPartnerIDs returns the invoices of every listed partner,
// latest due date first.
func (s *Store) FindInvoicesByPartnerIDs(ctx context.Context, partnerIDs []int64) ([]eligibility.Invoice, error) {
	if len(partnerIDs) == 0 {
		return nil, nil
	}

	args := make([]any, len(partnerIDs))
	for i, id := range partnerIDs {
		args[i] = id
	}
	return s.queryInvoices(ctx, "partner_id IN ("+placeholders(len(args))+")", args...)
}

// ListInvoices returns one partner's invoices, latest due date first.
func (s *Store) ListInvoices(ctx context.Context, partnerID int64) ([]eligibility.Invoice, error) {
	return s.queryInvoices(ctx, "partner_id = ?", partnerID)
}

func (s *Store) queryInvoices(ctx context.Context, where string, args ...any) ([]eligibility.Invoice, error) {
	const op = "sqlite.invoices"

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, partner_id, number, state, due_date, amount_total, amount_residual, access_url
		FROM invoices WHERE ` + where + `
		ORDER BY due_date IS NULL, due_date DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteUnavailable, err)
	}
	defer rows.Close()

	invoices := []eligibility.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteData, err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteUnavailable, err)
	}
	return invoices, nil
}

func scanInvoice(rows *sql.Rows) (eligibility.Invoice, error) {
	var inv eligibility.Invoice
	var state, total, residual string
	var due sql.NullString

	if err := rows.Scan(&inv.ID, &inv.PartnerID, &inv.Number, &state, &due, &total, &residual, &inv.PaymentURL); err != nil {
		return inv, err
	}
	inv.State = eligibility.InvoiceState(state)

	if due.Valid && due.String != "" {
		t, err := time.ParseInLocation(time.DateOnly, due.String, time.UTC)
		if err != nil {
			return inv, fmt.Errorf("invoice %d due date: %w", inv.ID, err)
		}
		inv.DueDate = &t
	}

	var err error
	if inv.AmountTotal, err = decimal.NewFromString(total); err != nil {
		return inv, fmt.Errorf("invoice %d total: %w", inv.ID, err)
	}
	if inv.ResidualAmount, err = decimal.NewFromString(residual); err != nil {
		return inv, fmt.Errorf("invoice %d residual: %w", inv.ID, err)
	}
	return inv, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"invoices", "partners"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Counts reports how many partners and invoices are stored.
func (s *Store) Counts(ctx context.Context) (partners, invoices int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM partners").Scan(&partners); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM invoices").Scan(&invoices); err != nil {
		return 0, 0, err
	}
	return partners, invoices, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
