/*
Package odoo implements the eligibility directory against an Odoo instance.

PURPOSE:
  Talks XML-RPC to Odoo's external API: authenticate on /xmlrpc/2/common,
  then execute_kw search_read on /xmlrpc/2/object for res.partner and
  account.move. Replies are decoded into eligibility.Partner and
  eligibility.Invoice values.

SESSION:
  The uid returned by authenticate is kept in a Session shared by every call.
  When Odoo answers a call with an access error, the session is reset and
  the call is retried once after logging in again. A second rejection is
  returned as eligibility.ErrRemoteAuth.

ERRORS:
  Every failure is an *eligibility.RemoteCallError:
  - transport errors, timeouts, non-2xx HTTP status -> ErrRemoteUnavailable
  - rejected credentials                              -> ErrRemoteAuth
  - other XML-RPC faults, malformed records           -> ErrRemoteData

TIMEOUTS:
  Each call carries Config.Timeout, enforced both by the context and by the
  HTTP transport.

SEE ALSO:
  - eligibility/store.go: Directory contract
  - records.go: Reply decoding
  - links.go: Payment link normalization
*/
package odoo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"net/url"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"
	"go.uber.org/zap"

	"github.com/warp/eligibility-engine/eligibility"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config describes how to reach and log into Odoo.
type Config struct {
	URL      string
	Database string
	Username string
	APIKey   string

	Timeout            time.Duration
	InsecureSkipVerify bool

	// IdentityField holds the document number on res.partner.
	IdentityField string
	// ContractTypeField holds the special contract category on res.partner.
	ContractTypeField string
}

const (
	DefaultTimeout           = 10 * time.Second
	DefaultIdentityField     = "vat"
	DefaultContractTypeField = "x_studio_tipo_contrato_especial"
)

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.IdentityField == "" {
		c.IdentityField = DefaultIdentityField
	}
	if c.ContractTypeField == "" {
		c.ContractTypeField = DefaultContractTypeField
	}
}

// =============================================================================
// CLIENT
// =============================================================================

const (
	commonEndpoint = "/xmlrpc/2/common"
	objectEndpoint = "/xmlrpc/2/object"
)

// Client is an eligibility.Directory backed by Odoo.
type Client struct {
	cfg       Config
	base      *url.URL
	root      string
	transport *http.Transport
	session   *Session
	logger    *zap.Logger
}

// New creates a client. No network traffic happens until the first call.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse odoo url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("odoo url %q: scheme must be http or https", cfg.URL)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialWithReadDeadline(&net.Dialer{Timeout: cfg.Timeout}, cfg.Timeout),
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       cfg.Timeout / 2,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, // #nosec G402 -- opt-in for self-signed dev instances
	}

	return &Client{
		cfg:       cfg,
		base:      base,
		root:      strings.TrimRight(base.String(), "/"),
		transport: transport,
		session:   &Session{},
		logger:    logger.With(zap.String("component", "odoo"), zap.String("db", cfg.Database)),
	}, nil
}

// Close drops idle connections to Odoo.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// Session returns the shared authentication state.
func (c *Client) Session() *Session { return c.session }

// SessionState names the current authentication state.
func (c *Client) SessionState() string {
	state, _ := c.session.State()
	return state.String()
}

// =============================================================================
// DIRECTORY
// =============================================================================

// FindPartnersByIdentity runs one res.partner search for all identities.
func (c *Client) FindPartnersByIdentity(ctx context.Context, identities []eligibility.Identity) ([]eligibility.Partner, error) {
	const op = "res.partner.search_read"

	values := make([]interface{}, len(identities))
	for i, id := range identities {
		values[i] = string(id)
	}
	domain := []interface{}{
		[]interface{}{c.cfg.IdentityField, "in", values},
	}
	fields := []string{"id", "name", c.cfg.IdentityField, c.cfg.ContractTypeField}

	records, err := c.searchRead(ctx, "res.partner", domain, fields, "")
	if err != nil {
		return nil, err
	}

	partners := make([]eligibility.Partner, 0, len(records))
	for _, r := range records {
		p, err := decodePartner(r, c.cfg.IdentityField, c.cfg.ContractTypeField)
		if err != nil {
			return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteData, err)
		}
		partners = append(partners, p)
	}

	c.logger.Debug("partners found", zap.Int("requested", len(identities)), zap.Int("found", len(partners)))
	return partners, nil
}

// FindInvoicesByPartnerIDs runs one account.move search for all partners.
func (c *Client) FindInvoicesByPartnerIDs(ctx context.Context, partnerIDs []int64) ([]eligibility.Invoice, error) {
	values := make([]interface{}, len(partnerIDs))
	for i, id := range partnerIDs {
		values[i] = id
	}
	domain := []interface{}{
		[]interface{}{"partner_id", "in", values},
		[]interface{}{"move_type", "=", "out_invoice"},
	}
	fields := []string{"id", "partner_id", "state", "invoice_date_due", "amount_residual"}

	invoices, err := c.invoices(ctx, domain, fields)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("invoices found", zap.Int("partners", len(partnerIDs)), zap.Int("invoices", len(invoices)))
	return invoices, nil
}

// ListInvoices returns the customer invoices of one partner, latest due date
// first, with payment links resolved against the Odoo base URL.
func (c *Client) ListInvoices(ctx context.Context, partnerID int64) ([]eligibility.Invoice, error) {
	domain := []interface{}{
		[]interface{}{"partner_id", "=", partnerID},
		[]interface{}{"move_type", "=", "out_invoice"},
	}
	fields := []string{"id", "partner_id", "name", "amount_total", "state", "invoice_date_due", "amount_residual", "access_url"}

	invoices, err := c.invoices(ctx, domain, fields)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].PaymentURL = PaymentLink(c.base, invoices[i].PaymentURL)
	}
	return invoices, nil
}

func (c *Client) invoices(ctx context.Context, domain []interface{}, fields []string) ([]eligibility.Invoice, error) {
	const op = "account.move.search_read"

	records, err := c.searchRead(ctx, "account.move", domain, fields, "invoice_date_due desc")
	if err != nil {
		return nil, err
	}

	invoices := make([]eligibility.Invoice, 0, len(records))
	for _, r := range records {
		inv, err := decodeInvoice(r)
		if err != nil {
			return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteData, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

// =============================================================================
// RPC
// =============================================================================

// searchRead calls model.search_read, re-authenticating once on access errors.
func (c *Client) searchRead(ctx context.Context, model string, domain []interface{}, fields []string, order string) ([]record, error) {
	op := model + ".search_read"
	kwargs := map[string]interface{}{"fields": fields}
	if order != "" {
		kwargs["order"] = order
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		uid, err := c.session.Ensure(ctx, c.authenticate)
		if err != nil {
			if !errors.Is(err, eligibility.ErrRemoteAuth) {
				return nil, err
			}
			lastErr = err
			continue
		}

		c.logger.Debug("calling odoo", zap.String("op", op), zap.Any("domain", domain))
		args := []interface{}{c.cfg.Database, uid, c.cfg.APIKey, model, "search_read", []interface{}{domain}, kwargs}
		reply, err := c.invoke(ctx, objectEndpoint, "execute_kw", args)
		if err != nil {
			kind := classify(err)
			if kind == eligibility.ErrRemoteAuth {
				c.logger.Warn("odoo rejected session, re-authenticating", zap.String("op", op), zap.Int64("uid", uid))
				c.session.Reset(uid)
				lastErr = eligibility.NewRemoteError(op, kind, err)
				continue
			}
			c.logger.Error("odoo call failed", zap.String("op", op), zap.Error(err))
			return nil, eligibility.NewRemoteError(op, kind, err)
		}

		records, err := asRecords(reply)
		if err != nil {
			return nil, eligibility.NewRemoteError(op, eligibility.ErrRemoteData, err)
		}
		return records, nil
	}

	c.logger.Error("odoo authentication failed twice", zap.String("op", op), zap.Error(lastErr))
	return nil, lastErr
}

// authenticate logs in and returns the uid. Odoo answers false for bad
// credentials.
func (c *Client) authenticate(ctx context.Context) (int64, error) {
	const op = "common.authenticate"
	c.logger.Info("authenticating", zap.String("user", c.cfg.Username))

	args := []interface{}{c.cfg.Database, c.cfg.Username, c.cfg.APIKey, map[string]interface{}{}}
	reply, err := c.invoke(ctx, commonEndpoint, "authenticate", args)
	if err != nil {
		return 0, eligibility.NewRemoteError(op, classify(err), err)
	}

	if ok, isBool := reply.(bool); isBool && !ok {
		return 0, eligibility.NewRemoteError(op, eligibility.ErrRemoteAuth, errors.New("credentials rejected"))
	}
	uid, ok := toInt64(reply)
	if !ok || uid <= 0 {
		return 0, eligibility.NewRemoteError(op, eligibility.ErrRemoteData, fmt.Errorf("unexpected uid %v (%T)", reply, reply))
	}

	c.logger.Info("authenticated", zap.Int64("uid", uid))
	return uid, nil
}

// invoke performs one XML-RPC call bounded by ctx and the configured timeout.
// Each call gets its own codec over the shared transport: net/rpc shuts a
// client down for good after a failed response read.
func (c *Client) invoke(ctx context.Context, endpoint, method string, args []interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	rpcClient, err := xmlrpc.NewClient(c.root+endpoint, c.transport)
	if err != nil {
		return nil, err
	}

	type result struct {
		reply interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer rpcClient.Close()
		var reply interface{}
		err := rpcClient.Call(method, args, &reply)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readDeadlineConn fails any read that waits longer than timeout. A call
// abandoned by invoke still ends once the server stops sending.
type readDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *readDeadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func dialWithReadDeadline(d *net.Dialer, timeout time.Duration) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &readDeadlineConn{Conn: conn, timeout: timeout}, nil
	}
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

var accessDeniedMarkers = []string{"accessdenied", "access denied", "session expired", "invalid credentials"}

// classify maps a call error onto the eligibility taxonomy. XML-RPC faults
// and bad HTTP statuses arrive as rpc.ServerError text.
func classify(err error) error {
	var fault xmlrpc.FaultError
	var serverErr rpc.ServerError

	var msg string
	switch {
	case errors.As(err, &fault):
		msg = fault.String
	case errors.As(err, &serverErr):
		msg = string(serverErr)
	default:
		return eligibility.ErrRemoteUnavailable
	}

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "bad status code") {
		return eligibility.ErrRemoteUnavailable
	}
	for _, marker := range accessDeniedMarkers {
		if strings.Contains(lower, marker) {
			return eligibility.ErrRemoteAuth
		}
	}
	return eligibility.ErrRemoteData
}
