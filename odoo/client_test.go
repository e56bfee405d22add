package odoo

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/rpc"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/eligibility-engine/eligibility"
)

// =============================================================================
// TEST SETUP - a minimal XML-RPC Odoo
// =============================================================================

type rpcReply struct {
	status int
	body   string
}

func ok(v interface{}) rpcReply {
	return rpcReply{status: http.StatusOK, body: methodResponse(v)}
}

func fault(code int, msg string) rpcReply {
	return rpcReply{status: http.StatusOK, body: faultResponse(code, msg)}
}

type fakeOdoo struct {
	mu          sync.Mutex
	authCalls   int
	objectCalls int
	bodies      []string

	onAuth   func(n int) rpcReply
	onObject func(n int, body string) rpcReply
}

func (f *fakeOdoo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)

	f.mu.Lock()
	var reply rpcReply
	switch r.URL.Path {
	case commonEndpoint:
		f.authCalls++
		n := f.authCalls
		f.mu.Unlock()
		reply = f.onAuth(n)
	case objectEndpoint:
		f.objectCalls++
		f.bodies = append(f.bodies, body)
		n := f.objectCalls
		f.mu.Unlock()
		reply = f.onObject(n, body)
	default:
		f.mu.Unlock()
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(reply.status)
	_, _ = io.WriteString(w, reply.body)
}

func (f *fakeOdoo) counts() (auth, object int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.objectCalls
}

func newTestClient(t *testing.T, fake *fakeOdoo, timeout time.Duration) *Client {
	t.Helper()
	if fake.onAuth == nil {
		fake.onAuth = func(int) rpcReply { return ok(7) }
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		URL:      srv.URL,
		Database: "billing",
		Username: "portal@example.com",
		APIKey:   "secret",
		Timeout:  timeout,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var ctx = context.Background()

func serverError(msg string) error { return rpc.ServerError(msg) }

// =============================================================================
// XML-RPC ENCODING
// =============================================================================

func methodResponse(v interface{}) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><methodResponse><params><param>`)
	writeValue(&b, v)
	b.WriteString(`</param></params></methodResponse>`)
	return b.String()
}

func faultResponse(code int, msg string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><methodResponse><fault>`)
	writeValue(&b, map[string]interface{}{"faultCode": code, "faultString": msg})
	b.WriteString(`</fault></methodResponse>`)
	return b.String()
}

func writeValue(b *bytes.Buffer, v interface{}) {
	b.WriteString("<value>")
	switch x := v.(type) {
	case nil:
		b.WriteString("<boolean>0</boolean>")
	case bool:
		if x {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}
	case int:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case int64:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case float64:
		fmt.Fprintf(b, "<double>%g</double>", x)
	case string:
		b.WriteString("<string>")
		_ = xml.EscapeText(b, []byte(x))
		b.WriteString("</string>")
	case []interface{}:
		b.WriteString("<array><data>")
		for _, item := range x {
			writeValue(b, item)
		}
		b.WriteString("</data></array>")
	case map[string]interface{}:
		b.WriteString("<struct>")
		for k, item := range x {
			b.WriteString("<member><name>")
			_ = xml.EscapeText(b, []byte(k))
			b.WriteString("</name>")
			writeValue(b, item)
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")
	default:
		panic(fmt.Sprintf("writeValue: unsupported %T", v))
	}
	b.WriteString("</value>")
}

func partnerRecord(id int, vat, name string, contract interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":                              id,
		"vat":                             vat,
		"name":                            name,
		"x_studio_tipo_contrato_especial": contract,
	}
}

// =============================================================================
// DECODING
// =============================================================================

func TestFindPartnersByIdentity_DecodesRecords(t *testing.T) {
	// GIVEN: Odoo holds two partners, one without a contract type
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return ok([]interface{}{
			partnerRecord(11, "8-123-456", "Ana", "Beca"),
			partnerRecord(12, "8-999-000", "Luis", false),
		})
	}}
	c := newTestClient(t, fake, time.Second)

	// WHEN: Looking both up
	partners, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"8-123-456", "8-999-000"})

	// THEN: Both decode, and an unset contract type is empty
	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, eligibility.Partner{ID: 11, Identity: "8-123-456", Name: "Ana", ContractType: "Beca"}, partners[0])
	assert.Equal(t, "", partners[1].ContractType)

	// AND: One search_read on res.partner was issued with every identity
	_, objectCalls := fake.counts()
	assert.Equal(t, 1, objectCalls)
	assert.Contains(t, fake.bodies[0], "res.partner")
	assert.Contains(t, fake.bodies[0], "8-123-456")
	assert.Contains(t, fake.bodies[0], "8-999-000")
}

func TestFindInvoicesByPartnerIDs_DecodesRecords(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return ok([]interface{}{
			map[string]interface{}{
				"id": 301, "partner_id": []interface{}{11, "Ana"}, "state": "posted",
				"invoice_date_due": "2025-06-01", "amount_residual": 25.5,
			},
			map[string]interface{}{
				"id": 302, "partner_id": []interface{}{11, "Ana"}, "state": "paid",
				"invoice_date_due": false, "amount_residual": 0.0,
			},
		})
	}}
	c := newTestClient(t, fake, time.Second)

	invoices, err := c.FindInvoicesByPartnerIDs(ctx, []int64{11, 12})

	require.NoError(t, err)
	require.Len(t, invoices, 2)

	first := invoices[0]
	assert.Equal(t, int64(301), first.ID)
	assert.Equal(t, int64(11), first.PartnerID)
	assert.Equal(t, eligibility.InvoicePosted, first.State)
	require.NotNil(t, first.DueDate)
	assert.True(t, first.DueDate.Equal(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, decimal.RequireFromString("25.5").Equal(first.ResidualAmount))

	assert.Nil(t, invoices[1].DueDate)
	assert.True(t, invoices[1].ResidualAmount.IsZero())

	assert.Contains(t, fake.bodies[0], "account.move")
	assert.Contains(t, fake.bodies[0], "out_invoice")
	assert.Contains(t, fake.bodies[0], "invoice_date_due desc")
}

func TestListInvoices_ResolvesPaymentLinks(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return ok([]interface{}{
			map[string]interface{}{
				"id": 301, "partner_id": []interface{}{11, "Ana"}, "state": "posted",
				"invoice_date_due": "2025-06-01", "amount_residual": 25.5,
				"amount_total": 40.0, "name": "INV/2025/0001", "access_url": "/my/invoices/301",
			},
		})
	}}
	c := newTestClient(t, fake, time.Second)

	invoices, err := c.ListInvoices(ctx, 11)

	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV/2025/0001", invoices[0].Number)
	assert.True(t, decimal.NewFromInt(40).Equal(invoices[0].AmountTotal))
	assert.True(t, strings.HasSuffix(invoices[0].PaymentURL, "/my/invoices/301"))
	assert.NotContains(t, strings.TrimPrefix(invoices[0].PaymentURL, "http://"), ":")
}

func TestMalformedRecord_IsDataError(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return ok([]interface{}{map[string]interface{}{"id": "not-a-number", "vat": "8-1-1"}})
	}}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"8-1-1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, eligibility.ErrRemoteData)
	var callErr *eligibility.RemoteCallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "res.partner.search_read", callErr.Op)
}

func TestUnexpectedReplyShape_IsDataError(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply { return ok("surprise") }}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindInvoicesByPartnerIDs(ctx, []int64{1})

	assert.ErrorIs(t, err, eligibility.ErrRemoteData)
}

func TestNonAuthFault_IsDataError(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return fault(2, "ValueError: Invalid field 'x_studio_tipo_contrato_especial' on model 'res.partner'")
	}}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"8-1-1"})

	assert.ErrorIs(t, err, eligibility.ErrRemoteData)
	auth, _ := fake.counts()
	assert.Equal(t, 1, auth, "a data fault must not trigger re-authentication")
}

// =============================================================================
// SESSION
// =============================================================================

func TestSession_ReusedAcrossCalls(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply { return ok([]interface{}{}) }}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})
	require.NoError(t, err)
	_, err = c.FindInvoicesByPartnerIDs(ctx, []int64{1})
	require.NoError(t, err)

	auth, object := fake.counts()
	assert.Equal(t, 1, auth)
	assert.Equal(t, 2, object)

	state, uid := c.Session().State()
	assert.Equal(t, Authenticated, state)
	assert.Equal(t, int64(7), uid)
}

func TestSession_ReauthenticatesOnceOnAccessDenied(t *testing.T) {
	// GIVEN: The first object call is rejected as if the session expired
	fake := &fakeOdoo{onObject: func(n int, _ string) rpcReply {
		if n == 1 {
			return fault(3, "odoo.exceptions.AccessDenied: Access Denied")
		}
		return ok([]interface{}{partnerRecord(11, "a", "Ana", false)})
	}}
	c := newTestClient(t, fake, time.Second)

	// WHEN: Calling
	partners, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})

	// THEN: The client logged in again and the retry succeeded
	require.NoError(t, err)
	assert.Len(t, partners, 1)
	auth, object := fake.counts()
	assert.Equal(t, 2, auth)
	assert.Equal(t, 2, object)
}

func TestSession_AccessDeniedTwiceIsAuthError(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return fault(3, "Access Denied")
	}}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})

	assert.ErrorIs(t, err, eligibility.ErrRemoteAuth)
	auth, object := fake.counts()
	assert.Equal(t, 2, auth)
	assert.Equal(t, 2, object)

	state, _ := c.Session().State()
	assert.Equal(t, Unauthenticated, state)
}

func TestSession_RejectedCredentials(t *testing.T) {
	// GIVEN: authenticate answers false
	fake := &fakeOdoo{
		onAuth:   func(int) rpcReply { return ok(false) },
		onObject: func(int, string) rpcReply {
			t.Error("object endpoint must not be called")
			return ok([]interface{}{})
		},
	}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})

	assert.ErrorIs(t, err, eligibility.ErrRemoteAuth)
	auth, object := fake.counts()
	assert.Equal(t, 2, auth)
	assert.Equal(t, 0, object)
}

// =============================================================================
// TRANSPORT FAILURES
// =============================================================================

func TestHTTPErrorStatus_IsUnavailable(t *testing.T) {
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		return rpcReply{status: http.StatusBadGateway, body: "upstream down"}
	}}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})

	assert.ErrorIs(t, err, eligibility.ErrRemoteUnavailable)
}

func TestClientRecoversAfterHTTPError(t *testing.T) {
	fake := &fakeOdoo{onObject: func(n int, _ string) rpcReply {
		if n == 1 {
			return rpcReply{status: http.StatusInternalServerError, body: "boom"}
		}
		return ok([]interface{}{})
	}}
	c := newTestClient(t, fake, time.Second)

	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})
	require.ErrorIs(t, err, eligibility.ErrRemoteUnavailable)

	_, err = c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})
	assert.NoError(t, err)
}

func TestSlowServer_TimesOut(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeOdoo{onObject: func(int, string) rpcReply {
		<-release
		return ok([]interface{}{})
	}}
	c := newTestClient(t, fake, 50*time.Millisecond)
	t.Cleanup(func() { close(release) })

	start := time.Now()
	_, err := c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})

	assert.ErrorIs(t, err, eligibility.ErrRemoteUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnreachableServer_IsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{URL: url, Database: "billing", Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = c.FindPartnersByIdentity(ctx, []eligibility.Identity{"a"})

	assert.ErrorIs(t, err, eligibility.ErrRemoteUnavailable)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(Config{URL: "https://billing.example.com/"}, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, DefaultIdentityField, c.cfg.IdentityField)
	assert.Equal(t, DefaultContractTypeField, c.cfg.ContractTypeField)
	assert.Equal(t, "https://billing.example.com", c.root)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "ftp://billing.example.com"}, nil)
	assert.Error(t, err)

	_, err = New(Config{URL: "://nope"}, nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, eligibility.ErrRemoteUnavailable},
		{"transport", errors.New("dial tcp: connection refused"), eligibility.ErrRemoteUnavailable},
		{"bad status", serverError("request error: bad status code - 502"), eligibility.ErrRemoteUnavailable},
		{"access denied", serverError("Access Denied"), eligibility.ErrRemoteAuth},
		{"access denied exception", serverError("odoo.exceptions.AccessDenied"), eligibility.ErrRemoteAuth},
		{"session expired", serverError("Session expired"), eligibility.ErrRemoteAuth},
		{"other fault", serverError("ValueError: bad domain"), eligibility.ErrRemoteData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

// =============================================================================
// STALLED RESPONSES
// =============================================================================

func TestReadDeadlineConn_StalledReadTimesOut(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	conn := &readDeadlineConn{Conn: local, timeout: 20 * time.Millisecond}
	defer conn.Close()

	go remote.Write([]byte("ok"))
	buf := make([]byte, 2)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))

	// Nothing more is written: the next read must give up.
	_, err = conn.Read(buf)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestInvoke_AbandonedCallReleasesConnection(t *testing.T) {
	// GIVEN: a server that sends headers and half a body, then stalls
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `<?xml version="1.0"?><methodResponse><params>`)
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
			close(closed)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(Config{
		URL:      srv.URL,
		Database: "billing",
		Username: "portal@example.com",
		APIKey:   "secret",
		Timeout:  100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer c.Close()

	// WHEN: the call times out
	_, err = c.invoke(context.Background(), commonEndpoint, "version", []interface{}{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// THEN: the abandoned read fails and the connection is dropped
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled connection was never closed")
	}
}
