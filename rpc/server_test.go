package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/core/types"
	"escrowd/native/conditions"
	"escrowd/native/escrowperiod"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/native/operator"
	"escrowd/native/payment"
	"escrowd/native/refunds"
	"escrowd/storage"
	"escrowd/storage/auditlog"
)

func addr(fill byte) payment.Address {
	var a payment.Address
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

var (
	operatorAddr  = addr(0x0A)
	feeRecipient  = addr(0x0B)
	protocolOwner = addr(0x0C)
	protocolAddr  = addr(0x0D)
	arbiterAddr   = addr(0x0E)
	payerAddr     = addr(0x01)
	receiverAddr  = addr(0x02)
	tokenAddr     = addr(0x77)
)

func testPayment(salt uint64) *payment.Payment {
	return &payment.Payment{
		Operator:            operatorAddr,
		Payer:               payerAddr,
		Receiver:            receiverAddr,
		Token:               tokenAddr,
		MaxAmount:           uint256.NewInt(1_000_000),
		PreApprovalExpiry:   2_000_000_000,
		AuthorizationExpiry: 2_100_000_000,
		RefundExpiry:        2_200_000_000,
		MaxFeeBps:           100,
		FeeReceiver:         operatorAddr,
		Salt:                uint256.NewInt(salt),
	}
}

type testServer struct {
	srv     *Server
	handler http.Handler
	ledger  *ledger.Ledger
	now     *int64
}

type serverOption func(*Config)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	l := ledger.New(mgr)
	now := int64(1_700_000_000)
	clock := func() int64 { return now }
	l.SetNowFunc(clock)

	protocol, err := fees.NewProtocolConfig(protocolOwner, fees.StaticCalculator(10), protocolAddr, 0)
	require.NoError(t, err)
	protocol.SetNowFunc(clock)

	operators := conditions.NewOperatorSet(operatorAddr)
	period, err := escrowperiod.New(mgr, escrowperiod.Config{
		Hold:            time.Hour,
		FreezeCondition: conditions.Payer{},
		Operators:       operators,
	})
	require.NoError(t, err)
	period.SetNowFunc(clock)

	index := conditions.NewPaymentIndex(mgr, operators)
	onAuthorize, err := conditions.Recorders(period, index)
	require.NoError(t, err)

	op, err := operator.New(operator.Config{
		Address:      operatorAddr,
		FeeBps:       20,
		FeeRecipient: feeRecipient,
		State:        mgr,
		Ledger:       l,
		Protocol:     protocol,
		Conditions:   map[operator.Kind]conditions.Condition{operator.KindRelease: period},
		Recorders:    map[operator.Kind]conditions.Recorder{operator.KindAuthorize: onAuthorize},
	})
	require.NoError(t, err)
	op.SetNowFunc(clock)

	engine := refunds.NewEngine(mgr, l, arbiterAddr)
	engine.SetNowFunc(clock)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	sink, err := auditlog.New(db)
	require.NoError(t, err)

	stream := NewBroadcaster()
	fanout := events.Fanout{sink, stream}
	op.SetEmitter(fanout)
	period.SetEmitter(fanout)
	engine.SetEmitter(fanout)
	protocol.SetEmitter(fanout)

	require.NoError(t, l.Credit(context.Background(), payerAddr, tokenAddr, uint256.NewInt(10_000_000)))

	cfg := Config{
		Operator: op,
		Ledger:   l,
		Protocol: protocol,
		Period:   period,
		Refunds:  engine,
		Index:    index,
		Audit:    sink,
		Stream:   stream,
		Auth:     AuthConfig{HMACSecret: "test-secret", Issuer: "escrowd-test"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return &testServer{srv: srv, handler: srv.Handler(), ledger: l, now: &now}
}

func (ts *testServer) token(t *testing.T, caller payment.Address) string {
	t.Helper()
	tok, err := ts.srv.Authenticator().IssueToken(caller, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, caller payment.Address, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !caller.IsZero() {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, caller))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func operation(p *payment.Payment, amount string) OperationRequest {
	return OperationRequest{Payment: p, Amount: amount}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, payment.Address{}, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestRejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, payment.Address{}, http.MethodGet, "/v1/fees/protocol", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/fees/protocol", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizeReleaseFlow(t *testing.T) {
	ts := newTestServer(t)
	p := testPayment(1)
	hash := p.Hash().String()

	rec := ts.do(t, operatorAddr, http.MethodPost, "/v1/payments/hash", operation(p, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hashResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hashResp))
	require.Equal(t, hash, hashResp["hash"])

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/payments/authorize", operation(p, "100000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var op OperationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	require.Equal(t, "authorize", op.Operation)
	require.Equal(t, "100000", op.Position.Capturable)

	// Still inside the hold.
	rec = ts.do(t, operatorAddr, http.MethodPost, "/v1/payments/release", operation(p, "60000"))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	*ts.now += int64(2 * time.Hour / time.Second)
	rec = ts.do(t, operatorAddr, http.MethodPost, "/v1/payments/release", operation(p, "60000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	require.Equal(t, "40000", op.Position.Capturable)
	require.Equal(t, "60000", op.Position.Refundable)

	rec = ts.do(t, receiverAddr, http.MethodGet, "/v1/payments/"+hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.NotNil(t, info.LockedFee)
	require.Equal(t, uint16(30), info.LockedFee.TotalBps)
	require.Equal(t, uint16(10), info.LockedFee.ProtocolBps)
	require.NotNil(t, info.EscrowPeriod)
	require.Equal(t, "releasable", info.EscrowPeriod.Status)

	rec = ts.do(t, receiverAddr, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/balances/%s", receiverAddr, tokenAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	require.Equal(t, "59820", bal.Balance)

	rec = ts.do(t, payerAddr, http.MethodGet, "/v1/payments/"+hash+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []auditlog.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Type)
	}
	require.Equal(t, []string{
		operator.EventTypeAuthorizationCreated,
		escrowperiod.EventTypeAuthorizationRecorded,
		operator.EventTypeReleaseExecuted,
	}, kinds)

	rec = ts.do(t, payerAddr, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/payments", payerAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Payments []string `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Equal(t, []string{hash}, listed.Payments)

	rec = ts.do(t, payerAddr, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/payments?role=receiver", payerAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Empty(t, listed.Payments)
}

func TestFreezeBlocksRelease(t *testing.T) {
	ts := newTestServer(t)
	p := testPayment(2)

	rec := ts.do(t, payerAddr, http.MethodPost, "/v1/payments/authorize", operation(p, "500"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, receiverAddr, http.MethodPost, "/v1/payments/freeze", operation(p, ""))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/payments/freeze", operation(p, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var frozen FreezeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frozen))
	require.Equal(t, escrowperiod.Unbounded, frozen.FrozenUntil)

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/payments/freeze", operation(p, ""))
	require.Equal(t, http.StatusConflict, rec.Code)

	*ts.now += int64(2 * time.Hour / time.Second)
	rec = ts.do(t, operatorAddr, http.MethodPost, "/v1/payments/release", operation(p, "500"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", decodeError(t, rec).Code)

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/payments/unfreeze", operation(p, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, operatorAddr, http.MethodPost, "/v1/payments/release", operation(p, "500"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	p := testPayment(3)

	cases := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"malformed amount", "/v1/payments/authorize", operation(p, "ten"), http.StatusBadRequest, "invalid_request"},
		{"zero amount", "/v1/payments/authorize", operation(p, "0"), http.StatusBadRequest, "invalid_request"},
		{"above max amount", "/v1/payments/authorize", operation(p, "1000001"), http.StatusBadRequest, "invalid_request"},
		{"missing payment", "/v1/payments/authorize", OperationRequest{Amount: "5"}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", "/v1/payments/authorize", map[string]string{"bogus": "1"}, http.StatusBadRequest, "invalid_request"},
		{"funding from another account", "/v1/payments/authorize", operation(p, "5"), http.StatusForbidden, "forbidden"},
		{"release unauthorized payment", "/v1/payments/release", operation(p, "5"), http.StatusConflict, "conflict"},
		{"refund more than refundable", "/v1/payments/refund-post-escrow", operation(p, "5"), http.StatusConflict, "conflict"},
		{"unknown refund action", "/v1/refunds/escalate", RefundKeyRequest{Payer: payerAddr.String(), PaymentHash: p.Hash().String()}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, operatorAddr, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			apiErr := decodeError(t, rec)
			require.Equal(t, tc.code, apiErr.Code)
			require.NotEmpty(t, apiErr.RequestID)
		})
	}

	unfunded := testPayment(4)
	unfunded.Payer = addr(0x44)
	rec := ts.do(t, unfunded.Payer, http.MethodPost, "/v1/payments/authorize", operation(unfunded, "10"))
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	require.Equal(t, "ledger_rejected", decodeError(t, rec).Code)
}

func TestRefundRequestWorkflow(t *testing.T) {
	ts := newTestServer(t)
	p := testPayment(5)

	rec := ts.do(t, payerAddr, http.MethodPost, "/v1/payments/authorize", operation(p, "800"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	create := RefundCreateRequest{Payment: p, Nonce: 1, Amount: "300", Reason: "damaged"}
	rec = ts.do(t, receiverAddr, http.MethodPost, "/v1/refunds/", create)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/refunds/", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/refunds/", create)
	require.Equal(t, http.StatusConflict, rec.Code)

	key := RefundKeyRequest{Payer: payerAddr.String(), PaymentHash: p.Hash().String(), Nonce: 1}
	rec = ts.do(t, arbiterAddr, http.MethodPost, "/v1/refunds/approve", key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved refunds.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	require.Equal(t, refunds.StatusApproved, approved.Status)

	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/refunds/cancel", key)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, payerAddr, http.MethodGet, "/v1/refunds/"+p.Hash().String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []refunds.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestProtocolChangeRequiresOwner(t *testing.T) {
	ts := newTestServer(t)
	bps := uint16(25)
	change := ProtocolChangeRequest{Bps: &bps}

	rec := ts.do(t, operatorAddr, http.MethodPost, "/v1/fees/protocol/calculator/queue", change)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, protocolOwner, http.MethodPost, "/v1/fees/protocol/calculator/queue", change)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var proto ProtocolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proto))
	require.Len(t, proto.Pending, 1)
	require.Equal(t, fees.ItemCalculator, proto.Pending[0].Item)
	require.Equal(t, int64(fees.MinTimelockDelay/time.Second), proto.DelaySecs)

	rec = ts.do(t, protocolOwner, http.MethodPost, "/v1/fees/protocol/calculator/execute", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, protocolOwner, http.MethodPost, "/v1/fees/protocol/calculator/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proto))
	require.Empty(t, proto.Pending)

	rec = ts.do(t, protocolOwner, http.MethodPost, "/v1/fees/protocol/owner/queue", ProtocolChangeRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDistributeFees(t *testing.T) {
	ts := newTestServer(t)
	p := testPayment(6)

	rec := ts.do(t, payerAddr, http.MethodPost, "/v1/payments/charge", operation(p, "100000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The payer cannot pull a refund out of the receiver's balance.
	rec = ts.do(t, payerAddr, http.MethodPost, "/v1/payments/refund-post-escrow", operation(p, "50000"))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = ts.do(t, operatorAddr, http.MethodGet, "/v1/fees/accumulated/"+tokenAddr.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	require.Equal(t, "100", acc["amount"])

	rec = ts.do(t, operatorAddr, http.MethodPost, "/v1/fees/distribute", DistributeRequest{Token: tokenAddr.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dist DistributionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dist))
	require.Equal(t, "100", dist.ProtocolAmount)
	require.Equal(t, "200", dist.OperatorAmount)
	require.Equal(t, protocolAddr.String(), dist.ProtocolRecipient)
	require.Equal(t, feeRecipient.String(), dist.OperatorRecipient)
}

func TestRecentEvents(t *testing.T) {
	ts := newTestServer(t)
	p := testPayment(7)
	rec := ts.do(t, payerAddr, http.MethodPost, "/v1/payments/authorize", operation(p, "10"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, operatorAddr, http.MethodGet, "/v1/events/?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []auditlog.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, escrowperiod.EventTypeAuthorizationRecorded, entries[0].Type)

	rec = ts.do(t, operatorAddr, http.MethodGet, "/v1/events/?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptionalComponentsUnavailable(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Refunds = nil
		cfg.Audit = nil
		cfg.Index = nil
	})
	p := testPayment(8)
	rec := ts.do(t, payerAddr, http.MethodGet, "/v1/refunds/"+p.Hash().String(), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = ts.do(t, payerAddr, http.MethodGet, "/v1/events/", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = ts.do(t, payerAddr, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/payments", payerAddr), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimit{RequestsPerSecond: 0.001, Burst: 1}
	})
	rec := ts.do(t, payerAddr, http.MethodGet, "/v1/fees/protocol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, payerAddr, http.MethodGet, "/v1/fees/protocol", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Code)
}

func TestBroadcasterDeliversAndUnsubscribes(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	b.Emit(events.Wrapped{Evt: nil})
	b.Emit(events.Wrapped{Evt: &types.Event{Type: "escrowperiod.frozen"}})
	select {
	case evt := <-ch:
		require.Equal(t, "escrowperiod.frozen", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	cancel()
	cancel()
	require.Equal(t, 0, b.Subscribers())
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"*.merchant.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/payments/authorize", nil)
	req.Header.Set("Origin", "https://shop.merchant.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://shop.merchant.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/payments/authorize", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.NotEqual(t, http.StatusNoContent, rec.Code)
}
