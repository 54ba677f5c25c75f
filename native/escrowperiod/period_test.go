package escrowperiod

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/native/conditions"
	"escrowd/native/payment"
	"escrowd/storage"
)

const day = int64(24 * 60 * 60)

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func newTestAddress(fill byte) payment.Address {
	var addr payment.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testPayment() *payment.Payment {
	return &payment.Payment{
		Operator:            newTestAddress(0x0A),
		Payer:               newTestAddress(0x01),
		Receiver:            newTestAddress(0x02),
		Token:               newTestAddress(0x77),
		MaxAmount:           uint256.NewInt(1_000),
		AuthorizationExpiry: 10,
		RefundExpiry:        20,
		MaxFeeBps:           100,
		FeeReceiver:         newTestAddress(0x0A),
		Salt:                uint256.NewInt(1),
	}
}

type fixture struct {
	period  *Period
	mgr     *state.Manager
	emitter *capturingEmitter
	now     *int64
	pay     *payment.Payment
}

func newFixture(t *testing.T, freezeDuration time.Duration) *fixture {
	t.Helper()
	pay := testPayment()
	mgr := state.NewManager(storage.NewMemDB())
	period, err := New(mgr, Config{
		Hold:            7 * 24 * time.Hour,
		FreezeDuration:  freezeDuration,
		FreezeCondition: conditions.Payer{},
		Operators:       conditions.NewOperatorSet(pay.Operator),
	})
	if err != nil {
		t.Fatalf("new period: %v", err)
	}
	now := int64(1_700_000_000)
	period.SetNowFunc(func() int64 { return now })
	emitter := &capturingEmitter{}
	period.SetEmitter(emitter)
	return &fixture{period: period, mgr: mgr, emitter: emitter, now: &now, pay: pay}
}

func (f *fixture) authorize(t *testing.T) {
	t.Helper()
	if err := f.period.Record(context.Background(), f.pay, uint256.NewInt(100), f.pay.Payer); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func (f *fixture) status(t *testing.T) Status {
	t.Helper()
	status, _, err := f.period.Status(context.Background(), f.pay.Hash())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return status
}

func TestRecordIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	if got := f.status(t); got != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", got)
	}
	f.authorize(t)
	first := *f.now
	*f.now += 100
	f.authorize(t)

	_, rec, err := f.period.Status(context.Background(), f.pay.Hash())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.AuthorizedAt != uint64(first) {
		t.Fatalf("authorization time moved: got %d want %d", rec.AuthorizedAt, first)
	}
	if len(f.emitter.events) != 1 || f.emitter.events[0].EventType() != EventTypeAuthorizationRecorded {
		t.Fatalf("expected a single recorded event, got %v", f.emitter.types())
	}
}

func TestRecordRejectsUntrustedOperator(t *testing.T) {
	f := newFixture(t, 0)
	rogue := f.pay.Clone()
	rogue.Operator = newTestAddress(0xEE)
	err := f.period.Record(context.Background(), rogue, uint256.NewInt(1), rogue.Payer)
	if !errors.Is(err, conditions.ErrUntrustedOperator) {
		t.Fatalf("expected untrusted operator, got %v", err)
	}
}

func TestHoldElapsesThenFreezeFails(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.authorize(t)
	start := *f.now

	if ok, _ := f.period.CanRelease(ctx, f.pay.Hash()); ok {
		t.Fatalf("release must be blocked during hold")
	}
	*f.now = start + 7*day - 1
	if got := f.status(t); got != StatusHolding {
		t.Fatalf("expected holding one second before expiry, got %s", got)
	}

	*f.now = start + 7*day + 1
	if _, err := f.period.Freeze(ctx, f.pay, f.pay.Payer); !errors.Is(err, ErrHoldExpired) {
		t.Fatalf("expected hold expired, got %v", err)
	}
	ok, err := f.period.CanRelease(ctx, f.pay.Hash())
	if err != nil || !ok {
		t.Fatalf("expected releasable after hold, ok=%v err=%v", ok, err)
	}
	ok, err = f.period.Check(ctx, f.pay, uint256.NewInt(1), f.pay.Receiver)
	if err != nil || !ok {
		t.Fatalf("expected release condition to pass, ok=%v err=%v", ok, err)
	}
}

func TestFreezeAtExactExpiryFails(t *testing.T) {
	f := newFixture(t, 0)
	f.authorize(t)
	*f.now += 7 * day
	if _, err := f.period.Freeze(context.Background(), f.pay, f.pay.Payer); !errors.Is(err, ErrHoldExpired) {
		t.Fatalf("expected hold expired at the boundary, got %v", err)
	}
}

func TestUnboundedFreezeBlocksReleaseUntilUnfrozen(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.authorize(t)

	if _, err := f.period.Freeze(ctx, f.pay, f.pay.Receiver); !errors.Is(err, ErrUnauthorizedFreeze) {
		t.Fatalf("expected receiver freeze to be rejected, got %v", err)
	}
	until, err := f.period.Freeze(ctx, f.pay, f.pay.Payer)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if until != Unbounded {
		t.Fatalf("expected unbounded freeze, got %d", until)
	}
	if _, err := f.period.Freeze(ctx, f.pay, f.pay.Payer); !errors.Is(err, ErrAlreadyFrozen) {
		t.Fatalf("expected already frozen, got %v", err)
	}

	*f.now += 365 * day
	if ok, _ := f.period.CanRelease(ctx, f.pay.Hash()); ok {
		t.Fatalf("frozen payment must never be releasable")
	}
	if got := f.status(t); got != StatusFrozen {
		t.Fatalf("expected frozen, got %s", got)
	}

	if err := f.period.Unfreeze(ctx, f.pay, f.pay.Receiver); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if ok, _ := f.period.CanRelease(ctx, f.pay.Hash()); !ok {
		t.Fatalf("expected releasable after unfreeze past the hold")
	}
	if err := f.period.Unfreeze(ctx, f.pay, f.pay.Receiver); !errors.Is(err, ErrNotFrozen) {
		t.Fatalf("expected not frozen, got %v", err)
	}
	want := []string{EventTypeAuthorizationRecorded, EventTypePaymentFrozen, EventTypePaymentUnfrozen}
	got := f.emitter.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events %v", got)
		}
	}
}

func TestBoundedFreezeExpires(t *testing.T) {
	f := newFixture(t, 2*24*time.Hour)
	ctx := context.Background()
	f.authorize(t)
	start := *f.now

	*f.now = start + 6*day
	until, err := f.period.Freeze(ctx, f.pay, f.pay.Payer)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if until != uint64(start+8*day) {
		t.Fatalf("unexpected frozen-until %d", until)
	}

	*f.now = start + 7*day + 1
	if ok, _ := f.period.CanRelease(ctx, f.pay.Hash()); ok {
		t.Fatalf("freeze must outlive the hold")
	}
	*f.now = start + 8*day
	if ok, _ := f.period.CanRelease(ctx, f.pay.Hash()); !ok {
		t.Fatalf("expired freeze must not block release")
	}
	if err := f.period.Unfreeze(ctx, f.pay, f.pay.Payer); !errors.Is(err, ErrNotFrozen) {
		t.Fatalf("expected expired freeze to count as not frozen, got %v", err)
	}
}

func TestFreezeRequiresAuthorization(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.period.Freeze(context.Background(), f.pay, f.pay.Payer); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if ok, _ := f.period.CanRelease(context.Background(), f.pay.Hash()); ok {
		t.Fatalf("unauthorized payment must not be releasable")
	}
}

func TestFreezeReleaseExclusivity(t *testing.T) {
	f := newFixture(t, 12*time.Hour)
	ctx := context.Background()
	f.authorize(t)
	start := *f.now
	for offset := int64(0); offset <= 9*day; offset += 6 * 60 * 60 {
		*f.now = start + offset
		if _, err := f.period.Freeze(ctx, f.pay, f.pay.Payer); err != nil && !errors.Is(err, ErrAlreadyFrozen) && !errors.Is(err, ErrHoldExpired) {
			t.Fatalf("unexpected freeze error at +%d: %v", offset, err)
		}
		status, rec, err := f.period.Status(ctx, f.pay.Hash())
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		releasable, _ := f.period.CanRelease(ctx, f.pay.Hash())
		if rec.frozen(uint64(*f.now)) && releasable {
			t.Fatalf("releasable while frozen at +%d", offset)
		}
		if status == StatusReleasable && uint64(*f.now) < rec.AuthorizedAt+uint64(7*day) {
			t.Fatalf("releasable before the hold elapsed at +%d", offset)
		}
	}
}
