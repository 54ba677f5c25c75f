package fees

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"escrowd/core/state"
	"escrowd/native/payment"
	"escrowd/storage"
)

type rateFunc func() uint16

func (f rateFunc) FeeBps(context.Context, *payment.Payment, *uint256.Int, payment.Address) (uint16, error) {
	return f(), nil
}

func boundConfig(t *testing.T, mgr *state.Manager, owner payment.Address, bps uint16, recipient payment.Address, now *int64) (*ProtocolConfig, bool) {
	t.Helper()
	cfg, err := NewProtocolConfig(owner, StaticCalculator(bps), recipient, 0)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	cfg.SetNowFunc(func() int64 { return *now })
	seeded, err := cfg.Bind(context.Background(), mgr)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return cfg, seeded
}

func rateOf(t *testing.T, cfg *ProtocolConfig) uint16 {
	t.Helper()
	bps, err := Quote(context.Background(), cfg.Calculator(), nil, nil, payment.Address{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	return bps
}

func TestBoundConfigIgnoresLaterConstructorValues(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	owner := newTestAddress(0x0F)
	recipient := newTestAddress(0xEE)
	now := int64(1_700_000_000)

	first, seeded := boundConfig(t, mgr, owner, 10, recipient, &now)
	if !seeded {
		t.Fatalf("expected first bind to seed state")
	}
	executeAfter, err := first.QueueCalculator(owner, StaticCalculator(20))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	// A restart with an edited file must not change anything.
	restarted, seeded := boundConfig(t, mgr, newTestAddress(0x01), 99, newTestAddress(0x02), &now)
	if seeded {
		t.Fatalf("expected existing state to be adopted")
	}
	if restarted.Owner() != owner || restarted.Recipient() != recipient {
		t.Fatalf("restart replaced owner or recipient: %s %s", restarted.Owner(), restarted.Recipient())
	}
	if got := rateOf(t, restarted); got != 10 {
		t.Fatalf("restart replaced rate: %d", got)
	}
	pending := restarted.Pending()
	if len(pending) != 1 || pending[0].Value != "static:20" || pending[0].ExecuteAfter != executeAfter {
		t.Fatalf("pending proposal lost across restart: %+v", pending)
	}
	if err := restarted.ExecuteCalculator(owner); !errors.Is(err, ErrTimelockNotElapsed) {
		t.Fatalf("expected timelock to survive restart, got %v", err)
	}

	now = executeAfter
	if err := restarted.ExecuteCalculator(owner); err != nil {
		t.Fatalf("execute: %v", err)
	}
	again, _ := boundConfig(t, mgr, owner, 10, recipient, &now)
	if got := rateOf(t, again); got != 20 {
		t.Fatalf("executed change not persisted: %d", got)
	}
	if len(again.Pending()) != 0 {
		t.Fatalf("executed proposal still pending")
	}
}

func TestBoundConfigRejectsUnpersistableCalculator(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	owner := newTestAddress(0x0F)
	now := int64(1_700_000_000)
	cfg, _ := boundConfig(t, mgr, owner, 10, newTestAddress(0xEE), &now)

	_, err := cfg.QueueCalculator(owner, rateFunc(func() uint16 { return 5 }))
	if !errors.Is(err, ErrCalculatorNotPersistable) {
		t.Fatalf("expected unpersistable calculator rejection, got %v", err)
	}
	if len(cfg.Pending()) != 0 {
		t.Fatalf("rejected proposal became visible")
	}
}
