package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowd/native/payment"
)

// ErrCalculatorNotPersistable is returned when a bound configuration is asked
// to hold a calculator that has no durable encoding.
var ErrCalculatorNotPersistable = errors.New("fees: calculator cannot be persisted")

var protocolKey = []byte("fees/protocol")

type protocolState interface {
	KVGet(ctx context.Context, key []byte, out interface{}) (bool, error)
	KVPut(ctx context.Context, key []byte, value interface{}) error
}

// protocolRecord is the stored form of a ProtocolConfig. Only static
// calculators are representable.
type protocolRecord struct {
	Owner                 payment.Address
	DelaySecs             uint64
	Bps                   uint64
	Recipient             payment.Address
	HasPendingBps         bool
	PendingBps            uint64
	PendingBpsAfter       uint64
	HasPendingRecipient   bool
	PendingRecipient      payment.Address
	PendingRecipientAfter uint64
}

func staticBps(calc Calculator) (uint64, error) {
	s, ok := calc.(StaticCalculator)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCalculatorNotPersistable, describeCalculator(calc))
	}
	return uint64(s), nil
}

func encodeProtocol(owner payment.Address, delay time.Duration, v protocolValues) (protocolRecord, error) {
	bps, err := staticBps(v.calculator)
	if err != nil {
		return protocolRecord{}, err
	}
	rec := protocolRecord{
		Owner:     owner,
		DelaySecs: uint64(delay / time.Second),
		Bps:       bps,
		Recipient: v.recipient,
	}
	if p := v.pendingCalc; p != nil {
		if rec.PendingBps, err = staticBps(p.calculator); err != nil {
			return protocolRecord{}, err
		}
		rec.HasPendingBps = true
		rec.PendingBpsAfter = uint64(p.executeAfter)
	}
	if p := v.pendingRecipient; p != nil {
		rec.HasPendingRecipient = true
		rec.PendingRecipient = p.recipient
		rec.PendingRecipientAfter = uint64(p.executeAfter)
	}
	return rec, nil
}

func (r protocolRecord) values() protocolValues {
	v := protocolValues{
		calculator: StaticCalculator(r.Bps),
		recipient:  r.Recipient,
	}
	if r.HasPendingBps {
		v.pendingCalc = &pendingCalculator{calculator: StaticCalculator(r.PendingBps), executeAfter: int64(r.PendingBpsAfter)}
	}
	if r.HasPendingRecipient {
		v.pendingRecipient = &pendingRecipient{recipient: r.PendingRecipient, executeAfter: int64(r.PendingRecipientAfter)}
	}
	return v
}

func saveProtocol(ctx context.Context, st protocolState, owner payment.Address, delay time.Duration, v protocolValues) error {
	rec, err := encodeProtocol(owner, delay, v)
	if err != nil {
		return err
	}
	if err := st.KVPut(ctx, protocolKey, rec); err != nil {
		return fmt.Errorf("fees: persist protocol config: %w", err)
	}
	return nil
}

// Bind attaches durable state. The first Bind against empty state stores the
// current values and reports seeded. Later binds discard the constructor
// values and adopt the stored owner, delay, calculator, recipient and pending
// proposals, so the configuration only ever changes through the timelock.
func (c *ProtocolConfig) Bind(ctx context.Context, st protocolState) (seeded bool, err error) {
	if st == nil {
		return false, errNilState
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var rec protocolRecord
	found, err := st.KVGet(ctx, protocolKey, &rec)
	if err != nil {
		return false, fmt.Errorf("fees: load protocol config: %w", err)
	}
	if !found {
		c.mu.RLock()
		owner, delay, values := c.owner, c.delay, c.values
		c.mu.RUnlock()
		if err := saveProtocol(ctx, st, owner, delay, values); err != nil {
			return false, err
		}
		c.mu.Lock()
		c.state = st
		c.mu.Unlock()
		return true, nil
	}
	if rec.Owner.IsZero() || rec.Recipient.IsZero() {
		return false, fmt.Errorf("fees: stored protocol config is incomplete")
	}
	c.mu.Lock()
	c.owner = rec.Owner
	c.delay = time.Duration(rec.DelaySecs) * time.Second
	c.values = rec.values()
	c.state = st
	c.mu.Unlock()
	return false, nil
}
