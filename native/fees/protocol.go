package fees

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"escrowd/core/events"
	"escrowd/native/payment"
)

// MinTimelockDelay is the default and minimum delay between queueing and
// executing a protocol fee change.
const MinTimelockDelay = 7 * 24 * time.Hour

var (
	// ErrUnauthorized is returned when someone other than the owner manages
	// the protocol fee configuration.
	ErrUnauthorized = errors.New("fees: caller is not the protocol owner")
	// ErrProposalPending is returned when a change is queued while another
	// change for the same item is still pending.
	ErrProposalPending = errors.New("fees: change already pending")
	// ErrNoPendingProposal is returned when executing or cancelling without a
	// queued change.
	ErrNoPendingProposal = errors.New("fees: no pending change")
	// ErrTimelockNotElapsed is returned when executing before the earliest
	// execution time.
	ErrTimelockNotElapsed = errors.New("fees: timelock not elapsed")
	// ErrTimelockTooShort is returned when the configured delay is below
	// MinTimelockDelay.
	ErrTimelockTooShort = errors.New("fees: timelock delay below minimum")
	errZeroRecipient    = errors.New("fees: protocol recipient must not be zero")
)

// Configuration items guarded by the timelock.
const (
	ItemCalculator = "calculator"
	ItemRecipient  = "recipient"
)

type pendingCalculator struct {
	calculator   Calculator
	executeAfter int64
}

type pendingRecipient struct {
	recipient    payment.Address
	executeAfter int64
}

// protocolValues is the mutable part of the configuration. Pending entries
// are never modified in place, so copying the struct is enough to stage a
// change.
type protocolValues struct {
	calculator       Calculator
	recipient        payment.Address
	pendingCalc      *pendingCalculator
	pendingRecipient *pendingRecipient
}

// Proposal describes a queued change.
type Proposal struct {
	Item         string `json:"item"`
	Value        string `json:"value"`
	ExecuteAfter int64  `json:"executeAfter"`
}

// ProtocolConfig holds the shared protocol fee calculator and recipient. Both
// can only be changed through queue, wait, execute. Once bound to state (see
// Bind) every change is persisted before it becomes visible.
type ProtocolConfig struct {
	// writeMu serializes changes; mu guards reads of the published values.
	// mu is never held while writing to state, because operator units read
	// the configuration while holding the state lock.
	writeMu sync.Mutex
	mu      sync.RWMutex
	owner   payment.Address
	delay   time.Duration
	values  protocolValues
	state   protocolState

	emitter events.Emitter
	nowFn   func() int64
}

// NewProtocolConfig creates the configuration. A zero delay selects
// MinTimelockDelay.
func NewProtocolConfig(owner payment.Address, calculator Calculator, recipient payment.Address, delay time.Duration) (*ProtocolConfig, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("fees: protocol owner must not be zero")
	}
	if calculator == nil {
		return nil, errNilCalculator
	}
	if recipient.IsZero() {
		return nil, errZeroRecipient
	}
	if delay == 0 {
		delay = MinTimelockDelay
	}
	if delay < MinTimelockDelay {
		return nil, fmt.Errorf("%w: %s < %s", ErrTimelockTooShort, delay, MinTimelockDelay)
	}
	return &ProtocolConfig{
		owner:   owner,
		delay:   delay,
		values:  protocolValues{calculator: calculator, recipient: recipient},
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the emitter used for change events. Passing nil
// resets to a no-op emitter.
func (c *ProtocolConfig) SetEmitter(emitter events.Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.emitter = emitter
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (c *ProtocolConfig) SetNowFunc(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	c.nowFn = now
}

// Owner returns the address allowed to manage the configuration.
func (c *ProtocolConfig) Owner() payment.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Calculator returns the active protocol fee calculator.
func (c *ProtocolConfig) Calculator() Calculator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.calculator
}

// Recipient returns the active protocol fee recipient.
func (c *ProtocolConfig) Recipient() payment.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.recipient
}

// Delay returns the timelock delay.
func (c *ProtocolConfig) Delay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delay
}

// Pending lists the queued changes.
func (c *ProtocolConfig) Pending() []Proposal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Proposal, 0, 2)
	if p := c.values.pendingCalc; p != nil {
		out = append(out, Proposal{Item: ItemCalculator, Value: describeCalculator(p.calculator), ExecuteAfter: p.executeAfter})
	}
	if p := c.values.pendingRecipient; p != nil {
		out = append(out, Proposal{Item: ItemRecipient, Value: p.recipient.String(), ExecuteAfter: p.executeAfter})
	}
	return out
}

// update applies fn to a copy of the current values on behalf of caller,
// persists the result when bound and only then publishes it.
func (c *ProtocolConfig) update(caller payment.Address, fn func(v *protocolValues, now int64) error) (int64, events.Emitter, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	owner, delay, next, st := c.owner, c.delay, c.values, c.state
	now, emitter := c.nowFn(), c.emitter
	c.mu.RUnlock()

	if caller != owner {
		return now, emitter, ErrUnauthorized
	}
	if err := fn(&next, now); err != nil {
		return now, emitter, err
	}
	if st != nil {
		if err := saveProtocol(context.Background(), st, owner, delay, next); err != nil {
			return now, emitter, err
		}
	}
	c.mu.Lock()
	c.values = next
	c.mu.Unlock()
	return now, emitter, nil
}

func (c *ProtocolConfig) executeAfter(now int64) int64 {
	return now + int64(c.delay/time.Second)
}

// QueueCalculator proposes a new calculator and returns the earliest
// execution time.
func (c *ProtocolConfig) QueueCalculator(caller payment.Address, calculator Calculator) (int64, error) {
	if calculator == nil {
		return 0, errNilCalculator
	}
	var pending *pendingCalculator
	now, emitter, err := c.update(caller, func(v *protocolValues, now int64) error {
		if v.pendingCalc != nil {
			return fmt.Errorf("%w: %s", ErrProposalPending, ItemCalculator)
		}
		pending = &pendingCalculator{calculator: calculator, executeAfter: c.executeAfter(now)}
		v.pendingCalc = pending
		return nil
	})
	if err != nil {
		return 0, err
	}
	emitter.Emit(newChangeEvent(EventTypeProtocolFeeChangeQueued, ItemCalculator, describeCalculator(calculator), pending.executeAfter, caller, now))
	return pending.executeAfter, nil
}

// ExecuteCalculator applies the pending calculator once its timelock elapsed.
func (c *ProtocolConfig) ExecuteCalculator(caller payment.Address) error {
	var pending *pendingCalculator
	now, emitter, err := c.update(caller, func(v *protocolValues, now int64) error {
		if v.pendingCalc == nil {
			return fmt.Errorf("%w: %s", ErrNoPendingProposal, ItemCalculator)
		}
		if now < v.pendingCalc.executeAfter {
			return fmt.Errorf("%w: executable after %d", ErrTimelockNotElapsed, v.pendingCalc.executeAfter)
		}
		pending = v.pendingCalc
		v.calculator = pending.calculator
		v.pendingCalc = nil
		return nil
	})
	if err != nil {
		return err
	}
	emitter.Emit(newChangeEvent(EventTypeProtocolFeeChangeExecuted, ItemCalculator, describeCalculator(pending.calculator), pending.executeAfter, caller, now))
	return nil
}

// CancelCalculator drops the pending calculator change.
func (c *ProtocolConfig) CancelCalculator(caller payment.Address) error {
	var pending *pendingCalculator
	now, emitter, err := c.update(caller, func(v *protocolValues, _ int64) error {
		if v.pendingCalc == nil {
			return fmt.Errorf("%w: %s", ErrNoPendingProposal, ItemCalculator)
		}
		pending = v.pendingCalc
		v.pendingCalc = nil
		return nil
	})
	if err != nil {
		return err
	}
	emitter.Emit(newChangeEvent(EventTypeProtocolFeeChangeCancelled, ItemCalculator, describeCalculator(pending.calculator), pending.executeAfter, caller, now))
	return nil
}

// QueueRecipient proposes a new protocol recipient and returns the earliest
// execution time.
func (c *ProtocolConfig) QueueRecipient(caller payment.Address, recipient payment.Address) (int64, error) {
	if recipient.IsZero() {
		return 0, errZeroRecipient
	}
	var pending *pendingRecipient
	now, emitter, err := c.update(caller, func(v *protocolValues, now int64) error {
		if v.pendingRecipient != nil {
			return fmt.Errorf("%w: %s", ErrProposalPending, ItemRecipient)
		}
		pending = &pendingRecipient{recipient: recipient, executeAfter: c.executeAfter(now)}
		v.pendingRecipient = pending
		return nil
	})
	if err != nil {
		return 0, err
	}
	emitter.Emit(newChangeEvent(EventTypeProtocolFeeChangeQueued, ItemRecipient, recipient.String(), pending.executeAfter, caller, now))
	return pending.executeAfter, nil
}

// ExecuteRecipient applies the pending recipient once its timelock elapsed.
func (c *ProtocolConfig) ExecuteRecipient(caller payment.Address) error {
	var pending *pendingRecipient
	now, emitter, err := c.update(caller, func(v *protocolValues, now int64) error {
		if v.pendingRecipient == nil {
			return fmt.Errorf("%w: %s", ErrNoPendingProposal, ItemRecipient)
		}
		if now < v.pendingRecipient.executeAfter {
			return fmt.Errorf("%w: executable after %d", ErrTimelockNotElapsed, v.pendingRecipient.executeAfter)
		}
		pending = v.pendingRecipient
		v.recipient = pending.recipient
		v.pendingRecipient = nil
		return nil
	})
	if err != nil {
		return err
	}
	emitter.Emit(newChangeEvent(EventTypeProtocolFeeChangeExecuted, ItemRecipient, pending.recipient.String(), pending.executeAfter, caller, now))
	return nil
}

// CancelRecipient drops the pending recipient change.
func (c *ProtocolConfig) CancelRecipient(caller payment.Address) error {
	var pending *pendingRecipient
	now, emitter, err := c.update(caller, func(v *protocolValues, _ int64) error {
		if v.pendingRecipient == nil {
			return fmt.Errorf("%w: %s", ErrNoPendingProposal, ItemRecipient)
		}
		pending = v.pendingRecipient
		v.pendingRecipient = nil
		return nil
	})
	if err != nil {
		return err
	}
	emitter.Emit(newChangeEvent(EventTypeProtocolFeeChangeCancelled, ItemRecipient, pending.recipient.String(), pending.executeAfter, caller, now))
	return nil
}
