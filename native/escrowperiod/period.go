package escrowperiod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/conditions"
	"escrowd/native/payment"
)

var (
	ErrNotAuthorized        = errors.New("escrow period: payment not authorized")
	ErrAlreadyFrozen        = errors.New("escrow period: payment already frozen")
	ErrNotFrozen            = errors.New("escrow period: payment not frozen")
	ErrHoldExpired          = errors.New("escrow period: hold period elapsed")
	ErrUnauthorizedFreeze   = errors.New("escrow period: caller may not freeze")
	ErrUnauthorizedUnfreeze = errors.New("escrow period: caller may not unfreeze")
	errNilState             = errors.New("escrow period: state not configured")
)

var recordPrefix = []byte("escrowperiod/record/")

type periodState interface {
	KVGet(ctx context.Context, key []byte, out interface{}) (bool, error)
	KVPut(ctx context.Context, key []byte, value interface{}) error
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	OnCommit(ctx context.Context, fn func())
}

// Config wires a Period. A nil freeze or unfreeze condition places no
// restriction on the caller. FreezeDuration 0 makes freezes unbounded.
type Config struct {
	Hold              time.Duration
	FreezeDuration    time.Duration
	FreezeCondition   conditions.Condition
	UnfreezeCondition conditions.Condition
	Operators         conditions.OperatorSet
}

// Period tracks the hold timer and freeze state of every payment. It is used
// as the authorize Recorder (to stamp the authorization time) and as the
// release Condition (to gate on elapsed time and freeze state).
//
// At the exact instant a hold elapses a freeze and a release can race: which
// one wins depends on which request is applied first. Parties that intend to
// block a release must freeze well before expiry.
type Period struct {
	state          periodState
	hold           uint64
	freezeDuration uint64
	freezeCond     conditions.Condition
	unfreezeCond   conditions.Condition
	operators      conditions.OperatorSet
	emitter        events.Emitter
	nowFn          func() int64
}

// New returns a Period persisting to state.
func New(state periodState, cfg Config) (*Period, error) {
	if state == nil {
		return nil, errNilState
	}
	if cfg.Hold < 0 || cfg.FreezeDuration < 0 {
		return nil, fmt.Errorf("escrow period: durations must not be negative")
	}
	return &Period{
		state:          state,
		hold:           uint64(cfg.Hold / time.Second),
		freezeDuration: uint64(cfg.FreezeDuration / time.Second),
		freezeCond:     cfg.FreezeCondition,
		unfreezeCond:   cfg.UnfreezeCondition,
		operators:      cfg.Operators,
		emitter:        events.NoopEmitter{},
		nowFn:          func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (p *Period) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		p.emitter = events.NoopEmitter{}
		return
	}
	p.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (p *Period) SetNowFunc(now func() int64) {
	if now == nil {
		p.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	p.nowFn = now
}

// Hold returns the hold duration.
func (p *Period) Hold() time.Duration { return time.Duration(p.hold) * time.Second }

func (p *Period) now() uint64 {
	now := p.nowFn()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func (p *Period) emit(ctx context.Context, evt *types.Event) {
	emitter := p.emitter
	p.state.OnCommit(ctx, func() { emitter.Emit(events.Wrapped{Evt: evt}) })
}

func recordKey(hash payment.Hash) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(hash))
	key = append(key, recordPrefix...)
	return append(key, hash[:]...)
}

func (p *Period) load(ctx context.Context, hash payment.Hash) (Record, error) {
	var rec Record
	if _, err := p.state.KVGet(ctx, recordKey(hash), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Record implements conditions.Recorder. It stamps the authorization time on
// the first call for a payment and is a no-op afterwards. Only payments of
// trusted operators are accepted.
func (p *Period) Record(ctx context.Context, pay *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	if err := p.operators.Verify(pay); err != nil {
		return err
	}
	hash := pay.Hash()
	return p.state.Atomic(ctx, func(ctx context.Context) error {
		rec, err := p.load(ctx, hash)
		if err != nil {
			return err
		}
		if rec.AuthorizedAt != 0 {
			return nil
		}
		now := p.now()
		rec.AuthorizedAt = now
		if err := p.state.KVPut(ctx, recordKey(hash), rec); err != nil {
			return err
		}
		p.emit(ctx, newRecordedEvent(hash, amount, caller, now, saturatingAdd(now, p.hold)))
		return nil
	})
}

// Check implements conditions.Condition for the release slot.
func (p *Period) Check(ctx context.Context, pay *payment.Payment, _ *uint256.Int, _ payment.Address) (bool, error) {
	if pay == nil {
		return false, nil
	}
	return p.CanRelease(ctx, pay.Hash())
}

// CanRelease reports whether the hold elapsed and no freeze is active.
func (p *Period) CanRelease(ctx context.Context, hash payment.Hash) (bool, error) {
	status, _, err := p.Status(ctx, hash)
	if err != nil {
		return false, err
	}
	return status == StatusReleasable, nil
}

// Status returns the sub-state and the stored record for hash. An expired
// freeze reports as not frozen.
func (p *Period) Status(ctx context.Context, hash payment.Hash) (Status, Record, error) {
	rec, err := p.load(ctx, hash)
	if err != nil {
		return StatusUnauthorized, Record{}, err
	}
	if rec.AuthorizedAt == 0 {
		return StatusUnauthorized, rec, nil
	}
	now := p.now()
	if rec.frozen(now) {
		return StatusFrozen, rec, nil
	}
	if now >= saturatingAdd(rec.AuthorizedAt, p.hold) {
		return StatusReleasable, rec, nil
	}
	return StatusHolding, rec, nil
}

func allowed(ctx context.Context, cond conditions.Condition, pay *payment.Payment, caller payment.Address) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return cond.Check(ctx, pay, new(uint256.Int), caller)
}

// Freeze blocks release of pay until the freeze duration passes or it is
// unfrozen. It is only allowed while the hold period is still running.
func (p *Period) Freeze(ctx context.Context, pay *payment.Payment, caller payment.Address) (uint64, error) {
	if pay == nil {
		return 0, ErrNotAuthorized
	}
	hash := pay.Hash()
	var frozenUntil uint64
	err := p.state.Atomic(ctx, func(ctx context.Context) error {
		rec, err := p.load(ctx, hash)
		if err != nil {
			return err
		}
		if rec.AuthorizedAt == 0 {
			return ErrNotAuthorized
		}
		ok, err := allowed(ctx, p.freezeCond, pay, caller)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorizedFreeze
		}
		now := p.now()
		if rec.frozen(now) {
			return ErrAlreadyFrozen
		}
		if now >= saturatingAdd(rec.AuthorizedAt, p.hold) {
			return ErrHoldExpired
		}
		frozenUntil = Unbounded
		if p.freezeDuration > 0 {
			frozenUntil = saturatingAdd(now, p.freezeDuration)
		}
		rec.FrozenUntil = frozenUntil
		if err := p.state.KVPut(ctx, recordKey(hash), rec); err != nil {
			return err
		}
		p.emit(ctx, newFrozenEvent(hash, caller, now, frozenUntil))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return frozenUntil, nil
}

// Unfreeze lifts an active freeze. It is allowed at any time while frozen.
func (p *Period) Unfreeze(ctx context.Context, pay *payment.Payment, caller payment.Address) error {
	if pay == nil {
		return ErrNotFrozen
	}
	hash := pay.Hash()
	return p.state.Atomic(ctx, func(ctx context.Context) error {
		rec, err := p.load(ctx, hash)
		if err != nil {
			return err
		}
		now := p.now()
		if !rec.frozen(now) {
			return ErrNotFrozen
		}
		ok, err := allowed(ctx, p.unfreezeCond, pay, caller)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorizedUnfreeze
		}
		rec.FrozenUntil = 0
		if err := p.state.KVPut(ctx, recordKey(hash), rec); err != nil {
			return err
		}
		p.emit(ctx, newUnfrozenEvent(hash, caller, now))
		return nil
	})
}
