package operator

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"escrowd/native/fees"
	"escrowd/native/payment"
)

func spanAttrs(p *payment.Payment, amount *uint256.Int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if p != nil {
		attrs = append(attrs, attribute.String("payment.hash", p.Hash().String()))
	}
	if amount != nil {
		attrs = append(attrs, attribute.String("payment.amount", amount.Dec()))
	}
	return attrs
}

func (o *Operator) checkPayment(p *payment.Payment) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Operator != o.address {
		return fmt.Errorf("%w: %s", ErrInvalidOperator, p.Operator)
	}
	if p.FeeReceiver != o.address {
		return fmt.Errorf("%w: %s", ErrInvalidFeeReceiver, p.FeeReceiver)
	}
	return nil
}

func checkPositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

func (o *Operator) checkCondition(ctx context.Context, kind Kind, p *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	cond := o.conditions[kind]
	if cond == nil {
		return nil
	}
	var ok bool
	err := o.during(func() (err error) {
		ok, err = cond.Check(ctx, p, amount, caller)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrConditionNotMet, kind)
	}
	return nil
}

func (o *Operator) record(ctx context.Context, kind Kind, p *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	rec := o.recorders[kind]
	if rec == nil {
		return nil
	}
	return o.during(func() error {
		return rec.Record(ctx, p, amount, caller)
	})
}

// checkSource requires that whoever's balance is debited is the one asking.
func checkSource(source, caller payment.Address) error {
	if source != caller {
		return fmt.Errorf("%w: source %s, caller %s", ErrSourceNotCaller, source, caller)
	}
	return nil
}

func ledgerErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrLedger, err)
}

// quote validates an authorize/charge request and returns the fee to lock.
func (o *Operator) quote(ctx context.Context, kind Kind, p *payment.Payment, amount *uint256.Int, source, caller payment.Address) (fees.LockedFee, error) {
	if err := o.checkPayment(p); err != nil {
		return fees.LockedFee{}, err
	}
	if err := checkPositive(amount); err != nil {
		return fees.LockedFee{}, err
	}
	if amount.Gt(p.MaxAmount) {
		return fees.LockedFee{}, fmt.Errorf("%w: %s exceeds max %s", ErrInvalidAmount, amount.Dec(), p.MaxAmount.Dec())
	}
	var protocolBps uint16
	err := o.during(func() (err error) {
		protocolBps, err = fees.Quote(ctx, o.protocol.Calculator(), p, amount, caller)
		return err
	})
	if err != nil {
		return fees.LockedFee{}, err
	}
	total, err := fees.ValidateBounds(p, protocolBps, o.feeBps)
	if err != nil {
		return fees.LockedFee{}, err
	}
	if err := checkSource(source, caller); err != nil {
		return fees.LockedFee{}, err
	}
	if err := o.checkCondition(ctx, kind, p, amount, caller); err != nil {
		return fees.LockedFee{}, err
	}
	return fees.LockedFee{TotalBps: total, ProtocolBps: protocolBps}, nil
}

// Authorize moves amount from source into custody for p and locks the fee
// rates in force now for its later release. Only source itself may ask.
func (o *Operator) Authorize(ctx context.Context, p *payment.Payment, amount *uint256.Int, source, caller payment.Address) error {
	return o.run(ctx, KindAuthorize.String(), spanAttrs(p, amount), func(ctx context.Context) error {
		locked, err := o.quote(ctx, KindAuthorize, p, amount, source, caller)
		if err != nil {
			return err
		}
		if err := o.fees.Lock(ctx, p.Hash(), locked); err != nil {
			return err
		}
		o.enqueue(ctx, o.newAuthorizedEvent(EventTypeAuthorizationCreated, p, amount, caller, locked))
		if err := o.ledger.Authorize(ctx, o.address, p, amount, source); err != nil {
			return ledgerErr(err)
		}
		return o.record(ctx, KindAuthorize, p, amount, caller)
	})
}

// Charge authorizes and immediately releases amount with no hold period.
func (o *Operator) Charge(ctx context.Context, p *payment.Payment, amount *uint256.Int, source, caller payment.Address) error {
	return o.run(ctx, KindCharge.String(), spanAttrs(p, amount), func(ctx context.Context) error {
		locked, err := o.quote(ctx, KindCharge, p, amount, source, caller)
		if err != nil {
			return err
		}
		if err := o.fees.Lock(ctx, p.Hash(), locked); err != nil {
			return err
		}
		fee, shares := locked.Apply(amount)
		if err := o.fees.Accumulate(ctx, o.address, p.Token, shares.Protocol); err != nil {
			return err
		}
		o.enqueue(ctx, o.newSettledEvent(EventTypeChargeExecuted, p, amount, caller, fee, shares))
		if err := o.ledger.Charge(ctx, o.address, p, amount, source, locked.TotalBps, o.address); err != nil {
			return ledgerErr(err)
		}
		return o.record(ctx, KindCharge, p, amount, caller)
	})
}

// Release captures amount from custody to the receiver, applying the fee
// locked at authorization.
func (o *Operator) Release(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	return o.run(ctx, KindRelease.String(), spanAttrs(p, amount), func(ctx context.Context) error {
		if err := o.checkPayment(p); err != nil {
			return err
		}
		if err := checkPositive(amount); err != nil {
			return err
		}
		hash := p.Hash()
		pos, err := o.ledger.Position(ctx, hash)
		if err != nil {
			return ledgerErr(err)
		}
		if pos.Capturable == nil || amount.Gt(pos.Capturable) {
			return fmt.Errorf("%w: %s > %s", ErrExceedsCapturable, amount.Dec(), decOrZero(pos.Capturable))
		}
		locked, ok, err := o.fees.Locked(ctx, hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrFeeNotLocked, hash)
		}
		if err := o.checkCondition(ctx, KindRelease, p, amount, caller); err != nil {
			return err
		}
		fee, shares := locked.Apply(amount)
		if err := o.fees.Accumulate(ctx, o.address, p.Token, shares.Protocol); err != nil {
			return err
		}
		o.enqueue(ctx, o.newSettledEvent(EventTypeReleaseExecuted, p, amount, caller, fee, shares))
		if err := o.ledger.Capture(ctx, o.address, p, amount, locked.TotalBps, o.address); err != nil {
			return ledgerErr(err)
		}
		return o.record(ctx, KindRelease, p, amount, caller)
	})
}

// RefundInEscrow returns held funds to the payer. It needs no cooperation
// from the receiver.
func (o *Operator) RefundInEscrow(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	return o.run(ctx, KindRefundInEscrow.String(), spanAttrs(p, amount), func(ctx context.Context) error {
		if err := o.checkPayment(p); err != nil {
			return err
		}
		if err := checkPositive(amount); err != nil {
			return err
		}
		pos, err := o.ledger.Position(ctx, p.Hash())
		if err != nil {
			return ledgerErr(err)
		}
		if pos.Capturable == nil || amount.Gt(pos.Capturable) {
			return fmt.Errorf("%w: %s > %s", ErrExceedsCapturable, amount.Dec(), decOrZero(pos.Capturable))
		}
		if err := o.checkCondition(ctx, KindRefundInEscrow, p, amount, caller); err != nil {
			return err
		}
		o.enqueue(ctx, o.newRefundEvent(p, amount, caller, RefundModeInEscrow))
		if err := o.ledger.PartialVoid(ctx, o.address, p, amount); err != nil {
			return ledgerErr(err)
		}
		return o.record(ctx, KindRefundInEscrow, p, amount, caller)
	})
}

// RefundPostEscrow returns already released value to the payer, collected
// from source. Only source itself may ask, so the receiver (or the operator
// funding the refund) has to cooperate.
func (o *Operator) RefundPostEscrow(ctx context.Context, p *payment.Payment, amount *uint256.Int, source, caller payment.Address) error {
	return o.run(ctx, KindRefundPostEscrow.String(), spanAttrs(p, amount), func(ctx context.Context) error {
		if err := o.checkPayment(p); err != nil {
			return err
		}
		if err := checkPositive(amount); err != nil {
			return err
		}
		pos, err := o.ledger.Position(ctx, p.Hash())
		if err != nil {
			return ledgerErr(err)
		}
		if pos.Refundable == nil || amount.Gt(pos.Refundable) {
			return fmt.Errorf("%w: %s > %s", ErrExceedsRefundable, amount.Dec(), decOrZero(pos.Refundable))
		}
		if err := checkSource(source, caller); err != nil {
			return err
		}
		if err := o.checkCondition(ctx, KindRefundPostEscrow, p, amount, caller); err != nil {
			return err
		}
		o.enqueue(ctx, o.newRefundEvent(p, amount, caller, RefundModePostEscrow))
		if err := o.ledger.Refund(ctx, o.address, p, amount, source); err != nil {
			return ledgerErr(err)
		}
		return o.record(ctx, KindRefundPostEscrow, p, amount, caller)
	})
}

// Distribution reports what DistributeFees paid out.
type Distribution struct {
	Token             payment.Address
	ProtocolRecipient payment.Address
	ProtocolAmount    *uint256.Int
	OperatorRecipient payment.Address
	OperatorAmount    *uint256.Int
}

// DistributeFees pays the accumulated protocol share for token to the
// protocol recipient and everything else the operator holds in token to the
// operator's fee recipient. The protocol payout is capped at the operator's
// observed balance; any shortfall stays accumulated.
func (o *Operator) DistributeFees(ctx context.Context, token, caller payment.Address) (Distribution, error) {
	var out Distribution
	attrs := []attribute.KeyValue{attribute.String("token", token.String())}
	err := o.run(ctx, "distribute", attrs, func(ctx context.Context) error {
		accumulated, err := o.fees.Accumulated(ctx, o.address, token)
		if err != nil {
			return err
		}
		balance, err := o.ledger.Balance(ctx, o.address, token)
		if err != nil {
			return ledgerErr(err)
		}
		protocolAmount := new(uint256.Int).Set(accumulated)
		if protocolAmount.Gt(balance) {
			protocolAmount.Set(balance)
		}
		operatorAmount := new(uint256.Int).Sub(balance, protocolAmount)
		recipient := o.protocol.Recipient()
		out = Distribution{
			Token:             token,
			ProtocolRecipient: recipient,
			ProtocolAmount:    protocolAmount,
			OperatorRecipient: o.feeRecipient,
			OperatorAmount:    operatorAmount,
		}
		if protocolAmount.IsZero() && operatorAmount.IsZero() {
			return nil
		}
		if err := o.fees.Debit(ctx, o.address, token, protocolAmount); err != nil {
			return err
		}
		o.enqueue(ctx, fees.NewDistributedEvent(o.address, token, recipient, o.feeRecipient, protocolAmount, operatorAmount, caller, o.now()))
		if !protocolAmount.IsZero() {
			if err := o.ledger.Transfer(ctx, o.address, recipient, token, protocolAmount); err != nil {
				return ledgerErr(err)
			}
		}
		if !operatorAmount.IsZero() && o.feeRecipient != o.address {
			if err := o.ledger.Transfer(ctx, o.address, o.feeRecipient, token, operatorAmount); err != nil {
				return ledgerErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return Distribution{}, err
	}
	o.metrics.RecordDistribution(token.String(), "protocol", approx(out.ProtocolAmount))
	o.metrics.RecordDistribution(token.String(), "operator", approx(out.OperatorAmount))
	return out, nil
}

// LockedFee returns the fee locked for the payment at authorization.
func (o *Operator) LockedFee(ctx context.Context, hash payment.Hash) (fees.LockedFee, bool, error) {
	return o.fees.Locked(ctx, hash)
}

// AccumulatedProtocolFees returns the protocol share pending distribution for
// token.
func (o *Operator) AccumulatedProtocolFees(ctx context.Context, token payment.Address) (*uint256.Int, error) {
	return o.fees.Accumulated(ctx, o.address, token)
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func approx(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return v.Float64()
}
