package operator

import (
	"context"
	"strconv"

	"github.com/holiman/uint256"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/fees"
	"escrowd/native/payment"
)

const (
	EventTypeAuthorizationCreated = "operator.authorization_created"
	EventTypeChargeExecuted       = "operator.charge_executed"
	EventTypeReleaseExecuted      = "operator.release_executed"
	EventTypeRefundExecuted       = "operator.refund_executed"
)

// Refund modes carried by RefundExecuted events.
const (
	RefundModeInEscrow   = "in_escrow"
	RefundModePostEscrow = "post_escrow"
)

// enqueue schedules evt for delivery once the enclosing unit commits.
func (o *Operator) enqueue(ctx context.Context, evt *types.Event) {
	emitter := o.emitter
	o.state.OnCommit(ctx, func() { emitter.Emit(events.Wrapped{Evt: evt}) })
}

func (o *Operator) newPaymentEvent(eventType string, p *payment.Payment, amount *uint256.Int, actor payment.Address) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"paymentHash": p.Hash().String(),
			"operator":    o.address.String(),
			"payer":       p.Payer.String(),
			"receiver":    p.Receiver.String(),
			"token":       p.Token.String(),
			"amount":      amount.Dec(),
			"actor":       actor.String(),
			"timestamp":   strconv.FormatInt(o.now(), 10),
		},
	}
}

func (o *Operator) newAuthorizedEvent(eventType string, p *payment.Payment, amount *uint256.Int, actor payment.Address, locked fees.LockedFee) *types.Event {
	evt := o.newPaymentEvent(eventType, p, amount, actor)
	evt.Attributes["feeBps"] = strconv.FormatUint(uint64(locked.TotalBps), 10)
	evt.Attributes["protocolFeeBps"] = strconv.FormatUint(uint64(locked.ProtocolBps), 10)
	return evt
}

func (o *Operator) newSettledEvent(eventType string, p *payment.Payment, amount *uint256.Int, actor payment.Address, fee *uint256.Int, shares fees.Shares) *types.Event {
	evt := o.newPaymentEvent(eventType, p, amount, actor)
	evt.Attributes["fee"] = fee.Dec()
	evt.Attributes["protocolFee"] = shares.Protocol.Dec()
	evt.Attributes["operatorFee"] = shares.Operator.Dec()
	return evt
}

func (o *Operator) newRefundEvent(p *payment.Payment, amount *uint256.Int, actor payment.Address, mode string) *types.Event {
	evt := o.newPaymentEvent(EventTypeRefundExecuted, p, amount, actor)
	evt.Attributes["mode"] = mode
	return evt
}
