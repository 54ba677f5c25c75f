package fees

import (
	"strconv"

	"github.com/holiman/uint256"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/payment"
)

const (
	EventTypeProtocolFeeChangeQueued    = "fees.protocol.change_queued"
	EventTypeProtocolFeeChangeExecuted  = "fees.protocol.change_executed"
	EventTypeProtocolFeeChangeCancelled = "fees.protocol.change_cancelled"
	EventTypeFeesDistributed            = "fees.distributed"
)

func newChangeEvent(eventType, item, value string, executeAfter int64, actor payment.Address, now int64) events.Event {
	return events.Wrapped{Evt: &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"item":         item,
			"value":        value,
			"executeAfter": strconv.FormatInt(executeAfter, 10),
			"actor":        actor.String(),
			"timestamp":    strconv.FormatInt(now, 10),
		},
	}}
}

// NewDistributedEvent returns the payload emitted when accumulated fees for a
// token are paid out.
func NewDistributedEvent(operator, token, protocolRecipient, operatorRecipient payment.Address, protocolAmount, operatorAmount *uint256.Int, actor payment.Address, now int64) *types.Event {
	return &types.Event{
		Type: EventTypeFeesDistributed,
		Attributes: map[string]string{
			"operator":          operator.String(),
			"token":             token.String(),
			"protocolRecipient": protocolRecipient.String(),
			"operatorRecipient": operatorRecipient.String(),
			"protocolAmount":    decimal(protocolAmount),
			"operatorAmount":    decimal(operatorAmount),
			"amount":            decimal(new(uint256.Int).Add(orZero(protocolAmount), orZero(operatorAmount))),
			"actor":             actor.String(),
			"timestamp":         strconv.FormatInt(now, 10),
		},
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func decimal(v *uint256.Int) string {
	return orZero(v).Dec()
}
