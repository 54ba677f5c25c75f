package escrowperiod

import (
	"strconv"

	"github.com/holiman/uint256"

	"escrowd/core/types"
	"escrowd/native/payment"
)

const (
	EventTypeAuthorizationRecorded = "escrowperiod.authorization_recorded"
	EventTypePaymentFrozen         = "escrowperiod.frozen"
	EventTypePaymentUnfrozen       = "escrowperiod.unfrozen"
)

func newRecordedEvent(hash payment.Hash, amount *uint256.Int, actor payment.Address, now, holdEnds uint64) *types.Event {
	amt := "0"
	if amount != nil {
		amt = amount.Dec()
	}
	return &types.Event{
		Type: EventTypeAuthorizationRecorded,
		Attributes: map[string]string{
			"paymentHash": hash.String(),
			"amount":      amt,
			"actor":       actor.String(),
			"timestamp":   strconv.FormatUint(now, 10),
			"holdEnds":    strconv.FormatUint(holdEnds, 10),
		},
	}
}

func newFrozenEvent(hash payment.Hash, actor payment.Address, now, frozenUntil uint64) *types.Event {
	until := strconv.FormatUint(frozenUntil, 10)
	if frozenUntil == Unbounded {
		until = "unbounded"
	}
	return &types.Event{
		Type: EventTypePaymentFrozen,
		Attributes: map[string]string{
			"paymentHash": hash.String(),
			"amount":      "0",
			"actor":       actor.String(),
			"timestamp":   strconv.FormatUint(now, 10),
			"frozenUntil": until,
		},
	}
}

func newUnfrozenEvent(hash payment.Hash, actor payment.Address, now uint64) *types.Event {
	return &types.Event{
		Type: EventTypePaymentUnfrozen,
		Attributes: map[string]string{
			"paymentHash": hash.String(),
			"amount":      "0",
			"actor":       actor.String(),
			"timestamp":   strconv.FormatUint(now, 10),
		},
	}
}
