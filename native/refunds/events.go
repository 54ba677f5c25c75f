package refunds

import (
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeRefundRequestCreated = "refunds.request.created"
	EventTypeRefundRequestUpdated = "refunds.request.updated"
)

func newCreatedEvent(req *Request) *types.Event {
	return newRequestEvent(EventTypeRefundRequestCreated, req, req.Payer.String(), req.CreatedAt)
}

func newUpdatedEvent(req *Request) *types.Event {
	return newRequestEvent(EventTypeRefundRequestUpdated, req, req.ResolvedBy.String(), req.ResolvedAt)
}

func newRequestEvent(eventType string, req *Request, actor string, ts uint64) *types.Event {
	attrs := map[string]string{
		"paymentHash": req.PaymentHash.String(),
		"payer":       req.Payer.String(),
		"nonce":       strconv.FormatUint(req.Nonce, 10),
		"amount":      req.Amount.Dec(),
		"status":      req.Status.String(),
		"actor":       actor,
		"timestamp":   strconv.FormatUint(ts, 10),
	}
	if req.Reason != "" {
		attrs["reason"] = req.Reason
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
