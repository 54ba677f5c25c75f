package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"escrowd/native/escrowperiod"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/native/operator"
	"escrowd/native/payment"
	"escrowd/native/refunds"
)

const maxBodyBytes = 1 << 20

// OperationRequest is the body of every payment operation.
type OperationRequest struct {
	Payment *payment.Payment `json:"payment"`
	Amount  string           `json:"amount"`
	// Source is the account funds are pulled from. Authorize and charge
	// default to the payer; refund-post-escrow defaults to the receiver.
	Source string `json:"source,omitempty"`
}

// RefundCreateRequest opens a refund request.
type RefundCreateRequest struct {
	Payment *payment.Payment `json:"payment"`
	Nonce   uint64           `json:"nonce"`
	Amount  string           `json:"amount"`
	Reason  string           `json:"reason"`
}

// RefundKeyRequest identifies a refund request to resolve.
type RefundKeyRequest struct {
	Payer       string `json:"payer"`
	PaymentHash string `json:"paymentHash"`
	Nonce       uint64 `json:"nonce"`
}

// DistributeRequest selects the token to distribute.
type DistributeRequest struct {
	Token string `json:"token"`
}

// ProtocolChangeRequest carries the value of a queued protocol change.
type ProtocolChangeRequest struct {
	Bps       *uint16 `json:"bps,omitempty"`
	Recipient string  `json:"recipient,omitempty"`
}

// PositionResponse renders a ledger position.
type PositionResponse struct {
	HasFunds   bool   `json:"hasFunds"`
	Authorized string `json:"authorized"`
	Capturable string `json:"capturable"`
	Refundable string `json:"refundable"`
	Refunded   string `json:"refunded"`
}

// LockedFeeResponse renders the fee locked at authorization.
type LockedFeeResponse struct {
	TotalBps    uint16 `json:"totalBps"`
	ProtocolBps uint16 `json:"protocolBps"`
}

// EscrowPeriodResponse renders the escrow-period sub-state.
type EscrowPeriodResponse struct {
	Status       string `json:"status"`
	AuthorizedAt uint64 `json:"authorizedAt,omitempty"`
	FrozenUntil  uint64 `json:"frozenUntil,omitempty"`
}

// PaymentResponse aggregates everything known about a payment hash.
type PaymentResponse struct {
	Hash         string                `json:"hash"`
	Position     PositionResponse      `json:"position"`
	LockedFee    *LockedFeeResponse    `json:"lockedFee,omitempty"`
	EscrowPeriod *EscrowPeriodResponse `json:"escrowPeriod,omitempty"`
}

// OperationResponse acknowledges an executed operation.
type OperationResponse struct {
	Operation   string           `json:"operation"`
	PaymentHash string           `json:"paymentHash"`
	Amount      string           `json:"amount,omitempty"`
	Position    PositionResponse `json:"position"`
}

// FreezeResponse reports a freeze.
type FreezeResponse struct {
	PaymentHash string `json:"paymentHash"`
	FrozenUntil uint64 `json:"frozenUntil"`
}

// DistributionResponse renders a fee distribution.
type DistributionResponse struct {
	Token             string `json:"token"`
	ProtocolRecipient string `json:"protocolRecipient"`
	ProtocolAmount    string `json:"protocolAmount"`
	OperatorRecipient string `json:"operatorRecipient"`
	OperatorAmount    string `json:"operatorAmount"`
}

// ProtocolResponse renders the protocol fee configuration.
type ProtocolResponse struct {
	Owner      string          `json:"owner"`
	Calculator string          `json:"calculator"`
	Recipient  string          `json:"recipient"`
	DelaySecs  int64           `json:"delaySeconds"`
	Pending    []fees.Proposal `json:"pending"`
}

// BalanceResponse renders an account balance.
type BalanceResponse struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func parseAmountField(raw string) (*uint256.Int, error) {
	amount, err := payment.ParseAmount(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", errBadRequest, err)
	}
	return amount, nil
}

func parseAddressField(field, raw string) (payment.Address, error) {
	addr, err := payment.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return payment.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return addr, nil
}

func parseHashField(raw string) (payment.Hash, error) {
	hash, err := payment.ParseHash(strings.TrimSpace(raw))
	if err != nil {
		return payment.Hash{}, fmt.Errorf("%w: payment hash: %v", errBadRequest, err)
	}
	return hash, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func positionResponse(pos ledger.Position) PositionResponse {
	return PositionResponse{
		HasFunds:   pos.HasFunds,
		Authorized: decimal(pos.Authorized),
		Capturable: decimal(pos.Capturable),
		Refundable: decimal(pos.Refundable),
		Refunded:   decimal(pos.Refunded),
	}
}

func periodResponse(status escrowperiod.Status, rec escrowperiod.Record) *EscrowPeriodResponse {
	return &EscrowPeriodResponse{Status: status.String(), AuthorizedAt: rec.AuthorizedAt, FrozenUntil: rec.FrozenUntil}
}

func distributionResponse(d operator.Distribution) DistributionResponse {
	return DistributionResponse{
		Token:             d.Token.String(),
		ProtocolRecipient: d.ProtocolRecipient.String(),
		ProtocolAmount:    decimal(d.ProtocolAmount),
		OperatorRecipient: d.OperatorRecipient.String(),
		OperatorAmount:    decimal(d.OperatorAmount),
	}
}

func refundKey(req RefundKeyRequest) (refunds.Key, error) {
	payer, err := parseAddressField("payer", req.Payer)
	if err != nil {
		return refunds.Key{}, err
	}
	hash, err := parseHashField(req.PaymentHash)
	if err != nil {
		return refunds.Key{}, err
	}
	return refunds.Key{Payer: payer, PaymentHash: hash, Nonce: req.Nonce}, nil
}
