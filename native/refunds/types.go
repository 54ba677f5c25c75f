package refunds

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"escrowd/native/payment"
)

// Status enumerates the refund request lifecycle.
type Status uint8

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "pending":
		*s = StatusPending
	case "approved":
		*s = StatusApproved
	case "denied":
		*s = StatusDenied
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("refunds: unknown status %q", string(text))
	}
	return nil
}

// Key identifies a request. A payer chooses the nonce and may not reuse it
// for the same payment.
type Key struct {
	Payer       payment.Address
	PaymentHash payment.Hash
	Nonce       uint64
}

// Request is a payer's formal ask for a refund. It only tracks intent and
// disposition; funds move through the operator's refund operations.
type Request struct {
	Payer       payment.Address `json:"payer"`
	Receiver    payment.Address `json:"receiver"`
	PaymentHash payment.Hash    `json:"paymentHash"`
	Nonce       uint64          `json:"nonce"`
	Amount      *uint256.Int    `json:"amount"`
	Reason      string          `json:"reason"`
	Status      Status          `json:"status"`
	CreatedAt   uint64          `json:"createdAt"`
	ResolvedAt  uint64          `json:"resolvedAt"`
	ResolvedBy  payment.Address `json:"resolvedBy"`
}

// Key returns the identifier of the request.
func (r *Request) Key() Key {
	return Key{Payer: r.Payer, PaymentHash: r.PaymentHash, Nonce: r.Nonce}
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(uint256.Int).Set(r.Amount)
	}
	return &clone
}
