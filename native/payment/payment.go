package payment

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MaxBps is the basis-point denominator; 10_000 bps == 100%.
const MaxBps = 10_000

// EncodedLength is the size in bytes of the canonical serialization.
const EncodedLength = 20*4 + 32 + 8*3 + 2*2 + 20 + 32

var (
	ErrInvalidPayment = errors.New("payment: invalid payment")
)

// Payment is the immutable agreement describing one escrowed transfer. Its
// identity is Hash(): two payments with identical fields are the same record.
type Payment struct {
	Operator            Address
	Payer               Address
	Receiver            Address
	Token               Address
	MaxAmount           *uint256.Int
	PreApprovalExpiry   uint64
	AuthorizationExpiry uint64
	RefundExpiry        uint64
	MinFeeBps           uint16
	MaxFeeBps           uint16
	FeeReceiver         Address
	Salt                *uint256.Int
}

// Clone returns a deep copy of the payment so callers can safely mutate the
// copy without affecting the original.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	clone.MaxAmount = cloneInt(p.MaxAmount)
	clone.Salt = cloneInt(p.Salt)
	return &clone
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// Encode returns the canonical serialization: fixed field order with
// fixed-width big-endian integers.
func (p *Payment) Encode() []byte {
	buf := make([]byte, 0, EncodedLength)
	buf = append(buf, p.Operator[:]...)
	buf = append(buf, p.Payer[:]...)
	buf = append(buf, p.Receiver[:]...)
	buf = append(buf, p.Token[:]...)
	maxAmount := cloneInt(p.MaxAmount).Bytes32()
	buf = append(buf, maxAmount[:]...)
	buf = binary.BigEndian.AppendUint64(buf, p.PreApprovalExpiry)
	buf = binary.BigEndian.AppendUint64(buf, p.AuthorizationExpiry)
	buf = binary.BigEndian.AppendUint64(buf, p.RefundExpiry)
	buf = binary.BigEndian.AppendUint16(buf, p.MinFeeBps)
	buf = binary.BigEndian.AppendUint16(buf, p.MaxFeeBps)
	buf = append(buf, p.FeeReceiver[:]...)
	salt := cloneInt(p.Salt).Bytes32()
	buf = append(buf, salt[:]...)
	return buf
}

// Hash returns the keccak256 digest of the canonical serialization.
func (p *Payment) Hash() Hash {
	return Hash(ethcrypto.Keccak256Hash(p.Encode()))
}

// Validate checks the static well-formedness of the payment.
func (p *Payment) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil payment", ErrInvalidPayment)
	}
	if p.Operator.IsZero() || p.Payer.IsZero() || p.Receiver.IsZero() || p.Token.IsZero() {
		return fmt.Errorf("%w: operator, payer, receiver and token are required", ErrInvalidPayment)
	}
	if p.MaxAmount == nil || p.MaxAmount.IsZero() {
		return fmt.Errorf("%w: max amount must be positive", ErrInvalidPayment)
	}
	if p.MaxFeeBps > MaxBps {
		return fmt.Errorf("%w: max fee bps %d exceeds %d", ErrInvalidPayment, p.MaxFeeBps, MaxBps)
	}
	if p.MinFeeBps > p.MaxFeeBps {
		return fmt.Errorf("%w: min fee bps %d above max fee bps %d", ErrInvalidPayment, p.MinFeeBps, p.MaxFeeBps)
	}
	if p.PreApprovalExpiry > p.AuthorizationExpiry || p.AuthorizationExpiry > p.RefundExpiry {
		return fmt.Errorf("%w: expiries must satisfy preApproval <= authorization <= refund", ErrInvalidPayment)
	}
	return nil
}

type paymentJSON struct {
	Operator            Address `json:"operator"`
	Payer               Address `json:"payer"`
	Receiver            Address `json:"receiver"`
	Token               Address `json:"token"`
	MaxAmount           string  `json:"maxAmount"`
	PreApprovalExpiry   uint64  `json:"preApprovalExpiry"`
	AuthorizationExpiry uint64  `json:"authorizationExpiry"`
	RefundExpiry        uint64  `json:"refundExpiry"`
	MinFeeBps           uint16  `json:"minFeeBps"`
	MaxFeeBps           uint16  `json:"maxFeeBps"`
	FeeReceiver         Address `json:"feeReceiver"`
	Salt                string  `json:"salt"`
}

// MarshalJSON renders amounts as decimal strings and addresses as hex.
func (p Payment) MarshalJSON() ([]byte, error) {
	return json.Marshal(paymentJSON{
		Operator:            p.Operator,
		Payer:               p.Payer,
		Receiver:            p.Receiver,
		Token:               p.Token,
		MaxAmount:           cloneInt(p.MaxAmount).Dec(),
		PreApprovalExpiry:   p.PreApprovalExpiry,
		AuthorizationExpiry: p.AuthorizationExpiry,
		RefundExpiry:        p.RefundExpiry,
		MinFeeBps:           p.MinFeeBps,
		MaxFeeBps:           p.MaxFeeBps,
		FeeReceiver:         p.FeeReceiver,
		Salt:                cloneInt(p.Salt).Dec(),
	})
}

// UnmarshalJSON accepts the form produced by MarshalJSON.
func (p *Payment) UnmarshalJSON(data []byte) error {
	var raw paymentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	maxAmount, err := ParseAmount(raw.MaxAmount)
	if err != nil {
		return fmt.Errorf("payment: maxAmount: %w", err)
	}
	salt := new(uint256.Int)
	if raw.Salt != "" {
		if salt, err = ParseAmount(raw.Salt); err != nil {
			return fmt.Errorf("payment: salt: %w", err)
		}
	}
	*p = Payment{
		Operator:            raw.Operator,
		Payer:               raw.Payer,
		Receiver:            raw.Receiver,
		Token:               raw.Token,
		MaxAmount:           maxAmount,
		PreApprovalExpiry:   raw.PreApprovalExpiry,
		AuthorizationExpiry: raw.AuthorizationExpiry,
		RefundExpiry:        raw.RefundExpiry,
		MinFeeBps:           raw.MinFeeBps,
		MaxFeeBps:           raw.MaxFeeBps,
		FeeReceiver:         raw.FeeReceiver,
		Salt:                salt,
	}
	return nil
}

// ParseAmount decodes a base-10 amount string.
func ParseAmount(raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("amount required")
	}
	return uint256.FromDecimal(raw)
}
