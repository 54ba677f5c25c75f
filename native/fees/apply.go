package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"escrowd/native/payment"
)

// MaxBps is the basis-point denominator; 10_000 bps == 100%.
const MaxBps = payment.MaxBps

var (
	// ErrFeeBoundsIncompatible is returned when the combined fee rate falls
	// outside the payment's accepted range or exceeds 100%.
	ErrFeeBoundsIncompatible = errors.New("fees: fee rate incompatible with payment bounds")
	errNilCalculator         = errors.New("fees: calculator not configured")
)

var bpsDenominator = uint256.NewInt(MaxBps)

// ComputeFee returns floor(amount*bps/10000). Truncation always favours the
// payer: with 50 bps any amount below 200 yields a zero fee.
func ComputeFee(amount *uint256.Int, bps uint16) *uint256.Int {
	if amount == nil || amount.IsZero() || bps == 0 {
		return new(uint256.Int)
	}
	fee, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(bps)), bpsDenominator)
	if overflow {
		// Only reachable for rates above MaxBps on amounts near 2^256.
		return new(uint256.Int).Set(amount)
	}
	return fee
}

// Shares is the result of splitting a fee between the protocol and the
// operator. Protocol + Operator always equals the split total.
type Shares struct {
	Protocol *uint256.Int
	Operator *uint256.Int
}

// Split divides total so that Protocol = floor(total*num/den) and Operator
// receives the remainder. A zero denominator assigns everything to the
// operator; num is clamped to den.
func Split(total *uint256.Int, num, den uint64) Shares {
	if total == nil {
		total = new(uint256.Int)
	}
	if den == 0 || num == 0 {
		return Shares{Protocol: new(uint256.Int), Operator: new(uint256.Int).Set(total)}
	}
	if num > den {
		num = den
	}
	protocol, overflow := new(uint256.Int).MulDivOverflow(total, uint256.NewInt(num), uint256.NewInt(den))
	if overflow {
		protocol = new(uint256.Int).Set(total)
	}
	operator := new(uint256.Int).Sub(total, protocol)
	return Shares{Protocol: protocol, Operator: operator}
}

// ValidateBounds checks that protocolBps+operatorBps does not exceed MaxBps
// and lies within [p.MinFeeBps, p.MaxFeeBps]. It returns the combined rate.
func ValidateBounds(p *payment.Payment, protocolBps, operatorBps uint16) (uint16, error) {
	if p == nil {
		return 0, ErrFeeBoundsIncompatible
	}
	combined := uint32(protocolBps) + uint32(operatorBps)
	if combined > MaxBps {
		return 0, fmt.Errorf("%w: combined %d bps exceeds %d", ErrFeeBoundsIncompatible, combined, MaxBps)
	}
	if combined < uint32(p.MinFeeBps) || combined > uint32(p.MaxFeeBps) {
		return 0, fmt.Errorf("%w: combined %d bps outside [%d, %d]", ErrFeeBoundsIncompatible, combined, p.MinFeeBps, p.MaxFeeBps)
	}
	return uint16(combined), nil
}

// Calculator quotes the protocol fee rate for a payment.
type Calculator interface {
	FeeBps(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (uint16, error)
}

// StaticCalculator quotes the same rate for every payment.
type StaticCalculator uint16

// FeeBps implements Calculator.
func (s StaticCalculator) FeeBps(context.Context, *payment.Payment, *uint256.Int, payment.Address) (uint16, error) {
	if uint16(s) > MaxBps {
		return 0, fmt.Errorf("%w: static rate %d bps exceeds %d", ErrFeeBoundsIncompatible, uint16(s), MaxBps)
	}
	return uint16(s), nil
}

// String renders the calculator for audit records.
func (s StaticCalculator) String() string { return fmt.Sprintf("static:%d", uint16(s)) }

// Quote asks calc for the protocol rate of a payment.
func Quote(ctx context.Context, calc Calculator, p *payment.Payment, amount *uint256.Int, caller payment.Address) (uint16, error) {
	if calc == nil {
		return 0, errNilCalculator
	}
	return calc.FeeBps(ctx, p, amount, caller)
}

// LockedFee is the fee rate fixed for a payment when it was authorized.
type LockedFee struct {
	TotalBps    uint16
	ProtocolBps uint16
}

// Apply computes the total fee for amount at the locked rate and splits it
// between protocol and operator in proportion ProtocolBps/TotalBps.
func (l LockedFee) Apply(amount *uint256.Int) (*uint256.Int, Shares) {
	total := ComputeFee(amount, l.TotalBps)
	return total, Split(total, uint64(l.ProtocolBps), uint64(l.TotalBps))
}

func describeCalculator(calc Calculator) string {
	if calc == nil {
		return ""
	}
	if s, ok := calc.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", calc)
}
