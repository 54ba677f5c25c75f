package conditions

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"escrowd/native/payment"
)

var (
	// ErrEmptyCombinator is returned when a combinator is built without members.
	ErrEmptyCombinator = errors.New("conditions: combinator requires at least one member")
	// ErrTooManyConditions is returned when a tree exceeds MaxConditions leaves.
	ErrTooManyConditions = errors.New("conditions: too many conditions")
	// ErrNilMember is returned when a combinator member is nil.
	ErrNilMember = errors.New("conditions: nil member")
	// ErrUntrustedOperator is returned by recorders invoked on behalf of an
	// operator outside their injected allow-list.
	ErrUntrustedOperator = errors.New("conditions: untrusted operator")
)

// MaxConditions bounds the number of leaf conditions in a single tree.
const MaxConditions = 10

// Condition gates whether an operation may proceed. Implementations must be
// read-only: the engine relies on the absence of side effects when it
// short-circuits or re-orders evaluation.
type Condition interface {
	Check(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (bool, error)
}

// Recorder is invoked after an operation has succeeded against the ledger. It
// may only mutate its own state.
type Recorder interface {
	Record(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) error
}

// ConditionFunc adapts a plain function into a Condition.
type ConditionFunc func(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (bool, error)

// Check implements Condition.
func (f ConditionFunc) Check(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (bool, error) {
	return f(ctx, p, amount, caller)
}

// RecorderFunc adapts a plain function into a Recorder.
type RecorderFunc func(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	return f(ctx, p, amount, caller)
}

// Always permits every call.
type Always struct{}

func (Always) Check(context.Context, *payment.Payment, *uint256.Int, payment.Address) (bool, error) {
	return true, nil
}

// Payer permits calls made by the payment's payer.
type Payer struct{}

func (Payer) Check(_ context.Context, p *payment.Payment, _ *uint256.Int, caller payment.Address) (bool, error) {
	return p != nil && caller == p.Payer, nil
}

// Receiver permits calls made by the payment's receiver.
type Receiver struct{}

func (Receiver) Check(_ context.Context, p *payment.Payment, _ *uint256.Int, caller payment.Address) (bool, error) {
	return p != nil && caller == p.Receiver, nil
}

// StaticAddress permits calls made by any of a fixed set of addresses, e.g.
// an arbiter or a service account.
type StaticAddress struct {
	allowed map[payment.Address]struct{}
}

// NewStaticAddress builds a StaticAddress condition for the supplied set.
func NewStaticAddress(addrs ...payment.Address) *StaticAddress {
	allowed := make(map[payment.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if addr.IsZero() {
			continue
		}
		allowed[addr] = struct{}{}
	}
	return &StaticAddress{allowed: allowed}
}

func (s *StaticAddress) Check(_ context.Context, _ *payment.Payment, _ *uint256.Int, caller payment.Address) (bool, error) {
	if s == nil {
		return false, nil
	}
	_, ok := s.allowed[caller]
	return ok, nil
}

// OperatorSet is the allow-list of operator instances a shared recorder
// accepts calls for. It is fixed at construction.
type OperatorSet struct {
	members map[payment.Address]struct{}
}

// NewOperatorSet returns the allow-list for the supplied operators.
func NewOperatorSet(operators ...payment.Address) OperatorSet {
	members := make(map[payment.Address]struct{}, len(operators))
	for _, op := range operators {
		if !op.IsZero() {
			members[op] = struct{}{}
		}
	}
	return OperatorSet{members: members}
}

// Verify returns ErrUntrustedOperator unless the payment names a member
// operator.
func (s OperatorSet) Verify(p *payment.Payment) error {
	if p == nil {
		return ErrUntrustedOperator
	}
	if _, ok := s.members[p.Operator]; !ok {
		return ErrUntrustedOperator
	}
	return nil
}
