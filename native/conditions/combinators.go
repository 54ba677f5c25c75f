package conditions

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"escrowd/native/payment"
)

// sizer is implemented by combinators so nested trees count towards the
// MaxConditions limit of their parent.
type sizer interface {
	size() int
}

// Size returns the number of leaf conditions in c.
func Size(c Condition) int {
	if s, ok := c.(sizer); ok {
		return s.size()
	}
	return 1
}

func treeSize(members []Condition) (int, error) {
	if len(members) == 0 {
		return 0, ErrEmptyCombinator
	}
	total := 0
	for i, member := range members {
		if member == nil {
			return 0, fmt.Errorf("%w at position %d", ErrNilMember, i)
		}
		total += Size(member)
	}
	if total > MaxConditions {
		return 0, fmt.Errorf("%w: %d exceeds %d", ErrTooManyConditions, total, MaxConditions)
	}
	return total, nil
}

// AndCondition is true iff every member is true. Evaluation stops at the
// first false member or error.
type AndCondition struct {
	members []Condition
	leaves  int
}

// And builds an AndCondition.
func And(members ...Condition) (*AndCondition, error) {
	leaves, err := treeSize(members)
	if err != nil {
		return nil, err
	}
	return &AndCondition{members: append([]Condition(nil), members...), leaves: leaves}, nil
}

func (a *AndCondition) size() int { return a.leaves }

func (a *AndCondition) Check(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (bool, error) {
	for _, member := range a.members {
		ok, err := member.Check(ctx, p, amount, caller)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// OrCondition is true iff any member is true. Evaluation stops at the first
// true member or error.
type OrCondition struct {
	members []Condition
	leaves  int
}

// Or builds an OrCondition.
func Or(members ...Condition) (*OrCondition, error) {
	leaves, err := treeSize(members)
	if err != nil {
		return nil, err
	}
	return &OrCondition{members: append([]Condition(nil), members...), leaves: leaves}, nil
}

func (o *OrCondition) size() int { return o.leaves }

func (o *OrCondition) Check(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (bool, error) {
	for _, member := range o.members {
		ok, err := member.Check(ctx, p, amount, caller)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// NotCondition negates its member.
type NotCondition struct {
	member Condition
	leaves int
}

// Not builds a NotCondition.
func Not(member Condition) (*NotCondition, error) {
	leaves, err := treeSize([]Condition{member})
	if err != nil {
		return nil, err
	}
	return &NotCondition{member: member, leaves: leaves}, nil
}

func (n *NotCondition) size() int { return n.leaves }

func (n *NotCondition) Check(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) (bool, error) {
	ok, err := n.member.Check(ctx, p, amount, caller)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// RecorderChain invokes its members in order and stops at the first error.
type RecorderChain struct {
	members []Recorder
}

// Recorders builds a RecorderChain with between 1 and MaxConditions members.
func Recorders(members ...Recorder) (*RecorderChain, error) {
	if len(members) == 0 {
		return nil, ErrEmptyCombinator
	}
	if len(members) > MaxConditions {
		return nil, fmt.Errorf("%w: %d recorders exceed %d", ErrTooManyConditions, len(members), MaxConditions)
	}
	for i, member := range members {
		if member == nil {
			return nil, fmt.Errorf("%w at position %d", ErrNilMember, i)
		}
	}
	return &RecorderChain{members: append([]Recorder(nil), members...)}, nil
}

func (r *RecorderChain) Record(ctx context.Context, p *payment.Payment, amount *uint256.Int, caller payment.Address) error {
	for _, member := range r.members {
		if err := member.Record(ctx, p, amount, caller); err != nil {
			return err
		}
	}
	return nil
}
