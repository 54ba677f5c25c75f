package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"escrowd/native/payment"
)

var (
	// ErrFeeAlreadyLocked is returned when a second lock is attempted for the
	// same payment.
	ErrFeeAlreadyLocked = errors.New("fees: fee already locked")
	// ErrInsufficientAccumulated is returned when a debit exceeds the
	// accumulated protocol balance.
	ErrInsufficientAccumulated = errors.New("fees: insufficient accumulated balance")
	errNilState                = errors.New("fees: state not configured")
)

var (
	lockPrefix        = []byte("fees/locked/")
	accumulatorPrefix = []byte("fees/accumulated/")
)

type feeState interface {
	KVGet(ctx context.Context, key []byte, out interface{}) (bool, error)
	KVPut(ctx context.Context, key []byte, value interface{}) error
}

// Store persists locked fee records and accumulated protocol balances. All
// mutations are expected to run inside the caller's atomic state unit so that
// concurrent releases across payments never lose an increment.
type Store struct {
	state feeState
}

// NewStore returns a store backed by the supplied state.
func NewStore(state feeState) *Store {
	return &Store{state: state}
}

func lockKey(hash payment.Hash) []byte {
	key := make([]byte, 0, len(lockPrefix)+len(hash))
	key = append(key, lockPrefix...)
	return append(key, hash[:]...)
}

func accumulatorKey(operator, token payment.Address) []byte {
	key := make([]byte, 0, len(accumulatorPrefix)+len(operator)+len(token))
	key = append(key, accumulatorPrefix...)
	key = append(key, operator[:]...)
	return append(key, token[:]...)
}

// Lock writes the fee record for hash. A record can only be written once.
func (s *Store) Lock(ctx context.Context, hash payment.Hash, fee LockedFee) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	key := lockKey(hash)
	var existing LockedFee
	ok, err := s.state.KVGet(ctx, key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrFeeAlreadyLocked, hash)
	}
	return s.state.KVPut(ctx, key, fee)
}

// Locked returns the fee record for hash.
func (s *Store) Locked(ctx context.Context, hash payment.Hash) (LockedFee, bool, error) {
	if s == nil || s.state == nil {
		return LockedFee{}, false, errNilState
	}
	var fee LockedFee
	ok, err := s.state.KVGet(ctx, lockKey(hash), &fee)
	if err != nil || !ok {
		return LockedFee{}, false, err
	}
	return fee, true, nil
}

// Accumulated returns the protocol balance pending distribution for the
// operator and token.
func (s *Store) Accumulated(ctx context.Context, operator, token payment.Address) (*uint256.Int, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	balance := new(uint256.Int)
	if _, err := s.state.KVGet(ctx, accumulatorKey(operator, token), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Accumulate adds amount to the protocol balance for the operator and token.
func (s *Store) Accumulate(ctx context.Context, operator, token payment.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := s.Accumulated(ctx, operator, token)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("fees: accumulated balance overflow for token %s", token)
	}
	return s.state.KVPut(ctx, accumulatorKey(operator, token), next)
}

// Debit subtracts amount from the protocol balance for the operator and token.
func (s *Store) Debit(ctx context.Context, operator, token payment.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := s.Accumulated(ctx, operator, token)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAccumulated, balance.Dec(), amount.Dec())
	}
	return s.state.KVPut(ctx, accumulatorKey(operator, token), new(uint256.Int).Sub(balance, amount))
}
