package conditions

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"escrowd/native/payment"
)

var errNilIndexState = errors.New("conditions: payment index state not configured")

var (
	payerIndexPrefix    = []byte("payindex/payer/")
	receiverIndexPrefix = []byte("payindex/receiver/")
)

type indexState interface {
	KVAppend(ctx context.Context, key []byte, value []byte) error
	KVGetList(ctx context.Context, key []byte, out interface{}) error
}

// PaymentIndex is a Recorder that indexes payment hashes by payer and by
// receiver so off-line tooling can enumerate a party's payments.
type PaymentIndex struct {
	state     indexState
	operators OperatorSet
}

// NewPaymentIndex returns an index recorder accepting calls for the supplied
// operators only.
func NewPaymentIndex(state indexState, operators OperatorSet) *PaymentIndex {
	return &PaymentIndex{state: state, operators: operators}
}

func indexKey(prefix []byte, addr payment.Address) []byte {
	key := make([]byte, 0, len(prefix)+len(addr))
	key = append(key, prefix...)
	return append(key, addr[:]...)
}

// Record implements Recorder.
func (x *PaymentIndex) Record(ctx context.Context, p *payment.Payment, _ *uint256.Int, _ payment.Address) error {
	if x == nil || x.state == nil {
		return errNilIndexState
	}
	if err := x.operators.Verify(p); err != nil {
		return err
	}
	hash := p.Hash()
	if err := x.state.KVAppend(ctx, indexKey(payerIndexPrefix, p.Payer), hash[:]); err != nil {
		return err
	}
	return x.state.KVAppend(ctx, indexKey(receiverIndexPrefix, p.Receiver), hash[:])
}

// ByPayer lists the payments recorded for payer in recording order.
func (x *PaymentIndex) ByPayer(ctx context.Context, payer payment.Address) ([]payment.Hash, error) {
	return x.list(ctx, indexKey(payerIndexPrefix, payer))
}

// ByReceiver lists the payments recorded for receiver in recording order.
func (x *PaymentIndex) ByReceiver(ctx context.Context, receiver payment.Address) ([]payment.Hash, error) {
	return x.list(ctx, indexKey(receiverIndexPrefix, receiver))
}

func (x *PaymentIndex) list(ctx context.Context, key []byte) ([]payment.Hash, error) {
	if x == nil || x.state == nil {
		return nil, errNilIndexState
	}
	var raw [][]byte
	if err := x.state.KVGetList(ctx, key, &raw); err != nil {
		return nil, err
	}
	out := make([]payment.Hash, 0, len(raw))
	for _, entry := range raw {
		var h payment.Hash
		copy(h[:], entry)
		out = append(out, h)
	}
	return out, nil
}
