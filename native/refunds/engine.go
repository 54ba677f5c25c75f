package refunds

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/ledger"
	"escrowd/native/payment"
)

var (
	ErrNonceUsed          = errors.New("refunds: nonce already used")
	ErrNotFound           = errors.New("refunds: request not found")
	ErrInvalidRefundState = errors.New("refunds: request is not pending")
	ErrInvalidAmount      = errors.New("refunds: invalid amount")
	ErrNotPayer           = errors.New("refunds: caller is not the payer")
	ErrUnauthorized       = errors.New("refunds: caller may not resolve request")
	errNilState           = errors.New("refunds: state not configured")
)

var (
	requestPrefix = []byte("refunds/request/")
	listPrefix    = []byte("refunds/by-payment/")
)

type refundState interface {
	KVGet(ctx context.Context, key []byte, out interface{}) (bool, error)
	KVPut(ctx context.Context, key []byte, value interface{}) error
	KVAppend(ctx context.Context, key []byte, value []byte) error
	KVGetList(ctx context.Context, key []byte, out interface{}) error
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	OnCommit(ctx context.Context, fn func())
}

type positionReader interface {
	Position(ctx context.Context, hash payment.Hash) (ledger.Position, error)
}

// Engine runs the refund request workflow. Approval does not move funds: it
// is expected to be followed by a refund through the operator, and the
// receiver may still release first.
type Engine struct {
	state     refundState
	positions positionReader
	arbiter   payment.Address
	emitter   events.Emitter
	nowFn     func() int64
	logger    *slog.Logger
}

// NewEngine returns a workflow engine. The arbiter may resolve requests only
// while the ledger still holds capturable funds for the payment; a zero
// arbiter disables arbitration.
func NewEngine(state refundState, positions positionReader, arbiter payment.Address) *Engine {
	return &Engine{
		state:     state,
		positions: positions,
		arbiter:   arbiter,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
		logger:    slog.Default(),
	}
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Arbiter returns the configured arbiter.
func (e *Engine) Arbiter() payment.Address { return e.arbiter }

func (e *Engine) now() uint64 {
	now := e.nowFn()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func requestKey(key Key) []byte {
	buf := make([]byte, 0, len(requestPrefix)+len(key.Payer)+len(key.PaymentHash)+8)
	buf = append(buf, requestPrefix...)
	buf = append(buf, key.Payer[:]...)
	buf = append(buf, key.PaymentHash[:]...)
	return binary.BigEndian.AppendUint64(buf, key.Nonce)
}

func listKey(hash payment.Hash) []byte {
	buf := make([]byte, 0, len(listPrefix)+len(hash))
	buf = append(buf, listPrefix...)
	return append(buf, hash[:]...)
}

func (e *Engine) emit(ctx context.Context, evt *types.Event) {
	emitter := e.emitter
	e.state.OnCommit(ctx, func() { emitter.Emit(events.Wrapped{Evt: evt}) })
}

func (e *Engine) load(ctx context.Context, key Key) (*Request, error) {
	var req Request
	ok, err := e.state.KVGet(ctx, requestKey(key), &req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if req.Amount == nil {
		req.Amount = new(uint256.Int)
	}
	return &req, nil
}

// Create opens a Pending request on behalf of the payer.
func (e *Engine) Create(ctx context.Context, p *payment.Payment, caller payment.Address, nonce uint64, amount *uint256.Int, reason string) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if caller != p.Payer {
		return nil, ErrNotPayer
	}
	if amount == nil || amount.IsZero() || amount.Gt(p.MaxAmount) {
		return nil, fmt.Errorf("%w: must be in (0, %s]", ErrInvalidAmount, p.MaxAmount.Dec())
	}
	req := &Request{
		Payer:       p.Payer,
		Receiver:    p.Receiver,
		PaymentHash: p.Hash(),
		Nonce:       nonce,
		Amount:      new(uint256.Int).Set(amount),
		Reason:      reason,
		Status:      StatusPending,
	}
	err := e.state.Atomic(ctx, func(ctx context.Context) error {
		key := requestKey(req.Key())
		exists, err := e.state.KVGet(ctx, key, nil)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %d", ErrNonceUsed, nonce)
		}
		req.CreatedAt = e.now()
		if err := e.state.KVPut(ctx, key, req); err != nil {
			return err
		}
		if err := e.state.KVAppend(ctx, listKey(req.PaymentHash), key); err != nil {
			return err
		}
		e.emit(ctx, newCreatedEvent(req))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("refund request created",
		slog.String("payment", req.PaymentHash.String()),
		slog.Uint64("nonce", nonce),
		slog.String("amount", amount.Dec()))
	return req.Clone(), nil
}

// Cancel withdraws the payer's own Pending request.
func (e *Engine) Cancel(ctx context.Context, key Key, caller payment.Address) (*Request, error) {
	return e.transition(ctx, key, caller, StatusCancelled, func(ctx context.Context, req *Request) error {
		if caller != req.Payer {
			return ErrNotPayer
		}
		return nil
	})
}

// Approve marks a Pending request approved. The receiver may always resolve;
// the arbiter only while funds are still held.
func (e *Engine) Approve(ctx context.Context, key Key, caller payment.Address) (*Request, error) {
	return e.transition(ctx, key, caller, StatusApproved, e.checkResolver(caller))
}

// Deny marks a Pending request denied under the same rules as Approve.
func (e *Engine) Deny(ctx context.Context, key Key, caller payment.Address) (*Request, error) {
	return e.transition(ctx, key, caller, StatusDenied, e.checkResolver(caller))
}

func (e *Engine) checkResolver(caller payment.Address) func(context.Context, *Request) error {
	return func(ctx context.Context, req *Request) error {
		if caller == req.Receiver {
			return nil
		}
		if e.arbiter.IsZero() || caller != e.arbiter {
			return ErrUnauthorized
		}
		if e.positions == nil {
			return fmt.Errorf("%w: ledger not configured", ErrUnauthorized)
		}
		pos, err := e.positions.Position(ctx, req.PaymentHash)
		if err != nil {
			return err
		}
		if pos.Capturable == nil || pos.Capturable.IsZero() {
			return fmt.Errorf("%w: arbiter may only resolve while funds are held", ErrUnauthorized)
		}
		return nil
	}
}

func (e *Engine) transition(ctx context.Context, key Key, caller payment.Address, next Status, authorize func(context.Context, *Request) error) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out *Request
	err := e.state.Atomic(ctx, func(ctx context.Context) error {
		req, err := e.load(ctx, key)
		if err != nil {
			return err
		}
		if req.Status != StatusPending {
			return fmt.Errorf("%w: %s", ErrInvalidRefundState, req.Status)
		}
		if err := authorize(ctx, req); err != nil {
			return err
		}
		req.Status = next
		req.ResolvedAt = e.now()
		req.ResolvedBy = caller
		if err := e.state.KVPut(ctx, requestKey(key), req); err != nil {
			return err
		}
		e.emit(ctx, newUpdatedEvent(req))
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("refund request updated",
		slog.String("payment", key.PaymentHash.String()),
		slog.Uint64("nonce", key.Nonce),
		slog.String("status", next.String()))
	return out.Clone(), nil
}

// Get returns the request identified by key.
func (e *Engine) Get(ctx context.Context, key Key) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.load(ctx, key)
}

// List returns every request filed against the payment, oldest first.
func (e *Engine) List(ctx context.Context, hash payment.Hash) ([]*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var keys [][]byte
	if err := e.state.KVGetList(ctx, listKey(hash), &keys); err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(keys))
	for _, raw := range keys {
		var req Request
		ok, err := e.state.KVGet(ctx, raw, &req)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, &req)
	}
	return out, nil
}
