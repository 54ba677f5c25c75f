package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"escrowd/native/fees"
	"escrowd/native/payment"
)

var (
	ErrNotOperator          = errors.New("ledger: caller is not the payment operator")
	ErrAlreadyAuthorized    = errors.New("ledger: payment already authorized")
	ErrUnknownPayment       = errors.New("ledger: payment not authorized")
	ErrInvalidAmount        = errors.New("ledger: invalid amount")
	ErrExceedsCapturable    = errors.New("ledger: amount exceeds capturable")
	ErrExceedsRefundable    = errors.New("ledger: amount exceeds refundable")
	ErrPreApprovalExpired   = errors.New("ledger: pre-approval expired")
	ErrAuthorizationExpired = errors.New("ledger: authorization expired")
	ErrRefundExpired        = errors.New("ledger: refund window expired")
	ErrNotExpired           = errors.New("ledger: authorization still active")
	ErrNotPayer             = errors.New("ledger: caller is not the payer")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrFeeOutOfBounds       = errors.New("ledger: fee rate outside payment bounds")
	ErrFeeReceiver          = errors.New("ledger: fee receiver mismatch")
	ErrInvalidSource        = errors.New("ledger: funding source not permitted")
	errNilState             = errors.New("ledger: state not configured")
)

var (
	positionPrefix = []byte("ledger/position/")
	balancePrefix  = []byte("ledger/balance/")
)

type ledgerState interface {
	KVGet(ctx context.Context, key []byte, out interface{}) (bool, error)
	KVPut(ctx context.Context, key []byte, value interface{}) error
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// Position is the ledger's view of one payment.
type Position struct {
	HasFunds   bool
	Authorized *uint256.Int
	Capturable *uint256.Int
	Refundable *uint256.Int
	Refunded   *uint256.Int
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	return Position{
		HasFunds:   p.HasFunds,
		Authorized: clone(p.Authorized),
		Capturable: clone(p.Capturable),
		Refundable: clone(p.Refundable),
		Refunded:   clone(p.Refunded),
	}
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

type positionRecord struct {
	Authorized *uint256.Int
	Capturable *uint256.Int
	Refundable *uint256.Int
	Refunded   *uint256.Int
}

func (r positionRecord) position() Position {
	return Position{
		HasFunds:   !clone(r.Capturable).IsZero(),
		Authorized: clone(r.Authorized),
		Capturable: clone(r.Capturable),
		Refundable: clone(r.Refundable),
		Refunded:   clone(r.Refunded),
	}
}

// Ledger is the reference custody ledger. It holds authorized funds per
// payment and moves them under authorize/capture/refund semantics. Every
// mutation keeps capturable + refunded <= authorized.
type Ledger struct {
	state  ledgerState
	nowFn  func() int64
	logger *slog.Logger
}

// New returns a ledger persisting to state.
func New(state ledgerState) *Ledger {
	return &Ledger{
		state:  state,
		nowFn:  func() int64 { return time.Now().Unix() },
		logger: slog.Default(),
	}
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.nowFn = now
}

// SetLogger configures the structured logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger
}

func (l *Ledger) now() uint64 {
	now := l.nowFn()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func positionKey(hash payment.Hash) []byte {
	key := make([]byte, 0, len(positionPrefix)+len(hash))
	key = append(key, positionPrefix...)
	return append(key, hash[:]...)
}

func balanceKey(account, token payment.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(account)+len(token))
	key = append(key, balancePrefix...)
	key = append(key, account[:]...)
	return append(key, token[:]...)
}

func (l *Ledger) atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	return l.state.Atomic(ctx, fn)
}

func (l *Ledger) loadPosition(ctx context.Context, hash payment.Hash) (positionRecord, bool, error) {
	var rec positionRecord
	ok, err := l.state.KVGet(ctx, positionKey(hash), &rec)
	if err != nil {
		return positionRecord{}, false, err
	}
	rec.Authorized = clone(rec.Authorized)
	rec.Capturable = clone(rec.Capturable)
	rec.Refundable = clone(rec.Refundable)
	rec.Refunded = clone(rec.Refunded)
	return rec, ok, nil
}

func (l *Ledger) storePosition(ctx context.Context, hash payment.Hash, rec positionRecord) error {
	check := new(uint256.Int).Add(rec.Capturable, rec.Refunded)
	if check.Gt(rec.Authorized) {
		return fmt.Errorf("ledger: position invariant violated for %s", hash)
	}
	return l.state.KVPut(ctx, positionKey(hash), rec)
}

// Balance returns the free balance of account in token.
func (l *Ledger) Balance(ctx context.Context, account, token payment.Address) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	balance := new(uint256.Int)
	if _, err := l.state.KVGet(ctx, balanceKey(account, token), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (l *Ledger) credit(ctx context.Context, account, token payment.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	balance, err := l.Balance(ctx, account, token)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("ledger: balance overflow for %s", account)
	}
	return l.state.KVPut(ctx, balanceKey(account, token), next)
}

func (l *Ledger) debit(ctx context.Context, account, token payment.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	balance, err := l.Balance(ctx, account, token)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account, balance.Dec(), amount.Dec())
	}
	return l.state.KVPut(ctx, balanceKey(account, token), new(uint256.Int).Sub(balance, amount))
}

// Credit mints amount into account. It is used for genesis funding only.
func (l *Ledger) Credit(ctx context.Context, account, token payment.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		return l.credit(ctx, account, token, amount)
	})
}

// Transfer moves amount of token between free balances.
func (l *Ledger) Transfer(ctx context.Context, from, to, token payment.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		if err := l.debit(ctx, from, token, amount); err != nil {
			return err
		}
		return l.credit(ctx, to, token, amount)
	})
}

// Position returns the position of the payment with the supplied hash. An
// unknown payment reports an empty position.
func (l *Ledger) Position(ctx context.Context, hash payment.Hash) (Position, error) {
	if l == nil || l.state == nil {
		return Position{}, errNilState
	}
	rec, _, err := l.loadPosition(ctx, hash)
	if err != nil {
		return Position{}, err
	}
	return rec.position(), nil
}

func checkCall(caller payment.Address, p *payment.Payment, amount *uint256.Int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if caller != p.Operator {
		return ErrNotOperator
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

func checkFee(p *payment.Payment, feeBps uint16, feeReceiver payment.Address) error {
	if feeBps < p.MinFeeBps || feeBps > p.MaxFeeBps {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrFeeOutOfBounds, feeBps, p.MinFeeBps, p.MaxFeeBps)
	}
	if feeBps > 0 && feeReceiver.IsZero() {
		return fmt.Errorf("%w: zero receiver", ErrFeeReceiver)
	}
	if !p.FeeReceiver.IsZero() && feeReceiver != p.FeeReceiver {
		return fmt.Errorf("%w: want %s, got %s", ErrFeeReceiver, p.FeeReceiver, feeReceiver)
	}
	return nil
}

// Authorize moves amount from source into custody for the payment. Only the
// payer can fund an authorization and each payment is authorized once.
func (l *Ledger) Authorize(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, source payment.Address) error {
	if err := checkCall(caller, p, amount); err != nil {
		return err
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		if err := l.authorize(ctx, p, amount, source); err != nil {
			return err
		}
		l.logger.Debug("ledger authorize", slog.String("payment", p.Hash().String()), slog.String("amount", amount.Dec()))
		return nil
	})
}

func (l *Ledger) authorize(ctx context.Context, p *payment.Payment, amount *uint256.Int, source payment.Address) error {
	if source != p.Payer {
		return fmt.Errorf("%w: %s", ErrInvalidSource, source)
	}
	if l.now() >= p.PreApprovalExpiry {
		return ErrPreApprovalExpired
	}
	if amount.Gt(p.MaxAmount) {
		return fmt.Errorf("%w: %s exceeds max %s", ErrInvalidAmount, amount.Dec(), p.MaxAmount.Dec())
	}
	hash := p.Hash()
	_, exists, err := l.loadPosition(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyAuthorized
	}
	if err := l.debit(ctx, source, p.Token, amount); err != nil {
		return err
	}
	return l.storePosition(ctx, hash, positionRecord{
		Authorized: clone(amount),
		Capturable: clone(amount),
		Refundable: new(uint256.Int),
		Refunded:   new(uint256.Int),
	})
}

// Capture releases amount from custody: the fee at feeBps goes to
// feeReceiver and the rest to the receiver. Captured value becomes
// refundable until the refund expiry.
func (l *Ledger) Capture(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, feeBps uint16, feeReceiver payment.Address) error {
	if err := checkCall(caller, p, amount); err != nil {
		return err
	}
	if err := checkFee(p, feeBps, feeReceiver); err != nil {
		return err
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		if err := l.capture(ctx, p, amount, feeBps, feeReceiver); err != nil {
			return err
		}
		l.logger.Debug("ledger capture", slog.String("payment", p.Hash().String()), slog.String("amount", amount.Dec()), slog.Int("feeBps", int(feeBps)))
		return nil
	})
}

func (l *Ledger) capture(ctx context.Context, p *payment.Payment, amount *uint256.Int, feeBps uint16, feeReceiver payment.Address) error {
	if l.now() >= p.AuthorizationExpiry {
		return ErrAuthorizationExpired
	}
	hash := p.Hash()
	rec, exists, err := l.loadPosition(ctx, hash)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownPayment
	}
	if amount.Gt(rec.Capturable) {
		return fmt.Errorf("%w: %s > %s", ErrExceedsCapturable, amount.Dec(), rec.Capturable.Dec())
	}
	rec.Capturable = new(uint256.Int).Sub(rec.Capturable, amount)
	rec.Refundable = new(uint256.Int).Add(rec.Refundable, amount)
	if err := l.storePosition(ctx, hash, rec); err != nil {
		return err
	}
	fee := fees.ComputeFee(amount, feeBps)
	if err := l.credit(ctx, feeReceiver, p.Token, fee); err != nil {
		return err
	}
	return l.credit(ctx, p.Receiver, p.Token, new(uint256.Int).Sub(amount, fee))
}

// Charge authorizes and captures amount in one step.
func (l *Ledger) Charge(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, source payment.Address, feeBps uint16, feeReceiver payment.Address) error {
	if err := checkCall(caller, p, amount); err != nil {
		return err
	}
	if err := checkFee(p, feeBps, feeReceiver); err != nil {
		return err
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		if err := l.authorize(ctx, p, amount, source); err != nil {
			return err
		}
		if err := l.capture(ctx, p, amount, feeBps, feeReceiver); err != nil {
			return err
		}
		l.logger.Debug("ledger charge", slog.String("payment", p.Hash().String()), slog.String("amount", amount.Dec()))
		return nil
	})
}

// Void returns the whole capturable amount to the payer and reports it.
func (l *Ledger) Void(ctx context.Context, caller payment.Address, p *payment.Payment) (*uint256.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if caller != p.Operator {
		return nil, ErrNotOperator
	}
	var voided *uint256.Int
	err := l.atomic(ctx, func(ctx context.Context) error {
		rec, exists, err := l.loadPosition(ctx, p.Hash())
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownPayment
		}
		voided = clone(rec.Capturable)
		return l.returnToPayer(ctx, p, voided)
	})
	if err != nil {
		return nil, err
	}
	return voided, nil
}

// PartialVoid returns amount of the capturable balance to the payer.
func (l *Ledger) PartialVoid(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int) error {
	if err := checkCall(caller, p, amount); err != nil {
		return err
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		return l.returnToPayer(ctx, p, amount)
	})
}

func (l *Ledger) returnToPayer(ctx context.Context, p *payment.Payment, amount *uint256.Int) error {
	hash := p.Hash()
	rec, exists, err := l.loadPosition(ctx, hash)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownPayment
	}
	if amount.Gt(rec.Capturable) {
		return fmt.Errorf("%w: %s > %s", ErrExceedsCapturable, amount.Dec(), rec.Capturable.Dec())
	}
	rec.Capturable = new(uint256.Int).Sub(rec.Capturable, amount)
	rec.Refunded = new(uint256.Int).Add(rec.Refunded, amount)
	if err := l.storePosition(ctx, hash, rec); err != nil {
		return err
	}
	return l.credit(ctx, p.Payer, p.Token, amount)
}

// Refund returns amount of already captured value to the payer, funded from
// source. Source must be the receiver or the operator itself.
func (l *Ledger) Refund(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, source payment.Address) error {
	if err := checkCall(caller, p, amount); err != nil {
		return err
	}
	if source != p.Receiver && source != p.Operator {
		return fmt.Errorf("%w: %s", ErrInvalidSource, source)
	}
	return l.atomic(ctx, func(ctx context.Context) error {
		if l.now() >= p.RefundExpiry {
			return ErrRefundExpired
		}
		hash := p.Hash()
		rec, exists, err := l.loadPosition(ctx, hash)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownPayment
		}
		if amount.Gt(rec.Refundable) {
			return fmt.Errorf("%w: %s > %s", ErrExceedsRefundable, amount.Dec(), rec.Refundable.Dec())
		}
		rec.Refundable = new(uint256.Int).Sub(rec.Refundable, amount)
		rec.Refunded = new(uint256.Int).Add(rec.Refunded, amount)
		if err := l.storePosition(ctx, hash, rec); err != nil {
			return err
		}
		if err := l.debit(ctx, source, p.Token, amount); err != nil {
			return err
		}
		l.logger.Debug("ledger refund", slog.String("payment", hash.String()), slog.String("amount", amount.Dec()))
		return l.credit(ctx, p.Payer, p.Token, amount)
	})
}

// Reclaim lets the payer recover held funds once the authorization expired.
func (l *Ledger) Reclaim(ctx context.Context, caller payment.Address, p *payment.Payment) (*uint256.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if caller != p.Payer {
		return nil, ErrNotPayer
	}
	var reclaimed *uint256.Int
	err := l.atomic(ctx, func(ctx context.Context) error {
		if l.now() < p.AuthorizationExpiry {
			return ErrNotExpired
		}
		rec, exists, err := l.loadPosition(ctx, p.Hash())
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownPayment
		}
		reclaimed = clone(rec.Capturable)
		return l.returnToPayer(ctx, p, reclaimed)
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}
