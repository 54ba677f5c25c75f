package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"escrowd/core/events"
	"escrowd/native/conditions"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/native/payment"
	"escrowd/observability"
)

var (
	ErrConditionNotMet       = errors.New("operator: condition not met")
	ErrInvalidAmount         = errors.New("operator: invalid amount")
	ErrFeeBoundsIncompatible = fees.ErrFeeBoundsIncompatible
	ErrInvalidOperator       = errors.New("operator: payment names a different operator")
	ErrInvalidFeeReceiver    = errors.New("operator: payment fee receiver must be the operator")
	ErrExceedsCapturable     = errors.New("operator: amount exceeds capturable")
	ErrExceedsRefundable     = errors.New("operator: amount exceeds refundable")
	ErrFeeNotLocked          = errors.New("operator: no locked fee for payment")
	ErrReentrant             = errors.New("operator: reentrant call")
	ErrSourceNotCaller       = errors.New("operator: funding source must be the caller")
	ErrLedger                = errors.New("operator: ledger rejected call")
	errNilState              = errors.New("operator: state not configured")
	errNilLedger             = errors.New("operator: ledger not configured")
	errNilProtocol           = errors.New("operator: protocol fee configuration not configured")
)

// Kind identifies one of the five guarded operations.
type Kind int

const (
	KindAuthorize Kind = iota
	KindCharge
	KindRelease
	KindRefundInEscrow
	KindRefundPostEscrow
	kindCount
)

// Kinds lists every operation kind in slot order.
var Kinds = []Kind{KindAuthorize, KindCharge, KindRelease, KindRefundInEscrow, KindRefundPostEscrow}

func (k Kind) String() string {
	switch k {
	case KindAuthorize:
		return "authorize"
	case KindCharge:
		return "charge"
	case KindRelease:
		return "release"
	case KindRefundInEscrow:
		return "refund_in_escrow"
	case KindRefundPostEscrow:
		return "refund_post_escrow"
	default:
		return "unknown"
	}
}

// ParseKind resolves a kind from its String form.
func ParseKind(raw string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == raw {
			return k, nil
		}
	}
	return 0, fmt.Errorf("operator: unknown operation kind %q", raw)
}

// Ledger is the custody contract the operator drives.
type Ledger interface {
	Authorize(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, source payment.Address) error
	Charge(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, source payment.Address, feeBps uint16, feeReceiver payment.Address) error
	Capture(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, feeBps uint16, feeReceiver payment.Address) error
	PartialVoid(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int) error
	Refund(ctx context.Context, caller payment.Address, p *payment.Payment, amount *uint256.Int, source payment.Address) error
	Position(ctx context.Context, hash payment.Hash) (ledger.Position, error)
	Balance(ctx context.Context, account, token payment.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to, token payment.Address, amount *uint256.Int) error
}

type operatorState interface {
	KVGet(ctx context.Context, key []byte, out interface{}) (bool, error)
	KVPut(ctx context.Context, key []byte, value interface{}) error
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	OnCommit(ctx context.Context, fn func())
}

// Config is the immutable wiring of an operator instance. Nil condition
// slots place no restriction; nil recorder slots install no hook.
type Config struct {
	Address      payment.Address
	FeeBps       uint16
	FeeRecipient payment.Address
	State        operatorState
	Ledger       Ledger
	Protocol     *fees.ProtocolConfig
	Conditions   map[Kind]conditions.Condition
	Recorders    map[Kind]conditions.Recorder
}

// Operator orchestrates the five payment operations against a ledger. Every
// public entry point runs as one atomic unit of the shared state: validate,
// then lock fees and enqueue the audit event, then call the ledger, then run
// the recorder.
type Operator struct {
	address      payment.Address
	feeBps       uint16
	feeRecipient payment.Address
	state        operatorState
	ledger       Ledger
	protocol     *fees.ProtocolConfig
	fees         *fees.Store
	conditions   [kindCount]conditions.Condition
	recorders    [kindCount]conditions.Recorder

	// entry is held for the full duration of every guarded entry point.
	// callout is set while a condition, recorder or fee calculator runs; an
	// entry attempt that stays blocked by that phase for reentryWait is
	// treated as a reentrant call.
	entry   sync.Mutex
	callout atomic.Bool

	emitter events.Emitter
	nowFn   func() int64
	logger  *slog.Logger
	metrics *observability.OperatorMetrics
	tracer  trace.Tracer
}

// New validates cfg and returns an operator.
func New(cfg Config) (*Operator, error) {
	if cfg.Address.IsZero() {
		return nil, fmt.Errorf("operator: address must not be zero")
	}
	if cfg.FeeBps > fees.MaxBps {
		return nil, fmt.Errorf("operator: fee %d bps exceeds %d", cfg.FeeBps, fees.MaxBps)
	}
	if cfg.FeeRecipient.IsZero() {
		return nil, fmt.Errorf("operator: fee recipient must not be zero")
	}
	if cfg.State == nil {
		return nil, errNilState
	}
	if cfg.Ledger == nil {
		return nil, errNilLedger
	}
	if cfg.Protocol == nil {
		return nil, errNilProtocol
	}
	o := &Operator{
		address:      cfg.Address,
		feeBps:       cfg.FeeBps,
		feeRecipient: cfg.FeeRecipient,
		state:        cfg.State,
		ledger:       cfg.Ledger,
		protocol:     cfg.Protocol,
		fees:         fees.NewStore(cfg.State),
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		logger:       slog.Default(),
		metrics:      observability.Operator(),
		tracer:       otel.Tracer("escrowd/operator"),
	}
	for kind, cond := range cfg.Conditions {
		if kind < 0 || kind >= kindCount {
			return nil, fmt.Errorf("operator: condition for unknown kind %d", kind)
		}
		o.conditions[kind] = cond
	}
	for kind, rec := range cfg.Recorders {
		if kind < 0 || kind >= kindCount {
			return nil, fmt.Errorf("operator: recorder for unknown kind %d", kind)
		}
		o.recorders[kind] = rec
	}
	return o, nil
}

// SetEmitter configures the audit event emitter. Passing nil resets the
// emitter to a no-op implementation.
func (o *Operator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		o.emitter = events.NoopEmitter{}
		return
	}
	o.emitter = emitter
}

// SetNowFunc overrides the time source used for audit timestamps.
func (o *Operator) SetNowFunc(now func() int64) {
	if now == nil {
		o.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	o.nowFn = now
}

// SetLogger configures the structured logger.
func (o *Operator) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	o.logger = logger
}

// Address returns the operator identity.
func (o *Operator) Address() payment.Address { return o.address }

// FeeBps returns the operator's fee rate.
func (o *Operator) FeeBps() uint16 { return o.feeBps }

// FeeRecipient returns where operator-retained fees are paid on distribution.
func (o *Operator) FeeRecipient() payment.Address { return o.feeRecipient }

// Condition returns the condition configured for kind, or nil.
func (o *Operator) Condition(kind Kind) conditions.Condition {
	if kind < 0 || kind >= kindCount {
		return nil
	}
	return o.conditions[kind]
}

// Recorder returns the recorder configured for kind, or nil.
func (o *Operator) Recorder(kind Kind) conditions.Recorder {
	if kind < 0 || kind >= kindCount {
		return nil
	}
	return o.recorders[kind]
}

func (o *Operator) now() int64 {
	if o.nowFn == nil {
		return time.Now().Unix()
	}
	return o.nowFn()
}
