package operator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowd/native/conditions"
	"escrowd/native/fees"
	"escrowd/native/ledger"
)

type guardKey struct{ o *Operator }

// reentryWait bounds how long a call without the mark waits while the entry
// in progress stays inside a callout.
const reentryWait = 250 * time.Millisecond

// enter admits a call into an entry point of o and returns the release
// func. A context carrying o's mark belongs to a call still in progress, so
// the nested call fails. A call without the mark waits for the entry in
// progress to finish. While that entry is running a condition, recorder or
// calculator the caller may be the callback itself, which would wait
// forever, so the wait is given up once the callout lasted reentryWait.
func (o *Operator) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(guardKey{o: o}) != nil {
		return ctx, nil, ErrReentrant
	}
	deadline := time.Now().Add(reentryWait)
	for !o.entry.TryLock() {
		if !o.callout.Load() {
			o.entry.Lock()
			break
		}
		if time.Now().After(deadline) {
			return ctx, nil, ErrReentrant
		}
		time.Sleep(time.Millisecond)
	}
	return context.WithValue(ctx, guardKey{o: o}, struct{}{}), o.entry.Unlock, nil
}

// during runs fn, which calls out of the operator, with the callout phase
// marked.
func (o *Operator) during(fn func() error) error {
	o.callout.Store(true)
	defer o.callout.Store(false)
	return fn()
}

// run executes fn as a guarded, traced, atomic unit of the operator state.
func (o *Operator) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	start := time.Now()
	guarded, release, err := o.enter(ctx)
	if err != nil {
		o.observe(op, start, err)
		return err
	}
	defer release()
	guarded, span := o.tracer.Start(guarded, "operator."+op, trace.WithAttributes(attrs...))
	defer span.End()

	err = o.state.Atomic(guarded, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("operator operation aborted",
			"operation", op,
			"reason", reason(err),
			"error", err)
	} else {
		o.logger.Info("operator operation executed", "operation", op)
	}
	o.observe(op, start, err)
	return err
}

func (o *Operator) observe(op string, start time.Time, err error) {
	label := ""
	if err != nil {
		label = reason(err)
	}
	o.metrics.Observe(op, time.Since(start), label)
}

func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	case errors.Is(err, ErrConditionNotMet):
		return "condition_not_met"
	case errors.Is(err, ErrSourceNotCaller):
		return "source_not_caller"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, fees.ErrFeeBoundsIncompatible):
		return "fee_bounds"
	case errors.Is(err, ErrInvalidOperator), errors.Is(err, ErrInvalidFeeReceiver):
		return "invalid_payment"
	case errors.Is(err, ErrExceedsCapturable), errors.Is(err, ErrExceedsRefundable):
		return "exceeds_position"
	case errors.Is(err, ErrFeeNotLocked):
		return "fee_not_locked"
	case errors.Is(err, conditions.ErrUntrustedOperator):
		return "untrusted_operator"
	case errors.Is(err, ErrLedger), errors.Is(err, ledger.ErrInsufficientBalance):
		return "ledger"
	default:
		return "other"
	}
}
