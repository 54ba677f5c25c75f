package escrowperiod

import "math"

// Unbounded is the frozen-until sentinel for freezes that only end through an
// explicit unfreeze.
const Unbounded uint64 = math.MaxUint64

// Status enumerates the per-payment sub-states.
type Status uint8

const (
	// StatusUnauthorized means no authorization has been recorded.
	StatusUnauthorized Status = iota
	// StatusHolding means the hold period is running and no freeze is active.
	StatusHolding
	// StatusFrozen means an active freeze blocks release.
	StatusFrozen
	// StatusReleasable means the hold elapsed and no freeze is active.
	StatusReleasable
)

func (s Status) String() string {
	switch s {
	case StatusUnauthorized:
		return "unauthorized"
	case StatusHolding:
		return "holding"
	case StatusFrozen:
		return "frozen"
	case StatusReleasable:
		return "releasable"
	default:
		return "unknown"
	}
}

// Record is the stored per-payment state. AuthorizedAt == 0 means not yet
// authorized; FrozenUntil == 0 means not frozen.
type Record struct {
	AuthorizedAt uint64
	FrozenUntil  uint64
}

func (r Record) frozen(now uint64) bool {
	return r.FrozenUntil != 0 && now < r.FrozenUntil
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
