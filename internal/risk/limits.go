package risk

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Limits is one immutable set of admission limits. A zero value disables the
// corresponding check.
type Limits struct {
	Version                 uint64
	ExposureCapUSDPerSymbol decimal.Decimal
	ExposureCapUSDTotal     decimal.Decimal
	EquityDrawdownPctMax    decimal.Decimal
	VenueErrorRateMax       float64
	CooldownWindow          time.Duration
	LeverageCap             decimal.Decimal
	MinNotionalUSD          decimal.Decimal
}

// LimitStore publishes Limits with read-copy-update semantics: readers get a
// stable snapshot, writers replace the whole set at once.
type LimitStore struct {
	current atomic.Pointer[Limits]
}

// NewLimitStore creates a store holding initial.
func NewLimitStore(initial Limits) *LimitStore {
	s := &LimitStore{}
	if initial.Version == 0 {
		initial.Version = 1
	}
	s.current.Store(&initial)
	return s
}

// Load returns the active limits.
func (s *LimitStore) Load() Limits {
	return *s.current.Load()
}

// Swap installs next and returns the limits it replaced. The version always
// moves forward, so a decision's pinned version identifies exactly one set.
func (s *LimitStore) Swap(next Limits) Limits {
	for {
		prev := s.current.Load()
		candidate := next
		if candidate.Version <= prev.Version {
			candidate.Version = prev.Version + 1
		}
		if s.current.CompareAndSwap(prev, &candidate) {
			return *prev
		}
	}
}
