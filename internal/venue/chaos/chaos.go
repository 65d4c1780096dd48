package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tradecore/internal/venue"
)

// Config controls fault injection. Rates are probabilities in [0, 1].
type Config struct {
	Seed int64
	// ErrorRate fails a call with a transient error before it reaches the
	// venue.
	ErrorRate float64
	// DropRate executes a mutating call and then loses the response, which
	// the caller sees as an ambiguous timeout.
	DropRate float64
	// DuplicateRate sends a mutating call twice with the same key.
	DuplicateRate float64
	MaxDelay      time.Duration
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return fmt.Errorf("errorRate must be between 0 and 1")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("duplicateRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Venue wraps a client and injects faults driven by a seeded RNG, so a drill
// with the same seed and call sequence fails the same way.
type Venue struct {
	inner venue.Client

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

// Wrap creates a fault-injecting venue around inner.
func Wrap(inner venue.Client, cfg Config) (*Venue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Venue{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// SetRates replaces the error and drop rates, keeping the RNG stream.
func (v *Venue) SetRates(errorRate, dropRate float64) {
	v.mu.Lock()
	v.cfg.ErrorRate = errorRate
	v.cfg.DropRate = dropRate
	v.mu.Unlock()
}

// Name returns the wrapped venue's name.
func (v *Venue) Name() string {
	return v.inner.Name()
}

type roll struct {
	fail      bool
	drop      bool
	duplicate bool
	delay     time.Duration
}

func (v *Venue) roll() roll {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := roll{
		fail:      v.cfg.ErrorRate > 0 && v.rng.Float64() < v.cfg.ErrorRate,
		drop:      v.cfg.DropRate > 0 && v.rng.Float64() < v.cfg.DropRate,
		duplicate: v.cfg.DuplicateRate > 0 && v.rng.Float64() < v.cfg.DuplicateRate,
	}
	if maxDelay := v.cfg.MaxDelay.Nanoseconds(); maxDelay > 0 {
		r.delay = time.Duration(v.rng.Int63n(maxDelay + 1))
	}
	return r
}

func (r roll) wait(ctx context.Context) error {
	if r.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", venue.ErrAmbiguous, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Submit forwards to the wrapped venue with injected faults.
func (v *Venue) Submit(ctx context.Context, req venue.SubmitRequest) (venue.Report, error) {
	r := v.roll()
	if err := r.wait(ctx); err != nil {
		return venue.Report{}, err
	}
	if r.fail {
		return venue.Report{}, fmt.Errorf("%w: injected submit failure", venue.ErrTransient)
	}
	report, err := v.inner.Submit(ctx, req)
	if r.duplicate {
		report, err = v.inner.Submit(ctx, req)
	}
	if r.drop && err == nil {
		return venue.Report{}, fmt.Errorf("%w: injected lost response", venue.ErrAmbiguous)
	}
	return report, err
}

// Cancel forwards to the wrapped venue with injected faults.
func (v *Venue) Cancel(ctx context.Context, req venue.CancelRequest) (venue.Report, error) {
	r := v.roll()
	if err := r.wait(ctx); err != nil {
		return venue.Report{}, err
	}
	if r.fail {
		return venue.Report{}, fmt.Errorf("%w: injected cancel failure", venue.ErrTransient)
	}
	report, err := v.inner.Cancel(ctx, req)
	if r.duplicate {
		report, err = v.inner.Cancel(ctx, req)
	}
	if r.drop && err == nil {
		return venue.Report{}, fmt.Errorf("%w: injected lost response", venue.ErrAmbiguous)
	}
	return report, err
}

// Query forwards to the wrapped venue. Reads never lose responses.
func (v *Venue) Query(ctx context.Context, key string) (venue.Report, error) {
	r := v.roll()
	if err := r.wait(ctx); err != nil {
		return venue.Report{}, err
	}
	if r.fail {
		return venue.Report{}, fmt.Errorf("%w: injected query failure", venue.ErrTransient)
	}
	return v.inner.Query(ctx, key)
}

// Balances forwards to the wrapped venue.
func (v *Venue) Balances(ctx context.Context) (venue.Balances, error) {
	r := v.roll()
	if err := r.wait(ctx); err != nil {
		return venue.Balances{}, err
	}
	if r.fail {
		return venue.Balances{}, fmt.Errorf("%w: injected balances failure", venue.ErrTransient)
	}
	return v.inner.Balances(ctx)
}
