package venue

import (
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// BreakerState is the circuit breaker state of a venue.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// HealthConfig tunes the error-rate window and the breaker.
type HealthConfig struct {
	Window           time.Duration
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	Clock            func() time.Time
}

// DefaultHealthConfig returns the production defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Window:           time.Minute,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	def := DefaultHealthConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type sample struct {
	at     time.Time
	failed bool
}

type venueHealth struct {
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
	samples      []sample
}

// Health tracks per-venue error rate over a sliding window and a circuit
// breaker. Permanent rejections are business outcomes, not venue failures.
type Health struct {
	cfg HealthConfig

	mu     sync.Mutex
	venues map[string]*venueHealth
}

// NewHealth creates an empty tracker.
func NewHealth(cfg HealthConfig) *Health {
	return &Health{cfg: cfg.withDefaults(), venues: make(map[string]*venueHealth)}
}

// VenueStatus is a read-only view of one venue's health.
type VenueStatus struct {
	Venue     string  `json:"venue"`
	Breaker   string  `json:"breaker"`
	Healthy   bool    `json:"healthy"`
	ErrorRate float64 `json:"error_rate"`
	Samples   int     `json:"samples"`
}

func (h *Health) get(name string) *venueHealth {
	v, ok := h.venues[name]
	if !ok {
		v = &venueHealth{}
		h.venues[name] = v
	}
	return v
}

// Record counts the outcome of a venue call.
func (h *Health) Record(name string, err error) {
	if h == nil {
		return
	}
	failed := false
	switch Classify(err) {
	case ClassTransient, ClassAmbiguous:
		failed = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.cfg.Clock()
	v := h.get(name)
	v.samples = append(v.samples, sample{at: now, failed: failed})
	h.trim(v, now)

	if !failed {
		switch v.state {
		case BreakerClosed:
			v.failureCount = 0
		case BreakerHalfOpen:
			v.successCount++
			if v.successCount >= h.cfg.SuccessThreshold {
				v.state = BreakerClosed
				v.failureCount, v.successCount = 0, 0
				logs.Infof("venue: %s breaker closed (recovered)", name)
			}
		}
		return
	}

	v.lastFailure = now
	switch v.state {
	case BreakerClosed:
		v.failureCount++
		if v.failureCount >= h.cfg.FailureThreshold {
			v.state = BreakerOpen
			logs.Warnf("venue: %s breaker open after %d failures: %v", name, v.failureCount, err)
		}
	case BreakerHalfOpen:
		v.state = BreakerOpen
		v.successCount = 0
		logs.Warnf("venue: %s breaker reopened, half-open trial call failed: %v", name, err)
	}
}

// Allow reports whether calls to the venue may proceed, moving an open
// breaker to half-open once the timeout has passed.
func (h *Health) Allow(name string) bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allow(name, h.get(name))
}

func (h *Health) allow(name string, v *venueHealth) bool {
	switch v.state {
	case BreakerOpen:
		if h.cfg.Clock().Sub(v.lastFailure) > h.cfg.OpenTimeout {
			v.state = BreakerHalfOpen
			v.successCount = 0
			logs.Infof("venue: %s breaker half-open", name)
			return true
		}
		return false
	default:
		return true
	}
}

// Status returns whether the venue is healthy and its windowed error rate.
func (h *Health) Status(name string) (bool, float64) {
	if h == nil {
		return true, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	v := h.get(name)
	h.trim(v, h.cfg.Clock())
	return h.allow(name, v), errorRate(v.samples)
}

// Snapshot returns the status of every venue seen so far, sorted by name.
func (h *Health) Snapshot() []VenueStatus {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.cfg.Clock()
	out := make([]VenueStatus, 0, len(h.venues))
	for name, v := range h.venues {
		h.trim(v, now)
		out = append(out, VenueStatus{
			Venue:     name,
			Breaker:   v.state.String(),
			Healthy:   v.state != BreakerOpen,
			ErrorRate: errorRate(v.samples),
			Samples:   len(v.samples),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Reset closes the breaker and clears the window of a venue.
func (h *Health) Reset(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.venues[name] = &venueHealth{}
}

func (h *Health) trim(v *venueHealth, now time.Time) {
	cutoff := now.Add(-h.cfg.Window)
	i := 0
	for i < len(v.samples) && v.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		v.samples = append(v.samples[:0], v.samples[i:]...)
	}
}

func errorRate(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(samples))
}
