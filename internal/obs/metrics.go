package obs

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters, gauges and latency stats.
// All methods are safe on a nil receiver.
type Metrics struct {
	admissions      counterSet
	orders          counterSet
	busDrops        counterSet
	handlerFailures counterSet
	reconcile       counterSet
	busDepth        gaugeSet

	driftBits     atomic.Uint64
	status        atomic.Value
	statusVersion atomic.Uint64

	admissionLatency LatencyStats
	venueLatency     LatencyStats
	dispatchLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Avg   time.Duration `json:"avg_ns"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Admissions       map[string]uint64 `json:"admissions"`
	Orders           map[string]uint64 `json:"orders"`
	BusDrops         map[string]uint64 `json:"bus_drops"`
	BusDepth         map[string]int64  `json:"bus_depth"`
	HandlerFailures  map[string]uint64 `json:"handler_failures"`
	Reconciliation   map[string]uint64 `json:"reconciliation"`
	DriftUSD         float64           `json:"reconciliation_drift_usd"`
	TradingStatus    string            `json:"trading_status"`
	StatusVersion    uint64            `json:"trading_status_version"`
	AdmissionLatency LatencySnapshot   `json:"admission_latency"`
	VenueLatency     LatencySnapshot   `json:"venue_latency"`
	DispatchLatency  LatencySnapshot   `json:"dispatch_latency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncAdmission counts an admission outcome. outcome is "accept", "resize" or a
// rejection reason code.
func (m *Metrics) IncAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.add(outcome, 1)
}

// IncOrder counts an order lifecycle event such as "submitted" or "rejected".
func (m *Metrics) IncOrder(kind string) {
	if m == nil {
		return
	}
	m.orders.add(kind, 1)
}

// IncBusDrop records events evicted from a subscriber lane.
func (m *Metrics) IncBusDrop(topic, subscriber string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.busDrops.add(topic+"/"+subscriber, uint64(n))
}

// SetBusDepth records the queued event count of a subscriber.
func (m *Metrics) SetBusDepth(topic, subscriber string, depth int) {
	if m == nil {
		return
	}
	m.busDepth.set(topic+"/"+subscriber, int64(depth))
}

// IncHandlerFailure records a handler error or panic.
func (m *Metrics) IncHandlerFailure(topic, subscriber string) {
	if m == nil {
		return
	}
	m.handlerFailures.add(topic+"/"+subscriber, 1)
}

// IncReconcile counts a reconciliation outcome.
func (m *Metrics) IncReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconcile.add(outcome, 1)
}

// SetDrift records the last observed drift magnitude in USD.
func (m *Metrics) SetDrift(usd float64) {
	if m == nil {
		return
	}
	m.driftBits.Store(math.Float64bits(usd))
}

// SetTradingStatus records the current control plane status.
func (m *Metrics) SetTradingStatus(status string, version uint64) {
	if m == nil {
		return
	}
	m.status.Store(status)
	m.statusVersion.Store(version)
}

// ObserveAdmission measures gate evaluation latency.
func (m *Metrics) ObserveAdmission(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionLatency.Observe(d)
}

// ObserveVenueCall measures venue round trip latency.
func (m *Metrics) ObserveVenueCall(d time.Duration) {
	if m == nil {
		return
	}
	m.venueLatency.Observe(d)
}

// ObserveDispatch measures the delay between publish and handler start.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	status, _ := m.status.Load().(string)
	return Snapshot{
		Admissions:       m.admissions.snapshot(),
		Orders:           m.orders.snapshot(),
		BusDrops:         m.busDrops.snapshot(),
		BusDepth:         m.busDepth.snapshot(),
		HandlerFailures:  m.handlerFailures.snapshot(),
		Reconciliation:   m.reconcile.snapshot(),
		DriftUSD:         math.Float64frombits(m.driftBits.Load()),
		TradingStatus:    status,
		StatusVersion:    m.statusVersion.Load(),
		AdmissionLatency: m.admissionLatency.Snapshot(),
		VenueLatency:     m.venueLatency.Snapshot(),
		DispatchLatency:  m.dispatchLatency.Snapshot(),
	}
}

type counterSet struct {
	mu sync.RWMutex
	m  map[string]*atomic.Uint64
}

func (c *counterSet) add(key string, n uint64) {
	c.mu.RLock()
	v, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if c.m == nil {
			c.m = make(map[string]*atomic.Uint64)
		}
		if v, ok = c.m[key]; !ok {
			v = new(atomic.Uint64)
			c.m[key] = v
		}
		c.mu.Unlock()
	}
	v.Add(n)
}

func (c *counterSet) snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v.Load()
	}
	return out
}

type gaugeSet struct {
	mu sync.RWMutex
	m  map[string]*atomic.Int64
}

func (g *gaugeSet) set(key string, v int64) {
	g.mu.RLock()
	cur, ok := g.m[key]
	g.mu.RUnlock()
	if !ok {
		g.mu.Lock()
		if g.m == nil {
			g.m = make(map[string]*atomic.Int64)
		}
		if cur, ok = g.m[key]; !ok {
			cur = new(atomic.Int64)
			g.m[key] = cur
		}
		g.mu.Unlock()
	}
	cur.Store(v)
}

func (g *gaugeSet) snapshot() map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int64, len(g.m))
	for k, v := range g.m {
		out[k] = v.Load()
	}
	return out
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
