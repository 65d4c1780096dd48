package reconcile

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/control"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/order"
	"tradecore/internal/schema"
	"tradecore/internal/venue"
)

const (
	defaultInterval          = 30 * time.Second
	defaultUnknownAlertAfter = 5 * time.Minute
	defaultCallTimeout       = 5 * time.Second
)

// Outcome labels one reconciliation result.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeAlert        Outcome = "alert"
	OutcomePause        Outcome = "pause"
	OutcomeError        Outcome = "error"
	OutcomeInconsistent Outcome = "inconsistent"
)

// Ledger is what reconciliation reads and repairs.
type Ledger interface {
	order.Ledger
	VenueView(venue string) ledger.VenueView
	Snapshot() ledger.Snapshot
	PendingUnknown() []schema.Order
	Verify() error
	TakeEquitySnapshot(ctx context.Context, now time.Time) (schema.EquitySnapshot, error)
}

// Pauser stops trading on behalf of the loop.
type Pauser interface {
	SystemPause(ctx context.Context, reason string) (control.Result, error)
}

// Config tunes the loop. DriftEpsilonUSD and DriftHardUSD bound the ok and
// alert bands; drift above DriftHardUSD pauses trading.
type Config struct {
	Interval          time.Duration
	DriftEpsilonUSD   decimal.Decimal
	DriftHardUSD      decimal.Decimal
	UnknownAlertAfter time.Duration
	CallTimeout       time.Duration
	Clock             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.UnknownAlertAfter <= 0 {
		c.UnknownAlertAfter = defaultUnknownAlertAfter
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.DriftEpsilonUSD.IsZero() {
		c.DriftEpsilonUSD = decimal.RequireFromString("0.01")
	}
	if c.DriftHardUSD.LessThan(c.DriftEpsilonUSD) {
		c.DriftHardUSD = c.DriftEpsilonUSD
	}
	return c
}

// VenueReport is the drift found at one venue.
type VenueReport struct {
	Venue     string                     `json:"venue"`
	Outcome   Outcome                    `json:"outcome"`
	DriftUSD  decimal.Decimal            `json:"drift_usd"`
	CashDiff  decimal.Decimal            `json:"cash_diff"`
	QtyDiff   map[string]decimal.Decimal `json:"qty_diff,omitempty"`
	Error     string                     `json:"error,omitempty"`
	CheckedAt time.Time                  `json:"checked_at"`
}

// Report summarizes one cycle.
type Report struct {
	At         time.Time     `json:"at"`
	Venues     []VenueReport `json:"venues"`
	Resolved   []string      `json:"resolved"`
	Unresolved []string      `json:"unresolved"`
	Stale      []string      `json:"stale"`
	Ledger     Outcome       `json:"ledger"`
	LedgerErr  string        `json:"ledger_error,omitempty"`
	Paused     bool          `json:"paused"`
}

// Loop periodically compares venue accounts with the ledger.
type Loop struct {
	cfg     Config
	ledger  Ledger
	venues  *venue.Set
	pauser  Pauser
	metrics *obs.Metrics
	apply   order.Applier

	mu        sync.Mutex
	firstSeen map[string]time.Time
	last      Report
}

// NewLoop creates a loop. pauser and metrics may be nil.
func NewLoop(cfg Config, l Ledger, venues *venue.Set, pauser Pauser, metrics *obs.Metrics, pub order.Publisher) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:       cfg,
		ledger:    l,
		venues:    venues,
		pauser:    pauser,
		metrics:   metrics,
		apply:     order.Applier{Ledger: l, Publisher: pub, Clock: cfg.Clock},
		firstSeen: make(map[string]time.Time),
	}
}

// Run reconciles every Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// Last returns the report of the latest cycle.
func (l *Loop) Last() Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// RunOnce runs a single cycle: pending_unknown resolution, ledger
// self-checks, then per-venue drift.
func (l *Loop) RunOnce(ctx context.Context) Report {
	now := l.cfg.Clock()
	report := Report{At: now, Ledger: OutcomeOK}

	report.Resolved, report.Unresolved, report.Stale = l.resolveUnknown(ctx, now)

	if err := l.checkLedger(ctx, now); err != nil {
		report.Ledger = OutcomeInconsistent
		report.LedgerErr = err.Error()
		l.metrics.IncReconcile(string(OutcomeInconsistent))
		logs.Errorf("reconcile: ledger inconsistency: %+v", err)
		report.Paused = l.pause(ctx, "ledger inconsistency: "+err.Error()) || report.Paused
	}

	snap := l.ledger.Snapshot()
	maxDrift := decimal.Zero
	for _, name := range l.venues.Names() {
		client, _ := l.venues.Get(name)
		vr := l.reconcileVenue(ctx, client, snap, now)
		l.metrics.IncReconcile(string(vr.Outcome))
		if vr.DriftUSD.GreaterThan(maxDrift) {
			maxDrift = vr.DriftUSD
		}
		if vr.Outcome == OutcomePause {
			report.Paused = l.pause(ctx, "venue drift at "+name+": "+vr.DriftUSD.StringFixed(2)+" USD") || report.Paused
		}
		report.Venues = append(report.Venues, vr)
	}
	l.metrics.SetDrift(maxDrift.InexactFloat64())

	l.mu.Lock()
	l.last = report
	l.mu.Unlock()
	return report
}

func (l *Loop) reconcileVenue(ctx context.Context, client venue.Client, snap ledger.Snapshot, now time.Time) VenueReport {
	name := client.Name()
	vr := VenueReport{Venue: name, CheckedAt: now, QtyDiff: make(map[string]decimal.Decimal)}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	bal, err := client.Balances(callCtx)
	cancel()
	if err != nil {
		vr.Outcome = OutcomeError
		vr.Error = err.Error()
		logs.Warnf("reconcile: balances of %s unavailable: %+v", name, err)
		return vr
	}

	view := l.ledger.VenueView(name)
	vr.CashDiff = bal.Cash.Sub(view.Cash)
	drift := vr.CashDiff.Abs()

	symbols := make(map[string]struct{}, len(bal.Positions)+len(view.Positions))
	for s := range bal.Positions {
		symbols[s] = struct{}{}
	}
	for s := range view.Positions {
		symbols[s] = struct{}{}
	}
	for s := range symbols {
		diff := bal.Positions[s].Sub(view.Positions[s])
		if diff.IsZero() {
			continue
		}
		vr.QtyDiff[s] = diff
		drift = drift.Add(diff.Abs().Mul(valuationPrice(snap, name, s)))
	}
	vr.DriftUSD = drift

	switch {
	case drift.LessThanOrEqual(l.cfg.DriftEpsilonUSD):
		vr.Outcome = OutcomeOK
	case drift.LessThanOrEqual(l.cfg.DriftHardUSD):
		vr.Outcome = OutcomeAlert
		logs.Warnf("reconcile: drift at %s %s USD (cash %s, qty %v), flagged for review", name, drift, vr.CashDiff, vr.QtyDiff)
	default:
		vr.Outcome = OutcomePause
		logs.Errorf("reconcile: drift at %s %s USD above hard threshold %s", name, drift, l.cfg.DriftHardUSD)
	}
	return vr
}

func valuationPrice(snap ledger.Snapshot, venueName, symbol string) decimal.Decimal {
	if mark := snap.Mark(venueName, symbol); mark.IsPositive() {
		return mark
	}
	return snap.Position(venueName, symbol).AverageEntryPrice
}

// resolveUnknown asks each venue about orders whose outcome is unknown.
func (l *Loop) resolveUnknown(ctx context.Context, now time.Time) (resolved, unresolved, stale []string) {
	pending := l.ledger.PendingUnknown()
	live := make(map[string]struct{}, len(pending))
	for _, o := range pending {
		live[o.OrderID] = struct{}{}
		if l.resolve(ctx, o) {
			resolved = append(resolved, o.OrderID)
			l.forget(o.OrderID)
			continue
		}
		unresolved = append(unresolved, o.OrderID)
		if since := l.seen(o.OrderID, now); now.Sub(since) >= l.cfg.UnknownAlertAfter {
			stale = append(stale, o.OrderID)
			l.metrics.IncReconcile("unknown_stale")
			logs.Errorf("reconcile: order %s (%s %s) unresolved since %s", o.OrderID, o.Venue, o.Symbol, since.Format(time.RFC3339))
		}
	}

	l.mu.Lock()
	for id := range l.firstSeen {
		if _, ok := live[id]; !ok {
			delete(l.firstSeen, id)
		}
	}
	l.mu.Unlock()
	sort.Strings(resolved)
	sort.Strings(unresolved)
	return resolved, unresolved, stale
}

func (l *Loop) resolve(ctx context.Context, o schema.Order) bool {
	client, ok := l.venues.Get(o.Venue)
	if !ok {
		logs.Warnf("reconcile: order %s references unknown venue %s", o.OrderID, o.Venue)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	report, err := client.Query(callCtx, o.IdempotencyKey)
	cancel()
	switch {
	case stderrors.Is(err, venue.ErrOrderNotFound):
		_, err := l.ledger.RecordOrder(context.WithoutCancel(ctx), schema.Order{
			OrderID: o.OrderID,
			Status:  schema.OrderStatusCancelled,
			Reason:  "not found at venue",
		})
		if err != nil {
			logs.Errorf("reconcile: cancel absent order %s: %+v", o.OrderID, err)
			return false
		}
		logs.Infof("reconcile: order %s absent at %s, cancelled", o.OrderID, o.Venue)
		l.metrics.IncReconcile("unknown_cancelled")
		return true
	case err != nil:
		logs.Warnf("reconcile: query %s at %s failed, retry next cycle: %+v", o.OrderID, o.Venue, err)
		return false
	}

	if report.Status == schema.OrderStatusPendingUnknown || report.Status == "" {
		report.Status = schema.OrderStatusSubmitted
	}
	updated, err := l.apply.Apply(context.WithoutCancel(ctx), o.OrderID, report)
	if err != nil {
		logs.Errorf("reconcile: apply report for %s: %+v", o.OrderID, err)
		return false
	}
	if updated.Status == schema.OrderStatusPendingUnknown {
		return false
	}
	logs.Infof("reconcile: order %s resolved to %s", o.OrderID, updated.Status)
	l.metrics.IncReconcile("unknown_resolved")
	return true
}

func (l *Loop) checkLedger(ctx context.Context, now time.Time) error {
	if err := l.ledger.Verify(); err != nil {
		return err
	}
	if _, err := l.ledger.TakeEquitySnapshot(context.WithoutCancel(ctx), now); err != nil {
		if ledger.IsInvariantError(err) {
			return err
		}
		logs.Errorf("reconcile: equity snapshot: %+v", err)
		return nil
	}
	return nil
}

func (l *Loop) pause(ctx context.Context, reason string) bool {
	if l.pauser == nil {
		return false
	}
	res, err := l.pauser.SystemPause(ctx, reason)
	if err != nil {
		logs.Errorf("reconcile: system pause failed: %+v", errors.Wrap(err, reason))
		return false
	}
	if res.Outcome == control.OutcomeApplied {
		logs.Warnf("reconcile: trading paused v%d: %s", res.Version, reason)
	}
	return true
}

func (l *Loop) seen(id string, now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	since, ok := l.firstSeen[id]
	if !ok {
		l.firstSeen[id] = now
		return now
	}
	return since
}

func (l *Loop) forget(id string) {
	l.mu.Lock()
	delete(l.firstSeen, id)
	l.mu.Unlock()
}
