package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakePositions []schema.Position

func (f fakePositions) Positions() []schema.Position { return f }

type fakeAdmitter struct {
	mu      sync.Mutex
	plane   *Plane
	seen    []schema.TradeIntent
	states  []schema.TradingStatus
	ctxErrs []error
	failFor string
	// before runs ahead of each admission.
	before func(schema.TradeIntent)
}

func (f *fakeAdmitter) Admit(ctx context.Context, intent schema.TradeIntent) (Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.before != nil {
		f.before(intent)
	}
	f.seen = append(f.seen, intent)
	f.states = append(f.states, f.plane.Status())
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return Admission{}, err
	}
	if intent.Symbol == f.failFor {
		return Admission{Decision: risk.Decision{Action: risk.ActionAccept}}, errors.New("venue down")
	}
	return Admission{
		Decision: risk.Decision{Action: risk.ActionAccept, Quantity: intent.Quantity},
		Handle:   order.Handle{OrderID: "ord-" + intent.Symbol, Status: schema.OrderStatusFilled},
	}, nil
}

func openLedger(t *testing.T) (*ledger.Ledger, *ledger.MemoryJournal) {
	t.Helper()
	j := ledger.NewMemoryJournal()
	l, err := ledger.Open(t.Context(), j, ledger.Config{Clock: func() time.Time { return t0 }})
	require.NoError(t, err)
	return l, j
}

func newPlane(t *testing.T, positions PositionSource) (*Plane, *ledger.Ledger, *ledger.MemoryJournal, *obs.Metrics) {
	t.Helper()
	l, j := openLedger(t)
	metrics := obs.NewMetrics()
	p := NewPlane(Config{Clock: func() time.Time { return t0 }}, l, positions, metrics)
	return p, l, j, metrics
}

func cmd(kind schema.CommandKind, key string) schema.ControlCommand {
	c := schema.ControlCommand{Command: kind, Actor: "alice", IdempotencyKey: key, Reason: "test"}
	if kind.RequiresApproval() {
		c.Approver = "bob"
	}
	return c
}

func TestPlanePauseResume(t *testing.T) {
	p, l, _, metrics := newPlane(t, nil)
	ctx := t.Context()
	require.Equal(t, schema.StatusRunning, p.Status())
	require.Equal(t, uint64(1), p.State().Version)

	res, err := p.Apply(ctx, cmd(schema.CommandPause, "k1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, schema.StatusPaused, res.Status)
	assert.Equal(t, uint64(2), res.Version)

	res, err = p.Apply(ctx, cmd(schema.CommandPause, "k2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, uint64(2), res.Version)

	res, err = p.Apply(ctx, cmd(schema.CommandResume, "k3"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, res.Status)
	assert.Equal(t, uint64(3), res.Version)

	res, err = p.Apply(ctx, cmd(schema.CommandResume, "k4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)

	assert.Len(t, l.Audit(), 4)
	snap := metrics.Snapshot()
	assert.Equal(t, "RUNNING", snap.TradingStatus)
	assert.Equal(t, uint64(3), snap.StatusVersion)
}

func TestPlaneValidation(t *testing.T) {
	testCases := []struct {
		desc string
		cmd  schema.ControlCommand
		err  error
	}{
		{desc: "missing actor", cmd: schema.ControlCommand{Command: schema.CommandPause, IdempotencyKey: "k"}, err: exception.ErrControlMissingActor},
		{desc: "missing key", cmd: schema.ControlCommand{Command: schema.CommandPause, Actor: "alice"}, err: exception.ErrControlMissingKey},
		{desc: "unknown command", cmd: schema.ControlCommand{Command: "halt", Actor: "alice", IdempotencyKey: "k"}, err: exception.ErrControlUnknownCommand},
		{desc: "kill without approver", cmd: schema.ControlCommand{Command: schema.CommandKill, Actor: "alice", IdempotencyKey: "k"}, err: exception.ErrControlApproverRequired},
		{desc: "flatten self approved", cmd: schema.ControlCommand{Command: schema.CommandFlatten, Actor: "alice", Approver: "alice", IdempotencyKey: "k"}, err: exception.ErrControlApproverIsActor},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			p, l, _, _ := newPlane(t, nil)
			_, err := p.Apply(t.Context(), tc.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, schema.StatusRunning, p.Status())
			assert.Empty(t, l.Audit())
		})
	}
}

func TestPlaneIdempotentReplay(t *testing.T) {
	p, l, _, _ := newPlane(t, nil)
	ctx := t.Context()

	first, err := p.Apply(ctx, cmd(schema.CommandKill, "kill-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	again, err := p.Apply(ctx, cmd(schema.CommandKill, "kill-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, again.Outcome)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, schema.StatusKilled, again.Status)
	assert.Len(t, l.Audit(), 1)

	conflicting := cmd(schema.CommandKill, "kill-1")
	conflicting.Reason = "something else"
	_, err = p.Apply(ctx, conflicting)
	assert.ErrorIs(t, err, exception.ErrControlIdempotencyConflict)
}

func TestPlaneKilledIsTerminal(t *testing.T) {
	p, _, _, _ := newPlane(t, nil)
	ctx := t.Context()

	_, err := p.Apply(ctx, cmd(schema.CommandKill, "k1"))
	require.NoError(t, err)

	for i, kind := range []schema.CommandKind{schema.CommandResume, schema.CommandPause, schema.CommandFlatten} {
		_, err := p.Apply(ctx, cmd(kind, "after-"+string(kind)))
		assert.ErrorIs(t, err, exception.ErrControlKilled, "case %d", i)
	}

	res, err := p.Apply(ctx, cmd(schema.CommandKill, "k2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, schema.StatusKilled, p.Status())
}

func TestPlaneAuditFailureLeavesStateUnchanged(t *testing.T) {
	p, _, j, _ := newPlane(t, nil)
	j.FailAppends(errors.New("disk full"))

	_, err := p.Apply(t.Context(), cmd(schema.CommandPause, "k1"))
	require.Error(t, err)
	assert.Equal(t, schema.StatusRunning, p.Status())
	assert.Equal(t, uint64(1), p.State().Version)

	j.FailAppends(nil)
	res, err := p.Apply(t.Context(), cmd(schema.CommandPause, "k1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestPlaneFlatten(t *testing.T) {
	positions := fakePositions{
		{Venue: "SIM", Symbol: "BTCUSDT", Quantity: decimal.RequireFromString("0.5")},
		{Venue: "SIM", Symbol: "ETHUSDT", Quantity: decimal.RequireFromString("-2")},
		{Venue: "SIM", Symbol: "SOLUSDT", Quantity: decimal.Zero},
		{Venue: "REST", Symbol: "XRPUSDT", Quantity: decimal.RequireFromString("10")},
	}
	p, _, _, _ := newPlane(t, positions)
	admitter := &fakeAdmitter{plane: p, failFor: "XRPUSDT"}
	p.SetAdmitter(admitter)

	res, err := p.Apply(t.Context(), cmd(schema.CommandFlatten, "flat-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, res.Status)
	assert.Equal(t, uint64(3), res.Version)
	require.Len(t, res.Flatten, 3)

	require.Len(t, admitter.seen, 3)
	for i, intent := range admitter.seen {
		assert.True(t, intent.Flatten)
		assert.True(t, intent.ReduceOnly)
		assert.Equal(t, schema.StatusFlattening, admitter.states[i])
	}
	assert.Equal(t, schema.SideSell, admitter.seen[0].Side)
	assert.Equal(t, schema.SideBuy, admitter.seen[1].Side)
	assert.True(t, admitter.seen[1].Quantity.Equal(decimal.NewFromInt(2)))

	assert.Equal(t, "ord-BTCUSDT", res.Flatten[0].OrderID)
	assert.Empty(t, res.Flatten[0].Error)
	assert.Equal(t, "venue down", res.Flatten[2].Error)
	assert.True(t, res.Incomplete)

	admitter.failFor = ""
	retry, err := p.Apply(t.Context(), cmd(schema.CommandFlatten, "flat-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, retry.Outcome, "an incomplete flatten must run again on retry")
	assert.False(t, retry.Incomplete)
	assert.Equal(t, uint64(5), retry.Version)
	again, err := p.Apply(t.Context(), cmd(schema.CommandFlatten, "flat-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, again.Outcome)

	_, err = p.Apply(t.Context(), cmd(schema.CommandResume, "r1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, p.Status())
}

func TestPlaneSystemPause(t *testing.T) {
	p, l, _, _ := newPlane(t, nil)
	res, err := p.SystemPause(t.Context(), "drift")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, res.Status)

	res, err = p.SystemPause(t.Context(), "drift")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)

	audit := l.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "system", audit[0].Actor)
}

func TestPlaneRestore(t *testing.T) {
	p, l, _, _ := newPlane(t, fakePositions{})
	ctx := t.Context()
	_, err := p.Apply(ctx, cmd(schema.CommandPause, "k1"))
	require.NoError(t, err)
	_, err = p.Apply(ctx, cmd(schema.CommandResume, "k2"))
	require.NoError(t, err)
	_, err = p.Apply(ctx, cmd(schema.CommandFlatten, "k3"))
	require.NoError(t, err)

	restored := NewPlane(Config{Clock: func() time.Time { return t0 }}, l, nil, nil)
	restored.Restore(l.Audit())
	assert.Equal(t, schema.StatusPaused, restored.Status())

	res, err := restored.Apply(ctx, cmd(schema.CommandResume, "k2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)
	assert.Equal(t, schema.StatusPaused, restored.Status())
	assert.Len(t, l.Audit(), 3)
}

func TestIdempotencyStoreExpiry(t *testing.T) {
	s := newIdempotencyStore(time.Minute)
	c := cmd(schema.CommandPause, "k")
	s.store(c, Result{Outcome: OutcomeApplied}, t0)

	_, dup, err := s.check(c, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, dup)

	_, dup, err = s.check(c, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)

	s.cleanup(t0.Add(2 * time.Minute))
	assert.Equal(t, 0, s.size())
}

func TestPlaneFlattenOutlivesCallerContext(t *testing.T) {
	positions := fakePositions{
		{Venue: "SIM", Symbol: "BTCUSDT", Quantity: decimal.RequireFromString("0.5")},
		{Venue: "SIM", Symbol: "ETHUSDT", Quantity: decimal.RequireFromString("1")},
	}
	p, _, _, _ := newPlane(t, positions)
	ctx, cancel := context.WithCancel(t.Context())
	admitter := &fakeAdmitter{plane: p, before: func(schema.TradeIntent) { cancel() }}
	p.SetAdmitter(admitter)

	res, err := p.Apply(ctx, cmd(schema.CommandFlatten, "flat-1"))
	require.NoError(t, err)
	require.Len(t, admitter.ctxErrs, 2)
	for _, ctxErr := range admitter.ctxErrs {
		assert.NoError(t, ctxErr)
	}
	assert.False(t, res.Incomplete)
	assert.Equal(t, schema.StatusPaused, res.Status)
	for _, r := range res.Flatten {
		assert.Empty(t, r.Error)
	}
}

func TestPlaneKillPreemptsFlatten(t *testing.T) {
	positions := fakePositions{
		{Venue: "SIM", Symbol: "BTCUSDT", Quantity: decimal.RequireFromString("0.5")},
		{Venue: "SIM", Symbol: "ETHUSDT", Quantity: decimal.RequireFromString("1")},
		{Venue: "SIM", Symbol: "SOLUSDT", Quantity: decimal.RequireFromString("3")},
	}
	p, l, _, _ := newPlane(t, positions)
	ctx := t.Context()
	admitter := &fakeAdmitter{plane: p}
	admitter.before = func(intent schema.TradeIntent) {
		if intent.Symbol != "BTCUSDT" {
			return
		}
		_, err := p.Apply(ctx, cmd(schema.CommandPause, "pause-1"))
		assert.ErrorIs(t, err, exception.ErrControlInvalidTransition)

		done := make(chan error, 1)
		go func() {
			_, err := p.Apply(ctx, cmd(schema.CommandKill, "kill-1"))
			done <- err
		}()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("kill waited for the flatten")
		}
	}
	p.SetAdmitter(admitter)

	res, err := p.Apply(ctx, cmd(schema.CommandFlatten, "flat-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusKilled, res.Status)
	assert.Equal(t, schema.StatusKilled, p.Status())
	assert.True(t, res.Incomplete)
	require.Len(t, admitter.seen, 1, "no order may be sent after the kill")
	require.Len(t, res.Flatten, 3)
	assert.Equal(t, "flatten interrupted: KILLED", res.Flatten[1].Error)
	assert.Equal(t, "flatten interrupted: KILLED", res.Flatten[2].Error)

	audit := l.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, schema.CommandFlatten, audit[0].Command)
	assert.Equal(t, schema.CommandKill, audit[1].Command)
}

func TestPlaneRestartAfterKillWaitsPaused(t *testing.T) {
	p, l, _, _ := newPlane(t, nil)
	ctx := t.Context()
	_, err := p.Apply(ctx, cmd(schema.CommandKill, "k1"))
	require.NoError(t, err)
	_, err = p.Apply(ctx, cmd(schema.CommandKill, "k2"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusKilled, p.Status())

	restarted := NewPlane(Config{Clock: func() time.Time { return t0 }}, l, nil, nil)
	restarted.Restore(l.Audit())
	assert.Equal(t, schema.StatusPaused, restarted.Status())
	assert.Equal(t, "restarted after kill: test", restarted.State().Reason)

	res, err := restarted.Apply(ctx, cmd(schema.CommandResume, "k3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, schema.StatusRunning, restarted.Status())

	again := NewPlane(Config{Clock: func() time.Time { return t0 }}, l, nil, nil)
	again.Restore(l.Audit())
	assert.Equal(t, schema.StatusRunning, again.Status(), "a resume audited after the restart replays")
}
