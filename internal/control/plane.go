package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	systemActor           = "system"
	flattenStrategy       = "control.flatten"
)

// Outcome describes what Apply did with a command.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeNoOp           Outcome = "no_op"
)

// State is an immutable control state. Every change creates a new State with
// a higher Version.
type State struct {
	Status    schema.TradingStatus `json:"status"`
	Version   uint64               `json:"version"`
	ChangedAt time.Time            `json:"changed_at"`
	Actor     string               `json:"actor"`
	Reason    string               `json:"reason,omitempty"`
}

// FlattenResult is the outcome of closing one position.
type FlattenResult struct {
	Venue    string             `json:"venue"`
	Symbol   string             `json:"symbol"`
	Quantity decimal.Decimal    `json:"quantity"`
	Side     schema.Side        `json:"side"`
	Decision risk.Action        `json:"decision"`
	Reason   risk.Reason        `json:"reason,omitempty"`
	OrderID  string             `json:"order_id,omitempty"`
	Status   schema.OrderStatus `json:"status,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Result is returned for every accepted command.
type Result struct {
	Command schema.CommandKind   `json:"command"`
	Status  schema.TradingStatus `json:"status"`
	Version uint64               `json:"version"`
	Outcome Outcome              `json:"outcome"`
	Flatten []FlattenResult      `json:"flatten,omitempty"`
	// Incomplete marks a flatten that left positions open. Its key is not
	// remembered, so a retry runs the flatten again.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Admission is the gate and router outcome of one intent.
type Admission struct {
	Decision risk.Decision
	Handle   order.Handle
}

// Admitter runs an intent through the normal admission path.
type Admitter interface {
	Admit(ctx context.Context, intent schema.TradeIntent) (Admission, error)
}

// AuditLog durably records commands.
type AuditLog interface {
	AppendAudit(ctx context.Context, cmd schema.ControlCommand) error
}

// PositionSource lists current positions.
type PositionSource interface {
	Positions() []schema.Position
}

// Config tunes the control plane.
type Config struct {
	IdempotencyTTL time.Duration
	Clock          func() time.Time
}

// Plane owns the trading status. Commands are serialized in receipt order;
// reads never block on a running command. A running flatten does not hold
// the command lock, so a kill can stop it between positions.
type Plane struct {
	cfg       Config
	audit     AuditLog
	positions PositionSource
	metrics   *obs.Metrics

	mu       sync.Mutex
	admitter atomic.Pointer[Admitter]
	state    atomic.Pointer[State]
	seen     *idempotencyStore
}

// NewPlane creates a plane in RUNNING at version 1.
func NewPlane(cfg Config, audit AuditLog, positions PositionSource, metrics *obs.Metrics) *Plane {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	p := &Plane{
		cfg:       cfg,
		audit:     audit,
		positions: positions,
		metrics:   metrics,
		seen:      newIdempotencyStore(cfg.IdempotencyTTL),
	}
	initial := &State{Status: schema.StatusRunning, Version: 1, ChangedAt: cfg.Clock(), Actor: systemActor}
	p.state.Store(initial)
	metrics.SetTradingStatus(string(initial.Status), initial.Version)
	return p
}

// SetAdmitter wires the admission path used by flatten.
func (p *Plane) SetAdmitter(a Admitter) {
	p.admitter.Store(&a)
}

// State returns the current state snapshot.
func (p *Plane) State() State {
	return *p.state.Load()
}

// Status returns the current trading status.
func (p *Plane) Status() schema.TradingStatus {
	return p.state.Load().Status
}

// Apply validates, dedupes, audits and then executes cmd. A flatten keeps
// running when ctx is cancelled; only a kill stops it.
func (p *Plane) Apply(ctx context.Context, cmd schema.ControlCommand) (Result, error) {
	if err := validate(cmd); err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	now := p.cfg.Clock()
	if cached, dup, err := p.seen.check(cmd, now); err != nil {
		p.mu.Unlock()
		return Result{}, errors.Wrapf(err, "key %s", cmd.IdempotencyKey)
	} else if dup {
		p.mu.Unlock()
		cached.Outcome = OutcomeAlreadyApplied
		return cached, nil
	}

	current := p.State()
	next, err := transition(current.Status, cmd.Command)
	if err != nil {
		p.mu.Unlock()
		return Result{}, errors.Wrapf(err, "%s while %s", cmd.Command, current.Status)
	}

	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = now
	}
	if p.audit != nil {
		if err := p.audit.AppendAudit(ctx, cmd); err != nil {
			p.mu.Unlock()
			return Result{}, errors.Wrap(err, "audit control command")
		}
	}

	if next != schema.StatusFlattening {
		result := Result{Command: cmd.Command, Status: current.Status, Version: current.Version, Outcome: OutcomeNoOp}
		if next != current.Status {
			st := p.set(next, cmd.Actor, cmd.Reason, cmd.IssuedAt)
			result = Result{Command: cmd.Command, Status: st.Status, Version: st.Version, Outcome: OutcomeApplied}
		}
		p.seen.store(cmd, result, now)
		p.mu.Unlock()
		p.logApplied(cmd, result)
		return result, nil
	}

	started := p.set(schema.StatusFlattening, cmd.Actor, cmd.Reason, cmd.IssuedAt)
	p.mu.Unlock()

	results, complete := p.flatten(context.WithoutCancel(ctx), cmd)

	p.mu.Lock()
	final := p.State()
	if final.Version == started.Version {
		reason := "flatten complete: " + cmd.Reason
		if !complete {
			reason = "flatten incomplete: " + cmd.Reason
		}
		final = p.set(schema.StatusPaused, cmd.Actor, reason, p.cfg.Clock())
	}
	result := Result{
		Command:    cmd.Command,
		Status:     final.Status,
		Version:    final.Version,
		Outcome:    OutcomeApplied,
		Flatten:    results,
		Incomplete: !complete,
	}
	if complete {
		p.seen.store(cmd, result, now)
	}
	p.mu.Unlock()
	p.logApplied(cmd, result)
	return result, nil
}

func (p *Plane) logApplied(cmd schema.ControlCommand, result Result) {
	if result.Incomplete {
		logs.Warnf("control: %s by %s left positions open -> %s v%d: %s",
			cmd.Command, cmd.Actor, result.Status, result.Version, cmd.Reason)
		return
	}
	logs.Infof("control: %s by %s (approver %q) -> %s v%d (%s): %s",
		cmd.Command, cmd.Actor, cmd.Approver, result.Status, result.Version, result.Outcome, cmd.Reason)
}

// SystemPause pauses trading on behalf of an automated check. It is a no-op
// unless trading is RUNNING.
func (p *Plane) SystemPause(ctx context.Context, reason string) (Result, error) {
	if p.Status() != schema.StatusRunning {
		return Result{Command: schema.CommandPause, Status: p.Status(), Version: p.State().Version, Outcome: OutcomeNoOp}, nil
	}
	now := p.cfg.Clock()
	return p.Apply(ctx, schema.ControlCommand{
		Command:        schema.CommandPause,
		Actor:          systemActor,
		IdempotencyKey: fmt.Sprintf("system-pause-%d", now.UnixNano()),
		Reason:         reason,
		IssuedAt:       now,
	})
}

// Restore rebuilds status and idempotency records from audited commands.
// Flatten orders are not resent and a replayed flatten ends PAUSED without
// remembering its key. A replayed kill also ends PAUSED: KILLED lasts until
// the process stops, and a restarted process waits for an operator resume.
func (p *Plane) Restore(cmds []schema.ControlCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.cfg.Clock()
	for _, cmd := range cmds {
		current := p.State()
		next, err := transition(current.Status, cmd.Command)
		if err != nil {
			continue
		}
		reason := cmd.Reason
		switch next {
		case schema.StatusFlattening:
			next = schema.StatusPaused
		case schema.StatusKilled:
			next = schema.StatusPaused
			reason = "restarted after kill: " + cmd.Reason
		}
		result := Result{Command: cmd.Command, Status: current.Status, Version: current.Version, Outcome: OutcomeNoOp}
		if next != current.Status {
			st := p.set(next, cmd.Actor, reason, cmd.IssuedAt)
			result = Result{Command: cmd.Command, Status: st.Status, Version: st.Version, Outcome: OutcomeApplied}
		}
		if cmd.Command != schema.CommandFlatten && cmd.IdempotencyKey != "" && cmd.IssuedAt.Add(p.cfg.IdempotencyTTL).After(now) {
			p.seen.store(cmd, result, cmd.IssuedAt)
		}
	}
	if len(cmds) > 0 {
		logs.Infof("control: restored %d commands, status %s v%d", len(cmds), p.Status(), p.State().Version)
	}
}

// Cleanup drops expired idempotency records.
func (p *Plane) Cleanup() {
	p.seen.cleanup(p.cfg.Clock())
}

// flatten closes every open position through the admission path. It checks
// the status before each position and stops once trading leaves FLATTENING.
// complete is false when any position was skipped or failed.
func (p *Plane) flatten(ctx context.Context, cmd schema.ControlCommand) (results []FlattenResult, complete bool) {
	if p.positions == nil {
		return nil, true
	}
	var admitter Admitter
	if a := p.admitter.Load(); a != nil {
		admitter = *a
	}

	results = make([]FlattenResult, 0)
	complete = true
	for _, pos := range p.positions.Positions() {
		if pos.Quantity.IsZero() {
			continue
		}
		side := schema.SideSell
		if pos.Quantity.IsNegative() {
			side = schema.SideBuy
		}
		res := FlattenResult{Venue: pos.Venue, Symbol: pos.Symbol, Quantity: pos.Quantity.Abs(), Side: side}
		if status := p.Status(); status != schema.StatusFlattening {
			res.Error = "flatten interrupted: " + string(status)
			results = append(results, res)
			complete = false
			continue
		}
		if admitter == nil {
			res.Error = "no admission path"
			results = append(results, res)
			complete = false
			continue
		}

		intent := schema.TradeIntent{
			ID:         fmt.Sprintf("flatten:%s:%s:%s", cmd.IdempotencyKey, pos.Venue, pos.Symbol),
			StrategyID: flattenStrategy,
			Symbol:     pos.Symbol,
			Venue:      pos.Venue,
			Side:       side,
			Quantity:   pos.Quantity.Abs(),
			Timestamp:  cmd.IssuedAt,
			ReduceOnly: true,
			Flatten:    true,
		}
		adm, err := admitter.Admit(ctx, intent)
		res.Decision = adm.Decision.Action
		res.Reason = adm.Decision.Reason
		res.OrderID = adm.Handle.OrderID
		res.Status = adm.Handle.Status
		switch {
		case err != nil:
			res.Error = err.Error()
			complete = false
			logs.Errorf("control: flatten %s/%s failed: %+v", pos.Venue, pos.Symbol, err)
		case !adm.Decision.Admitted():
			complete = false
		}
		results = append(results, res)
	}
	return results, complete
}

func (p *Plane) set(status schema.TradingStatus, actor, reason string, at time.Time) State {
	prev := p.state.Load()
	next := &State{Status: status, Version: prev.Version + 1, ChangedAt: at, Actor: actor, Reason: reason}
	p.state.Store(next)
	p.metrics.SetTradingStatus(string(status), next.Version)
	return *next
}

func validate(cmd schema.ControlCommand) error {
	if cmd.Actor == "" {
		return exception.ErrControlMissingActor
	}
	if cmd.IdempotencyKey == "" {
		return exception.ErrControlMissingKey
	}
	switch cmd.Command {
	case schema.CommandPause, schema.CommandResume, schema.CommandFlatten, schema.CommandKill:
	default:
		return errors.Wrapf(exception.ErrControlUnknownCommand, "%q", cmd.Command)
	}
	if cmd.Command.RequiresApproval() {
		if cmd.Approver == "" {
			return errors.Wrapf(exception.ErrControlApproverRequired, "%s", cmd.Command)
		}
		if cmd.Approver == cmd.Actor {
			return errors.Wrapf(exception.ErrControlApproverIsActor, "%s", cmd.Command)
		}
	}
	return nil
}

// transition returns the status cmd leads to from status. Returning status
// itself means the command is an accepted no-op.
func transition(status schema.TradingStatus, cmd schema.CommandKind) (schema.TradingStatus, error) {
	if status == schema.StatusKilled {
		if cmd == schema.CommandKill {
			return status, nil
		}
		return status, exception.ErrControlKilled
	}
	switch cmd {
	case schema.CommandKill:
		return schema.StatusKilled, nil
	case schema.CommandPause:
		switch status {
		case schema.StatusRunning, schema.StatusPaused:
			return schema.StatusPaused, nil
		}
	case schema.CommandResume:
		switch status {
		case schema.StatusRunning, schema.StatusPaused:
			return schema.StatusRunning, nil
		}
	case schema.CommandFlatten:
		switch status {
		case schema.StatusRunning, schema.StatusPaused:
			return schema.StatusFlattening, nil
		}
	}
	return status, exception.ErrControlInvalidTransition
}
